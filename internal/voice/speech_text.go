package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	speechTagPattern          = regexp.MustCompile(`<[^>]*>`)

	speechMarkupReplacer = strings.NewReplacer(
		"*", " ", "_", " ", "`", " ", "\\", " ", "/", " ",
		"|", " ", "#", " ", "~", " ", "<", " ", ">", " ",
	)
)

// SpeakableText strips markup, links and symbol glyphs from a translation so
// the synthesizer only receives words. It returns "" when nothing speakable
// is left.
func SpeakableText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechTagPattern.ReplaceAllString(raw, " ")

	raw = speechMarkupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	words := 0

	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				words++
			}
			b.WriteRune(r)
			prevSpace = false
		}
	}

	if words == 0 {
		return ""
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')', '¿', '¡':
		return true
	default:
		return false
	}
}
