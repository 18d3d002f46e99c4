package history

import "regexp"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Cards run before phones so long digit runs are not classified as phone numbers.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`), "[REDACTED_IBAN]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactText masks emails, IBANs, card numbers and phone numbers.
func RedactText(input string) (string, bool) {
	out := input
	changed := false
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.replacement)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Redact masks both texts of a record and marks it when anything changed.
func Redact(r Record) Record {
	var origChanged, transChanged bool
	r.OriginalText, origChanged = RedactText(r.OriginalText)
	r.TranslatedText, transChanged = RedactText(r.TranslatedText)
	r.PIIRedacted = r.PIIRedacted || origChanged || transChanged
	return r
}
