package voice

import (
	"context"
	"errors"
)

var (
	// ErrNoSpeech reports audio without intelligible speech.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrUnsupportedPair reports a language pair the translator cannot serve.
	ErrUnsupportedPair = errors.New("unsupported language pair")
)

// Recognizer turns an audio payload into text. Implementations return
// ErrNoSpeech (or an empty string) for silence.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, languageHint string) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Speech is synthesized audio. Format is the file extension, e.g. "wav" or "mp3".
type Speech struct {
	Audio  []byte
	Format string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) (Speech, error)
}
