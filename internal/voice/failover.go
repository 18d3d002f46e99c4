package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Failover routes every collaborator call to a primary backend and switches
// to the fallback when the primary fails. Once the fallback succeeds it stays
// active until it fails; then the primary is retried.
//
// ErrNoSpeech and ErrUnsupportedPair are answers, not outages, and never
// trigger a switch.
type Failover struct {
	primary  Backend
	fallback Backend
	active   atomic.Bool
}

// Backend bundles the three collaborators of one provider.
type Backend struct {
	Recognizer  Recognizer
	Translator  Translator
	Synthesizer Synthesizer
}

func NewFailover(primary, fallback Backend) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

// FallbackActive reports whether calls currently prefer the fallback.
func (f *Failover) FallbackActive() bool {
	return f.active.Load()
}

func (f *Failover) Recognize(ctx context.Context, audio []byte, languageHint string) (string, error) {
	return run(f, "stt", func(b Backend) (string, error) {
		return b.Recognizer.Recognize(ctx, audio, languageHint)
	})
}

func (f *Failover) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return run(f, "translate", func(b Backend) (string, error) {
		return b.Translator.Translate(ctx, text, sourceLang, targetLang)
	})
}

func (f *Failover) Synthesize(ctx context.Context, text, lang string) (Speech, error) {
	return run(f, "tts", func(b Backend) (Speech, error) {
		return b.Synthesizer.Synthesize(ctx, text, lang)
	})
}

func run[T any](f *Failover, kind string, call func(Backend) (T, error)) (T, error) {
	if f.active.Load() {
		out, fbErr := call(f.fallback)
		if settled(fbErr) {
			return out, fbErr
		}
		// Fallback failed after being active; try primary again.
		out, prErr := call(f.primary)
		if settled(prErr) {
			f.active.Store(false)
			return out, prErr
		}
		var zero T
		return zero, fmt.Errorf("%s fallback failed: %v; %s primary failed: %w", kind, fbErr, kind, prErr)
	}

	out, prErr := call(f.primary)
	if settled(prErr) {
		return out, prErr
	}
	out, fbErr := call(f.fallback)
	if !settled(fbErr) {
		var zero T
		return zero, fmt.Errorf("%s primary failed: %v; %s fallback failed: %w", kind, prErr, kind, fbErr)
	}
	f.active.Store(true)
	return out, fbErr
}

func settled(err error) bool {
	return err == nil || errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrUnsupportedPair)
}
