package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/babelrelay/internal/audio"
)

// MockConfig tunes the deterministic local provider.
type MockConfig struct {
	SampleRate       int
	SilenceThreshold float64
	// Transcript is returned for any non-silent input.
	Transcript string
	// Languages lists the codes the translator accepts. Empty means English plus
	// the Dictionary targets.
	Languages  []string
	Dictionary map[string]map[string]string // [target][source text]translated
}

// MockProvider is a local fallback used when no model service is configured.
// Silence is detected by signal energy; speech output is a tone whose length
// follows the text.
type MockProvider struct {
	cfg       MockConfig
	languages map[string]struct{}
}

func NewMockProvider(cfg MockConfig) *MockProvider {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.01
	}
	if strings.TrimSpace(cfg.Transcript) == "" {
		cfg.Transcript = "simulated voice input"
	}
	if cfg.Dictionary == nil {
		cfg.Dictionary = defaultPhrasebook
	}
	langs := make(map[string]struct{}, len(cfg.Languages))
	for _, l := range cfg.Languages {
		langs[strings.ToLower(l)] = struct{}{}
	}
	return &MockProvider{cfg: cfg, languages: langs}
}

var defaultPhrasebook = map[string]map[string]string{
	"es": {"hello world": "hola mundo", "thank you": "gracias"},
	"fr": {"hello world": "bonjour le monde", "thank you": "merci"},
	"de": {"hello world": "hallo welt", "thank you": "danke"},
}

// Recognize accepts WAV or raw PCM16LE mono at the configured sample rate.
func (p *MockProvider) Recognize(ctx context.Context, payload []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clip, err := audio.DecodeWAV(payload)
	if errors.Is(err, audio.ErrNotWAV) {
		clip = audio.Clip{PCM: payload, SampleRate: p.cfg.SampleRate, Channels: 1}
	} else if err != nil {
		return "", fmt.Errorf("decode audio: %w", err)
	}
	if len(clip.PCM) < 2 || clip.RMS() < p.cfg.SilenceThreshold {
		return "", ErrNoSpeech
	}
	return p.cfg.Transcript, nil
}

func (p *MockProvider) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !p.supports(sourceLang) || !p.supports(targetLang) {
		return "", fmt.Errorf("%w: %s->%s", ErrUnsupportedPair, sourceLang, targetLang)
	}
	if sourceLang == targetLang {
		return text, nil
	}
	if phrases, ok := p.cfg.Dictionary[targetLang]; ok {
		if out, ok := phrases[strings.ToLower(strings.TrimSpace(text))]; ok {
			return out, nil
		}
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text, _ string) (Speech, error) {
	if err := ctx.Err(); err != nil {
		return Speech{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Speech{}, errors.New("nothing to synthesize")
	}
	d := time.Duration(len([]rune(text))) * 60 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	wav, err := audio.EncodeWAVPCM16LE(audio.Tone(p.cfg.SampleRate, 220, d, 0.2), p.cfg.SampleRate)
	if err != nil {
		return Speech{}, err
	}
	return Speech{Audio: wav, Format: "wav"}, nil
}

func (p *MockProvider) supports(code string) bool {
	if len(p.languages) == 0 {
		_, ok := p.cfg.Dictionary[code]
		return ok || code == "en"
	}
	_, ok := p.languages[strings.ToLower(code)]
	return ok
}
