package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/babelrelay/internal/config"
	"github.com/ent0n29/babelrelay/internal/voice"
)

type voiceSetup struct {
	recognizer       voice.Recognizer
	translator       voice.Translator
	synthesizer      voice.Synthesizer
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	tryHTTP := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.VoiceHTTPURL) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewHTTPProvider(voice.HTTPConfig{
			BaseURL: cfg.VoiceHTTPURL,
			Timeout: cfg.TranslationTimeout,
		})
		setup := voiceSetup{
			recognizer:       p,
			translator:       p,
			synthesizer:      p,
			resolvedProvider: "http",
			detail:           "model service at " + cfg.VoiceHTTPURL,
		}
		if fallbackURL := strings.TrimSpace(cfg.VoiceHTTPFallbackURL); fallbackURL != "" {
			fb := voice.NewHTTPProvider(voice.HTTPConfig{
				BaseURL: fallbackURL,
				Timeout: cfg.TranslationTimeout,
			})
			f := voice.NewFailover(
				voice.Backend{Recognizer: p, Translator: p, Synthesizer: p},
				voice.Backend{Recognizer: fb, Translator: fb, Synthesizer: fb},
			)
			setup.recognizer, setup.translator, setup.synthesizer = f, f, f
			setup.detail += " (fallback " + fallbackURL + ")"
		}
		return setup, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider(voice.MockConfig{
			SampleRate:       cfg.SampleRate,
			SilenceThreshold: cfg.SilenceThreshold,
		})
		return voiceSetup{
			recognizer:       p,
			translator:       p,
			synthesizer:      p,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	var setup voiceSetup
	switch mode {
	case "http":
		var ok bool
		if setup, ok = tryHTTP(); !ok {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=http but VOICE_HTTP_URL is not set")
		}
	case "mock":
		setup = mock("mock")
	case "auto":
		var ok bool
		if setup, ok = tryHTTP(); !ok {
			setup = mock("mock (no VOICE_HTTP_URL configured)")
		}
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|http|mock)", cfg.VoiceProvider)
	}

	if strings.TrimSpace(cfg.WhisperModelPath) != "" {
		w, err := voice.NewWhisperRecognizer(voice.WhisperConfig{
			CLI:              cfg.WhisperCLI,
			ModelPath:        cfg.WhisperModelPath,
			Threads:          cfg.WhisperThreads,
			SampleRate:       cfg.SampleRate,
			SilenceThreshold: cfg.SilenceThreshold,
		})
		if err != nil {
			return voiceSetup{}, fmt.Errorf("local whisper recognizer: %w", err)
		}
		setup.recognizer = w
		setup.detail += "; recognition via whisper.cpp"
	}

	if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
		tts, err := voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			VoiceID:      cfg.ElevenLabsTTSVoice,
			ModelID:      cfg.ElevenLabsTTSModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
		})
		if err != nil {
			return voiceSetup{}, fmt.Errorf("elevenlabs synthesizer: %w", err)
		}
		setup.synthesizer = tts
		setup.detail += "; synthesis via ElevenLabs"
	}
	return setup, nil
}
