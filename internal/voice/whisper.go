package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ent0n29/babelrelay/internal/audio"
)

type WhisperConfig struct {
	CLI              string
	ModelPath        string
	Threads          int
	SampleRate       int
	SilenceThreshold float64
}

// WhisperRecognizer transcribes payloads with a local whisper.cpp CLI. Each
// call writes the clip to a scratch WAV and reads back the text output.
type WhisperRecognizer struct {
	cliPath          string
	modelPath        string
	threads          int
	sampleRate       int
	silenceThreshold float64
}

var whisperBlankMarkers = []string{"[BLANK_AUDIO]", "[SILENCE]", "(silence)"}

func NewWhisperRecognizer(cfg WhisperConfig) (*WhisperRecognizer, error) {
	cli := strings.TrimSpace(cfg.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("VOICE_WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}

	threads := cfg.Threads
	if threads < 0 {
		return nil, fmt.Errorf("VOICE_WHISPER_THREADS must be >= 0")
	}
	if threads == 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	threshold := cfg.SilenceThreshold
	if threshold <= 0 {
		threshold = 0.01
	}

	return &WhisperRecognizer{
		cliPath:          cliPath,
		modelPath:        modelPath,
		threads:          threads,
		sampleRate:       sampleRate,
		silenceThreshold: threshold,
	}, nil
}

// Recognize accepts WAV or raw PCM16LE mono at the configured sample rate.
// Quiet clips short-circuit to ErrNoSpeech without spawning the CLI.
func (w *WhisperRecognizer) Recognize(ctx context.Context, payload []byte, languageHint string) (string, error) {
	clip, err := audio.DecodeWAV(payload)
	if errors.Is(err, audio.ErrNotWAV) {
		clip = audio.Clip{PCM: payload, SampleRate: w.sampleRate, Channels: 1}
	} else if err != nil {
		return "", fmt.Errorf("decode audio: %w", err)
	}
	if len(clip.PCM) < 2 || clip.RMS() < w.silenceThreshold {
		return "", ErrNoSpeech
	}

	tmpDir, err := os.MkdirTemp("", "babelrelay-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	f, err := os.Create(wavPath)
	if err != nil {
		return "", err
	}
	if err := audio.WriteWAVPCM16LETo(f, clip.PCM, clip.SampleRate); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	outPrefix := filepath.Join(tmpDir, "out")
	cmd := exec.CommandContext(ctx, w.cliPath, w.args(wavPath, outPrefix, languageHint)...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("whisper.cpp: %w", ctxErr)
		}
		detail := strings.TrimSpace(stderr.String())
		// whisper.cpp is chatty; keep the tail.
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	text := cleanWhisperText(string(b))
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

func (w *WhisperRecognizer) args(wavPath, outPrefix, lang string) []string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		lang = "auto"
	}
	return []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", lang,
		"-otxt",
		"-of", outPrefix,
		"-nt",
		"-t", strconv.Itoa(w.threads),
	}
}

func cleanWhisperText(raw string) string {
	for _, marker := range whisperBlankMarkers {
		raw = strings.ReplaceAll(raw, marker, " ")
	}
	return strings.Join(strings.Fields(raw), " ")
}
