package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/babelrelay/internal/language"
)

// Config contains all runtime settings for the translation relay.
type Config struct {
	Host             string
	Port             int
	Environment      string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	CORSOrigins []string

	SampleRate       int
	ChunkSize        int
	MaxAudioDuration time.Duration
	SilenceThreshold float64

	DefaultSourceLang  string
	DefaultTargetLang  string
	TranslationTimeout time.Duration

	HeartbeatInterval time.Duration
	MaxConnections    int
	AudioRateLimit    float64
	AudioRateBurst    int

	TempAudioDir          string
	MaxTempFiles          int
	ArtifactSweepInterval time.Duration

	MaxConcurrentTranslations int

	VoiceProvider        string
	VoiceHTTPURL         string
	VoiceHTTPFallbackURL string

	// A whisper.cpp model path switches recognition to the local CLI.
	WhisperCLI       string
	WhisperModelPath string
	WhisperThreads   int

	// An ElevenLabs API key switches synthesis to the streaming TTS API.
	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	DatabaseURL      string
	JournalRedactPII bool
}

// BindAddr is the host:port the HTTP server listens on.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Host:             envOrDefault("HOST", "0.0.0.0"),
		Environment:      envOrDefault("ENVIRONMENT", "development"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "babelrelay"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		CORSOrigins: splitList(envOrDefault("CORS_ORIGINS",
			"http://localhost:3000,http://localhost:19006,exp://*")),
		DefaultSourceLang: strings.ToLower(envOrDefault("DEFAULT_SOURCE_LANG", "en")),
		DefaultTargetLang: strings.ToLower(envOrDefault("DEFAULT_TARGET_LANG", "es")),
		TempAudioDir:      envOrDefault("TEMP_AUDIO_DIR", "temp_audio"),
		VoiceProvider:     strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),
		VoiceHTTPURL:      stringsTrimSpace("VOICE_HTTP_URL"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),

		VoiceHTTPFallbackURL: stringsTrimSpace("VOICE_HTTP_FALLBACK_URL"),
		WhisperCLI:           envOrDefault("VOICE_WHISPER_CLI", "whisper-cli"),
		WhisperModelPath:     stringsTrimSpace("VOICE_WHISPER_MODEL_PATH"),

		ElevenLabsAPIKey:          stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:       envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:        envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:        envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),
	}

	var err error
	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"PORT", &cfg.Port, 8080},
		{"SAMPLE_RATE", &cfg.SampleRate, 16000},
		{"CHUNK_SIZE", &cfg.ChunkSize, 1024},
		{"WS_MAX_CONNECTIONS", &cfg.MaxConnections, 100},
		{"MAX_TEMP_FILES", &cfg.MaxTempFiles, 1000},
		{"MAX_CONCURRENT_TRANSLATIONS", &cfg.MaxConcurrentTranslations, 10},
		{"VOICE_WHISPER_THREADS", &cfg.WhisperThreads, 0},
		{"WS_AUDIO_BURST", &cfg.AudioRateBurst, 20},
	}
	for _, v := range ints {
		if *v.dst, err = intFromEnv(v.key, v.fallback); err != nil {
			return Config{}, err
		}
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 15 * time.Second},
		{"MAX_AUDIO_DURATION", &cfg.MaxAudioDuration, 30 * time.Second},
		{"TRANSLATION_TIMEOUT", &cfg.TranslationTimeout, 10 * time.Second},
		{"WS_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval, 30 * time.Second},
		{"ARTIFACT_SWEEP_INTERVAL", &cfg.ArtifactSweepInterval, time.Minute},
	}
	for _, v := range durations {
		if *v.dst, err = durationFromEnv(v.key, v.fallback); err != nil {
			return Config{}, err
		}
	}

	cfg.SilenceThreshold, err = floatFromEnv("SILENCE_THRESHOLD", 0.01)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioRateLimit, err = floatFromEnv("WS_AUDIO_RATE", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.JournalRedactPII, err = boolFromEnv("JOURNAL_REDACT_PII", true)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and creates the artifact directory.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	positive := []struct {
		key string
		v   int
	}{
		{"SAMPLE_RATE", c.SampleRate},
		{"CHUNK_SIZE", c.ChunkSize},
		{"WS_MAX_CONNECTIONS", c.MaxConnections},
		{"MAX_TEMP_FILES", c.MaxTempFiles},
		{"MAX_CONCURRENT_TRANSLATIONS", c.MaxConcurrentTranslations},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	durations := []struct {
		key string
		v   time.Duration
	}{
		{"MAX_AUDIO_DURATION", c.MaxAudioDuration},
		{"TRANSLATION_TIMEOUT", c.TranslationTimeout},
		{"WS_HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"ARTIFACT_SWEEP_INTERVAL", c.ArtifactSweepInterval},
		{"APP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold >= 1 {
		return fmt.Errorf("SILENCE_THRESHOLD must be in [0, 1)")
	}

	catalog := language.Default()
	if !catalog.Supports(c.DefaultSourceLang) {
		return fmt.Errorf("DEFAULT_SOURCE_LANG %q is not a supported language", c.DefaultSourceLang)
	}
	if !catalog.Supports(c.DefaultTargetLang) {
		return fmt.Errorf("DEFAULT_TARGET_LANG %q is not a supported language", c.DefaultTargetLang)
	}

	switch c.VoiceProvider {
	case "auto", "mock":
	case "http":
		if c.VoiceHTTPURL == "" {
			return fmt.Errorf("VOICE_PROVIDER=http requires VOICE_HTTP_URL")
		}
	default:
		return fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|http|mock)", c.VoiceProvider)
	}

	if c.VoiceHTTPFallbackURL != "" && c.VoiceHTTPURL == "" {
		return fmt.Errorf("VOICE_HTTP_FALLBACK_URL requires VOICE_HTTP_URL")
	}
	if c.AudioRateLimit < 0 || c.AudioRateBurst < 0 {
		return fmt.Errorf("WS_AUDIO_RATE and WS_AUDIO_BURST must be >= 0")
	}
	if c.WhisperThreads < 0 {
		return fmt.Errorf("VOICE_WHISPER_THREADS must be >= 0")
	}
	if c.ElevenLabsAPIKey != "" && strings.HasPrefix(strings.ToLower(c.ElevenLabsTTSOutputFormat), "pcm") {
		return fmt.Errorf("ELEVENLABS_TTS_OUTPUT_FORMAT %q is not a playable file format", c.ElevenLabsTTSOutputFormat)
	}

	if strings.TrimSpace(c.TempAudioDir) == "" {
		return fmt.Errorf("TEMP_AUDIO_DIR must not be empty")
	}
	if err := os.MkdirAll(c.TempAudioDir, 0o755); err != nil {
		return fmt.Errorf("TEMP_AUDIO_DIR %q: %w", c.TempAudioDir, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are seconds.
		if n, convErr := strconv.Atoi(v); convErr == nil {
			return time.Duration(n) * time.Second, nil
		}
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s parse error: %w", key, err)
	}
	return b, nil
}
