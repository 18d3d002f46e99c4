package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TEMP_AUDIO_DIR", filepath.Join(t.TempDir(), "audio"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr() != "0.0.0.0:8080" {
		t.Fatalf("BindAddr() = %q, want %q", cfg.BindAddr(), "0.0.0.0:8080")
	}
	if cfg.DefaultSourceLang != "en" || cfg.DefaultTargetLang != "es" {
		t.Fatalf("default pair = %s->%s, want en->es", cfg.DefaultSourceLang, cfg.DefaultTargetLang)
	}
	if cfg.MaxTempFiles != 1000 || cfg.MaxConnections != 100 || cfg.MaxConcurrentTranslations != 10 {
		t.Fatalf("unexpected ceilings: %+v", cfg)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if len(cfg.CORSOrigins) != 3 {
		t.Fatalf("CORSOrigins = %v, want 3 defaults", cfg.CORSOrigins)
	}
	if !cfg.JournalRedactPII {
		t.Fatal("JournalRedactPII should default to true")
	}
	if _, err := os.Stat(cfg.TempAudioDir); err != nil {
		t.Fatalf("temp dir not created: %v", err)
	}
}

func TestLoadAcceptsBareSecondsForDurations(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TEMP_AUDIO_DIR", t.TempDir())
	t.Setenv("WS_HEARTBEAT_INTERVAL", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HeartbeatInterval != 45*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 45s", cfg.HeartbeatInterval)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	cases := map[string]map[string]string{
		"port too large":      {"PORT": "70000"},
		"port not a number":   {"PORT": "eighty"},
		"unknown default":     {"DEFAULT_TARGET_LANG": "zz"},
		"zero ceiling":        {"MAX_TEMP_FILES": "0"},
		"bad provider":        {"VOICE_PROVIDER": "carrier-pigeon"},
		"http without url":    {"VOICE_PROVIDER": "http"},
		"uncreatable dir":     {"TEMP_AUDIO_DIR": filepath.Join(blocker, "audio")},
		"silence out of band": {"SILENCE_THRESHOLD": "1.5"},
		"fallback alone":      {"VOICE_HTTP_FALLBACK_URL": "http://backup:9000"},
		"redact not a bool":   {"JOURNAL_REDACT_PII": "sometimes"},
		"negative threads":    {"VOICE_WHISPER_THREADS": "-1"},
		"negative rate":       {"WS_AUDIO_RATE": "-2"},
		"raw tts format":      {"ELEVENLABS_API_KEY": "k", "ELEVENLABS_TTS_OUTPUT_FORMAT": "pcm_16000"},
		"zero shutdown":       {"APP_SHUTDOWN_TIMEOUT": "0s"},
		"negative shutdown":   {"APP_SHUTDOWN_TIMEOUT": "-5s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("TEMP_AUDIO_DIR", t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("Load() expected error for %v", env)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"HOST",
		"PORT",
		"ENVIRONMENT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"CORS_ORIGINS",
		"SAMPLE_RATE",
		"CHUNK_SIZE",
		"MAX_AUDIO_DURATION",
		"SILENCE_THRESHOLD",
		"DEFAULT_SOURCE_LANG",
		"DEFAULT_TARGET_LANG",
		"TRANSLATION_TIMEOUT",
		"WS_HEARTBEAT_INTERVAL",
		"WS_MAX_CONNECTIONS",
		"WS_AUDIO_RATE",
		"WS_AUDIO_BURST",
		"TEMP_AUDIO_DIR",
		"MAX_TEMP_FILES",
		"ARTIFACT_SWEEP_INTERVAL",
		"MAX_CONCURRENT_TRANSLATIONS",
		"VOICE_PROVIDER",
		"VOICE_HTTP_URL",
		"VOICE_HTTP_FALLBACK_URL",
		"DATABASE_URL",
		"JOURNAL_REDACT_PII",
		"VOICE_WHISPER_CLI",
		"VOICE_WHISPER_MODEL_PATH",
		"VOICE_WHISPER_THREADS",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
