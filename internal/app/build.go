package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/babelrelay/internal/artifact"
	"github.com/ent0n29/babelrelay/internal/audio"
	"github.com/ent0n29/babelrelay/internal/config"
	"github.com/ent0n29/babelrelay/internal/gateway"
	"github.com/ent0n29/babelrelay/internal/history"
	"github.com/ent0n29/babelrelay/internal/httpapi"
	"github.com/ent0n29/babelrelay/internal/language"
	"github.com/ent0n29/babelrelay/internal/observability"
	"github.com/ent0n29/babelrelay/internal/pipeline"
	"github.com/ent0n29/babelrelay/internal/session"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Gateway   *gateway.Gateway
	Artifacts *artifact.Store
	Journal   history.Store
	Metrics   *observability.Metrics
	Voice     VoiceInfo

	// Cleanup releases the journal and clears the session registry.
	Cleanup func() error
}

// Build wires every component from cfg. reg may be nil for an isolated registry.
func Build(ctx context.Context, cfg config.Config, reg *prometheus.Registry, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	artifacts, err := artifact.Open(cfg.TempAudioDir, cfg.MaxTempFiles, logger.Named("artifacts"))
	if err != nil {
		return nil, fmt.Errorf("artifact store init failed: %w", err)
	}
	artifacts.SetIndexHook(metrics.ObserveArtifacts)

	journal, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("translation journal init failed: %w", err)
	}

	sessions := session.NewManager(language.Default(), session.Defaults{
		Source: cfg.DefaultSourceLang,
		Target: cfg.DefaultTargetLang,
	})

	orchestrator := pipeline.New(pipeline.Config{
		MaxConcurrent: cfg.MaxConcurrentTranslations,
		StageTimeout:  cfg.TranslationTimeout,
	}, voiceSetup.recognizer, voiceSetup.translator, voiceSetup.synthesizer, artifacts, metrics, logger.Named("pipeline"))

	gw := gateway.New(gateway.Config{
		MaxConnections: cfg.MaxConnections,
		MaxAudioBytes:  audio.MaxPayloadBytes(cfg.SampleRate, cfg.MaxAudioDuration),
		RedactJournal:  cfg.JournalRedactPII,
		AudioRate:      cfg.AudioRateLimit,
		AudioBurst:     cfg.AudioRateBurst,
	}, sessions, orchestrator, journal, metrics, logger.Named("gateway"))

	api := httpapi.New(cfg, sessions, gw, artifacts, journal, metrics, logger.Named("http"))

	cleanup := func() error {
		var errs []error
		if n := sessions.Clear(); n > 0 {
			logger.Info("cleared sessions", zap.Int("count", n))
		}
		metrics.ActiveSessions.Set(0)
		if err := journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Gateway:   gw,
		Artifacts: artifacts,
		Journal:   journal,
		Metrics:   metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
