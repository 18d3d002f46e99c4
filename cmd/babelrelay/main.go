package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ent0n29/babelrelay/internal/app"
	"github.com/ent0n29/babelrelay/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := initLogger(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, reg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	cfg = built.Config
	logger.Info("voice provider", zap.String("provider", built.Voice.Provider), zap.String("detail", built.Voice.Detail))

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Artifacts.Start(runCtx, cfg.ArtifactSweepInterval)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr()),
			zap.String("environment", cfg.Environment),
			zap.Int("max_connections", cfg.MaxConnections),
			zap.Int("max_concurrent_translations", cfg.MaxConcurrentTranslations),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	// Upgraded websockets are hijacked and not tracked by Shutdown.
	if err := built.Gateway.Drain(shutdownCtx); err != nil {
		logger.Warn("connection drain incomplete", zap.Error(err))
	}
	runCancel()
	if err := built.Cleanup(); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func initLogger(levelName, format string) *zap.Logger {
	var level zapcore.Level
	switch levelName {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
