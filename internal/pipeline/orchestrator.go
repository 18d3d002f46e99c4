package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/babelrelay/internal/artifact"
	"github.com/ent0n29/babelrelay/internal/observability"
	"github.com/ent0n29/babelrelay/internal/session"
	"github.com/ent0n29/babelrelay/internal/voice"
)

type Stage string

const (
	StageRecognize  Stage = "recognize"
	StageTranslate  Stage = "translate"
	StageSynthesize Stage = "synthesize"
)

var (
	// ErrNoSpeech ends a run quietly: nothing is reported to the client.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrBusy rejects a run when the concurrent translation ceiling is reached.
	ErrBusy = errors.New("translation capacity reached, try again shortly")
)

// StageError is a reportable failure of one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result of a successful run.
type Result struct {
	OriginalText   string
	TranslatedText string
	SourceLang     string
	TargetLang     string
	AudioURL       string
}

// ArtifactSaver persists synthesized audio and returns its retrieval path.
type ArtifactSaver interface {
	Save(data []byte, owner, ext string) (artifact.Artifact, error)
}

type Config struct {
	MaxConcurrent int
	// StageTimeout bounds each collaborator call. Zero means no limit.
	StageTimeout time.Duration
}

// Orchestrator runs recognize -> translate -> synthesize for one audio payload.
// Collaborators are shared by all connections and must be safe for concurrent use.
type Orchestrator struct {
	recognizer   voice.Recognizer
	translator   voice.Translator
	synthesizer  voice.Synthesizer
	store        ArtifactSaver
	slots        *semaphore.Weighted
	stageTimeout time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger
}

func New(
	cfg Config,
	recognizer voice.Recognizer,
	translator voice.Translator,
	synthesizer voice.Synthesizer,
	store ArtifactSaver,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		recognizer:   recognizer,
		translator:   translator,
		synthesizer:  synthesizer,
		store:        store,
		slots:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stageTimeout: cfg.StageTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Process runs the pipeline for a session snapshot. It returns ErrNoSpeech,
// ErrBusy, or a *StageError on failure.
func (o *Orchestrator) Process(ctx context.Context, s session.Session, audio []byte) (Result, error) {
	if !o.slots.TryAcquire(1) {
		o.metrics.Rejections.WithLabelValues("pipeline_capacity").Inc()
		return Result{}, ErrBusy
	}
	defer o.slots.Release(1)
	o.metrics.InflightRuns.Inc()
	defer o.metrics.InflightRuns.Dec()

	started := time.Now()
	log := o.logger.With(zap.String("user_id", s.UserID), zap.String("source", s.SourceLanguage), zap.String("target", s.TargetLanguage))

	var text string
	err := o.stage(ctx, StageRecognize, func(ctx context.Context) error {
		var err error
		text, err = o.recognizer.Recognize(ctx, audio, s.SourceLanguage)
		return err
	})
	text = strings.TrimSpace(text)
	if errors.Is(err, voice.ErrNoSpeech) || (err == nil && text == "") {
		log.Debug("no speech detected", zap.Int("bytes", len(audio)))
		return Result{}, ErrNoSpeech
	}
	if err != nil {
		return Result{}, o.fail(log, StageRecognize, err)
	}

	var translated string
	err = o.stage(ctx, StageTranslate, func(ctx context.Context) error {
		var err error
		translated, err = o.translator.Translate(ctx, text, s.SourceLanguage, s.TargetLanguage)
		return err
	})
	if err != nil {
		return Result{}, o.fail(log, StageTranslate, err)
	}

	res := Result{
		OriginalText:   text,
		TranslatedText: translated,
		SourceLang:     s.SourceLanguage,
		TargetLang:     s.TargetLanguage,
	}

	spoken := voice.SpeakableText(translated)
	if spoken == "" {
		spoken = translated
	}

	var speech voice.Speech
	err = o.stage(ctx, StageSynthesize, func(ctx context.Context) error {
		var err error
		speech, err = o.synthesizer.Synthesize(ctx, spoken, s.TargetLanguage)
		return err
	})
	if err != nil {
		return Result{}, o.fail(log, StageSynthesize, err)
	}
	stored, err := o.store.Save(speech.Audio, s.UserID, speech.Format)
	if err != nil {
		return Result{}, o.fail(log, StageSynthesize, fmt.Errorf("store audio: %w", err))
	}
	res.AudioURL = stored.URL

	o.metrics.ObservePipelineLatency(time.Since(started))
	log.Debug("pipeline complete", zap.String("artifact", stored.Name), zap.Duration("took", time.Since(started)))
	return res, nil
}

func (o *Orchestrator) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	started := time.Now()
	defer func() { o.metrics.ObserveStage(string(stage), time.Since(started)) }()
	if o.stageTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	return fn(ctx)
}

// fail counts the failure. The caller logs it once it knows whether the
// connection is still there.
func (o *Orchestrator) fail(log *zap.Logger, stage Stage, err error) error {
	o.metrics.StageFailures.WithLabelValues(string(stage)).Inc()
	log.Debug("pipeline stage failed", zap.String("stage", string(stage)), zap.Error(err))
	return &StageError{Stage: stage, Err: err}
}
