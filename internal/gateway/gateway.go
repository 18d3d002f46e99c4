package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ent0n29/babelrelay/internal/history"
	"github.com/ent0n29/babelrelay/internal/observability"
	"github.com/ent0n29/babelrelay/internal/pipeline"
	"github.com/ent0n29/babelrelay/internal/protocol"
	"github.com/ent0n29/babelrelay/internal/session"
)

var (
	ErrCapacity = errors.New("connection capacity reached")
	ErrClosed   = errors.New("server is shutting down")
)

const (
	connectedMessage   = "Connected successfully"
	defaultSendTimeout = 5 * time.Second
	journalTimeout     = 3 * time.Second
)

// Processor runs the translation pipeline for one audio payload.
type Processor interface {
	Process(ctx context.Context, s session.Session, audio []byte) (pipeline.Result, error)
}

type Config struct {
	MaxConnections int
	// MaxAudioBytes caps a decoded audio payload. Zero disables the check.
	MaxAudioBytes int
	// SendTimeout bounds a single outbound push when the writer is stalled.
	SendTimeout time.Duration
	// RedactJournal masks PII in texts before they reach the journal.
	RedactJournal bool
	// AudioRate limits audio frames per second on one connection, with
	// AudioBurst frames of headroom. Zero disables the limit.
	AudioRate  float64
	AudioBurst int
}

// Gateway owns the per-connection event loops. Each connection is served by
// exactly one RunConnection call, which handles that connection's events in
// arrival order.
type Gateway struct {
	sessions      *session.Manager
	processor     Processor
	journal       history.Store
	metrics       *observability.Metrics
	logger        *zap.Logger
	slots         *semaphore.Weighted
	maxAudioBytes int
	sendTimeout   time.Duration
	redact        bool
	audioRate     rate.Limit
	audioBurst    int

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a gateway. journal may be nil.
func New(
	cfg Config,
	sessions *session.Manager,
	processor Processor,
	journal history.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Gateway {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	audioRate := rate.Inf
	if cfg.AudioRate > 0 {
		audioRate = rate.Limit(cfg.AudioRate)
		cfg.AudioBurst = max(cfg.AudioBurst, 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		sessions:      sessions,
		processor:     processor,
		journal:       journal,
		metrics:       metrics,
		logger:        logger,
		slots:         semaphore.NewWeighted(int64(cfg.MaxConnections)),
		maxAudioBytes: cfg.MaxAudioBytes,
		sendTimeout:   cfg.SendTimeout,
		redact:        cfg.RedactJournal,
		audioRate:     audioRate,
		audioBurst:    cfg.AudioBurst,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RunConnection serves one connection until ctx is cancelled, inbound is
// closed, or the gateway drains. The session exists exactly while it runs.
func (g *Gateway) RunConnection(ctx context.Context, connID string, inbound <-chan protocol.Inbound, outbound chan<- protocol.Outbound) error {
	if !g.enter() {
		g.metrics.Rejections.WithLabelValues("shutting_down").Inc()
		g.send(ctx, outbound, protocol.ErrorEvent{Message: ErrClosed.Error(), Stage: protocol.StageCapacity})
		return ErrClosed
	}
	defer g.running.Done()

	if !g.slots.TryAcquire(1) {
		g.metrics.Rejections.WithLabelValues("connection_capacity").Inc()
		g.logger.Warn("connection rejected", zap.String("conn_id", connID), zap.Error(ErrCapacity))
		g.send(ctx, outbound, protocol.ErrorEvent{Message: ErrCapacity.Error(), Stage: protocol.StageCapacity})
		return ErrCapacity
	}
	defer g.slots.Release(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopDrainWatch := context.AfterFunc(g.ctx, cancel)
	defer stopDrainWatch()

	sess, err := g.sessions.Create(connID)
	if err != nil {
		g.logger.Error("create session", zap.String("conn_id", connID), zap.Error(err))
		g.send(ctx, outbound, protocol.ErrorEvent{Message: "session could not be created", Stage: protocol.StageSession})
		return err
	}
	defer g.disconnect(connID)
	// Remove the session as soon as the connection ends, even while a
	// pipeline run for it is still in flight.
	context.AfterFunc(ctx, func() { g.disconnect(connID) })

	g.metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))
	g.metrics.SessionEvents.WithLabelValues("connected").Inc()
	g.logger.Info("client connected", zap.String("conn_id", connID), zap.String("user_id", sess.UserID))

	g.send(ctx, outbound, protocol.Connected{
		UserID:             sess.UserID,
		Message:            connectedMessage,
		SupportedLanguages: g.sessions.Catalog().Entries(),
	})

	limiter := rate.NewLimiter(g.audioRate, g.audioBurst)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.SetLanguages:
				g.handleSetLanguages(ctx, connID, m, outbound)
			case protocol.AudioData:
				if !limiter.Allow() {
					g.sessions.Touch(connID)
					g.metrics.Rejections.WithLabelValues("audio_rate").Inc()
					g.send(ctx, outbound, protocol.ErrorEvent{Message: "audio rate limit exceeded", Stage: protocol.StageCapacity})
					continue
				}
				g.handleAudio(ctx, connID, m, outbound)
			}
		}
	}
}

func (g *Gateway) handleSetLanguages(ctx context.Context, connID string, m protocol.SetLanguages, outbound chan<- protocol.Outbound) {
	sess, ok := g.sessions.SetLanguages(connID, m.Source, m.Target)
	if !ok {
		g.logger.Debug("set_languages for unknown session dropped", zap.String("conn_id", connID))
		return
	}
	g.metrics.SessionEvents.WithLabelValues("languages_set").Inc()
	g.logger.Info("languages set",
		zap.String("conn_id", connID),
		zap.String("requested_source", m.Source),
		zap.String("requested_target", m.Target),
		zap.String("source", sess.SourceLanguage),
		zap.String("target", sess.TargetLanguage),
	)
	g.send(ctx, outbound, protocol.LanguagesUpdated{Source: sess.SourceLanguage, Target: sess.TargetLanguage})
}

func (g *Gateway) handleAudio(ctx context.Context, connID string, m protocol.AudioData, outbound chan<- protocol.Outbound) {
	if g.maxAudioBytes > 0 && len(m.Audio) > g.maxAudioBytes {
		g.metrics.Rejections.WithLabelValues("audio_too_long").Inc()
		g.logger.Info("oversized audio dropped",
			zap.String("conn_id", connID),
			zap.Int("bytes", len(m.Audio)),
			zap.Int("limit", g.maxAudioBytes),
		)
		g.send(ctx, outbound, protocol.ErrorEvent{Message: "audio payload exceeds the maximum duration", Stage: protocol.StageTransport})
		return
	}

	sess, ok := g.sessions.Touch(connID)
	if !ok {
		g.logger.Debug("audio for unknown session dropped", zap.String("conn_id", connID))
		return
	}

	// Collaborator calls run to completion even if the client leaves; the
	// result is discarded below.
	res, err := g.processor.Process(context.WithoutCancel(ctx), *sess, m.Audio)
	if errors.Is(err, pipeline.ErrNoSpeech) {
		return
	}

	current, ok := g.sessions.Get(connID)
	if !ok || current.UserID != sess.UserID || ctx.Err() != nil {
		g.metrics.DroppedResults.Inc()
		g.logger.Debug("pipeline result for closed connection dropped", zap.String("conn_id", connID), zap.Error(err))
		return
	}

	if err != nil {
		g.reportFailure(ctx, connID, err, outbound)
		return
	}

	g.send(ctx, outbound, protocol.TranslationResult{
		OriginalText:   res.OriginalText,
		TranslatedText: res.TranslatedText,
		SourceLang:     res.SourceLang,
		TargetLang:     res.TargetLang,
	})
	if res.AudioURL != "" {
		g.send(ctx, outbound, protocol.TranslatedAudio{AudioURL: res.AudioURL, Text: res.TranslatedText})
	}
	g.record(ctx, sess.UserID, res)
}

func (g *Gateway) reportFailure(ctx context.Context, connID string, err error, outbound chan<- protocol.Outbound) {
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		g.send(ctx, outbound, protocol.ErrorEvent{Message: err.Error(), Stage: protocol.StageCapacity})
	case errors.As(err, &stageErr):
		g.logger.Warn("pipeline stage failed",
			zap.String("conn_id", connID),
			zap.String("stage", string(stageErr.Stage)),
			zap.Error(stageErr.Err),
		)
		g.send(ctx, outbound, protocol.ErrorEvent{Message: stageErr.Error(), Stage: string(stageErr.Stage)})
	default:
		g.logger.Warn("unexpected pipeline error", zap.String("conn_id", connID), zap.Error(err))
		g.send(ctx, outbound, protocol.ErrorEvent{Message: err.Error()})
	}
}

func (g *Gateway) record(ctx context.Context, userID string, res pipeline.Result) {
	if g.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	rec := history.Record{
		UserID:         userID,
		SourceLang:     res.SourceLang,
		TargetLang:     res.TargetLang,
		OriginalText:   res.OriginalText,
		TranslatedText: res.TranslatedText,
		AudioURL:       res.AudioURL,
	}
	if g.redact {
		rec = history.Redact(rec)
	}
	if err := g.journal.SaveTranslation(ctx, rec); err != nil {
		g.metrics.JournalFailures.Inc()
		g.logger.Warn("journal write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// send pushes one event to this connection's writer. A stalled writer costs
// at most sendTimeout; the event is then dropped.
func (g *Gateway) send(ctx context.Context, outbound chan<- protocol.Outbound, msg protocol.Outbound) {
	timer := time.NewTimer(g.sendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		g.metrics.WSMessages.WithLabelValues("outbound", string(msg.Name())).Inc()
	case <-ctx.Done():
		g.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	case <-timer.C:
		g.metrics.SessionEvents.WithLabelValues("outbound_timeout").Inc()
		g.logger.Warn("outbound event dropped", zap.String("event", string(msg.Name())))
	}
}

func (g *Gateway) disconnect(connID string) {
	sess, ok := g.sessions.Remove(connID)
	if !ok {
		return
	}
	g.metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))
	g.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	g.logger.Info("client disconnected",
		zap.String("conn_id", connID),
		zap.String("user_id", sess.UserID),
		zap.Duration("connected_for", time.Since(sess.ConnectedAt)),
	)
}

func (g *Gateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.running.Add(1)
	return true
}

// Drain stops admitting connections, cancels every running connection loop
// and waits for them to return or for ctx to expire.
func (g *Gateway) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
