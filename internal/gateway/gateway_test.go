package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ent0n29/babelrelay/internal/artifact"
	"github.com/ent0n29/babelrelay/internal/audio"
	"github.com/ent0n29/babelrelay/internal/history"
	"github.com/ent0n29/babelrelay/internal/language"
	"github.com/ent0n29/babelrelay/internal/observability"
	"github.com/ent0n29/babelrelay/internal/pipeline"
	"github.com/ent0n29/babelrelay/internal/protocol"
	"github.com/ent0n29/babelrelay/internal/session"
	"github.com/ent0n29/babelrelay/internal/voice"
)

const sampleRate = 16000

type harness struct {
	gw       *Gateway
	sessions *session.Manager
	journal  *history.InMemoryStore
	store    *artifact.Store
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg Config, processor Processor) *harness {
	t.Helper()
	metrics := observability.NewMetrics("test", nil)
	sessions := session.NewManager(language.Default(), session.Defaults{Source: "en", Target: "es"})
	store, err := artifact.Open(t.TempDir(), 10, zap.NewNop())
	require.NoError(t, err)
	if processor == nil {
		mock := voice.NewMockProvider(voice.MockConfig{SampleRate: sampleRate, Transcript: "hello world"})
		processor = pipeline.New(pipeline.Config{MaxConcurrent: 4, StageTimeout: time.Second}, mock, mock, mock, store, metrics, zap.NewNop())
	}
	journal := history.NewInMemoryStore(0, 0)
	core, logs := observer.New(zapcore.DebugLevel)
	return &harness{
		gw:       New(cfg, sessions, processor, journal, metrics, zap.New(core)),
		sessions: sessions,
		journal:  journal,
		store:    store,
		logs:     logs,
	}
}

type conn struct {
	inbound  chan protocol.Inbound
	outbound chan protocol.Outbound
	cancel   context.CancelFunc
	done     chan error
}

func (h *harness) connect(t *testing.T, connID string) *conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		inbound:  make(chan protocol.Inbound, 8),
		outbound: make(chan protocol.Outbound, 8),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { c.done <- h.gw.RunConnection(ctx, connID, c.inbound, c.outbound) }()
	t.Cleanup(func() {
		cancel()
		<-c.done
	})
	return c
}

func (c *conn) next(t *testing.T) protocol.Outbound {
	t.Helper()
	select {
	case msg := <-c.outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound event")
		return nil
	}
}

func (c *conn) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-c.outbound:
		t.Fatalf("unexpected outbound event %T: %+v", msg, msg)
	case <-time.After(d):
	}
}

func speech() []byte  { return audio.Tone(sampleRate, 440, 200*time.Millisecond, 0.5) }
func silence() []byte { return make([]byte, 2*sampleRate/5) }

func TestConnectAcknowledgesWithCatalog(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 2}, nil)
	c := h.connect(t, "c1")

	ack, ok := c.next(t).(protocol.Connected)
	require.True(t, ok)
	assert.NotEmpty(t, ack.UserID)
	assert.Equal(t, "Spanish", ack.SupportedLanguages["es"])

	sess, ok := h.sessions.Get("c1")
	require.True(t, ok)
	assert.Equal(t, ack.UserID, sess.UserID)
}

func TestSetLanguagesFallsBackToDefaults(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "c1")
	c.next(t)

	c.inbound <- protocol.SetLanguages{Source: "fr", Target: "xx"}
	upd, ok := c.next(t).(protocol.LanguagesUpdated)
	require.True(t, ok)
	assert.Equal(t, protocol.LanguagesUpdated{Source: "fr", Target: "es"}, upd)
}

func TestSilenceProducesNoEvents(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "c1")
	c.next(t)
	c.inbound <- protocol.SetLanguages{Source: "en", Target: "es"}
	c.next(t)

	before, _ := h.sessions.Get("c1")
	time.Sleep(5 * time.Millisecond)
	c.inbound <- protocol.AudioData{Audio: silence()}
	c.expectQuiet(t, 150*time.Millisecond)

	after, _ := h.sessions.Get("c1")
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
	assert.Equal(t, 0, h.store.Count())
}

func TestSpeechProducesResultThenAudio(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "c1")
	ack := c.next(t).(protocol.Connected)

	c.inbound <- protocol.AudioData{Audio: speech()}

	res, ok := c.next(t).(protocol.TranslationResult)
	require.True(t, ok)
	assert.Equal(t, protocol.TranslationResult{
		OriginalText:   "hello world",
		TranslatedText: "hola mundo",
		SourceLang:     "en",
		TargetLang:     "es",
	}, res)

	ready, ok := c.next(t).(protocol.TranslatedAudio)
	require.True(t, ok)
	assert.Contains(t, ready.AudioURL, artifact.DefaultURLPrefix+ack.UserID)
	assert.Equal(t, "hola mundo", ready.Text)

	require.Eventually(t, func() bool {
		recs, _ := h.journal.Recent(context.Background(), ack.UserID, 5)
		return len(recs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnsupportedTargetYieldsOneTranslateError(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "c1")
	c.next(t)

	// Catalog accepts ja but the translator does not.
	c.inbound <- protocol.SetLanguages{Source: "en", Target: "ja"}
	require.Equal(t, "ja", c.next(t).(protocol.LanguagesUpdated).Target)

	c.inbound <- protocol.AudioData{Audio: speech()}
	evt, ok := c.next(t).(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.StageTranslate, evt.Stage)
	c.expectQuiet(t, 100*time.Millisecond)
	assert.Equal(t, 0, h.store.Count())

	warned := h.logs.FilterMessage("pipeline stage failed").FilterLevelExact(zapcore.WarnLevel)
	assert.Equal(t, 1, warned.Len())
}

func TestOversizedAudioIsDropped(t *testing.T) {
	h := newHarness(t, Config{MaxAudioBytes: 64}, nil)
	c := h.connect(t, "c1")
	c.next(t)
	before, _ := h.sessions.Get("c1")

	c.inbound <- protocol.AudioData{Audio: speech()}
	evt := c.next(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.StageTransport, evt.Stage)

	after, _ := h.sessions.Get("c1")
	assert.Equal(t, before.LastActivityAt, after.LastActivityAt)
}

type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, s session.Session, _ []byte) (pipeline.Result, error) {
	close(p.started)
	<-p.release
	return pipeline.Result{OriginalText: "late", TranslatedText: "tarde", SourceLang: s.SourceLanguage, TargetLang: s.TargetLanguage}, nil
}

func TestDisconnectDuringPipelineDropsResult(t *testing.T) {
	proc := &blockingProcessor{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, Config{}, proc)
	c := h.connect(t, "c1")
	c.next(t)

	c.inbound <- protocol.AudioData{Audio: speech()}
	<-proc.started
	c.cancel()

	require.Eventually(t, func() bool {
		_, ok := h.sessions.Get("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	close(proc.release)
	select {
	case err := <-c.done:
		require.NoError(t, err)
		c.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("connection loop did not exit")
	}
	c.expectQuiet(t, 50*time.Millisecond)
}

func TestConnectionCeilingRejects(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 1}, nil)
	first := h.connect(t, "c1")
	first.next(t)

	out := make(chan protocol.Outbound, 1)
	err := h.gw.RunConnection(context.Background(), "c2", make(chan protocol.Inbound), out)
	require.ErrorIs(t, err, ErrCapacity)
	evt := (<-out).(protocol.ErrorEvent)
	assert.Equal(t, protocol.StageCapacity, evt.Stage)

	_, ok := h.sessions.Get("c2")
	assert.False(t, ok)
	assert.Equal(t, 1, h.sessions.ActiveCount())
}

func TestInboundCloseRemovesSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.connect(t, "c1")
	c.next(t)

	close(c.inbound)
	err := <-c.done
	c.done <- err
	require.NoError(t, err)
	assert.Equal(t, 0, h.sessions.ActiveCount())
}

func TestDrainStopsConnectionsAndRejectsNew(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	var conns []*conn
	for _, id := range []string{"a", "b", "c"} {
		c := h.connect(t, id)
		c.next(t)
		conns = append(conns, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Drain(ctx))
	assert.Equal(t, 0, h.sessions.ActiveCount())

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			err := <-c.done
			c.done <- err
		}(c)
	}
	wg.Wait()

	out := make(chan protocol.Outbound, 1)
	err := h.gw.RunConnection(context.Background(), "late", make(chan protocol.Inbound), out)
	assert.ErrorIs(t, err, ErrClosed)
}

type fixedProcessor struct{ res pipeline.Result }

func (p fixedProcessor) Process(_ context.Context, s session.Session, _ []byte) (pipeline.Result, error) {
	res := p.res
	res.SourceLang, res.TargetLang = s.SourceLanguage, s.TargetLanguage
	return res, nil
}

func TestJournalRedactsPII(t *testing.T) {
	proc := fixedProcessor{res: pipeline.Result{
		OriginalText:   "mail me at ana@example.com",
		TranslatedText: "escríbeme a ana@example.com",
	}}
	h := newHarness(t, Config{RedactJournal: true}, proc)
	c := h.connect(t, "c1")
	ack := c.next(t).(protocol.Connected)

	c.inbound <- protocol.AudioData{Audio: speech()}
	res := c.next(t).(protocol.TranslationResult)
	assert.Contains(t, res.OriginalText, "ana@example.com")

	var recs []history.Record
	require.Eventually(t, func() bool {
		recs, _ = h.journal.Recent(context.Background(), ack.UserID, 5)
		return len(recs) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, recs[0].PIIRedacted)
	assert.NotContains(t, recs[0].OriginalText, "ana@example.com")
	assert.NotContains(t, recs[0].TranslatedText, "ana@example.com")
}

func TestAudioRateLimitRejectsBursts(t *testing.T) {
	h := newHarness(t, Config{AudioRate: 0.001, AudioBurst: 1}, nil)
	c := h.connect(t, "c1")
	c.next(t)

	c.inbound <- protocol.AudioData{Audio: silence()}
	c.inbound <- protocol.AudioData{Audio: silence()}

	evt, ok := c.next(t).(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.StageCapacity, evt.Stage)
	assert.Contains(t, evt.Message, "rate limit")
	c.expectQuiet(t, 100*time.Millisecond)
}

type gatedTranslator struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedTranslator) Translate(context.Context, string, string, string) (string, error) {
	close(g.started)
	<-g.release
	return "", errors.New("translation backend unavailable")
}

func TestDisconnectBeforeStageFailureLogsOnlyAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	store, err := artifact.Open(t.TempDir(), 10, zap.NewNop())
	require.NoError(t, err)
	mock := voice.NewMockProvider(voice.MockConfig{SampleRate: sampleRate, Transcript: "hello world"})
	tr := &gatedTranslator{started: make(chan struct{}), release: make(chan struct{})}
	metrics := observability.NewMetrics("test", nil)
	proc := pipeline.New(pipeline.Config{MaxConcurrent: 1, StageTimeout: time.Second}, mock, tr, mock, store, metrics, logger.Named("pipeline"))

	sessions := session.NewManager(language.Default(), session.Defaults{Source: "en", Target: "es"})
	gw := New(Config{}, sessions, proc, history.NewInMemoryStore(0, 0), metrics, logger.Named("gateway"))

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan protocol.Inbound, 1)
	outbound := make(chan protocol.Outbound, 8)
	done := make(chan error, 1)
	go func() { done <- gw.RunConnection(ctx, "c1", inbound, outbound) }()
	<-outbound

	inbound <- protocol.AudioData{Audio: speech()}
	<-tr.started
	cancel()
	require.Eventually(t, func() bool {
		_, ok := sessions.Get("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	close(tr.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loop did not exit")
	}

	assert.Empty(t, outbound)
	loud := logs.Filter(func(e observer.LoggedEntry) bool { return e.Level > zapcore.InfoLevel })
	assert.Zero(t, loud.Len(), "unexpected entries: %v", loud.All())
	assert.Equal(t, 1, logs.FilterMessage("pipeline result for closed connection dropped").Len())
}

// recordingProcessor tags each run with its payload and holds the early ones
// longer than the late ones.
type recordingProcessor struct {
	mu       sync.Mutex
	seen     []string
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (p *recordingProcessor) Process(_ context.Context, s session.Session, payload []byte) (pipeline.Result, error) {
	if p.inflight.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.inflight.Add(-1)

	tag := string(payload)
	switch tag {
	case "0":
		time.Sleep(60 * time.Millisecond)
	case "1":
		time.Sleep(30 * time.Millisecond)
	}
	p.mu.Lock()
	p.seen = append(p.seen, tag)
	p.mu.Unlock()
	return pipeline.Result{OriginalText: tag, TranslatedText: tag, SourceLang: s.SourceLanguage, TargetLang: s.TargetLanguage}, nil
}

func TestAudioIsProcessedInSubmissionOrder(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHarness(t, Config{}, proc)
	c := h.connect(t, "c1")
	c.next(t)

	want := make([]string, 4)
	for i := range want {
		want[i] = fmt.Sprint(i)
		c.inbound <- protocol.AudioData{Audio: []byte(want[i])}
	}

	var got []string
	for range want {
		res, ok := c.next(t).(protocol.TranslationResult)
		require.True(t, ok)
		got = append(got, res.OriginalText)
	}
	assert.Equal(t, want, got)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, want, proc.seen)
	assert.False(t, proc.overlap.Load(), "runs for one connection overlapped")
}

func TestRateLimitedAudioStillCountsAsActivity(t *testing.T) {
	h := newHarness(t, Config{AudioRate: 0.001, AudioBurst: 1}, nil)
	c := h.connect(t, "c1")
	c.next(t)

	c.inbound <- protocol.AudioData{Audio: silence()}
	c.expectQuiet(t, 100*time.Millisecond)
	before, _ := h.sessions.Get("c1")
	time.Sleep(5 * time.Millisecond)

	c.inbound <- protocol.AudioData{Audio: silence()}
	evt, ok := c.next(t).(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.StageCapacity, evt.Stage)

	after, _ := h.sessions.Get("c1")
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}
