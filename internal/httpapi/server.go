package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/babelrelay/internal/artifact"
	"github.com/ent0n29/babelrelay/internal/audio"
	"github.com/ent0n29/babelrelay/internal/config"
	"github.com/ent0n29/babelrelay/internal/gateway"
	"github.com/ent0n29/babelrelay/internal/history"
	"github.com/ent0n29/babelrelay/internal/observability"
	"github.com/ent0n29/babelrelay/internal/protocol"
	"github.com/ent0n29/babelrelay/internal/session"
)

const (
	serviceName = "Voice Translation Server"
	writeWait   = 10 * time.Second
	queueSize   = 64
)

type Gateway interface {
	RunConnection(ctx context.Context, connID string, inbound <-chan protocol.Inbound, outbound chan<- protocol.Outbound) error
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	gateway   Gateway
	artifacts *artifact.Store
	journal   history.Store
	metrics   *observability.Metrics
	logger    *zap.Logger
	origins   originPolicy
	upgrader  websocket.Upgrader
	readLimit int64
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	gw Gateway,
	artifacts *artifact.Store,
	journal history.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	bufSize := cfg.ChunkSize
	if bufSize <= 0 {
		bufSize = 1024
	}
	origins := newOriginPolicy(cfg.CORSOrigins)

	// Base64 inflates audio by 4/3. Twice the decoded ceiling leaves room for
	// the gateway to reject oversize audio without tearing the socket down.
	readLimit := int64(2<<20) + 2*int64(audio.MaxPayloadBytes(cfg.SampleRate, cfg.MaxAudioDuration))*4/3

	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		gateway:   gw,
		artifacts: artifacts,
		journal:   journal,
		metrics:   metrics,
		logger:    logger,
		origins:   origins,
		readLimit: readLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufSize,
			WriteBufferSize: bufSize,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recovery(s.logger), requestLogger(s.logger), s.origins.middleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/languages", s.handleLanguages)
	r.Get("/audio/{filename}", s.handleAudio)
	r.Get("/history/{userID}", s.handleHistory)
	r.Get("/stats/latency", s.handleLatency)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service":     serviceName,
		"status":      "running",
		"environment": s.cfg.Environment,
		"endpoints":   []string{"/health", "/languages", "/audio/{filename}", "/history/{userID}", "/stats/latency", "/metrics", "/ws"},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"sessions":  s.sessions.ActiveCount(),
		"artifacts": s.artifacts.Count(),
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"supported_languages": s.sessions.Catalog().Entries(),
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	path, err := s.artifacts.Path(chi.URLParam(r, "filename"))
	switch {
	case errors.Is(err, artifact.ErrInvalidName), errors.Is(err, fs.ErrNotExist):
		respondError(w, http.StatusNotFound, "not_found", "audio file not found")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	limit := history.DefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, history.MaxLimit)
	}

	records, err := s.journal.Recent(r.Context(), userID, limit)
	if err != nil {
		s.logger.Warn("journal read failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "journal_unavailable", "translation history is unavailable")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"translations": records,
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageLatency())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Rejections.WithLabelValues("upgrade_failed").Inc()
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := s.logger.With(zap.String("conn_id", connID))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.Inbound, queueSize)
	outbound := make(chan protocol.Outbound, queueSize)
	runDone := make(chan struct{})
	var runErr error

	go func() {
		defer close(runDone)
		runErr = s.gateway.RunConnection(ctx, connID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, outbound, runDone, &runErr, cancel, log)
	}()

	idle := 2 * s.cfg.HeartbeatInterval
	conn.SetReadLimit(s.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	// Unblock ReadMessage as soon as the connection loop ends.
	stopUnblock := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stopUnblock()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.Rejections.WithLabelValues("malformed_frame").Inc()
			log.Debug("client frame dropped", zap.Error(err))
			select {
			case outbound <- protocol.ErrorEvent{Message: err.Error(), Stage: protocol.StageTransport}:
			default:
				s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
			}
			continue
		}

		s.metrics.WSMessages.WithLabelValues("inbound", string(parsed.Name())).Inc()
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// writeLoop is the only writer on conn. Once the connection loop has returned
// it flushes queued events and closes the socket.
func (s *Server) writeLoop(conn *websocket.Conn, outbound <-chan protocol.Outbound, runDone <-chan struct{}, runErr *error, cancel context.CancelFunc, log *zap.Logger) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-outbound:
			if err := s.writeEvent(conn, msg); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				cancel()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("websocket ping failed", zap.Error(err))
				cancel()
				return
			}
		case <-runDone:
		flush:
			for {
				select {
				case msg := <-outbound:
					if err := s.writeEvent(conn, msg); err != nil {
						return
					}
				default:
					break flush
				}
			}
			code := websocket.CloseNormalClosure
			if errors.Is(*runErr, gateway.ErrCapacity) || errors.Is(*runErr, gateway.ErrClosed) {
				code = websocket.CloseTryAgainLater
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, msg protocol.Outbound) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode outbound event", zap.String("event", string(msg.Name())), zap.Error(err))
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
