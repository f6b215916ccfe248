// Package websocket is the executor's client-facing gateway: it upgrades
// connections, enforces the session cap, and routes JSON-RPC requests to the
// per-session coordinator. One WebSocket connection is one session.
package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grahama1970/cc-executor/internal/common/config"
	apperrors "github.com/grahama1970/cc-executor/internal/common/errors"
	"github.com/grahama1970/cc-executor/internal/common/logger"
	"github.com/grahama1970/cc-executor/internal/executor/coordinator"
	"github.com/grahama1970/cc-executor/internal/executor/history"
	"github.com/grahama1970/cc-executor/internal/executor/hooks"
	"github.com/grahama1970/cc-executor/internal/executor/metrics"
	"github.com/grahama1970/cc-executor/internal/executor/process"
	"github.com/grahama1970/cc-executor/internal/executor/session"
	"github.com/grahama1970/cc-executor/internal/executor/stream"
	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
)

// Server accepts executor WebSocket connections.
type Server struct {
	cfg        *config.Config
	registry   *session.Registry
	supervisor *process.Supervisor
	hooks      *hooks.Runner
	sink       *metrics.Sink
	store      history.Store
	logger     *logger.Logger
	upgrader   websocket.Upgrader
}

// NewServer creates the gateway over shared executor components.
func NewServer(cfg *config.Config, registry *session.Registry, supervisor *process.Supervisor,
	hookRunner *hooks.Runner, sink *metrics.Sink, store history.Store, log *logger.Logger) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		supervisor: supervisor,
		hooks:      hookRunner,
		sink:       sink,
		store:      store,
		logger:     log.WithFields(zap.String("component", "ws-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The executor is an internal service; origin policy belongs to
			// whatever fronts it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler for the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess, err := s.registry.Register(r.Context())
	if err != nil {
		s.rejectConn(conn, err)
		return
	}

	s.sink.SessionRegistered(sess.ID, s.registry.Len())
	s.serveSession(sess, conn)
}

// rejectConn closes a just-upgraded connection that found the registry full.
// Existing sessions are untouched.
func (s *Server) rejectConn(conn *websocket.Conn, err error) {
	s.logger.Warn("connection rejected", zap.Error(err))
	reason := apperrors.Code(err)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
	_ = conn.Close()
}

// serveSession runs one session to completion: a writer pump, a synchronous
// read loop, and a guaranteed teardown that reaps any live subprocess before
// the session leaves the registry.
func (s *Server) serveSession(sess *session.Session, conn *websocket.Conn) {
	log := s.logger.WithSessionID(sess.ID)
	log.Info("session connected")

	ws := newWSConn(conn, log)

	coord := coordinator.New(sess.ID, sess.Context(), coordinator.Config{
		SessionTimeout:    s.cfg.Executor.SessionTimeoutDuration(),
		StreamTimeout:     s.cfg.Executor.StreamTimeoutDuration(),
		HeartbeatInterval: s.cfg.Executor.HeartbeatIntervalDuration(),
		GracePeriod:       s.cfg.Executor.GracePeriodDuration(),
		QueuePutTimeout:   s.cfg.Executor.QueuePutTimeoutDuration(),
		Caps: stream.Caps{
			MaxLineBytes:  s.cfg.Executor.MaxLineBytes,
			MaxTotalBytes: s.cfg.Executor.MaxBufferBytes,
			MaxLineCount:  s.cfg.Executor.MaxBufferLines,
		},
		TokenLimitPatterns: s.cfg.Executor.TokenLimitPatterns,
		AllowedCommands:    s.cfg.Executor.AllowedCommands,
	}, s.supervisor, s.hooks, ws, s.sink, s.store, log)

	go ws.writePump()

	// Server shutdown trips the session context without the client going
	// away; closing the socket unblocks the read loop so teardown runs.
	go func() {
		<-sess.Context().Done()
		_ = conn.Close()
	}()

	s.readLoop(sess, ws, coord, conn)

	// Teardown order matters: trip the cancellation token, drive the
	// execution to a terminal state (reap included), then release the
	// registry slot so capacity is never freed while a ghost is alive.
	sess.Cancel()
	coord.Shutdown(v1.CauseCancelled)
	ws.closeSend()
	s.registry.Unregister(sess.ID)
	s.sink.SessionUnregistered(sess.ID, s.registry.Len())
	log.Info("session closed")
}

// readLoop decodes frames until the client disconnects. Requests are handled
// synchronously, which gives per-session arrival-order processing for free;
// sessions are independent goroutines and never wait on each other.
func (s *Server) readLoop(sess *session.Session, ws *wsConn, coord *coordinator.Coordinator, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure) {
				s.logger.WithSessionID(sess.ID).Warn("websocket read error", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			// The protocol is UTF-8 JSON text frames only.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "binary frames not supported"),
				time.Now().Add(writeWait))
			return
		}

		s.dispatch(sess, ws, coord, data)
	}
}
