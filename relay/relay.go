// Package relay serves agent sessions over WebSocket. Each connection
// carries one task: the client sends a prompt frame, the server streams
// the session's events and closes the socket after the terminal event.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/martinemde/shellpilot/agentloop"
	"golang.org/x/sync/errgroup"
)

const (
	promptTimeout = 60 * time.Second
	writeTimeout  = 10 * time.Second
)

// Wire names of the event kinds.
var wireNames = map[agentloop.EventKind]string{
	agentloop.EventModelReply:      "AI_RESPONSE",
	agentloop.EventActionSucceeded: "TOOL_SUCCESS",
	agentloop.EventActionFailed:    "TOOL_ERROR",
	agentloop.EventInfo:            "INFO",
	agentloop.EventWarning:         "WARN",
	agentloop.EventAborted:         "ABORT",
	agentloop.EventCompleted:       "COMPLETED",
}

// WireName returns the frame type used for kind.
func WireName(kind agentloop.EventKind) string {
	if name, ok := wireNames[kind]; ok {
		return name
	}
	return strings.ToUpper(string(kind))
}

// Frame is one JSON message in either direction.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SessionFactory creates sessions; *agentloop.Agent satisfies it.
type SessionFactory interface {
	NewSession(task string) *agentloop.Session
}

// Server is the WebSocket relay.
type Server struct {
	sessions SessionFactory
	logger   *slog.Logger
	upgrader websocket.Upgrader
	active   atomic.Int64

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewServer creates a relay for sessions. A nil logger means
// slog.Default().
func NewServer(sessions SessionFactory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		running: make(map[string]context.CancelFunc),
	}
}

// Handler returns the relay's routes: GET /ws, GET /health and
// POST /terminate.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /terminate", s.handleTerminate)
	return mux
}

// Terminate cancels every running session and returns how many were
// cancelled. Running shell commands are killed with their process group.
func (s *Server) Terminate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.running {
		cancel()
	}
	return len(s.running)
}

func (s *Server) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// ListenAndServe serves on addr until ctx ends, then shuts down,
// giving open sessions a few seconds to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(s.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting relay", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "OK"}); err != nil {
		s.logger.Debug("failed to write health response", "error", err)
	}
}

func (s *Server) handleTerminate(w http.ResponseWriter, _ *http.Request) {
	n := s.Terminate()
	s.logger.Warn("terminating all sessions", "sessions", n)
	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}{Status: "terminated", Sessions: n}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write terminate response", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	prompt, err := readPrompt(conn)
	if err != nil {
		s.logger.Info("rejecting relay connection", "remote", r.RemoteAddr, "error", err)
		closeWith(conn, websocket.CloseUnsupportedData, err.Error())
		return
	}

	session := s.sessions.NewSession(prompt)
	log := s.logger.With("session_id", session.ID())
	log.Info("relay session started", "remote", r.RemoteAddr, "active", s.active.Add(1))
	defer s.active.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.track(session.ID(), cancel)
	defer s.untrack(session.ID())

	if err := s.relay(ctx, conn, session); err != nil {
		log.Info("relay session ended early", "error", err)
		return
	}
	log.Info("relay session finished", "outcome", session.Outcome())
}

var errClientGone = errors.New("client disconnected")

// relay streams the session's events to conn. A read error on conn
// cancels the session.
func (s *Server) relay(ctx context.Context, conn *websocket.Conn, session *agentloop.Session) error {
	var finished atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	events := session.Run(gctx)

	g.Go(func() error {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if finished.Load() {
					return nil
				}
				return fmt.Errorf("%w: %v", errClientGone, err)
			}
		}
	})

	g.Go(func() error {
		// Closing the socket unblocks the reader.
		defer conn.Close()
		for ev := range events {
			frame := toFrame(ev, session)
			if err := writeFrame(conn, frame); err != nil {
				return fmt.Errorf("send %s: %w", frame.Type, err)
			}
			if ev.Terminal() {
				finished.Store(true)
				closeWith(conn, websocket.CloseNormalClosure, "")
				return nil
			}
		}
		return nil
	})

	err := g.Wait()
	// The group context is cancelled now, so the session ends promptly.
	for range events {
	}
	return err
}

func toFrame(ev agentloop.Event, session *agentloop.Session) Frame {
	f := Frame{Type: WireName(ev.Kind), Payload: ev.Payload}
	if ev.Kind == agentloop.EventCompleted {
		f.Payload = session.Usage().Summary()
	}
	return f
}

func readPrompt(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(promptTimeout)); err != nil {
		return "", err
	}
	var frame struct {
		Type    string `json:"type"`
		Payload string `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		return "", fmt.Errorf("read prompt frame: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	if frame.Type != "prompt" {
		return "", fmt.Errorf("unhandled frame type %q", frame.Type)
	}
	prompt := strings.TrimSpace(frame.Payload)
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
