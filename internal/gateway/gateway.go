// Package gateway is the client-facing surface: the WebSocket control plane
// with its auth handshake and frame dispatch loop, plus a small REST API for
// saved sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/michaeljabbour/amplifier-web/internal/auth"
	"github.com/michaeljabbour/amplifier-web/internal/persistence"
	"github.com/michaeljabbour/amplifier-web/internal/session"
	"github.com/michaeljabbour/amplifier-web/internal/shared"
	"github.com/michaeljabbour/amplifier-web/internal/wire"
)

// DefaultAuthTimeout bounds how long a connection may take to authenticate.
const DefaultAuthTimeout = 5 * time.Second

type Config struct {
	Token          string
	Sessions       *session.Manager
	Store          *persistence.Store
	Logger         *slog.Logger
	AllowedOrigins []string
	AuthTimeout    time.Duration
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	return &Server{cfg: cfg, logger: cfg.Logger, clients: make(map[*client]struct{})}
}

// Routes builds the HTTP mux: the WebSocket endpoint plus the REST API.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /api/sessions", s.bearerAuth(s.handleListSessions))
	mux.Handle("GET /api/sessions/{id}/messages", s.bearerAuth(s.handleListMessages))
	mux.Handle("GET /api/sessions/{id}/artifacts", s.bearerAuth(s.handleListArtifacts))
	mux.Handle("DELETE /api/sessions/{id}", s.bearerAuth(s.handleDeleteSession))
	return mux
}

// client is one authenticated WebSocket connection. It implements
// wire.Sender; the write mutex keeps concurrent frame writers from
// interleaving.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]struct{}
}

func (c *client) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *client) trackSession(id string) {
	c.mu.Lock()
	c.sessions[id] = struct{}{}
	c.mu.Unlock()
}

func (c *client) trackedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	if !s.authenticate(r.Context(), conn) {
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		sessions: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("client connected", "client_id", c.id)

	if err := c.Send(wire.AuthSuccess{Type: wire.TypeAuthSuccess, ClientID: c.id}); err != nil {
		s.logger.Warn("auth_success send failed", "client_id", c.id, "error", err)
	}

	s.readLoop(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	for _, id := range c.trackedSessions() {
		if err := s.cfg.Sessions.Close(context.Background(), id); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("session close on disconnect failed", "session_id", id, "error", err)
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "client_id", c.id)
}

// authenticate enforces the handshake: the first frame must be an auth frame
// with a valid token, within the timeout. Failure closes with 4001.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) bool {
	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	var frame wire.Auth
	if err := wsjson.Read(authCtx, conn, &frame); err != nil {
		reason := "auth failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "auth timeout"
		}
		s.logger.Warn("handshake failed", "reason", reason, "error", err)
		_ = conn.Close(websocket.StatusCode(wire.CloseAuthFailed), reason)
		return false
	}
	if frame.Type != wire.TypeAuth || !auth.Verify(frame.Token, s.cfg.Token) {
		s.logger.Warn("handshake rejected", "frame_type", frame.Type)
		_ = conn.Close(websocket.StatusCode(wire.CloseAuthFailed), "auth failed")
		return false
	}
	return true
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	ctx = shared.WithClientID(ctx, c.id)
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError(c, "", "malformed frame")
			continue
		}
		s.dispatch(ctx, c, env.Type, raw)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, frameType string, raw json.RawMessage) {
	switch frameType {
	case wire.TypeCreateSession:
		var msg wire.CreateSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "", "malformed create_session")
			return
		}
		sess, err := s.cfg.Sessions.CreateOrReconfigure(ctx, c, msg)
		if err != nil {
			s.sendError(c, msg.SessionID, err.Error())
			return
		}
		c.trackSession(sess.ID)

	case wire.TypePrompt:
		var msg wire.Prompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "", "malformed prompt")
			return
		}
		go func() {
			if err := s.cfg.Sessions.Execute(ctx, msg.SessionID, msg.Content, msg.Images); err != nil {
				s.sendError(c, msg.SessionID, err.Error())
			}
		}()

	case wire.TypeApprovalResponse:
		var msg wire.ApprovalResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "", "malformed approval_response")
			return
		}
		if err := s.cfg.Sessions.HandleApprovalResponse(msg.SessionID, msg.RequestID, msg.Choice); err != nil {
			s.sendError(c, msg.SessionID, err.Error())
		}

	case wire.TypeCancel:
		var msg wire.Cancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "", "malformed cancel")
			return
		}
		if err := s.cfg.Sessions.Cancel(ctx, msg.SessionID, msg.Immediate); err != nil {
			s.sendError(c, msg.SessionID, err.Error())
		}

	case wire.TypeCommand:
		var msg wire.Command
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "", "malformed command")
			return
		}
		s.handleCommand(ctx, c, msg)

	case wire.TypePing:
		if err := c.Send(wire.Pong{Type: wire.TypePong}); err != nil {
			s.logger.Warn("pong send failed", "client_id", c.id, "error", err)
		}

	default:
		s.sendError(c, "", "unknown message type "+frameType)
	}
}

func (s *Server) sendError(c *client, sessionID, message string) {
	if err := c.Send(wire.Error{Type: wire.TypeError, SessionID: sessionID, Message: message}); err != nil {
		s.logger.Warn("error frame send failed", "client_id", c.id, "error", err)
	}
}

// --- REST API ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) bearerAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !auth.Verify(token, s.cfg.Token) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Store.ListSessions(r.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	messages, err := s.cfg.Store.ListMessages(r.Context(), id, 500)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": messages})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	artifacts, err := s.cfg.Store.ListArtifacts(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "artifacts": artifacts})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Sessions.Close(r.Context(), id); err != nil && !errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := s.cfg.Store.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
