// Package session owns the lifecycle of UI-facing sessions: creation and
// reconfiguration, serialized prompt execution, cancellation, approval
// routing, sub-session spawning, and persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaeljabbour/amplifier-web/internal/approval"
	"github.com/michaeljabbour/amplifier-web/internal/bundle"
	"github.com/michaeljabbour/amplifier-web/internal/bus"
	"github.com/michaeljabbour/amplifier-web/internal/engine"
	otelx "github.com/michaeljabbour/amplifier-web/internal/otel"
	"github.com/michaeljabbour/amplifier-web/internal/persistence"
	"github.com/michaeljabbour/amplifier-web/internal/relay"
	"github.com/michaeljabbour/amplifier-web/internal/security"
	"github.com/michaeljabbour/amplifier-web/internal/shared"
	"github.com/michaeljabbour/amplifier-web/internal/wire"
)

// ErrNotFound is returned for operations on unknown session ids.
var ErrNotFound = errors.New("session not found")

// Registry is the locked map of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Manager wires sessions together from the bundle catalog, the store, and the
// engine factory behind the prepared bundles.
type Manager struct {
	bundles         *bundle.Manager
	store           *persistence.Store
	logger          *slog.Logger
	metrics         *otelx.Metrics
	registry        *Registry
	approvalTimeout time.Duration
	showThinking    bool
}

type ManagerOptions struct {
	Bundles         *bundle.Manager
	Store           *persistence.Store
	Logger          *slog.Logger
	Metrics         *otelx.Metrics
	ApprovalTimeout time.Duration
	ShowThinking    bool
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ApprovalTimeout
	if timeout <= 0 {
		timeout = approval.DefaultTimeout
	}
	return &Manager{
		bundles:         opts.Bundles,
		store:           opts.Store,
		logger:          logger,
		metrics:         opts.Metrics,
		registry:        NewRegistry(),
		approvalTimeout: timeout,
		showThinking:    opts.ShowThinking,
	}
}

// Session is one live UI session.
type Session struct {
	ID      string
	manager *Manager
	send    wire.Sender
	events  *bus.Bus
	relay   *relay.Relay
	broker  *approval.Broker
	guard   *security.WriteGuard

	// execMu serializes prompt turns.
	execMu sync.Mutex

	mu         sync.Mutex
	prepared   *bundle.Prepared
	bundleName string
	behaviors  []string
	cwd        string
	eng        engine.Session
	turnCount  int
	cancelExec context.CancelFunc
	closed     bool
}

// CreateOrReconfigure builds a new session or reconfigures an existing one
// with the same id. It sends session_created on success.
func (m *Manager) CreateOrReconfigure(ctx context.Context, send wire.Sender, req wire.CreateSession) (*Session, error) {
	if req.Bundle == "" {
		return nil, fmt.Errorf("create_session without bundle")
	}
	cwd, err := security.ValidateSessionCwd(req.Cwd)
	if err != nil {
		return nil, err
	}
	prepared, err := m.bundles.Prepare(req.Bundle, req.Behaviors)
	if err != nil {
		return nil, err
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	if existing, ok := m.registry.Get(id); ok {
		if err := existing.reconfigure(ctx, prepared, req, cwd); err != nil {
			return nil, err
		}
		m.logger.Info("session reconfigured", "session_id", id, "bundle", req.Bundle)
		existing.sendCreated(false)
		return existing, nil
	}

	showThinking := m.showThinking
	if req.ShowThinking != nil {
		showThinking = *req.ShowThinking
	}

	resumed := false
	turnCount := 0
	if m.store != nil {
		if rec, err := m.store.GetSession(ctx, id); err == nil {
			resumed = true
			turnCount = rec.TurnCount
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
	}

	s := &Session{
		ID:         id,
		manager:    m,
		send:       send,
		events:     bus.New(m.logger),
		broker:     approval.NewBroker(id, send, m.approvalTimeout, m.logger),
		prepared:   prepared,
		bundleName: req.Bundle,
		behaviors:  req.Behaviors,
		cwd:        cwd,
		turnCount:  turnCount,
	}
	s.relay = relay.New(id, send, m.artifactSink(), showThinking, m.logger)
	guard, err := security.NewWriteGuard(s.broker, cwd, m.logger)
	if err != nil {
		return nil, err
	}
	s.guard = guard

	s.events.Subscribe("write-guard", bus.PriorityGate, func(ctx context.Context, ev bus.Event) (bus.Result, error) {
		res, err := s.guard.HandleToolPre(ctx, ev)
		if res.Action == bus.ActionDeny {
			m.metrics.WriteDenied(ctx)
		}
		return res, err
	}, bus.KindToolPre)
	s.events.Subscribe("relay", bus.PriorityRelay, s.relay.HandleEvent)

	m.registry.Put(s)
	m.metrics.SessionCreated(ctx, req.Bundle)
	if err := s.persist(ctx, persistence.SessionStatusActive); err != nil {
		m.logger.Warn("session persist failed", "session_id", id, "error", err)
	}
	m.logger.Info("session created", "session_id", id, "bundle", req.Bundle, "cwd", cwd, "resumed", resumed)
	s.sendCreated(resumed)
	return s, nil
}

// artifactSink adapts the store for the relay; a nil store disables artifact
// recording.
func (m *Manager) artifactSink() relay.ArtifactSink {
	if m.store == nil {
		return nil
	}
	return artifactRecorder{m}
}

type artifactRecorder struct{ m *Manager }

func (a artifactRecorder) SaveArtifact(ctx context.Context, art relay.Artifact) (int64, error) {
	id, err := a.m.store.SaveArtifact(ctx, persistence.Artifact{
		SessionID: art.SessionID,
		Path:      art.Path,
		Tool:      art.Tool,
		Operation: art.Operation,
		Before:    art.Before,
		After:     art.After,
		Diff:      art.Diff,
	})
	if err == nil {
		a.m.metrics.ArtifactSaved(ctx)
	}
	return id, err
}

// reconfigure swaps the prepared bundle; the engine session is rebuilt lazily
// on the next execute.
func (s *Session) reconfigure(ctx context.Context, prepared *bundle.Prepared, req wire.CreateSession, cwd string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.ID)
	}
	old := s.eng
	s.eng = nil
	s.prepared = prepared
	s.bundleName = req.Bundle
	s.behaviors = req.Behaviors
	s.cwd = cwd
	s.mu.Unlock()

	if req.ShowThinking != nil {
		s.relay.SetShowThinking(*req.ShowThinking)
	}
	if old != nil {
		if err := old.Cleanup(ctx); err != nil {
			s.manager.logger.Warn("engine cleanup failed", "session_id", s.ID, "error", err)
		}
	}
	return s.persist(ctx, persistence.SessionStatusActive)
}

func (s *Session) sendCreated(resumed bool) {
	s.mu.Lock()
	msg := wire.SessionCreated{
		Type:         wire.TypeSessionCreated,
		SessionID:    s.ID,
		Bundle:       s.bundleName,
		Behaviors:    s.behaviors,
		Cwd:          s.cwd,
		Resumed:      resumed,
		TurnCount:    s.turnCount,
		ShowThinking: s.relay.ShowThinking(),
		BundleDebug:  s.prepared.DebugInfo(),
	}
	s.mu.Unlock()
	if err := s.send.Send(msg); err != nil {
		s.manager.logger.Warn("session_created send failed", "session_id", s.ID, "error", err)
	}
}

// ensureEngine lazily builds the engine session.
func (s *Session) ensureEngine(ctx context.Context) (engine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.ID)
	}
	if s.eng != nil {
		return s.eng, nil
	}
	eng, err := s.prepared.CreateSession(ctx, engine.SessionOptions{
		SessionID: s.ID,
		Cwd:       s.cwd,
		Events:    s.events,
		Approver:  s.broker,
		Spawn:     s.manager.spawnFunc(s),
	})
	if err != nil {
		return nil, fmt.Errorf("create engine session: %w", err)
	}
	s.eng = eng
	return eng, nil
}

// Execute runs one prompt turn. Turns on the same session are serialized; the
// turn counter increments once per accepted prompt.
func (m *Manager) Execute(ctx context.Context, sessionID, prompt string, images []wire.Image) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	return s.execute(ctx, prompt, images)
}

func (s *Session) execute(ctx context.Context, prompt string, images []wire.Image) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	m := s.manager
	eng, err := s.ensureEngine(ctx)
	if err != nil {
		return err
	}

	eng.Cancellation().Reset()
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	execCtx = shared.WithSessionID(execCtx, s.ID)
	execCtx = shared.WithTraceID(execCtx, shared.NewTraceID())

	s.mu.Lock()
	s.turnCount++
	turn := s.turnCount
	s.cancelExec = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelExec = nil
		s.mu.Unlock()
	}()

	if m.store != nil {
		if err := m.store.AddMessage(execCtx, s.ID, "user", prompt); err != nil {
			m.logger.Warn("transcript write failed", "session_id", s.ID, "error", err)
		}
	}

	input := engine.Input{Text: prompt}
	for _, img := range images {
		input.Images = append(input.Images, engine.Attachment{MediaType: img.MediaType, Data: img.Data})
	}

	output, err := eng.Execute(execCtx, input)
	switch {
	case errors.Is(err, engine.ErrCancelled) || errors.Is(err, context.Canceled):
		m.metrics.PromptCancelled(ctx)
		s.events.Emit(context.Background(), bus.Event{Kind: bus.KindCancelCompleted, SessionID: s.ID})
		s.sendFrame(wire.ExecutionCancelled{Type: wire.TypeExecutionCancelled, SessionID: s.ID})
	case err != nil:
		m.metrics.PromptFailed(ctx)
		m.logger.Error("execution failed", "session_id", s.ID, "turn", turn, "error", err)
		s.sendFrame(wire.ExecutionError{Type: wire.TypeExecutionError, SessionID: s.ID, Message: err.Error()})
	default:
		m.metrics.PromptExecuted(ctx)
		if m.store != nil && output != "" {
			if err := m.store.AddMessage(context.Background(), s.ID, "assistant", output); err != nil {
				m.logger.Warn("transcript write failed", "session_id", s.ID, "error", err)
			}
		}
		s.sendFrame(wire.PromptComplete{Type: wire.TypePromptComplete, SessionID: s.ID, TurnCount: turn})
	}

	if err := s.persist(context.Background(), persistence.SessionStatusActive); err != nil {
		m.logger.Warn("session persist failed", "session_id", s.ID, "error", err)
	}
	return nil
}

// Cancel requests cancellation of the in-flight turn. The cooperative flag is
// always set; immediate additionally aborts the execution context. The call
// never blocks on the turn itself.
func (m *Manager) Cancel(ctx context.Context, sessionID string, immediate bool) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	s.sendFrame(wire.CancelAcknowledged{Type: wire.TypeCancelAcknowledged, SessionID: s.ID, Immediate: immediate})

	s.mu.Lock()
	eng := s.eng
	cancel := s.cancelExec
	s.mu.Unlock()

	if eng != nil {
		eng.Cancellation().Cancel()
	}
	s.events.Emit(ctx, bus.Event{Kind: bus.KindCancelRequested, SessionID: s.ID, Payload: map[string]any{"immediate": immediate}})
	if immediate && cancel != nil {
		cancel()
	}
	m.logger.Info("cancellation requested", "session_id", s.ID, "immediate", immediate)
	return nil
}

// HandleApprovalResponse routes a client answer to the session's broker.
// Unknown request ids are logged and dropped.
func (m *Manager) HandleApprovalResponse(sessionID, requestID, choice string) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	if !s.broker.HandleResponse(requestID, choice) {
		m.logger.Debug("approval response dropped", "session_id", sessionID, "request_id", requestID)
	}
	return nil
}

// Close tears a session down: cancel in-flight work, clean up the engine,
// persist final state, remove from the registry.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	m.registry.Delete(sessionID)

	s.mu.Lock()
	s.closed = true
	eng := s.eng
	s.eng = nil
	cancel := s.cancelExec
	s.mu.Unlock()

	if eng != nil {
		eng.Cancellation().Cancel()
	}
	if cancel != nil {
		cancel()
	}
	if eng != nil {
		if err := eng.Cleanup(ctx); err != nil {
			m.logger.Warn("engine cleanup failed", "session_id", sessionID, "error", err)
		}
	}
	if err := s.persist(ctx, persistence.SessionStatusClosed); err != nil {
		m.logger.Warn("session persist failed", "session_id", sessionID, "error", err)
	}
	m.logger.Info("session closed", "session_id", sessionID)
	return nil
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	return m.registry.Get(sessionID)
}

// ActiveCount reports live sessions, for status display.
func (m *Manager) ActiveCount() int {
	return len(m.registry.List())
}

func (s *Session) persist(ctx context.Context, status string) error {
	if s.manager.store == nil {
		return nil
	}
	s.mu.Lock()
	rec := persistence.SessionRecord{
		ID:           s.ID,
		Bundle:       s.bundleName,
		Behaviors:    s.behaviors,
		Cwd:          s.cwd,
		TurnCount:    s.turnCount,
		ShowThinking: s.relay.ShowThinking(),
		Status:       status,
	}
	s.mu.Unlock()
	return s.manager.store.SaveSession(ctx, rec)
}

func (s *Session) sendFrame(v any) {
	if err := s.send.Send(v); err != nil {
		s.manager.logger.Warn("frame send failed", "session_id", s.ID, "error", err)
	}
}

// Broker exposes the approval broker, for status display.
func (s *Session) Broker() *approval.Broker { return s.broker }

// Snapshot returns display metadata for slash commands.
func (s *Session) Snapshot() (bundleName string, behaviors []string, cwd string, turns int, toolNames []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundleName, s.behaviors, s.cwd, s.turnCount, s.prepared.ToolNames()
}

// ClearTranscript wipes the stored transcript, for the clear command.
func (s *Session) ClearTranscript(ctx context.Context) error {
	if s.manager.store == nil {
		return nil
	}
	return s.manager.store.ClearMessages(ctx, s.ID)
}
