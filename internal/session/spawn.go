package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/michaeljabbour/amplifier-web/internal/approval"
	"github.com/michaeljabbour/amplifier-web/internal/bundle"
	"github.com/michaeljabbour/amplifier-web/internal/bus"
	"github.com/michaeljabbour/amplifier-web/internal/engine"
	"github.com/michaeljabbour/amplifier-web/internal/shared"
)

// spawnHost is the context a sub-session spawns under: the root session on
// the first level, a sub-session itself on deeper levels.
type spawnHost struct {
	id          string
	cwd         string
	events      *bus.Bus
	broker      *approval.Broker
	prepared    *bundle.Prepared
	depth       int
	coordinator func() *engine.CancelCoordinator
}

// spawnFunc binds the spawn capability to a root session. The capability is
// only usable while a turn is executing.
func (m *Manager) spawnFunc(s *Session) engine.SpawnFunc {
	return func(ctx context.Context, req engine.SpawnRequest) (string, error) {
		s.mu.Lock()
		eng := s.eng
		prepared := s.prepared
		cwd := s.cwd
		s.mu.Unlock()
		if eng == nil {
			return "", fmt.Errorf("spawn outside an active execution")
		}
		host := spawnHost{
			id:          s.ID,
			cwd:         cwd,
			events:      s.events,
			broker:      s.broker,
			prepared:    prepared,
			depth:       0,
			coordinator: eng.Cancellation,
		}
		return m.spawn(ctx, host, req)
	}
}

// spawn runs one sub-session to completion. Event forwarders and cancellation
// propagation are registered before execute; unregistration and engine
// cleanup always run.
func (m *Manager) spawn(ctx context.Context, host spawnHost, req engine.SpawnRequest) (string, error) {
	agent, ok := host.prepared.Agents[req.Agent]
	if !ok {
		return "", fmt.Errorf("unknown agent %q in bundle %s", req.Agent, host.prepared.Bundle)
	}

	childID := req.SubSessionID
	if childID == "" {
		childID = deriveChildID(ctx, host.id, req.Agent)
	}
	childDepth := host.depth + 1

	merged := bundle.MergeConfigs(host.prepared.Config, agent.Config)
	if req.ProviderOverride != "" {
		merged["provider"] = req.ProviderOverride
	}
	if req.ModelOverride != "" {
		merged["model"] = req.ModelOverride
	}
	tools := bundle.FilterModules(host.prepared.Tools, req.InheritTools, req.ExcludeTools)
	hooks := bundle.FilterModules(host.prepared.Hooks, req.InheritHooks, req.ExcludeHooks)
	childPrepared := host.prepared.Derive(agent.Instruction, merged, tools, hooks)

	// Forwarders go on before the child runs so no event is lost. Results
	// flow back through: a deny on the host bus reaches the child engine.
	childBus := bus.New(m.logger)
	for _, kind := range bus.StreamableKinds() {
		childBus.Subscribe("forward-"+kind.String(), bus.PriorityRelay, func(ctx context.Context, ev bus.Event) (bus.Result, error) {
			payload := make(map[string]any, len(ev.Payload)+3)
			for k, v := range ev.Payload {
				payload[k] = v
			}
			payload["child_session_id"] = childID
			if req.ParentToolCallID != "" {
				payload["parent_tool_call_id"] = req.ParentToolCallID
			}
			payload["nesting_depth"] = childDepth
			res := host.events.Emit(ctx, bus.Event{Kind: ev.Kind, SessionID: host.id, Payload: payload})
			return res, nil
		}, kind)
	}

	var child engine.Session
	childHost := spawnHost{
		id:       childID,
		cwd:      host.cwd,
		events:   childBus,
		broker:   host.broker,
		prepared: childPrepared,
		depth:    childDepth,
		coordinator: func() *engine.CancelCoordinator {
			return child.Cancellation()
		},
	}

	child, err := childPrepared.CreateSession(ctx, engine.SessionOptions{
		SessionID:         childID,
		ParentID:          host.id,
		Cwd:               host.cwd,
		SystemInstruction: agent.Instruction,
		Events:            childBus,
		Approver:          host.broker,
		Spawn: func(ctx context.Context, r engine.SpawnRequest) (string, error) {
			return m.spawn(ctx, childHost, r)
		},
	})
	if err != nil {
		return "", fmt.Errorf("create sub-session %s: %w", childID, err)
	}

	parentCoord := host.coordinator()
	parentCoord.RegisterChild(child.Cancellation())
	defer func() {
		parentCoord.UnregisterChild(child.Cancellation())
		if err := child.Cleanup(context.Background()); err != nil {
			m.logger.Warn("sub-session cleanup failed", "session_id", childID, "error", err)
		}
	}()

	host.events.Emit(ctx, bus.Event{
		Kind:      bus.KindSessionFork,
		SessionID: host.id,
		Payload: map[string]any{
			"child_session_id":    childID,
			"agent":               req.Agent,
			"parent_tool_call_id": req.ParentToolCallID,
			"nesting_depth":       childDepth,
		},
	})
	m.metrics.SubSessionSpawned(ctx, req.Agent)
	m.logger.Info("sub-session spawned", "session_id", host.id, "child_session_id", childID, "agent", req.Agent, "depth", childDepth)

	out, err := child.Execute(ctx, engine.Input{Text: req.Instruction})
	if err != nil {
		return "", fmt.Errorf("sub-session %s: %w", childID, err)
	}
	return out, nil
}

// deriveChildID builds a deterministic sub-session id from the parent id, the
// trace, and the agent name.
func deriveChildID(ctx context.Context, parentID, agent string) string {
	trace := shared.TraceID(ctx)
	if trace == "-" {
		trace = uuid.NewString()
	}
	if len(trace) > 8 {
		trace = trace[:8]
	}
	return fmt.Sprintf("%s-%s_%s", parentID, trace, agent)
}
