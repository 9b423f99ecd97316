package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/michaeljabbour/amplifier-web/internal/bus"
)

// EchoFactory is the built-in development engine: it streams the prompt back
// as content blocks. A prompt of the form "@agent rest..." is delegated
// through the host's spawn capability. Useful for wiring checks and tests
// when no real engine is configured.
type EchoFactory struct{}

func (EchoFactory) CreateSession(_ context.Context, opts SessionOptions) (Session, error) {
	if opts.Events == nil {
		return nil, fmt.Errorf("echo engine: session %s has no event bus", opts.SessionID)
	}
	return &echoSession{opts: opts, cancel: NewCancelCoordinator()}, nil
}

type echoSession struct {
	opts   SessionOptions
	cancel *CancelCoordinator
}

func (s *echoSession) ID() string { return s.opts.SessionID }

func (s *echoSession) Cancellation() *CancelCoordinator { return s.cancel }

func (s *echoSession) Execute(ctx context.Context, in Input) (string, error) {
	if agent, instruction, ok := parseDelegation(in.Text); ok && s.opts.Spawn != nil {
		return s.opts.Spawn(ctx, SpawnRequest{Agent: agent, Instruction: instruction})
	}

	text := "echo: " + in.Text
	emit := func(kind bus.EventKind, payload map[string]any) {
		s.opts.Events.Emit(ctx, bus.Event{Kind: kind, SessionID: s.opts.SessionID, Payload: payload})
	}

	emit(bus.KindContentBlockStart, map[string]any{"index": 0, "block_type": "text"})
	for _, chunk := range splitChunks(text, 48) {
		if s.cancel.Cancelled() {
			return "", ErrCancelled
		}
		select {
		case <-ctx.Done():
			return "", ErrCancelled
		default:
		}
		emit(bus.KindContentBlockDelta, map[string]any{"index": 0, "text": chunk})
	}
	emit(bus.KindContentBlockEnd, map[string]any{"index": 0})
	return text, nil
}

func (s *echoSession) Cleanup(context.Context) error { return nil }

func parseDelegation(text string) (agent, instruction string, ok bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	rest := strings.TrimPrefix(text, "@")
	name, instruction, found := strings.Cut(rest, " ")
	if !found || name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(instruction), true
}

func splitChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}
