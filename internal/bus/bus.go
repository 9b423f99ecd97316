// Package bus is the in-process event spine of a session. Handlers subscribe
// to a closed set of event kinds; emission is synchronous, ordered by priority
// tier and then registration order, and a handler may veto the event.
package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// EventKind enumerates every event a session can carry. The set is closed:
// consumers dispatch with a switch, not string matching.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindContentBlockStart
	KindContentBlockDelta
	KindContentBlockEnd
	KindThinkingDelta
	KindThinkingFinal
	KindToolPre
	KindToolPost
	KindToolError
	KindSessionStart
	KindSessionEnd
	KindSessionFork
	KindCancelRequested
	KindCancelCompleted
	KindUserNotification
)

var kindNames = map[EventKind]string{
	KindUnknown:           "unknown",
	KindContentBlockStart: "content_block:start",
	KindContentBlockDelta: "content_block:delta",
	KindContentBlockEnd:   "content_block:end",
	KindThinkingDelta:     "thinking:delta",
	KindThinkingFinal:     "thinking:final",
	KindToolPre:           "tool:pre",
	KindToolPost:          "tool:post",
	KindToolError:         "tool:error",
	KindSessionStart:      "session:start",
	KindSessionEnd:        "session:end",
	KindSessionFork:       "session:fork",
	KindCancelRequested:   "cancel:requested",
	KindCancelCompleted:   "cancel:completed",
	KindUserNotification:  "user:notification",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// StreamableKinds are the kinds a sub-session forwards to its parent.
func StreamableKinds() []EventKind {
	return []EventKind{
		KindContentBlockStart,
		KindContentBlockDelta,
		KindContentBlockEnd,
		KindThinkingDelta,
		KindThinkingFinal,
		KindToolPre,
		KindToolPost,
		KindToolError,
	}
}

// Event is one occurrence on the bus. Payload keys are event-kind specific.
type Event struct {
	Kind      EventKind
	SessionID string
	Payload   map[string]any
}

// Action is a handler's verdict on an event.
type Action int

const (
	ActionContinue Action = iota
	ActionDeny
)

// Result carries a handler's verdict. A deny short-circuits emission and is
// returned to the emitter, which must honor it (tool gating relies on this).
type Result struct {
	Action Action
	Reason string
}

// Continue is the zero-cost pass-through result.
var Continue = Result{Action: ActionContinue}

// Deny builds a vetoing result with a human-readable reason.
func Deny(reason string) Result {
	return Result{Action: ActionDeny, Reason: reason}
}

// Handler processes one event. Returning an error does not stop emission; the
// error is logged and later handlers still run.
type Handler func(ctx context.Context, ev Event) (Result, error)

// Priority tiers. Lower runs first.
const (
	PriorityGate    = 10
	PriorityDefault = 50
	PriorityRelay   = 100
)

type subscription struct {
	name     string
	priority int
	seq      int
	kinds    map[EventKind]struct{} // nil means all kinds
	fn       Handler
}

func (s *subscription) matches(k EventKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus is a per-session event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID int
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler under a unique name. An empty kind list means
// every kind. Re-subscribing an existing name replaces it.
func (b *Bus) Subscribe(name string, priority int, fn Handler, kinds ...EventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(name)
	sub := &subscription{name: name, priority: priority, seq: b.nextID, fn: fn}
	b.nextID++
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)
	sort.SliceStable(b.subs, func(i, j int) bool {
		if b.subs[i].priority != b.subs[j].priority {
			return b.subs[i].priority < b.subs[j].priority
		}
		return b.subs[i].seq < b.subs[j].seq
	})
}

// Unsubscribe removes the named handler. Unknown names are a no-op.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(name)
}

func (b *Bus) removeLocked(name string) {
	for i, sub := range b.subs {
		if sub.name == name {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every matching handler in order. The first deny
// stops delivery and is returned; handler errors are logged and skipped.
func (b *Bus) Emit(ctx context.Context, ev Event) Result {
	b.mu.RLock()
	snapshot := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev.Kind) {
			snapshot = append(snapshot, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		res, err := sub.fn(ctx, ev)
		if err != nil {
			b.logger.Warn("bus handler failed", "handler", sub.name, "event", ev.Kind.String(), "error", err)
			continue
		}
		if res.Action == ActionDeny {
			return res
		}
	}
	return Continue
}
