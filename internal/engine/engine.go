// Package engine defines the boundary to the agent-execution engine. The
// server never looks inside an engine; it creates sessions through a Factory
// and drives them through the narrow Session interface, observing progress on
// the session bus.
package engine

import (
	"context"
	"time"

	"github.com/michaeljabbour/amplifier-web/internal/bus"
)

// Approver lets an engine ask the user to choose between options. The call
// blocks until answered, times out to defaultAction, or the context ends.
type Approver interface {
	RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, defaultAction string) (string, error)
}

// Attachment is an inline image passed alongside a prompt.
type Attachment struct {
	MediaType string
	Data      string
}

// Input is one user turn.
type Input struct {
	Text   string
	Images []Attachment
}

// SpawnRequest asks the host to run a named agent in a sub-session.
type SpawnRequest struct {
	Agent            string
	Instruction      string
	ParentToolCallID string
	SubSessionID     string
	ProviderOverride string
	ModelOverride    string
	InheritTools     []string
	ExcludeTools     []string
	InheritHooks     []string
	ExcludeHooks     []string
}

// SpawnFunc is the host-provided sub-session capability. It returns the
// sub-session's final output text.
type SpawnFunc func(ctx context.Context, req SpawnRequest) (string, error)

// SessionOptions carries everything an engine needs to build a session.
// Events is the session bus: the engine emits its lifecycle there and must
// honor a deny result on tool:pre by not running the tool.
type SessionOptions struct {
	SessionID         string
	ParentID          string
	Cwd               string
	Config            map[string]any
	SystemInstruction string
	Events            *bus.Bus
	Approver          Approver
	Spawn             SpawnFunc
}

// Session is one live engine session.
type Session interface {
	ID() string
	Cancellation() *CancelCoordinator
	// Execute runs one turn to completion and returns the final output text.
	// It returns ErrCancelled when the turn ended by cancellation.
	Execute(ctx context.Context, in Input) (string, error)
	Cleanup(ctx context.Context) error
}

// Factory builds engine sessions from prepared configuration.
type Factory interface {
	CreateSession(ctx context.Context, opts SessionOptions) (Session, error)
}
