package engine

import (
	"errors"
	"sync"
)

// ErrCancelled is returned by Execute when the turn ended by cancellation.
var ErrCancelled = errors.New("execution cancelled")

// CancelCoordinator is the cooperative half of cancellation: a flag the engine
// polls between steps, with parent-to-child propagation for sub-sessions. The
// hard abort of the execution goroutine is a separate context.CancelFunc held
// by the session controller; the two signals are independent.
type CancelCoordinator struct {
	mu        sync.Mutex
	cancelled bool
	children  map[*CancelCoordinator]struct{}
}

func NewCancelCoordinator() *CancelCoordinator {
	return &CancelCoordinator{children: make(map[*CancelCoordinator]struct{})}
}

// Cancel sets the flag and propagates to every registered child.
func (c *CancelCoordinator) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	children := make([]*CancelCoordinator, 0, len(c.children))
	for child := range c.children {
		children = append(children, child)
	}
	c.mu.Unlock()
	for _, child := range children {
		child.Cancel()
	}
}

// Cancelled reports whether cancellation was requested.
func (c *CancelCoordinator) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Reset clears the flag before a new turn. Registered children are kept.
func (c *CancelCoordinator) Reset() {
	c.mu.Lock()
	c.cancelled = false
	c.mu.Unlock()
}

// RegisterChild links a sub-session coordinator. If cancellation is already
// requested the child is cancelled immediately.
func (c *CancelCoordinator) RegisterChild(child *CancelCoordinator) {
	c.mu.Lock()
	c.children[child] = struct{}{}
	already := c.cancelled
	c.mu.Unlock()
	if already {
		child.Cancel()
	}
}

// UnregisterChild unlinks a sub-session coordinator.
func (c *CancelCoordinator) UnregisterChild(child *CancelCoordinator) {
	c.mu.Lock()
	delete(c.children, child)
	c.mu.Unlock()
}
