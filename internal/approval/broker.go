// Package approval brokers permission questions between the engine and the
// remote UI: pending requests resolve through the client, repeat questions
// resolve from a decision cache, and unanswered questions fall back to a
// default after a timeout.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaeljabbour/amplifier-web/internal/wire"
)

const (
	// DefaultAllow and DefaultDeny name the two timeout fallbacks.
	DefaultAllow = "allow"
	DefaultDeny  = "deny"

	// DefaultTimeout applies when neither the caller nor the broker
	// configuration sets one.
	DefaultTimeout = 300 * time.Second
)

type pendingRequest struct {
	key string
	ch  chan string
}

// Broker owns the pending-request slots and the decision cache for one
// session. Safe for concurrent use.
type Broker struct {
	sessionID      string
	send           wire.Sender
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
	cache   map[string]string
}

func NewBroker(sessionID string, send wire.Sender, defaultTimeout time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Broker{
		sessionID:      sessionID,
		send:           send,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingRequest),
		cache:          make(map[string]string),
	}
}

// RequestApproval asks the client to pick one of options. A cached decision
// for the same (prompt, options) pair answers immediately without touching the
// network. On timeout the client is notified and the default heuristic picks
// the answer.
func (b *Broker) RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, defaultAction string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("approval request with no options")
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	key := cacheKey(prompt, options)

	b.mu.Lock()
	if cached, ok := b.cache[key]; ok {
		b.mu.Unlock()
		b.logger.Debug("approval served from cache", "session_id", b.sessionID, "choice", cached)
		return cached, nil
	}
	id := uuid.NewString()
	req := &pendingRequest{key: key, ch: make(chan string, 1)}
	b.pending[id] = req
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.send.Send(wire.ApprovalRequest{
		Type:           wire.TypeApprovalRequest,
		SessionID:      b.sessionID,
		RequestID:      id,
		Prompt:         prompt,
		Options:        options,
		TimeoutSeconds: int(timeout / time.Second),
		Default:        defaultAction,
	}); err != nil {
		// The client never saw the request; resolve from the default
		// rather than failing the caller's tool run.
		resolved := resolveDefault(defaultAction, options)
		b.logger.Warn("send approval request failed", "session_id", b.sessionID, "request_id", id, "resolved", resolved, "error", err)
		b.maybeCache(key, resolved)
		return resolved, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case choice := <-req.ch:
		b.maybeCache(key, choice)
		return choice, nil
	case <-timer.C:
		resolved := resolveDefault(defaultAction, options)
		b.logger.Info("approval timed out", "session_id", b.sessionID, "request_id", id, "resolved", resolved)
		if err := b.send.Send(wire.ApprovalTimeout{
			Type:      wire.TypeApprovalTimeout,
			SessionID: b.sessionID,
			RequestID: id,
			Resolved:  resolved,
		}); err != nil {
			b.logger.Warn("send approval timeout notice failed", "session_id", b.sessionID, "error", err)
		}
		b.maybeCache(key, resolved)
		return resolved, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// maybeCache stores a resolved choice when its text indicates an "always"
// decision, regardless of how it was resolved.
func (b *Broker) maybeCache(key, choice string) {
	if !strings.Contains(strings.ToLower(choice), "always") {
		return
	}
	b.mu.Lock()
	b.cache[key] = choice
	b.mu.Unlock()
}

// HandleResponse resolves a pending request. Returns false for unknown ids,
// which includes requests that already timed out.
func (b *Broker) HandleResponse(requestID, choice string) bool {
	b.mu.Lock()
	req, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("approval response for unknown request", "session_id", b.sessionID, "request_id", requestID)
		return false
	}
	req.ch <- choice
	return true
}

// PendingCount reports outstanding requests, for status display.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// CachedCount reports stored decisions, for status display.
func (b *Broker) CachedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}

func cacheKey(prompt string, options []string) string {
	return prompt + "\x00" + strings.Join(options, "\x00")
}

// resolveDefault picks the option matching the default action: a case
// insensitive scan for allow/yes (or deny/no), falling back to the first
// option for allow and the last for deny.
func resolveDefault(defaultAction string, options []string) string {
	var needles []string
	if strings.EqualFold(defaultAction, DefaultDeny) {
		needles = []string{"deny", "no"}
	} else {
		needles = []string{"allow", "yes"}
	}
	for _, opt := range options {
		lower := strings.ToLower(opt)
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				return opt
			}
		}
	}
	if strings.EqualFold(defaultAction, DefaultDeny) {
		return options[len(options)-1]
	}
	return options[0]
}
