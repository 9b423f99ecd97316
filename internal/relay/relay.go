// Package relay turns engine bus events into UI frames: block-indexed content
// streaming, thinking suppression, tool convenience fields, payload
// sanitization, and file-change artifacts.
package relay

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/michaeljabbour/amplifier-web/internal/bus"
	"github.com/michaeljabbour/amplifier-web/internal/wire"
)

// fileTools are the tools whose file_path inputs get pre/post snapshots for
// artifact diffing.
var fileTools = map[string]struct{}{
	"write_file": {},
	"edit_file":  {},
	"bash":       {},
}

const previewLen = 200

// Operation classifications for recorded file changes.
const (
	OpCreate = "create"
	OpEdit   = "edit"
	OpShell  = "shell-derived"
)

// Artifact is one recorded file change.
type Artifact struct {
	SessionID string
	Path      string
	Tool      string
	Operation string
	Before    string
	After     string
	Diff      string
}

// ArtifactSink persists a recorded file change.
type ArtifactSink interface {
	SaveArtifact(ctx context.Context, a Artifact) (int64, error)
}

type pendingFileOp struct {
	tool      string
	path      string
	before    string
	hadBefore bool
	oldFrag   string
	newFrag   string
}

func (op pendingFileOp) operation() string {
	switch {
	case op.tool == "bash":
		return OpShell
	case op.hadBefore:
		return OpEdit
	default:
		return OpCreate
	}
}

// Relay is the per-session bus subscriber that produces client frames.
type Relay struct {
	sessionID string
	send      wire.Sender
	logger    *slog.Logger
	artifacts ArtifactSink // nil disables artifact recording

	mu           sync.Mutex
	showThinking bool
	blockTypes   map[int]string
	pendingOps   map[string]pendingFileOp
}

func New(sessionID string, send wire.Sender, artifacts ArtifactSink, showThinking bool, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sessionID:    sessionID,
		send:         send,
		logger:       logger,
		artifacts:    artifacts,
		showThinking: showThinking,
		blockTypes:   make(map[int]string),
		pendingOps:   make(map[string]pendingFileOp),
	}
}

// SetShowThinking toggles thinking forwarding for subsequent events.
func (r *Relay) SetShowThinking(on bool) {
	r.mu.Lock()
	r.showThinking = on
	r.mu.Unlock()
}

// ShowThinking reports the current setting.
func (r *Relay) ShowThinking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.showThinking
}

// HandleEvent is the bus handler. It never denies; a frame that cannot be
// delivered is logged and dropped.
func (r *Relay) HandleEvent(ctx context.Context, ev bus.Event) (bus.Result, error) {
	switch ev.Kind {
	case bus.KindContentBlockStart:
		r.contentStart(ev)
	case bus.KindContentBlockDelta:
		r.contentDelta(ev)
	case bus.KindContentBlockEnd:
		r.contentEnd(ev)
	case bus.KindThinkingDelta:
		r.thinking(wire.TypeThinkingDelta, ev)
	case bus.KindThinkingFinal:
		r.thinking(wire.TypeThinkingFinal, ev)
	case bus.KindToolPre:
		r.toolPre(ev)
	case bus.KindToolPost:
		r.toolPost(ctx, ev)
	case bus.KindToolError:
		r.toolError(ev)
	case bus.KindSessionFork:
		r.emitTagged(wire.TypeSessionFork, nil, ev.Payload)
	case bus.KindUserNotification:
		r.emitTagged(wire.TypeDisplayMessage, nil, ev.Payload)
	case bus.KindSessionStart, bus.KindSessionEnd, bus.KindCancelRequested, bus.KindCancelCompleted, bus.KindUnknown:
		// lifecycle kinds carry no client frame
	}
	return bus.Continue, nil
}

func (r *Relay) contentStart(ev bus.Event) {
	idx := intFrom(ev.Payload["index"])
	blockType, _ := ev.Payload["block_type"].(string)
	if blockType == "" {
		blockType = "text"
	}
	r.mu.Lock()
	r.blockTypes[idx] = blockType
	show := r.showThinking
	r.mu.Unlock()
	if blockType == "thinking" && !show {
		return
	}
	r.emitTagged(wire.TypeContentStart, map[string]any{"index": idx, "block_type": blockType}, ev.Payload)
}

func (r *Relay) contentDelta(ev bus.Event) {
	idx := intFrom(ev.Payload["index"])
	r.mu.Lock()
	blockType, known := r.blockTypes[idx]
	show := r.showThinking
	r.mu.Unlock()
	if !known {
		blockType = "text"
	}
	if blockType == "thinking" && !show {
		return
	}
	r.emitTagged(wire.TypeContentDelta, map[string]any{"index": idx, "block_type": blockType}, ev.Payload)
}

func (r *Relay) contentEnd(ev bus.Event) {
	idx := intFrom(ev.Payload["index"])
	r.mu.Lock()
	blockType := r.blockTypes[idx]
	delete(r.blockTypes, idx)
	show := r.showThinking
	r.mu.Unlock()
	if blockType == "" {
		blockType = "text"
	}
	if blockType == "thinking" && !show {
		return
	}
	r.emitTagged(wire.TypeContentEnd, map[string]any{"index": idx, "block_type": blockType}, ev.Payload)
}

func (r *Relay) thinking(frameType string, ev bus.Event) {
	if !r.ShowThinking() {
		return
	}
	r.emitTagged(frameType, nil, ev.Payload)
}

func (r *Relay) toolPre(ev bus.Event) {
	toolName, _ := ev.Payload["tool_name"].(string)
	toolID, _ := ev.Payload["tool_call_id"].(string)
	input, _ := ev.Payload["tool_input"].(map[string]any)

	frame := map[string]any{}
	var command string
	if toolName == "bash" {
		if c, ok := input["command"].(string); ok {
			command = c
			frame["command"] = c
		}
	}
	path, _ := input["file_path"].(string)
	if path == "" {
		path, _ = input["path"].(string)
	}
	if path != "" {
		frame["file_path"] = path
		if content, ok := input["content"].(string); ok {
			frame["content_preview"] = preview(content)
		}
	}
	if path == "" && command != "" {
		path = shellTargetPath(command)
	}

	if _, tracked := fileTools[toolName]; tracked && path != "" && toolID != "" {
		op := pendingFileOp{tool: toolName, path: path}
		op.oldFrag, _ = input["old_string"].(string)
		op.newFrag, _ = input["new_string"].(string)
		if data, err := os.ReadFile(path); err == nil {
			op.before = string(data)
			op.hadBefore = true
		}
		r.mu.Lock()
		r.pendingOps[toolID] = op
		r.mu.Unlock()
	}

	r.emitTagged(wire.TypeToolCall, frame, ev.Payload)
}

func (r *Relay) toolPost(ctx context.Context, ev bus.Event) {
	toolID, _ := ev.Payload["tool_call_id"].(string)

	r.mu.Lock()
	op, had := r.pendingOps[toolID]
	delete(r.pendingOps, toolID)
	r.mu.Unlock()
	if had {
		r.recordArtifact(ctx, op, ev.Payload)
	}

	r.emitTagged(wire.TypeToolResult, nil, ev.Payload)
}

func (r *Relay) toolError(ev bus.Event) {
	toolID, _ := ev.Payload["tool_call_id"].(string)

	r.mu.Lock()
	delete(r.pendingOps, toolID)
	r.mu.Unlock()

	r.emitTagged(wire.TypeToolResult, map[string]any{"is_error": true}, ev.Payload)
}

func (r *Relay) recordArtifact(ctx context.Context, op pendingFileOp, payload map[string]any) {
	before := op.before
	var after string
	if data, err := os.ReadFile(op.path); err == nil {
		after = string(data)
	} else if op.oldFrag != "" || op.newFrag != "" {
		// Full content unavailable; diff the edit fragments instead.
		before, after = op.oldFrag, op.newFrag
	} else {
		return
	}
	if before == after {
		return
	}
	diff, err := unifiedDiff(op.path, before, after)
	if err != nil {
		r.logger.Warn("artifact diff failed", "path", op.path, "error", err)
		return
	}
	artifact := Artifact{
		SessionID: r.sessionID,
		Path:      op.path,
		Tool:      op.tool,
		Operation: op.operation(),
		Before:    before,
		After:     after,
		Diff:      diff,
	}
	frame := map[string]any{
		"file_path": op.path,
		"tool_name": op.tool,
		"operation": artifact.Operation,
		"diff":      diff,
	}
	if r.artifacts != nil {
		id, err := r.artifacts.SaveArtifact(ctx, artifact)
		if err != nil {
			r.logger.Warn("artifact save failed", "path", op.path, "error", err)
		} else {
			frame["artifact_id"] = id
		}
	}
	r.emitTagged(wire.TypeArtifactSaved, frame, payload)
}

// emitTagged merges the sanitized event payload into the outbound frame, with
// the relay's convenience fields layered on top. Clients get the full event
// structure, including sub-session tags, minus redacted binary content.
func (r *Relay) emitTagged(frameType string, frame, payload map[string]any) {
	merged, _ := Sanitize(payload).(map[string]any)
	if merged == nil {
		merged = make(map[string]any, len(frame)+1)
	}
	for k, v := range frame {
		merged[k] = v
	}
	r.emit(frameType, merged)
}

func (r *Relay) emit(frameType string, frame map[string]any) {
	frame["session_id"] = r.sessionID
	if err := r.send.Send(wire.Frame(frameType, frame)); err != nil {
		r.logger.Warn("frame send failed", "frame", frameType, "session_id", r.sessionID, "error", err)
	}
}

// shellTargetPath extracts the file a shell command writes to, from an output
// redirection or a tee target. Empty when no target is recognizable.
func shellTargetPath(command string) string {
	fields := strings.Fields(command)
	for i, f := range fields {
		switch {
		case f == ">" || f == ">>":
			if i+1 < len(fields) {
				return trimShellQuotes(fields[i+1])
			}
		case len(f) > 1 && strings.HasPrefix(f, ">"):
			return trimShellQuotes(strings.TrimLeft(f, ">"))
		case f == "tee":
			for _, arg := range fields[i+1:] {
				if !strings.HasPrefix(arg, "-") {
					return trimShellQuotes(arg)
				}
			}
		}
	}
	return ""
}

func trimShellQuotes(s string) string {
	return strings.Trim(s, `"'`)
}

// preview truncates tool content for the convenience field on tool_call.
func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen] + "..."
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
