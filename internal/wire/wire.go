// Package wire defines the JSON frames exchanged with UI clients.
//
// Every frame is a JSON object with a "type" field. Inbound frames are decoded
// from a single envelope; outbound frames are typed structs except for relayed
// engine events, whose payloads are dynamic and travel as maps.
package wire

// CloseAuthFailed is the WebSocket close code for a failed or timed-out
// authentication handshake.
const CloseAuthFailed = 4001

// Inbound frame types.
const (
	TypeAuth             = "auth"
	TypeCreateSession    = "create_session"
	TypePrompt           = "prompt"
	TypeApprovalResponse = "approval_response"
	TypeCancel           = "cancel"
	TypeCommand          = "command"
	TypePing             = "ping"
)

// Outbound frame types.
const (
	TypeAuthSuccess        = "auth_success"
	TypeError              = "error"
	TypeSessionCreated     = "session_created"
	TypeContentStart       = "content_start"
	TypeContentDelta       = "content_delta"
	TypeContentEnd         = "content_end"
	TypeThinkingDelta      = "thinking_delta"
	TypeThinkingFinal      = "thinking_final"
	TypeToolCall           = "tool_call"
	TypeToolResult         = "tool_result"
	TypeSessionFork        = "session_fork"
	TypeDisplayMessage     = "display_message"
	TypeApprovalRequest    = "approval_request"
	TypeApprovalTimeout    = "approval_timeout"
	TypePromptComplete     = "prompt_complete"
	TypeExecutionCancelled = "execution_cancelled"
	TypeExecutionError     = "execution_error"
	TypeCancelAcknowledged = "cancel_acknowledged"
	TypeCommandResult      = "command_result"
	TypePong               = "pong"
	TypeArtifactSaved      = "artifact_saved"
)

// Sender is the narrow outbound interface handed to everything that needs to
// push frames to a client. Implementations must be safe for concurrent use.
type Sender interface {
	Send(v any) error
}

// Envelope is the first decode of an inbound frame: just the type. The raw
// bytes get a second, type-specific decode.
type Envelope struct {
	Type string `json:"type"`
}

// Auth is the first frame a client must send.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// CreateSession creates a new session or reconfigures an existing one.
type CreateSession struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id,omitempty"`
	Bundle       string   `json:"bundle"`
	Behaviors    []string `json:"behaviors,omitempty"`
	Cwd          string   `json:"cwd,omitempty"`
	ShowThinking *bool    `json:"show_thinking,omitempty"`
}

// Image is an inline attachment on a prompt.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Prompt submits one user turn for execution.
type Prompt struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Content   string  `json:"content"`
	Images    []Image `json:"images,omitempty"`
}

// ApprovalResponse answers a pending approval_request.
type ApprovalResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Choice    string `json:"choice"`
}

// Cancel requests cancellation of the in-flight turn.
type Cancel struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Immediate bool   `json:"immediate,omitempty"`
}

// Command runs a slash command against a session.
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// AuthSuccess acknowledges a successful handshake.
type AuthSuccess struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// Error reports a recoverable protocol or execution error.
type Error struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// SessionCreated confirms session creation or reconfiguration.
type SessionCreated struct {
	Type         string         `json:"type"`
	SessionID    string         `json:"session_id"`
	Bundle       string         `json:"bundle"`
	Behaviors    []string       `json:"behaviors,omitempty"`
	Cwd          string         `json:"cwd"`
	Resumed      bool           `json:"resumed"`
	TurnCount    int            `json:"turn_count"`
	ShowThinking bool           `json:"show_thinking"`
	BundleDebug  map[string]any `json:"bundle_debug,omitempty"`
}

// ApprovalRequest asks the client to choose one of Options. Default names the
// action applied if the request times out or cannot be delivered.
type ApprovalRequest struct {
	Type           string   `json:"type"`
	SessionID      string   `json:"session_id"`
	RequestID      string   `json:"request_id"`
	Prompt         string   `json:"prompt"`
	Options        []string `json:"options"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Default        string   `json:"default"`
}

// ApprovalTimeout tells the client a pending request expired server-side.
type ApprovalTimeout struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Resolved  string `json:"resolved"`
}

// PromptComplete marks the end of a successful turn.
type PromptComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TurnCount int    `json:"turn_count"`
}

// ExecutionCancelled marks a turn that ended by cancellation.
type ExecutionCancelled struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ExecutionError marks a turn that ended in an engine error.
type ExecutionError struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// CancelAcknowledged is sent as soon as a cancel frame is accepted.
type CancelAcknowledged struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Immediate bool   `json:"immediate"`
}

// CommandResult carries the output of a slash command.
type CommandResult struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Output    string `json:"output"`
}

// DisplayMessage is a free-form server-side notification for the UI.
type DisplayMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	Message        string `json:"message"`
	Level          string `json:"level,omitempty"`
	Source         string `json:"source,omitempty"`
	ChildSessionID string `json:"child_session_id,omitempty"`
	NestingDepth   int    `json:"nesting_depth,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// Frame builds a dynamic outbound frame. The relay uses this for engine events
// whose payload shape is not fixed.
func Frame(typ string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = typ
	return out
}
