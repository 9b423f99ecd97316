package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/michaeljabbour/amplifier-web/internal/wire"
)

const helpText = `Available commands:
  /help    show this help
  /status  show session status
  /tools   list the session's tools
  /clear   clear the stored transcript`

// handleCommand answers slash commands with a command_result frame.
func (s *Server) handleCommand(ctx context.Context, c *client, msg wire.Command) {
	sess, ok := s.cfg.Sessions.Get(msg.SessionID)
	if !ok {
		s.sendError(c, msg.SessionID, "session not found")
		return
	}

	fields := strings.Fields(msg.Command)
	if len(fields) == 0 {
		s.sendError(c, msg.SessionID, "empty command")
		return
	}
	name := strings.TrimPrefix(fields[0], "/")
	var output string
	switch name {
	case "help":
		output = helpText
	case "status":
		bundleName, behaviors, cwd, turns, _ := sess.Snapshot()
		output = fmt.Sprintf(
			"bundle: %s\nbehaviors: %s\ncwd: %s\nturns: %d\npending approvals: %d\ncached approvals: %d",
			bundleName, strings.Join(behaviors, ", "), cwd, turns,
			sess.Broker().PendingCount(), sess.Broker().CachedCount(),
		)
	case "tools":
		_, _, _, _, tools := sess.Snapshot()
		if len(tools) == 0 {
			output = "no tools configured"
		} else {
			output = strings.Join(tools, "\n")
		}
	case "clear":
		if err := sess.ClearTranscript(ctx); err != nil {
			s.sendError(c, msg.SessionID, err.Error())
			return
		}
		output = "transcript cleared"
	default:
		output = fmt.Sprintf("unknown command %q, try /help", name)
	}

	if err := c.Send(wire.CommandResult{
		Type:      wire.TypeCommandResult,
		SessionID: msg.SessionID,
		Command:   msg.Command,
		Output:    output,
	}); err != nil {
		s.logger.Warn("command_result send failed", "client_id", c.id, "error", err)
	}
}
