package security

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/michaeljabbour/amplifier-web/internal/bus"
)

// WriteApprovalTimeout bounds how long a write prompt waits for the client.
const WriteApprovalTimeout = 120 * time.Second

var writeApprovalOptions = []string{"Allow once", "Allow always for this directory", "Deny"}

// fileMutatingTools are the tools whose writes the guard gates. bash is
// tracked by the relay for diffing but cannot be path-gated here.
var fileMutatingTools = map[string]struct{}{
	"write_file": {},
	"edit_file":  {},
}

// Approver asks the user to choose between options.
type Approver interface {
	RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, defaultAction string) (string, error)
}

// WriteGuard decides whether a file mutation may proceed. Sensitive
// directories are always denied without prompting; the session cwd, the
// standard user dirs, and previously approved directories pass automatically;
// everything else prompts the user with a deny default.
type WriteGuard struct {
	approver Approver
	cwd      string
	home     string
	logger   *slog.Logger

	mu       sync.Mutex
	approved map[string]struct{}
}

func NewWriteGuard(approver Approver, cwd string, logger *slog.Logger) (*WriteGuard, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WriteGuard{
		approver: approver,
		cwd:      filepath.Clean(cwd),
		home:     home,
		logger:   logger,
		approved: make(map[string]struct{}),
	}, nil
}

// HandleToolPre is the bus handler gating tool:pre events for file-mutating
// tools. A denial vetoes the event; the engine must not run the tool.
func (g *WriteGuard) HandleToolPre(ctx context.Context, ev bus.Event) (bus.Result, error) {
	toolName, _ := ev.Payload["tool_name"].(string)
	if _, gated := fileMutatingTools[toolName]; !gated {
		return bus.Continue, nil
	}
	input, _ := ev.Payload["tool_input"].(map[string]any)
	path, _ := input["file_path"].(string)
	if path == "" {
		path, _ = input["path"].(string)
	}
	if path == "" {
		return bus.Continue, nil
	}

	allowed, reason := g.CheckWrite(ctx, path, toolName)
	if !allowed {
		g.logger.Info("write denied", "tool", toolName, "path", path, "reason", reason)
		return bus.Deny(reason), nil
	}
	return bus.Continue, nil
}

// CheckWrite applies the decision ladder for one path.
func (g *WriteGuard) CheckWrite(ctx context.Context, path, toolName string) (bool, string) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.cwd, abs)
	}
	abs = filepath.Clean(abs)
	if resolved, err := resolveSymlinks(abs); err == nil {
		abs = resolved
	}

	if dir, hit := g.sensitiveDir(abs); hit {
		return false, fmt.Sprintf("writes to %s are not permitted", dir)
	}
	if g.autoAllowed(abs) {
		return true, ""
	}

	prompt := fmt.Sprintf("%s wants to write to %s", toolName, abs)
	choice, err := g.approver.RequestApproval(ctx, prompt, writeApprovalOptions, WriteApprovalTimeout, "deny")
	if err != nil {
		return false, fmt.Sprintf("write approval failed: %v", err)
	}
	lower := strings.ToLower(choice)
	if strings.Contains(lower, "always") {
		dir := filepath.Dir(abs)
		g.mu.Lock()
		g.approved[dir] = struct{}{}
		g.mu.Unlock()
		g.logger.Info("directory approved for writes", "dir", dir)
		return true, ""
	}
	if strings.HasPrefix(lower, "allow") {
		return true, ""
	}
	return false, "write denied by user"
}

func (g *WriteGuard) autoAllowed(abs string) bool {
	if isWithin(abs, g.cwd) {
		return true
	}
	for _, dir := range g.standardDirs() {
		if isWithin(abs, dir) {
			return true
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for dir := range g.approved {
		if isWithin(abs, dir) {
			return true
		}
	}
	return false
}

func (g *WriteGuard) standardDirs() []string {
	return []string{
		filepath.Join(g.home, "Downloads"),
		filepath.Join(g.home, "Documents"),
		filepath.Join(g.home, "Desktop"),
	}
}

func (g *WriteGuard) sensitiveDir(abs string) (string, bool) {
	dirs := []string{
		filepath.Join(g.home, ".ssh"),
		filepath.Join(g.home, ".gnupg"),
		filepath.Join(g.home, ".aws"),
		filepath.Join(g.home, ".azure"),
		filepath.Join(g.home, ".kube"),
		filepath.Join(g.home, ".config", "gcloud"),
		"/etc", "/usr", "/bin", "/sbin", "/boot",
	}
	if runtime.GOOS == "darwin" {
		dirs = append(dirs, "/System", "/Library")
	}
	for _, dir := range dirs {
		if isWithin(abs, dir) {
			return dir, true
		}
	}
	return "", false
}
