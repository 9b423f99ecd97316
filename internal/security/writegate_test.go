package security

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/michaeljabbour/amplifier-web/internal/bus"
)

type scriptedApprover struct {
	mu     sync.Mutex
	choice string
	err    error
	calls  int
}

func (a *scriptedApprover) RequestApproval(_ context.Context, _ string, _ []string, _ time.Duration, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.choice, a.err
}

func (a *scriptedApprover) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newGuard(t *testing.T, approver Approver, cwd string) *WriteGuard {
	t.Helper()
	g, err := NewWriteGuard(approver, cwd, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSensitiveDirDeniedWithoutPrompt(t *testing.T) {
	approver := &scriptedApprover{choice: "Allow once"}
	g := newGuard(t, approver, t.TempDir())

	allowed, reason := g.CheckWrite(context.Background(), "/etc/passwd", "write_file")
	if allowed {
		t.Fatal("write to /etc allowed")
	}
	if reason == "" {
		t.Error("deny carried no reason")
	}
	if approver.callCount() != 0 {
		t.Error("sensitive path still prompted the user")
	}
}

func TestCwdWritesAutoAllowed(t *testing.T) {
	approver := &scriptedApprover{choice: "Deny"}
	cwd := t.TempDir()
	g := newGuard(t, approver, cwd)

	allowed, _ := g.CheckWrite(context.Background(), filepath.Join(cwd, "out.txt"), "write_file")
	if !allowed {
		t.Fatal("write inside cwd denied")
	}
	// Relative paths resolve against the cwd.
	allowed, _ = g.CheckWrite(context.Background(), "sub/other.txt", "edit_file")
	if !allowed {
		t.Fatal("relative write inside cwd denied")
	}
	if approver.callCount() != 0 {
		t.Error("cwd write prompted the user")
	}
}

func TestOutsidePathPromptsAndHonorsDeny(t *testing.T) {
	approver := &scriptedApprover{choice: "Deny"}
	g := newGuard(t, approver, t.TempDir())
	outside := t.TempDir()

	allowed, reason := g.CheckWrite(context.Background(), filepath.Join(outside, "x.txt"), "write_file")
	if allowed {
		t.Fatal("denied choice still allowed the write")
	}
	if reason != "write denied by user" {
		t.Errorf("reason = %q", reason)
	}
	if approver.callCount() != 1 {
		t.Errorf("prompted %d times", approver.callCount())
	}
}

func TestAllowOnceDoesNotCache(t *testing.T) {
	approver := &scriptedApprover{choice: "Allow once"}
	g := newGuard(t, approver, t.TempDir())
	outside := t.TempDir()

	for i := 0; i < 2; i++ {
		allowed, _ := g.CheckWrite(context.Background(), filepath.Join(outside, "x.txt"), "write_file")
		if !allowed {
			t.Fatalf("attempt %d denied", i)
		}
	}
	if approver.callCount() != 2 {
		t.Errorf("prompted %d times, want one prompt per write", approver.callCount())
	}
}

func TestAllowAlwaysCachesParentDirectory(t *testing.T) {
	approver := &scriptedApprover{choice: "Allow always for this directory"}
	g := newGuard(t, approver, t.TempDir())
	outside := t.TempDir()

	allowed, _ := g.CheckWrite(context.Background(), filepath.Join(outside, "first.txt"), "write_file")
	if !allowed {
		t.Fatal("always choice denied")
	}
	// A sibling file in the approved directory must not prompt again.
	allowed, _ = g.CheckWrite(context.Background(), filepath.Join(outside, "second.txt"), "edit_file")
	if !allowed {
		t.Fatal("sibling write denied after directory approval")
	}
	if approver.callCount() != 1 {
		t.Errorf("prompted %d times, want 1", approver.callCount())
	}
}

func TestApproverErrorDenies(t *testing.T) {
	approver := &scriptedApprover{err: errors.New("client gone")}
	g := newGuard(t, approver, t.TempDir())

	allowed, reason := g.CheckWrite(context.Background(), filepath.Join(t.TempDir(), "x.txt"), "write_file")
	if allowed {
		t.Fatal("approver failure still allowed the write")
	}
	if reason == "" {
		t.Error("deny carried no reason")
	}
}

func TestHandleToolPreGatesOnlyFileMutatingTools(t *testing.T) {
	approver := &scriptedApprover{choice: "Deny"}
	g := newGuard(t, approver, t.TempDir())

	res, err := g.HandleToolPre(context.Background(), bus.Event{
		Kind: bus.KindToolPre,
		Payload: map[string]any{
			"tool_name":  "read_file",
			"tool_input": map[string]any{"file_path": "/etc/passwd"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != bus.ActionContinue {
		t.Error("non-mutating tool was gated")
	}

	res, err = g.HandleToolPre(context.Background(), bus.Event{
		Kind: bus.KindToolPre,
		Payload: map[string]any{
			"tool_name":  "write_file",
			"tool_input": map[string]any{"file_path": "/etc/hosts"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != bus.ActionDeny {
		t.Error("write to sensitive dir not denied")
	}
	if res.Reason == "" {
		t.Error("deny result carried no reason")
	}
}
