package session

import (
	"context"
	"strings"
	"testing"

	"github.com/michaeljabbour/amplifier-web/internal/engine"
	"github.com/michaeljabbour/amplifier-web/internal/wire"
)

func TestSpawnDelegatesToAgent(t *testing.T) {
	m := newTestManager(t, true)
	rec := &frameRecorder{}
	s := createSession(t, m, rec, wire.CreateSession{})

	if err := m.Execute(context.Background(), s.ID, "@researcher dig deep", nil); err != nil {
		t.Fatal(err)
	}

	forks := rec.dynamicOfType("session_fork")
	if len(forks) != 1 {
		t.Fatalf("got %d session_fork frames", len(forks))
	}
	childID, _ := forks[0]["child_session_id"].(string)
	if !strings.HasPrefix(childID, s.ID+"-") || !strings.HasSuffix(childID, "_researcher") {
		t.Errorf("child id = %q", childID)
	}
	if forks[0]["agent"] != "researcher" {
		t.Errorf("agent = %v", forks[0]["agent"])
	}
	if forks[0]["nesting_depth"] != 1 {
		t.Errorf("nesting_depth = %v", forks[0]["nesting_depth"])
	}

	// The child's stream reaches the client tagged with its identity.
	var childText strings.Builder
	for _, d := range rec.dynamicOfType("content_delta") {
		if d["child_session_id"] == childID {
			str, _ := d["text"].(string)
			childText.WriteString(str)
		}
		if d["nesting_depth"] != 1 {
			t.Errorf("delta missing depth tag: %v", d)
		}
	}
	if childText.String() != "echo: dig deep" {
		t.Errorf("child stream = %q", childText.String())
	}

	// The delegation result is the assistant transcript entry.
	msgs, err := m.store.ListMessages(context.Background(), s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var assistant string
	for _, msg := range msgs {
		if msg.Role == "assistant" {
			assistant = msg.Content
		}
	}
	if assistant != "echo: dig deep" {
		t.Errorf("assistant transcript = %q", assistant)
	}
}

func TestSpawnUnknownAgentFailsTurn(t *testing.T) {
	m := newTestManager(t, false)
	rec := &frameRecorder{}
	s := createSession(t, m, rec, wire.CreateSession{})

	if err := m.Execute(context.Background(), s.ID, "@ghost do things", nil); err != nil {
		t.Fatal(err)
	}

	var execErr *wire.ExecutionError
	for _, f := range rec.all() {
		if e, ok := f.(wire.ExecutionError); ok {
			execErr = &e
		}
	}
	if execErr == nil {
		t.Fatal("execution_error not sent")
	}
	if !strings.Contains(execErr.Message, "ghost") {
		t.Errorf("error message = %q", execErr.Message)
	}
	if len(rec.dynamicOfType("session_fork")) != 0 {
		t.Error("fork emitted for unknown agent")
	}
}

func TestSpawnOutsideExecutionRejected(t *testing.T) {
	m := newTestManager(t, false)
	rec := &frameRecorder{}
	s := createSession(t, m, rec, wire.CreateSession{})

	// The spawn capability is only live while a turn runs.
	spawn := m.spawnFunc(s)
	if _, err := spawn(context.Background(), engine.SpawnRequest{Agent: "researcher", Instruction: "x"}); err == nil {
		t.Fatal("spawn accepted with no active engine")
	}
}
