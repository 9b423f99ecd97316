package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/michaeljabbour/amplifier-web/internal/bundle"
	"github.com/michaeljabbour/amplifier-web/internal/engine"
	"github.com/michaeljabbour/amplifier-web/internal/persistence"
	"github.com/michaeljabbour/amplifier-web/internal/session"
	"github.com/michaeljabbour/amplifier-web/internal/wire"
)

const testToken = "test-token"

const testManifest = `
name: coder
instruction: "You write code."
tools:
  - module: bash
`

func newTestServer(t *testing.T, authTimeout time.Duration) (*httptest.Server, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "coder.yaml"), []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	bundles := bundle.NewManager(dir, engine.EchoFactory{}, nil)
	if err := bundles.LoadAll(); err != nil {
		t.Fatal(err)
	}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := session.NewManager(session.ManagerOptions{Bundles: bundles, Store: store})
	gw := New(Config{
		Token:       testToken,
		Sessions:    sessions,
		Store:       store,
		AuthTimeout: authTimeout,
	})
	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// waitFor reads frames until one of the wanted type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 100; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("frame %q never arrived", frameType)
	return nil
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendFrame(t, conn, wire.Auth{Type: wire.TypeAuth, Token: testToken})
	frame := readFrame(t, conn)
	if frame["type"] != wire.TypeAuthSuccess {
		t.Fatalf("handshake reply = %v", frame)
	}
	if frame["client_id"] == "" {
		t.Fatal("auth_success without client_id")
	}
}

func TestAuthBadTokenCloses(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	conn := dialWS(t, srv)

	sendFrame(t, conn, wire.Auth{Type: wire.TypeAuth, Token: "wrong"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	err := wsjson.Read(ctx, conn, &frame)
	if err == nil {
		t.Fatalf("read succeeded after bad token: %v", frame)
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusCode(wire.CloseAuthFailed) {
		t.Errorf("close status = %v, want %d", got, wire.CloseAuthFailed)
	}
}

func TestAuthTimeoutCloses(t *testing.T) {
	srv, _ := newTestServer(t, 100*time.Millisecond)
	conn := dialWS(t, srv)

	// Send nothing; the handshake deadline must close the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	err := wsjson.Read(ctx, conn, &frame)
	if err == nil {
		t.Fatalf("read succeeded without handshake: %v", frame)
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusCode(wire.CloseAuthFailed) {
		t.Errorf("close status = %v, want %d", got, wire.CloseAuthFailed)
	}
}

func TestPingPong(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	conn := dialWS(t, srv)
	authenticate(t, conn)

	sendFrame(t, conn, map[string]any{"type": "ping"})
	frame := readFrame(t, conn)
	if frame["type"] != wire.TypePong {
		t.Errorf("reply = %v", frame)
	}
}

func TestUnknownFrameType(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	conn := dialWS(t, srv)
	authenticate(t, conn)

	sendFrame(t, conn, map[string]any{"type": "bogus"})
	frame := readFrame(t, conn)
	if frame["type"] != wire.TypeError {
		t.Fatalf("reply = %v", frame)
	}
	msg, _ := frame["message"].(string)
	if !strings.Contains(msg, "bogus") {
		t.Errorf("error message = %q", msg)
	}
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	conn := dialWS(t, srv)
	authenticate(t, conn)

	sendFrame(t, conn, wire.CreateSession{
		Type:   wire.TypeCreateSession,
		Bundle: "coder",
		Cwd:    t.TempDir(),
	})
	created := waitFor(t, conn, wire.TypeSessionCreated)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatal("session_created without id")
	}
	if created["bundle"] != "coder" {
		t.Errorf("bundle = %v", created["bundle"])
	}

	sendFrame(t, conn, wire.Prompt{Type: wire.TypePrompt, SessionID: sessionID, Content: "hi"})

	var text strings.Builder
	for {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case wire.TypeContentDelta:
			str, _ := frame["text"].(string)
			text.WriteString(str)
		case wire.TypePromptComplete:
			if frame["turn_count"] != float64(1) {
				t.Errorf("turn_count = %v", frame["turn_count"])
			}
			if text.String() != "echo: hi" {
				t.Errorf("streamed %q", text.String())
			}
			return
		case wire.TypeExecutionError:
			t.Fatalf("execution failed: %v", frame["message"])
		}
	}
}

func TestSlashCommands(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	conn := dialWS(t, srv)
	authenticate(t, conn)

	sendFrame(t, conn, wire.CreateSession{Type: wire.TypeCreateSession, Bundle: "coder", Cwd: t.TempDir()})
	created := waitFor(t, conn, wire.TypeSessionCreated)
	sessionID, _ := created["session_id"].(string)

	sendFrame(t, conn, wire.Command{Type: wire.TypeCommand, SessionID: sessionID, Command: "/tools"})
	result := waitFor(t, conn, wire.TypeCommandResult)
	output, _ := result["output"].(string)
	if !strings.Contains(output, "bash") {
		t.Errorf("tools output = %q", output)
	}

	sendFrame(t, conn, wire.Command{Type: wire.TypeCommand, SessionID: sessionID, Command: "/help"})
	result = waitFor(t, conn, wire.TypeCommandResult)
	output, _ = result["output"].(string)
	if !strings.Contains(output, "/status") {
		t.Errorf("help output = %q", output)
	}

	sendFrame(t, conn, wire.Command{Type: wire.TypeCommand, SessionID: "ghost", Command: "/help"})
	errFrame := waitFor(t, conn, wire.TypeError)
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "not found") {
		t.Errorf("error = %q", msg)
	}
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRESTRequiresBearerToken(t *testing.T) {
	srv, store := newTestServer(t, 0)
	if err := store.SaveSession(context.Background(), persistence.SessionRecord{ID: "s1", Bundle: "coder", Cwd: "/tmp"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
	var body struct {
		Sessions []persistence.SessionRecord `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestRESTDeleteSession(t *testing.T) {
	srv, store := newTestServer(t, 0)
	if err := store.SaveSession(context.Background(), persistence.SessionRecord{ID: "s1", Bundle: "coder", Cwd: "/tmp"}); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}
