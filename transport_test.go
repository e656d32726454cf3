package cove

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// wsServer is a minimal streaming backend: it authenticates by query token,
// greets with an authenticated frame, and hands accepted sessions to the test.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu    sync.Mutex
	token string
}

func newWSServer(t *testing.T, token string) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 8), token: token}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := s.token
		s.mu.Unlock()
		if want != "" && r.URL.Query().Get("token") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"authenticated"}`)); err != nil {
			c.Close(websocket.StatusInternalError, "")
			return
		}
		s.conns <- c
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) setToken(tok string) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// accepted waits for the next server-side session.
func (s *wsServer) accepted(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no session accepted")
		return nil
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(sc StateChange) {
	r.mu.Lock()
	r.states = append(r.states, sc.To)
	r.mu.Unlock()
}

func (r *stateRecorder) saw(s ConnState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestConn(token func() string, refresh func(context.Context) (string, error), url string, idle time.Duration, hooks transportHooks) *connManager {
	recon := &reconnector{baseDelay: 10 * time.Millisecond, maxDelay: 50 * time.Millisecond, maxAttempts: 5}
	return newConnManager(url, token, refresh, recon, idle, 2*time.Second, testLogger(), hooks)
}

func staticToken(tok string) func() string {
	return func() string { return tok }
}

// ============================================================================
// Connect / Close
// ============================================================================

func TestConnManagerConnect(t *testing.T) {
	srv := newWSServer(t, "tok")
	rec := &stateRecorder{}
	c := newTestConn(staticToken("tok"), nil, srv.srv.URL, 0, transportHooks{onState: rec.record})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s, want %s", c.State(), StateConnected)
	}
	if !rec.saw(StateConnecting) {
		t.Error("never observed Connecting")
	}

	// Idempotent while connected.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}
}

func TestConnManagerConnectRetriesExhausted(t *testing.T) {
	// A dead endpoint: nothing listens there.
	c := newTestConn(staticToken("tok"), nil, "http://127.0.0.1:1", 0, transportHooks{})
	defer c.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s after failed connect", c.State())
	}
}

func TestConnManagerExplicitCloseIsTerminal(t *testing.T) {
	srv := newWSServer(t, "")
	rec := &stateRecorder{}
	c := newTestConn(staticToken("tok"), nil, srv.srv.URL, 0, transportHooks{onState: rec.record})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.accepted(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "disconnect", func() bool { return c.State() == StateDisconnected })

	// No reconnect attempts after an explicit close.
	time.Sleep(150 * time.Millisecond)
	if rec.saw(StateReconnecting) {
		t.Error("reconnected after explicit close")
	}
	if err := c.Send(context.Background(), &Command{Type: "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestConnManagerCloseDuringConnectBackoff(t *testing.T) {
	// The backend refuses dials until released, keeping Connect in its
	// backoff loop long enough to close it mid-flight.
	var mu sync.Mutex
	refusing := true
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		down := refusing
		mu.Unlock()
		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Write(r.Context(), websocket.MessageText, []byte(`{"type":"authenticated"}`))
	}))
	defer srv.Close()

	rec := &stateRecorder{}
	c := newTestConn(staticToken("tok"), nil, srv.URL, 0, transportHooks{onState: rec.record})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	waitFor(t, "first dial attempt", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 1
	})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The backend comes back up, but the close must already be terminal.
	mu.Lock()
	refusing = false
	mu.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("expected ErrConnection after close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s after close during connect, want %s", c.State(), StateDisconnected)
	}
	time.Sleep(150 * time.Millisecond)
	if c.State() == StateConnected || rec.saw(StateConnected) {
		t.Error("session established after explicit close")
	}
}

// ============================================================================
// Reconnect
// ============================================================================

func TestConnManagerReconnects(t *testing.T) {
	srv := newWSServer(t, "")
	rec := &stateRecorder{}
	reconnected := make(chan struct{}, 1)
	c := newTestConn(staticToken("tok"), nil, srv.srv.URL, 0, transportHooks{
		onState:       rec.record,
		onReconnected: func() { reconnected <- struct{}{} },
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.accepted(t)

	// Server drops the session.
	sess.Close(websocket.StatusGoingAway, "maintenance")

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect")
	}
	if !rec.saw(StateReconnecting) {
		t.Error("never observed Reconnecting")
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s after reconnect", c.State())
	}
	srv.accepted(t)
}

// ============================================================================
// Idle timeout
// ============================================================================

func TestConnManagerIdleTimeout(t *testing.T) {
	srv := newWSServer(t, "")
	rec := &stateRecorder{}
	c := newTestConn(staticToken("tok"), nil, srv.srv.URL, 120*time.Millisecond, transportHooks{onState: rec.record})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.accepted(t)

	waitFor(t, "idle disconnect", func() bool { return c.State() == StateDisconnected })

	// Idle close must not trigger the reconnect loop.
	time.Sleep(150 * time.Millisecond)
	if rec.saw(StateReconnecting) {
		t.Error("reconnected after idle close")
	}
}

// ============================================================================
// Credential refresh
// ============================================================================

func TestConnManagerRefreshOnUnauthorized(t *testing.T) {
	srv := newWSServer(t, "fresh")

	var mu sync.Mutex
	current := "stale"
	token := func() string {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	refreshed := 0
	refresh := func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		refreshed++
		current = "fresh"
		return current, nil
	}

	c := newTestConn(token, refresh, srv.srv.URL, 0, transportHooks{})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("refresh called %d times, want 1", refreshed)
	}
	srv.accepted(t)
}

func TestConnManagerAuthExpired(t *testing.T) {
	srv := newWSServer(t, "valid")
	c := newTestConn(staticToken("stale"), nil, srv.srv.URL, 0, transportHooks{})
	defer c.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want %s", c.State(), StateDisconnected)
	}
}

// ============================================================================
// Ping
// ============================================================================

func TestConnManagerPing(t *testing.T) {
	srv := newWSServer(t, "")
	c := newTestConn(staticToken("tok"), nil, srv.srv.URL, 0, transportHooks{})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := srv.accepted(t)

	// Answer the ping with a matching pong.
	go func() {
		ctx := context.Background()
		_, data, err := sess.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type      string `json:"type"`
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(data, &cmd) != nil || cmd.Type != "ping" {
			return
		}
		reply, _ := json.Marshal(map[string]any{
			"type":    "pong",
			"payload": map[string]string{"requestId": cmd.RequestID},
		})
		sess.Write(ctx, websocket.MessageText, reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// ============================================================================
// Queued sends
// ============================================================================

func TestConnManagerSendWhileDisconnected(t *testing.T) {
	srv := newWSServer(t, "")
	c := newTestConn(staticToken("tok"), nil, srv.srv.URL, 0, transportHooks{})
	defer c.Close()

	if err := c.Send(context.Background(), &Command{Type: "subscribe"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
