package cove

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes bounded exponential backoff with jitter. The attempt
// counter resets after a connection has held for a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldRetry() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Connection Manager
// ============================================================================

type transportHooks struct {
	// onEvent receives every non-control inbound envelope.
	onEvent func(Envelope)
	// onState observes every state transition.
	onState func(StateChange)
	// onReconnected fires after an automatic reconnect succeeds, so the
	// coordinator can resubscribe and drain.
	onReconnected func()
	// onAuthExpired fires when credential refresh fails; the session is over.
	onAuthExpired func()
	// onTeardown clears subscription registrations when the transport drops.
	onTeardown func()
}

// connManager owns the single authenticated streaming session. All lifecycle
// transitions happen here; the engine only observes them.
type connManager struct {
	baseURL     string
	credential  func() string
	refresh     func(ctx context.Context) (string, error)
	hooks       transportHooks
	logger      *slog.Logger
	idleTimeout time.Duration
	dialTimeout time.Duration
	recon       *reconnector

	mu           sync.Mutex
	state        ConnState
	conn         *websocket.Conn
	cancel       context.CancelFunc
	intentional  bool
	lastActivity time.Time
	sendQueue    []*Command

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
	reqSeq    uint64
}

func newConnManager(baseURL string, credential func() string, refresh func(ctx context.Context) (string, error), recon *reconnector, idleTimeout, dialTimeout time.Duration, logger *slog.Logger, hooks transportHooks) *connManager {
	return &connManager{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credential:  credential,
		refresh:     refresh,
		hooks:       hooks,
		logger:      logger,
		idleTimeout: idleTimeout,
		dialTimeout: dialTimeout,
		recon:       recon,
		state:       StateDisconnected,
		pending:     make(map[string]chan json.RawMessage),
	}
}

func (c *connManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connManager) setState(to ConnState) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	if c.hooks.onState != nil {
		c.hooks.onState(StateChange{From: from, To: to})
	}
}

func (c *connManager) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *connManager) explicitlyClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentional
}

func (c *connManager) wsURL(token string) string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + token
}

// Connect establishes the session, retrying per backoff policy. It fails with
// ErrConnection once attempts are exhausted, or ErrAuthExpired when the
// backend rejects the credential and refresh does not help.
func (c *connManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.intentional = false
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.recon.reset()

	var lastErr error
	for c.recon.shouldRetry() {
		if c.explicitlyClosed() {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: closed during connect", ErrConnection)
		}
		err := c.establish(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthExpired) {
			c.setState(StateDisconnected)
			return err
		}
		lastErr = err
		delay := c.recon.nextDelay()
		c.logger.Warn("connect attempt failed", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		case <-time.After(delay):
		}
	}
	c.setState(StateDisconnected)
	return fmt.Errorf("%w: retries exhausted: %v", ErrConnection, lastErr)
}

// establish performs one dial + handshake and starts the session loops.
func (c *connManager) establish(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	defer cancelDial()

	conn, resp, err := websocket.Dial(dialCtx, c.wsURL(c.credential()), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if rerr := c.refreshCredential(ctx); rerr != nil {
				return rerr
			}
			conn, resp, err = websocket.Dial(dialCtx, c.wsURL(c.credential()), nil)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return ErrAuthExpired
				}
				return fmt.Errorf("%w: %v", ErrConnection, err)
			}
		} else {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
	}
	conn.SetReadLimit(1 << 22)

	// First frame must acknowledge authentication.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("%w: read auth frame: %v", ErrConnection, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("%w: malformed auth frame: %v", ErrConnection, err)
	}
	switch env.Type {
	case "authenticated":
	case "unauthorized":
		conn.Close(websocket.StatusNormalClosure, "")
		if rerr := c.refreshCredential(ctx); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: credential rejected, refreshed", ErrConnection)
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("%w: expected authenticated, got %q", ErrConnection, env.Type)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.intentional {
		// Close raced the handshake. Closed wins, do not install the session.
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("%w: closed during connect", ErrConnection)
	}
	c.conn = conn
	c.cancel = cancel
	c.lastActivity = time.Now()
	queued := c.sendQueue
	c.sendQueue = nil
	c.mu.Unlock()

	c.recon.markConnected()
	c.setState(StateConnected)

	go c.readLoop(sessCtx, conn)
	go c.idleLoop(sessCtx)

	for _, cmd := range queued {
		if err := c.write(sessCtx, cmd); err != nil {
			c.logger.Warn("flush of queued command failed", "type", cmd.Type, "err", err)
			break
		}
	}
	return nil
}

// refreshCredential invokes the auth collaborator once. No refresh hook, or a
// failing one, ends the session with ErrAuthExpired.
func (c *connManager) refreshCredential(ctx context.Context) error {
	if c.refresh == nil {
		return ErrAuthExpired
	}
	if _, err := c.refresh(ctx); err != nil {
		return fmt.Errorf("%w: refresh: %v", ErrAuthExpired, err)
	}
	return nil
}

// Send writes a command to the session. While Connecting or Reconnecting the
// command is queued rather than dropped; with no session it fails fast.
func (c *connManager) Send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return c.write(ctx, cmd)
	case StateConnecting, StateReconnecting:
		c.sendQueue = append(c.sendQueue, cmd)
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return ErrNotConnected
	}
}

func (c *connManager) write(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.touch()
	return nil
}

// Ping sends a ping and waits for the matching pong, correlating by request
// id. Useful as a liveness probe; it counts as traffic for the idle timer.
func (c *connManager) Ping(ctx context.Context) error {
	c.pendingMu.Lock()
	c.reqSeq++
	requestID := fmt.Sprintf("ping-%d", c.reqSeq)
	ch := make(chan json.RawMessage, 1)
	c.pending[requestID] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}

	if err := c.Send(ctx, &Command{Type: "ping", RequestID: requestID}); err != nil {
		cleanup()
		return err
	}
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(10 * time.Second):
		cleanup()
		return fmt.Errorf("%w: ping timeout", ErrConnection)
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

func (c *connManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			wasCancelled := ctx.Err() != nil
			c.mu.Lock()
			intentional := c.intentional
			cancel := c.cancel
			c.cancel = nil
			c.conn = nil
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if c.hooks.onTeardown != nil {
				c.hooks.onTeardown()
			}
			if intentional || wasCancelled {
				c.setState(StateDisconnected)
				return
			}
			c.logger.Warn("session dropped", "err", err)
			c.reconnect()
			return
		}
		c.touch()

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case "pong":
			var p struct {
				RequestID string `json:"requestId"`
			}
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				c.pendingMu.Lock()
				ch, ok := c.pending[p.RequestID]
				if ok {
					delete(c.pending, p.RequestID)
				}
				c.pendingMu.Unlock()
				if ok {
					ch <- env.Payload
				}
			}
		case "unauthorized":
			// Refresh once, then force a reconnect with the new credential.
			refreshErr := c.refreshCredential(context.Background())
			c.mu.Lock()
			if refreshErr != nil {
				c.intentional = true
			}
			cancel := c.cancel
			c.cancel = nil
			cur := c.conn
			c.conn = nil
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if cur != nil {
				cur.Close(websocket.StatusServiceRestart, "credential refreshed")
			}
			if c.hooks.onTeardown != nil {
				c.hooks.onTeardown()
			}
			if refreshErr != nil {
				c.logger.Error("credential refresh failed", "err", refreshErr)
				c.setState(StateDisconnected)
				if c.hooks.onAuthExpired != nil {
					c.hooks.onAuthExpired()
				}
				return
			}
			c.reconnect()
			return
		default:
			if c.hooks.onEvent != nil {
				c.hooks.onEvent(env)
			}
		}
	}
}

// reconnect runs the backoff loop after a dropped session. Explicit Close and
// exhausted attempts both end in Disconnected.
func (c *connManager) reconnect() {
	c.setState(StateReconnecting)
	for c.recon.shouldRetry() {
		delay := c.recon.nextDelay()
		c.logger.Info("reconnecting", "attempt", c.recon.attempt, "delay", delay)
		time.Sleep(delay)
		if c.explicitlyClosed() {
			c.setState(StateDisconnected)
			return
		}
		err := c.establish(context.Background())
		if err == nil {
			if c.hooks.onReconnected != nil {
				c.hooks.onReconnected()
			}
			return
		}
		if errors.Is(err, ErrAuthExpired) {
			c.setState(StateDisconnected)
			if c.hooks.onAuthExpired != nil {
				c.hooks.onAuthExpired()
			}
			return
		}
	}
	c.logger.Error("reconnect attempts exhausted")
	c.setState(StateDisconnected)
}

// idleLoop closes the session after the inactivity window passes with no
// inbound or outbound traffic. The next Connect resumes normally.
func (c *connManager) idleLoop(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}
	tick := c.idleTimeout / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := c.state == StateConnected && time.Since(c.lastActivity) >= c.idleTimeout
			c.mu.Unlock()
			if idle {
				c.logger.Info("closing idle session", "idle_timeout", c.idleTimeout)
				c.shutdown(websocket.StatusGoingAway, "idle timeout")
				return
			}
		}
	}
}

// Close gracefully ends the session. Terminal: no reconnect is attempted
// until the next explicit Connect. The offline queue is left intact.
func (c *connManager) Close() error {
	c.shutdown(websocket.StatusNormalClosure, "client disconnect")
	return nil
}

func (c *connManager) shutdown(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.intentional = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.sendQueue = nil
	c.mu.Unlock()

	c.pendingMu.Lock()
	for k, ch := range c.pending {
		close(ch)
		delete(c.pending, k)
	}
	c.pendingMu.Unlock()

	if conn != nil {
		conn.Close(code, reason)
	}
	if c.hooks.onTeardown != nil {
		c.hooks.onTeardown()
	}
	c.setState(StateDisconnected)
}
