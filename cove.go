// Package cove is a client-side synchronization engine for end-to-end
// encrypted chat. It keeps a durable local replica of conversations and
// messages, encrypts and decrypts transparently at the boundary, queues
// actions taken while offline, and reconciles the replica against the backend
// over a streaming session plus a delta endpoint.
//
// Example:
//
//	eng := cove.New("https://chat.example.com",
//		cove.WithCredential(token),
//		cove.WithUserID("user-123"),
//	)
//	defer eng.Close()
//
//	eng.OnMessageReceived(func(m cove.Message) { fmt.Println(m.Content) })
//
//	if _, err := eng.UnlockIdentity([]byte(passphrase)); err != nil {
//		log.Fatal(err)
//	}
//	if err := eng.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := eng.Sync(ctx); err != nil {
//		log.Fatal(err)
//	}
//	eng.Send(ctx, conversationID, "hello", cove.TypeText)
package cove

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultIdleTimeout = 5 * time.Minute

	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultMaxAttempts = 10
	defaultDialTimeout = 10 * time.Second
	deltaPageSize      = 200
)

// ============================================================================
// Engine
// ============================================================================

// Engine coordinates the local replica, the crypto boundary, the streaming
// session, and the offline queue. One Engine owns one Store.
type Engine struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userID     string

	credMu     sync.RWMutex
	credential string
	refresh    func(ctx context.Context) (string, error)

	store Store
	keys  *KeyManager
	bus   *eventBus
	conn  *connManager
	subs  *Registry
	queue *outbox

	syncMu   sync.Mutex
	subMu    sync.Mutex
	convSubs map[string]*Handle
}

type Option func(*Engine)

// WithStore selects the local replica store. Defaults to an in-memory store;
// use OpenPebbleStore for durability across restarts.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.httpClient.Timeout = timeout }
}

// WithCredential sets the opaque auth token presented to the backend.
func WithCredential(token string) Option {
	return func(e *Engine) { e.credential = token }
}

// WithRefresh installs the collaborator invoked when the backend reports the
// credential expired. It returns a replacement token; the engine stores it
// and retries once before surfacing ErrAuthExpired.
func WithRefresh(fn func(ctx context.Context) (string, error)) Option {
	return func(e *Engine) { e.refresh = fn }
}

// WithUserID identifies the local user, used to pick this client's wrapped
// key out of membership records.
func WithUserID(id string) Option {
	return func(e *Engine) { e.userID = id }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.conn.idleTimeout = d }
}

// WithBackoff tunes the reconnect policy: initial delay, delay cap, and the
// attempt limit (0 means unlimited).
func WithBackoff(base, max time.Duration, maxAttempts int) Option {
	return func(e *Engine) {
		e.conn.recon.baseDelay = base
		e.conn.recon.maxDelay = max
		e.conn.recon.maxAttempts = maxAttempts
	}
}

// New creates an Engine talking to the backend at baseURL.
func New(baseURL string, opts ...Option) *Engine {
	e := &Engine{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:   slog.Default(),
		store:    NewMemoryStore(),
		keys:     NewKeyManager(),
		bus:      newEventBus(),
		convSubs: make(map[string]*Handle),
	}

	recon := &reconnector{
		baseDelay:   defaultBackoffBase,
		maxDelay:    defaultBackoffMax,
		maxAttempts: defaultMaxAttempts,
	}
	e.conn = newConnManager(e.baseURL, e.token, e.refreshCredential, recon,
		DefaultIdleTimeout, defaultDialTimeout, e.logger, transportHooks{
			onEvent:       e.handleEnvelope,
			onState:       e.bus.emitConnState,
			onReconnected: e.resyncAfterReconnect,
			onTeardown:    e.teardownSubscriptions,
			onAuthExpired: func() {
				e.bus.emitSyncError(SyncError{Step: "auth", Err: ErrAuthExpired})
			},
		})

	for _, opt := range opts {
		opt(e)
	}
	e.conn.logger = e.logger

	e.subs = newRegistry(e.conn.Send)
	e.queue = newOutbox(e.store, e.logger)
	e.queue.onAccepted = e.actionAccepted
	e.queue.onRejected = e.actionRejected
	return e
}

// SetCredential replaces the auth token, e.g. after an out-of-band refresh.
func (e *Engine) SetCredential(token string) {
	e.credMu.Lock()
	e.credential = token
	e.credMu.Unlock()
}

func (e *Engine) token() string {
	e.credMu.RLock()
	defer e.credMu.RUnlock()
	return e.credential
}

func (e *Engine) refreshCredential(ctx context.Context) (string, error) {
	if e.refresh == nil {
		return "", ErrAuthExpired
	}
	token, err := e.refresh(ctx)
	if err != nil {
		return "", err
	}
	e.SetCredential(token)
	return token, nil
}

// State reports the current connection state.
func (e *Engine) State() ConnState {
	return e.conn.State()
}

// Connect establishes the streaming session. It retries per the backoff
// policy and fails with ErrConnection once attempts are exhausted.
func (e *Engine) Connect(ctx context.Context) error {
	return e.conn.Connect(ctx)
}

// Disconnect gracefully closes the streaming session. The offline queue and
// the local replica are untouched; a later Connect picks up where this left.
func (e *Engine) Disconnect() error {
	return e.conn.Close()
}

// Ping probes session liveness end to end.
func (e *Engine) Ping(ctx context.Context) error {
	return e.conn.Ping(ctx)
}

// Close disconnects and releases the store.
func (e *Engine) Close() error {
	e.conn.Close()
	return e.store.Close()
}

// ============================================================================
// Identity
// ============================================================================

// UnlockIdentity opens the locally stored identity key pair with the given
// secret, generating and sealing a fresh pair on first use. The private key
// only ever exists in memory; at rest it lives encrypted in the store's
// secure partition.
func (e *Engine) UnlockIdentity(secret []byte) (*IdentityKeys, error) {
	blob, err := e.store.LoadIdentity()
	switch {
	case errors.Is(err, ErrNotFound):
		id, err := e.keys.GenerateIdentityKeys()
		if err != nil {
			return nil, err
		}
		sealed, err := sealIdentity(id, secret)
		if err != nil {
			return nil, err
		}
		if err := e.store.SaveIdentity(sealed); err != nil {
			return nil, err
		}
		return id, nil
	case err != nil:
		return nil, err
	}
	id, err := openIdentity(blob, secret)
	if err != nil {
		return nil, err
	}
	e.keys.SetIdentity(id)
	return id, nil
}

// Identity returns the unlocked identity key pair, or nil before
// UnlockIdentity.
func (e *Engine) Identity() *IdentityKeys {
	return e.keys.Identity()
}

// ============================================================================
// Event registration
// ============================================================================

func (e *Engine) OnMessageReceived(h func(Message)) Disposer { return e.bus.onMessageReceived(h) }
func (e *Engine) OnMessageUpdated(h func(Message)) Disposer  { return e.bus.onMessageUpdated(h) }
func (e *Engine) OnMessageDeleted(h func(Message)) Disposer  { return e.bus.onMessageDeleted(h) }
func (e *Engine) OnConversationCreated(h func(Conversation)) Disposer {
	return e.bus.onConversationCreated(h)
}
func (e *Engine) OnConversationUpdated(h func(Conversation)) Disposer {
	return e.bus.onConversationUpdated(h)
}
func (e *Engine) OnConnectionStateChanged(h func(StateChange)) Disposer {
	return e.bus.onConnectionStateChanged(h)
}
func (e *Engine) OnSyncCompleted(h func()) Disposer      { return e.bus.onSyncCompleted(h) }
func (e *Engine) OnSyncError(h func(SyncError)) Disposer { return e.bus.onSyncError(h) }

// Subscribe registers a handler for a custom server topic (presence, typing,
// and the like). Identical topic+params pairs share one wire subscription.
func (e *Engine) Subscribe(ctx context.Context, topic string, params map[string]string, h TopicHandler) (*Handle, error) {
	return e.subs.Subscribe(ctx, topic, params, h)
}

// Unsubscribe releases a handle; the wire subscription ends with the last one.
func (e *Engine) Unsubscribe(ctx context.Context, h *Handle) error {
	return e.subs.Unsubscribe(ctx, h)
}

// ============================================================================
// Sync coordination
// ============================================================================

// Sync reconciles the local replica with the backend: refresh the
// conversation list, backfill each conversation's messages past the local
// high-water mark, ensure push subscriptions, then drain the offline queue.
// It fails fast with ErrNotConnected when no session is up; any step failure
// is reported as a SyncError naming the step.
func (e *Engine) Sync(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if e.conn.State() != StateConnected {
		return e.syncFailed("connect", ErrNotConnected)
	}

	convs, err := e.fetchConversations(ctx)
	if err != nil {
		return e.syncFailed("conversations", err)
	}
	for _, wc := range convs {
		e.applyWireConversation(&wc, true)
	}

	stored, err := e.store.ListConversations(0)
	if err != nil {
		return e.syncFailed("backfill", err)
	}
	for _, c := range stored {
		if err := e.backfill(ctx, c.ID); err != nil {
			return e.syncFailed("backfill", err)
		}
	}

	for _, c := range stored {
		if c.Closed {
			continue
		}
		if err := e.ensureConversationSub(ctx, c.ID); err != nil {
			return e.syncFailed("subscribe", err)
		}
	}

	if err := e.queue.Drain(ctx, e.sendAction); err != nil {
		return e.syncFailed("drain", err)
	}

	e.bus.emitSyncCompleted()
	return nil
}

func (e *Engine) syncFailed(step string, err error) error {
	serr := SyncError{Step: step, Err: err}
	e.logger.Error("sync failed", "step", step, "err", err)
	e.bus.emitSyncError(serr)
	return &serr
}

// backfill pages the delta endpoint from the conversation's high-water mark
// until the backend reports no more.
func (e *Engine) backfill(ctx context.Context, conversationID string) error {
	since, err := e.store.HighWaterMark(conversationID)
	if err != nil {
		return err
	}
	for {
		data, err := e.doRequest(ctx, http.MethodGet, "/api/chat/delta", nil, map[string]string{
			"conversationId": conversationID,
			"since":          strconv.FormatInt(since, 10),
			"limit":          strconv.Itoa(deltaPageSize),
		}, nil)
		if err != nil {
			return err
		}
		dr, err := decodeResult[deltaResult](data)
		if err != nil {
			return err
		}
		for i := range dr.Conversations {
			e.applyWireConversation(&dr.Conversations[i], true)
		}
		for i := range dr.Messages {
			e.applyWireMessage(&dr.Messages[i], true)
		}
		if dr.Cursor > since {
			since = dr.Cursor
			if err := e.store.SetHighWaterMark(conversationID, since); err != nil {
				return err
			}
		}
		if !dr.HasMore {
			return nil
		}
	}
}

func (e *Engine) fetchConversations(ctx context.Context) ([]wireConversation, error) {
	data, err := e.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeResult[[]wireConversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

func (e *Engine) ensureConversationSub(ctx context.Context, conversationID string) error {
	e.subMu.Lock()
	_, ok := e.convSubs[conversationID]
	e.subMu.Unlock()
	if ok {
		return nil
	}
	h, err := e.subs.Subscribe(ctx, "conversation",
		map[string]string{"conversationId": conversationID}, e.topicPush)
	if err != nil {
		return err
	}
	e.subMu.Lock()
	e.convSubs[conversationID] = h
	e.subMu.Unlock()
	return nil
}

// topicPush handles conversation-topic payloads, which carry the same typed
// envelopes as the main stream.
func (e *Engine) topicPush(payload json.RawMessage) {
	var env Envelope
	if json.Unmarshal(payload, &env) != nil {
		return
	}
	e.handleEnvelope(env)
}

func (e *Engine) teardownSubscriptions() {
	e.subs.TeardownAll()
	e.subMu.Lock()
	e.convSubs = make(map[string]*Handle)
	e.subMu.Unlock()
}

// resyncAfterReconnect runs a full sync in the background once an automatic
// reconnect succeeds, restoring subscriptions and replaying the queue.
func (e *Engine) resyncAfterReconnect() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := e.Sync(ctx); err != nil {
			e.logger.Error("post-reconnect sync failed", "err", err)
		}
	}()
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleEnvelope(env Envelope) {
	switch env.Type {
	case "message.new", "message.updated", "message.deleted":
		var wm wireMessage
		if err := json.Unmarshal(env.Payload, &wm); err != nil {
			e.logger.Warn("malformed message push", "err", err)
			return
		}
		if env.Type == "message.deleted" {
			wm.Deleted = true
		}
		e.applyWireMessage(&wm, true)
	case "conversation.created", "conversation.updated":
		var wc wireConversation
		if err := json.Unmarshal(env.Payload, &wc); err != nil {
			e.logger.Warn("malformed conversation push", "err", err)
			return
		}
		e.applyWireConversation(&wc, true)
	case "event":
		var ev struct {
			Topic  string            `json:"topic"`
			Params map[string]string `json:"params"`
			Data   json.RawMessage   `json:"data"`
		}
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return
		}
		e.subs.Dispatch(ev.Topic, ev.Params, ev.Data)
	default:
		e.logger.Debug("ignoring envelope", "type", env.Type)
	}
}

// applyWireMessage merges a server message into the replica and emits the
// matching event. Reconciliation rules: client id takes over any optimistic
// local copy, regressions in order are dropped, and an order already held by
// a different message is logged as an anomaly (the sort key breaks the tie
// by client timestamp).
func (e *Engine) applyWireMessage(wm *wireMessage, emit bool) {
	m := &Message{
		ID:             wm.ID,
		ClientID:       wm.ClientID,
		ConversationID: wm.ConversationID,
		SenderID:       wm.SenderID,
		Order:          wm.Order,
		Type:           wm.Type,
		Ciphertext:     wm.Ciphertext,
		Status:         StatusSent,
		Deleted:        wm.Deleted,
		Revision:       wm.Revision,
		ClientTS:       wm.ClientTS,
		ServerTS:       wm.ServerTS,
	}

	prev, _ := e.store.GetMessage(m.ID)
	isUpdate := prev != nil

	if prev == nil && m.ClientID != "" {
		if local, err := e.store.MessageByClientID(m.ClientID); err == nil && local.ID != m.ID {
			// Push beat the ack; the optimistic copy gives way.
			if err := e.store.DeleteMessage(local.ID); err != nil {
				e.logger.Warn("dropping optimistic message failed", "id", local.ID, "err", err)
			}
			isUpdate = true
		}
	}

	if m.Order > 0 {
		if holder, err := e.store.MessageByOrder(m.ConversationID, m.Order); err == nil && holder.ID != m.ID {
			e.logger.Warn("order collision",
				"conversation_id", m.ConversationID, "order", m.Order,
				"held_by", holder.ID, "incoming", m.ID)
		}
	}

	if err := e.store.UpsertMessage(m); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			e.logger.Debug("dropping stale message write", "id", m.ID, "order", m.Order)
			return
		}
		e.logger.Error("message upsert failed", "id", m.ID, "err", err)
		return
	}

	if hwm, err := e.store.HighWaterMark(m.ConversationID); err == nil && m.Order > hwm {
		if err := e.store.SetHighWaterMark(m.ConversationID, m.Order); err != nil {
			e.logger.Warn("high-water mark update failed", "conversation_id", m.ConversationID, "err", err)
		}
	}

	if !emit {
		return
	}
	e.decryptInto(m)
	switch {
	case m.Deleted:
		e.bus.emitMessageDeleted(*m)
	case isUpdate:
		e.bus.emitMessageUpdated(*m)
	default:
		e.bus.emitMessageReceived(*m)
	}
}

// applyWireConversation merges a conversation and its membership into the
// replica, installing this client's conversation key when the record carries
// a wrapped copy for us.
func (e *Engine) applyWireConversation(wc *wireConversation, emit bool) {
	prev, _ := e.store.GetConversation(wc.ID)
	c := &Conversation{
		ID:        wc.ID,
		Kind:      wc.Kind,
		Title:     wc.Title,
		Closed:    wc.Closed,
		CreatedAt: wc.CreatedAt,
		UpdatedAt: wc.UpdatedAt,
	}
	if err := e.store.UpsertConversation(c); err != nil {
		e.logger.Error("conversation upsert failed", "id", c.ID, "err", err)
		return
	}
	for _, wm := range wc.Members {
		member := &Member{
			ConversationID: wc.ID,
			UserID:         wm.UserID,
			WrappedKey:     wm.WrappedKey,
			Left:           wm.Left,
			JoinedAt:       wm.JoinedAt,
		}
		if err := e.store.UpsertMember(member); err != nil {
			e.logger.Warn("member upsert failed", "conversation_id", wc.ID, "user_id", wm.UserID, "err", err)
			continue
		}
		if wm.UserID == e.userID && len(wm.WrappedKey) > 0 {
			ck, err := e.keys.UnwrapKey(wm.WrappedKey)
			if err != nil {
				e.logger.Warn("conversation key unwrap failed", "conversation_id", wc.ID, "err", err)
				continue
			}
			e.keys.InstallConversationKey(wc.ID, ck)
		}
	}
	if !emit {
		return
	}
	if prev == nil {
		e.bus.emitConversationCreated(*c)
	} else {
		e.bus.emitConversationUpdated(*c)
	}
}

// ============================================================================
// Outbound actions
// ============================================================================

// Send encrypts content and queues it for delivery. The returned message is
// the optimistic local copy: status "sending", order unassigned. Delivery is
// attempted immediately when connected; otherwise the queue holds it.
func (e *Engine) Send(ctx context.Context, conversationID, content string, typ MessageType) (*Message, error) {
	ck := e.keys.ConversationKeyFor(conversationID)
	if ck == nil {
		return nil, fmt.Errorf("%w: no key for conversation %s", ErrNotFound, conversationID)
	}
	ciphertext, err := e.keys.EncryptMessage([]byte(content), ck)
	if err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	m := &Message{
		ID:             "local-" + clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       e.userID,
		Type:           typ,
		Ciphertext:     ciphertext,
		Content:        content,
		Status:         StatusSending,
		ClientTS:       time.Now(),
	}
	if err := e.store.UpsertMessage(m); err != nil {
		return nil, err
	}

	_, err = e.queue.Enqueue(ActionSend, conversationID, m.ID, sendActionPayload{
		ClientID:   clientID,
		Type:       typ,
		Ciphertext: ciphertext,
		ClientTS:   m.ClientTS,
	})
	if err != nil {
		return nil, err
	}

	e.bus.emitMessageReceived(*m)
	e.drainAsync()
	return m, nil
}

// EditMessage re-encrypts the replacement content and queues the edit. The
// local copy reflects the edit immediately with status "sending".
func (e *Engine) EditMessage(ctx context.Context, messageID, content string) error {
	m, err := e.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	ck := e.keys.ConversationKeyFor(m.ConversationID)
	if ck == nil {
		return fmt.Errorf("%w: no key for conversation %s", ErrNotFound, m.ConversationID)
	}
	ciphertext, err := e.keys.EncryptMessage([]byte(content), ck)
	if err != nil {
		return err
	}

	m.Ciphertext = ciphertext
	m.Content = content
	m.Revision++
	m.Status = StatusSending
	m.Undecryptable = false
	if err := e.store.UpsertMessage(m); err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(ActionEdit, m.ConversationID, m.ID, editActionPayload{
		Ciphertext: ciphertext,
		ClientTS:   time.Now(),
	}); err != nil {
		return err
	}
	e.bus.emitMessageUpdated(*m)
	e.drainAsync()
	return nil
}

// DeleteMessage tombstones the message locally and queues the deletion.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	m, err := e.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	m.Deleted = true
	m.Content = ""
	m.Status = StatusSending
	if err := e.store.UpsertMessage(m); err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(ActionDelete, m.ConversationID, m.ID, struct{}{}); err != nil {
		return err
	}
	e.bus.emitMessageDeleted(*m)
	e.drainAsync()
	return nil
}

// PendingCount reports how many queued actions await replay.
func (e *Engine) PendingCount() (int, error) {
	return e.queue.Pending()
}

// Drain replays the offline queue now. Sync does this automatically; this is
// for callers that want a replay without a full reconcile.
func (e *Engine) Drain(ctx context.Context) error {
	if e.conn.State() != StateConnected {
		return ErrNotConnected
	}
	return e.queue.Drain(ctx, e.sendAction)
}

func (e *Engine) drainAsync() {
	if e.conn.State() != StateConnected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := e.queue.Drain(ctx, e.sendAction); err != nil {
			e.logger.Warn("queue drain stopped", "err", err)
		}
	}()
}

// sendAction submits one queued action over HTTP, carrying its idempotency
// key so retries after ambiguous failures cannot double-apply.
func (e *Engine) sendAction(ctx context.Context, a *PendingAction) (*ActionAck, error) {
	body := map[string]interface{}{
		"kind":           a.Kind,
		"conversationId": a.ConversationID,
		"payload":        a.Payload,
	}
	if a.Kind != ActionSend {
		body["messageId"] = e.resolveMessageID(a.MessageID)
	}
	data, err := e.doRequest(ctx, http.MethodPost, "/api/chat/actions", body, nil,
		map[string]string{"Idempotency-Key": a.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	return decodeResult[ActionAck](data)
}

// resolveMessageID maps an optimistic local id to the server id once the
// originating send has been acknowledged.
func (e *Engine) resolveMessageID(id string) string {
	clientID, ok := strings.CutPrefix(id, "local-")
	if !ok {
		return id
	}
	if m, err := e.store.MessageByClientID(clientID); err == nil && !strings.HasPrefix(m.ID, "local-") {
		return m.ID
	}
	return id
}

// actionAccepted reconciles the replica after the server acknowledges a
// replayed action.
func (e *Engine) actionAccepted(a *PendingAction, ack *ActionAck) {
	switch a.Kind {
	case ActionSend:
		local, err := e.store.GetMessage(a.MessageID)
		if err != nil {
			// Push already replaced the optimistic copy.
			if m, err := e.store.GetMessage(ack.MessageID); err == nil && m.Order == 0 && ack.Order > 0 {
				m.Order = ack.Order
				m.ServerTS = ack.ServerTS
				if err := e.store.UpsertMessage(m); err == nil {
					e.decryptInto(m)
					e.bus.emitMessageUpdated(*m)
				}
			}
			return
		}
		confirmed := *local
		confirmed.ID = ack.MessageID
		confirmed.Order = ack.Order
		confirmed.ServerTS = ack.ServerTS
		confirmed.Status = StatusSent
		if err := e.store.DeleteMessage(local.ID); err != nil {
			e.logger.Warn("removing optimistic message failed", "id", local.ID, "err", err)
		}
		if err := e.store.UpsertMessage(&confirmed); err != nil {
			e.logger.Error("confirmed message upsert failed", "id", confirmed.ID, "err", err)
			return
		}
		if hwm, err := e.store.HighWaterMark(confirmed.ConversationID); err == nil && confirmed.Order > hwm {
			_ = e.store.SetHighWaterMark(confirmed.ConversationID, confirmed.Order)
		}
		e.decryptInto(&confirmed)
		e.bus.emitMessageUpdated(confirmed)
	case ActionEdit, ActionDelete:
		id := e.resolveMessageID(a.MessageID)
		m, err := e.store.GetMessage(id)
		if err != nil {
			return
		}
		m.Status = StatusSent
		if !ack.ServerTS.IsZero() {
			m.ServerTS = ack.ServerTS
		}
		if err := e.store.UpsertMessage(m); err != nil {
			return
		}
		e.decryptInto(m)
		e.bus.emitMessageUpdated(*m)
	}
}

// actionRejected marks the affected message failed after a terminal server
// rejection. The action is already out of the queue.
func (e *Engine) actionRejected(a *PendingAction, err error) {
	m, gerr := e.store.GetMessage(e.resolveMessageID(a.MessageID))
	if gerr != nil {
		return
	}
	m.Status = StatusFailed
	if uerr := e.store.UpsertMessage(m); uerr != nil {
		return
	}
	e.decryptInto(m)
	e.bus.emitMessageUpdated(*m)
}

// ============================================================================
// Conversations
// ============================================================================

// CreateConversation generates a fresh conversation key, wraps it for every
// listed member plus the local user, and registers the conversation with the
// backend. memberKeys maps user id to public key.
func (e *Engine) CreateConversation(ctx context.Context, kind ConversationKind, title string, memberKeys map[string][]byte) (*Conversation, error) {
	id := e.keys.Identity()
	if id == nil {
		return nil, fmt.Errorf("%w: identity locked", ErrKeyGeneration)
	}
	ck, err := e.keys.GenerateConversationKey()
	if err != nil {
		return nil, err
	}

	members := make([]map[string]interface{}, 0, len(memberKeys)+1)
	selfWrapped, err := e.keys.WrapKeyFor(id.Public[:], ck)
	if err != nil {
		return nil, err
	}
	members = append(members, map[string]interface{}{
		"userId": e.userID, "wrappedKey": selfWrapped,
	})
	for userID, pub := range memberKeys {
		if userID == e.userID {
			continue
		}
		wrapped, err := e.keys.WrapKeyFor(pub, ck)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", userID, err)
		}
		members = append(members, map[string]interface{}{
			"userId": userID, "wrappedKey": wrapped,
		})
	}

	data, err := e.doRequest(ctx, http.MethodPost, "/api/chat/conversations", map[string]interface{}{
		"kind":    kind,
		"title":   title,
		"members": members,
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	wc, err := decodeResult[wireConversation](data)
	if err != nil {
		return nil, err
	}
	e.applyWireConversation(wc, false)
	e.keys.InstallConversationKey(wc.ID, ck)

	if e.conn.State() == StateConnected {
		if err := e.ensureConversationSub(ctx, wc.ID); err != nil {
			e.logger.Warn("subscription for new conversation failed", "conversation_id", wc.ID, "err", err)
		}
	}
	return e.store.GetConversation(wc.ID)
}

// AddMember wraps the existing conversation key for the new member and
// registers the membership. Prior messages stay readable to them since the
// key does not rotate on join.
func (e *Engine) AddMember(ctx context.Context, conversationID, userID string, publicKey []byte) error {
	ck := e.keys.ConversationKeyFor(conversationID)
	if ck == nil {
		return fmt.Errorf("%w: no key for conversation %s", ErrNotFound, conversationID)
	}
	wrapped, err := e.keys.WrapKeyFor(publicKey, ck)
	if err != nil {
		return err
	}
	data, err := e.doRequest(ctx, http.MethodPost,
		"/api/chat/conversations/"+url.PathEscape(conversationID)+"/members",
		map[string]interface{}{"userId": userID, "wrappedKey": wrapped}, nil, nil)
	if err != nil {
		return err
	}
	wm, err := decodeResult[wireMember](data)
	if err != nil {
		return err
	}
	return e.store.UpsertMember(&Member{
		ConversationID: conversationID,
		UserID:         wm.UserID,
		WrappedKey:     wm.WrappedKey,
		JoinedAt:       wm.JoinedAt,
	})
}

// Conversations lists locally known conversations, most recently updated
// first. limit <= 0 returns all.
func (e *Engine) Conversations(limit int) ([]*Conversation, error) {
	return e.store.ListConversations(limit)
}

// ============================================================================
// Reads
// ============================================================================

// QueryMessages reads a page from the local replica, most recent first,
// decrypting transparently. A message whose ciphertext fails authentication
// is marked undecryptable and returned with empty content; it never aborts
// the page.
func (e *Engine) QueryMessages(conversationID string, q MessageQuery) ([]*Message, string, error) {
	msgs, cursor, err := e.store.QueryMessages(conversationID, q)
	if err != nil {
		return nil, "", err
	}
	for _, m := range msgs {
		e.decryptInto(m)
	}
	return msgs, cursor, nil
}

// SearchMessages scans the conversation's replica for messages whose
// plaintext contains the query, case-insensitively. Decryption happens
// locally; the backend never sees the query.
func (e *Engine) SearchMessages(conversationID, query string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	needle := strings.ToLower(query)
	var out []*Message
	cursor := ""
	for {
		page, next, err := e.store.QueryMessages(conversationID, MessageQuery{Limit: deltaPageSize, Before: cursor})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, m := range page {
			e.decryptInto(m)
			if m.Deleted || m.Undecryptable {
				continue
			}
			if strings.Contains(strings.ToLower(m.Content), needle) {
				out = append(out, m)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// decryptInto fills m.Content from the ciphertext. Missing keys leave the
// message encrypted in place; failed authentication tombstones the plaintext.
func (e *Engine) decryptInto(m *Message) {
	if m.Deleted || m.Undecryptable || len(m.Ciphertext) == 0 || m.Content != "" {
		return
	}
	ck := e.keys.ConversationKeyFor(m.ConversationID)
	if ck == nil {
		return
	}
	plain, err := e.keys.DecryptMessage(m.Ciphertext, ck)
	if err != nil {
		e.logger.Warn("message decryption failed", "id", m.ID, "conversation_id", m.ConversationID)
		m.Undecryptable = true
		if merr := e.store.MarkUndecryptable(m.ID); merr != nil && !errors.Is(merr, ErrNotFound) {
			e.logger.Warn("undecryptable mark failed", "id", m.ID, "err", merr)
		}
		return
	}
	m.Content = string(plain)
}

// ============================================================================
// HTTP plumbing
// ============================================================================

func (e *Engine) doRequest(ctx context.Context, method, path string, body interface{}, query, header map[string]string) ([]byte, error) {
	u := e.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	build := func() (*http.Request, error) {
		var bodyReader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			bodyReader = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := e.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		for k, v := range header {
			req.Header.Set(k, v)
		}
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if _, rerr := e.refreshCredential(ctx); rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthExpired, rerr)
		}
		req, err = build()
		if err != nil {
			return nil, err
		}
		resp, err = e.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, ErrAuthExpired
		}
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// decodeResult unwraps the backend's response envelope into T, surfacing the
// embedded APIError when the call failed.
func decodeResult[T any](data []byte) (*T, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("%w: request rejected", ErrConnection)
	}
	var out T
	if res.Data != nil {
		if err := json.Unmarshal(res.Data, &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response data: %w", err)
		}
	}
	return &out, nil
}
