package cove

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake backend
// ============================================================================

type receivedAction struct {
	Kind           ActionKind      `json:"kind"`
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"-"`
}

// fakeBackend serves the delta, conversation, and action endpoints plus the
// streaming session, so an Engine can run a full connect/sync/drain cycle
// against it.
type fakeBackend struct {
	srv *httptest.Server

	mu        sync.Mutex
	convs     []wireConversation
	deltas    map[string][]wireMessage
	actions   []receivedAction
	nextOrder int64
	reject    *APIError
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{deltas: make(map[string][]wireMessage), nextOrder: 42}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/api/chat/conversations", b.handleConversations)
	mux.HandleFunc("/api/chat/delta", b.handleDelta)
	mux.HandleFunc("/api/chat/actions", b.handleActions)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func writeResult(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"authenticated"}`)); err != nil {
		return
	}
	// Accept and discard commands for the life of the session.
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func (b *fakeBackend) handleConversations(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		writeResult(w, b.convs)
	case http.MethodPost:
		var req struct {
			Kind    ConversationKind `json:"kind"`
			Title   string           `json:"title"`
			Members []wireMember     `json:"members"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		wc := wireConversation{
			ID:        fmt.Sprintf("conv-new-%d", len(b.convs)+1),
			Kind:      req.Kind,
			Title:     req.Title,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
			Members:   req.Members,
		}
		b.convs = append(b.convs, wc)
		writeResult(w, wc)
	}
}

func (b *fakeBackend) handleDelta(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv := r.URL.Query().Get("conversationId")
	msgs := b.deltas[conv]
	delete(b.deltas, conv)
	var cursor int64
	for _, m := range msgs {
		if m.Order > cursor {
			cursor = m.Order
		}
	}
	writeResult(w, deltaResult{Messages: msgs, Cursor: cursor, HasMore: false})
}

func (b *fakeBackend) handleActions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var act receivedAction
	json.NewDecoder(r.Body).Decode(&act)
	act.IdempotencyKey = r.Header.Get("Idempotency-Key")
	b.actions = append(b.actions, act)

	if b.reject != nil {
		raw, _ := json.Marshal(Result{OK: false, Error: b.reject})
		w.Write(raw)
		return
	}
	ack := ActionAck{
		MessageID: fmt.Sprintf("srv-%d", len(b.actions)),
		Order:     b.nextOrder,
		ServerTS:  time.Now(),
	}
	b.nextOrder++
	writeResult(w, ack)
}

// ============================================================================
// Test Helpers
// ============================================================================

type eventLog struct {
	mu       sync.Mutex
	received []Message
	updated  []Message
	deleted  []Message
}

func (l *eventLog) attach(e *Engine) {
	e.OnMessageReceived(func(m Message) { l.mu.Lock(); l.received = append(l.received, m); l.mu.Unlock() })
	e.OnMessageUpdated(func(m Message) { l.mu.Lock(); l.updated = append(l.updated, m); l.mu.Unlock() })
	e.OnMessageDeleted(func(m Message) { l.mu.Lock(); l.deleted = append(l.deleted, m); l.mu.Unlock() })
}

func (l *eventLog) updatedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updated)
}

// newTestEngine returns an unlocked engine with a conversation key installed
// for conv-1, and the wrapped copy of that key for the engine's user.
func newTestEngine(t *testing.T, baseURL string) (*Engine, *ConversationKey, []byte) {
	t.Helper()
	eng := New(baseURL,
		withTestLogger(),
		WithCredential("tok"),
		WithUserID("me"),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond, 3),
	)
	t.Cleanup(func() { eng.Close() })

	id, err := eng.UnlockIdentity([]byte("test secret"))
	if err != nil {
		t.Fatalf("UnlockIdentity: %v", err)
	}
	ck, err := eng.keys.GenerateConversationKey()
	if err != nil {
		t.Fatalf("GenerateConversationKey: %v", err)
	}
	eng.keys.InstallConversationKey("conv-1", ck)
	if err := eng.store.UpsertConversation(&Conversation{ID: "conv-1", Kind: KindPrivate, CreatedAt: time.Now(), UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	wrapped, err := eng.keys.WrapKeyFor(id.Public[:], ck)
	if err != nil {
		t.Fatalf("WrapKeyFor: %v", err)
	}
	return eng, ck, wrapped
}

func withTestLogger() Option {
	return func(e *Engine) { e.logger = testLogger() }
}

func pushMessage(eng *Engine, typ string, wm wireMessage) {
	raw, _ := json.Marshal(wm)
	eng.handleEnvelope(Envelope{Type: typ, Payload: raw})
}

// ============================================================================
// Offline send, sync, drain
// ============================================================================

func TestEngineOfflineSendThenSync(t *testing.T) {
	backend := newFakeBackend(t)
	eng, _, wrapped := newTestEngine(t, backend.srv.URL)

	backend.mu.Lock()
	backend.convs = []wireConversation{{
		ID: "conv-1", Kind: KindPrivate,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
		Members: []wireMember{{UserID: "me", WrappedKey: wrapped}},
	}}
	backend.mu.Unlock()

	log := &eventLog{}
	log.attach(eng)

	// Queue while disconnected.
	m, err := eng.Send(context.Background(), "conv-1", "hello offline", TypeText)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Status != StatusSending || m.Order != 0 {
		t.Errorf("optimistic message: status=%s order=%d", m.Status, m.Order)
	}
	if n, _ := eng.PendingCount(); n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}

	// The optimistic copy is already readable.
	msgs, _, err := eng.QueryMessages("conv-1", MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello offline" {
		t.Fatalf("unexpected replica: %+v", msgs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if n, _ := eng.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d after sync, want 0", n)
	}

	msgs, _, _ = eng.QueryMessages("conv-1", MessageQuery{Limit: 10})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != "srv-1" || got.Status != StatusSent || got.Order != 42 {
		t.Errorf("confirmed message: id=%s status=%s order=%d", got.ID, got.Status, got.Order)
	}
	if got.Content != "hello offline" {
		t.Errorf("content = %q", got.Content)
	}
	if n := log.updatedCount(); n != 1 {
		t.Errorf("got %d update events for the confirmed message, want exactly 1", n)
	}

	// The replay carried an idempotency key.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.actions) != 1 || backend.actions[0].IdempotencyKey == "" {
		t.Errorf("unexpected actions: %+v", backend.actions)
	}
}

func TestEngineSyncRequiresConnection(t *testing.T) {
	backend := newFakeBackend(t)
	eng, _, _ := newTestEngine(t, backend.srv.URL)

	var syncErrs []SyncError
	eng.OnSyncError(func(e SyncError) { syncErrs = append(syncErrs, e) })

	err := eng.Sync(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	var serr *SyncError
	if !errors.As(err, &serr) || serr.Step != "connect" {
		t.Errorf("expected SyncError at connect step, got %v", err)
	}
	if len(syncErrs) != 1 {
		t.Errorf("OnSyncError fired %d times, want 1", len(syncErrs))
	}
}

func TestEngineRejectedActionMarksFailed(t *testing.T) {
	backend := newFakeBackend(t)
	backend.reject = &APIError{Code: "conversation_closed", Message: "closed"}
	eng, _, _ := newTestEngine(t, backend.srv.URL)

	log := &eventLog{}
	log.attach(eng)

	if _, err := eng.Send(context.Background(), "conv-1", "too late", TypeText); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Rejection is terminal: out of the queue, marked failed locally.
	if n, _ := eng.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
	msgs, _, _ := eng.QueryMessages("conv-1", MessageQuery{Limit: 10})
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Errorf("unexpected replica: %+v", msgs)
	}
}

// ============================================================================
// Push handling
// ============================================================================

func TestEnginePushOrdering(t *testing.T) {
	backend := newFakeBackend(t)
	eng, ck, _ := newTestEngine(t, backend.srv.URL)

	log := &eventLog{}
	log.attach(eng)

	ct5, _ := eng.keys.EncryptMessage([]byte("five"), ck)
	ct6, _ := eng.keys.EncryptMessage([]byte("six"), ck)
	base := time.Now()

	pushMessage(eng, "message.new", wireMessage{
		ID: "m5", ConversationID: "conv-1", SenderID: "peer", Order: 5,
		Type: TypeText, Ciphertext: ct5, ClientTS: base, ServerTS: base,
	})
	pushMessage(eng, "message.new", wireMessage{
		ID: "m6", ConversationID: "conv-1", SenderID: "peer", Order: 6,
		Type: TypeText, Ciphertext: ct6, ClientTS: base.Add(time.Second), ServerTS: base.Add(time.Second),
	})

	log.mu.Lock()
	if len(log.received) != 2 || log.received[0].ID != "m5" || log.received[1].ID != "m6" {
		t.Errorf("received events out of order: %+v", log.received)
	}
	if log.received[0].Content != "five" {
		t.Errorf("event not decrypted: %q", log.received[0].Content)
	}
	log.mu.Unlock()

	msgs, _, err := eng.QueryMessages("conv-1", MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m6" || msgs[1].ID != "m5" {
		t.Errorf("replica out of order: %v, %v", msgs[0].ID, msgs[1].ID)
	}

	if hwm, _ := eng.store.HighWaterMark("conv-1"); hwm != 6 {
		t.Errorf("high-water mark = %d, want 6", hwm)
	}

	// A regressed order for a known message is dropped silently.
	pushMessage(eng, "message.updated", wireMessage{
		ID: "m6", ConversationID: "conv-1", SenderID: "peer", Order: 3,
		Type: TypeText, Ciphertext: ct6, ClientTS: base, ServerTS: base,
	})
	got, _ := eng.store.GetMessage("m6")
	if got.Order != 6 {
		t.Errorf("stale write applied: order = %d", got.Order)
	}
}

func TestEnginePushReplacesOptimisticCopy(t *testing.T) {
	backend := newFakeBackend(t)
	eng, ck, _ := newTestEngine(t, backend.srv.URL)

	m, err := eng.Send(context.Background(), "conv-1", "race", TypeText)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	log := &eventLog{}
	log.attach(eng)

	ct, _ := eng.keys.EncryptMessage([]byte("race"), ck)
	pushMessage(eng, "message.new", wireMessage{
		ID: "srv-9", ClientID: m.ClientID, ConversationID: "conv-1", SenderID: "me",
		Order: 9, Type: TypeText, Ciphertext: ct, ClientTS: m.ClientTS, ServerTS: time.Now(),
	})

	msgs, _, _ := eng.QueryMessages("conv-1", MessageQuery{Limit: 10})
	if len(msgs) != 1 {
		t.Fatalf("duplicate survived: %d messages", len(msgs))
	}
	if msgs[0].ID != "srv-9" || msgs[0].Order != 9 {
		t.Errorf("unexpected message: %+v", msgs[0])
	}

	// The takeover is an update, never a second receive.
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.received) != 0 || len(log.updated) != 1 {
		t.Errorf("events: received=%d updated=%d", len(log.received), len(log.updated))
	}
}

func TestEnginePushDelete(t *testing.T) {
	backend := newFakeBackend(t)
	eng, ck, _ := newTestEngine(t, backend.srv.URL)

	ct, _ := eng.keys.EncryptMessage([]byte("gone soon"), ck)
	pushMessage(eng, "message.new", wireMessage{
		ID: "m1", ConversationID: "conv-1", SenderID: "peer", Order: 1,
		Type: TypeText, Ciphertext: ct, ClientTS: time.Now(), ServerTS: time.Now(),
	})

	log := &eventLog{}
	log.attach(eng)

	pushMessage(eng, "message.deleted", wireMessage{
		ID: "m1", ConversationID: "conv-1", SenderID: "peer", Order: 1,
		Type: TypeText, ClientTS: time.Now(), ServerTS: time.Now(),
	})

	log.mu.Lock()
	if len(log.deleted) != 1 {
		t.Errorf("deleted events = %d, want 1", len(log.deleted))
	}
	log.mu.Unlock()

	got, err := eng.store.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !got.Deleted {
		t.Error("tombstone not recorded")
	}
}

// ============================================================================
// Decryption at the read boundary
// ============================================================================

func TestEngineUndecryptableMessage(t *testing.T) {
	backend := newFakeBackend(t)
	eng, ck, _ := newTestEngine(t, backend.srv.URL)

	good, _ := eng.keys.EncryptMessage([]byte("readable"), ck)
	base := time.Now()
	eng.store.UpsertMessage(&Message{
		ID: "bad", ConversationID: "conv-1", SenderID: "peer", Order: 1,
		Type: TypeText, Ciphertext: []byte("not real ciphertext at all"), Status: StatusSent, ClientTS: base,
	})
	eng.store.UpsertMessage(&Message{
		ID: "good", ConversationID: "conv-1", SenderID: "peer", Order: 2,
		Type: TypeText, Ciphertext: good, Status: StatusSent, ClientTS: base.Add(time.Second),
	})

	msgs, _, err := eng.QueryMessages("conv-1", MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "good" || msgs[0].Content != "readable" {
		t.Errorf("good message: %+v", msgs[0])
	}
	if !msgs[1].Undecryptable || msgs[1].Content != "" {
		t.Errorf("bad message not tombstoned: %+v", msgs[1])
	}

	// The mark is durable.
	got, _ := eng.store.GetMessage("bad")
	if !got.Undecryptable {
		t.Error("undecryptable mark did not persist")
	}
}

// ============================================================================
// Conversations
// ============================================================================

func TestEngineCreateConversation(t *testing.T) {
	backend := newFakeBackend(t)
	eng, _, _ := newTestEngine(t, backend.srv.URL)

	peer := NewKeyManager()
	peerID, _ := peer.GenerateIdentityKeys()

	conv, err := eng.CreateConversation(context.Background(), KindGroup, "plans",
		map[string][]byte{"peer-1": peerID.Public[:]})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Title != "plans" || conv.Kind != KindGroup {
		t.Errorf("unexpected conversation: %+v", conv)
	}
	if eng.keys.ConversationKeyFor(conv.ID) == nil {
		t.Fatal("conversation key not installed")
	}

	// The peer can unwrap their copy and read a message.
	member, err := eng.store.GetMember(conv.ID, "peer-1")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	peerCK, err := peer.UnwrapKey(member.WrappedKey)
	if err != nil {
		t.Fatalf("peer UnwrapKey: %v", err)
	}
	ct, _ := eng.keys.EncryptMessage([]byte("hi"), eng.keys.ConversationKeyFor(conv.ID))
	plain, err := peer.DecryptMessage(ct, peerCK)
	if err != nil || string(plain) != "hi" {
		t.Errorf("peer decrypt: %q, %v", plain, err)
	}
}

func TestEngineSearchMessages(t *testing.T) {
	backend := newFakeBackend(t)
	eng, ck, _ := newTestEngine(t, backend.srv.URL)

	base := time.Now()
	for i, text := range []string{"deploy friday", "lunch?", "Deploy postponed", "ok"} {
		ct, _ := eng.keys.EncryptMessage([]byte(text), ck)
		eng.store.UpsertMessage(&Message{
			ID: fmt.Sprintf("m%d", i), ConversationID: "conv-1", SenderID: "peer",
			Order: int64(i + 1), Type: TypeText, Ciphertext: ct, Status: StatusSent,
			ClientTS: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := eng.SearchMessages("conv-1", "deploy", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2", len(got))
	}
	// Most recent match first.
	if got[0].Content != "Deploy postponed" || got[1].Content != "deploy friday" {
		t.Errorf("matches: %q, %q", got[0].Content, got[1].Content)
	}
}
