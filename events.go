package cove

import (
	"slices"
	"sync"
)

// ============================================================================
// Event Bus
// ============================================================================

// Disposer detaches an event handler. Each registration must be disposed
// exactly once; disposing twice is a no-op.
type Disposer func()

// ConnState is the transport connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// StateChange carries a connection state transition.
type StateChange struct {
	From ConnState
	To   ConnState
}

// eventBus is the typed dispatcher behind the engine's On* registrations.
// Handlers are invoked synchronously in registration order from the engine's
// event goroutine, so per-conversation delivery order is preserved.
type eventBus struct {
	mu     sync.RWMutex
	nextID uint64

	msgReceived map[uint64]func(Message)
	msgUpdated  map[uint64]func(Message)
	msgDeleted  map[uint64]func(Message)
	convCreated map[uint64]func(Conversation)
	convUpdated map[uint64]func(Conversation)
	connState   map[uint64]func(StateChange)
	syncDone    map[uint64]func()
	syncErr     map[uint64]func(SyncError)
}

func newEventBus() *eventBus {
	return &eventBus{
		msgReceived: make(map[uint64]func(Message)),
		msgUpdated:  make(map[uint64]func(Message)),
		msgDeleted:  make(map[uint64]func(Message)),
		convCreated: make(map[uint64]func(Conversation)),
		convUpdated: make(map[uint64]func(Conversation)),
		connState:   make(map[uint64]func(StateChange)),
		syncDone:    make(map[uint64]func()),
		syncErr:     make(map[uint64]func(SyncError)),
	}
}

// register adds into the given handler map and returns a single-use disposer.
func register[T any](b *eventBus, m map[uint64]T, h T) Disposer {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	m[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(m, id)
			b.mu.Unlock()
		})
	}
}

func (b *eventBus) onMessageReceived(h func(Message)) Disposer { return register(b, b.msgReceived, h) }
func (b *eventBus) onMessageUpdated(h func(Message)) Disposer  { return register(b, b.msgUpdated, h) }
func (b *eventBus) onMessageDeleted(h func(Message)) Disposer  { return register(b, b.msgDeleted, h) }
func (b *eventBus) onConversationCreated(h func(Conversation)) Disposer {
	return register(b, b.convCreated, h)
}
func (b *eventBus) onConversationUpdated(h func(Conversation)) Disposer {
	return register(b, b.convUpdated, h)
}
func (b *eventBus) onConnectionStateChanged(h func(StateChange)) Disposer {
	return register(b, b.connState, h)
}
func (b *eventBus) onSyncCompleted(h func()) Disposer      { return register(b, b.syncDone, h) }
func (b *eventBus) onSyncError(h func(SyncError)) Disposer { return register(b, b.syncErr, h) }

func snapshot[T any](b *eventBus, m map[uint64]T) []T {
	b.mu.RLock()
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	b.mu.RUnlock()
	return out
}

func (b *eventBus) emitMessageReceived(m Message) {
	for _, h := range snapshot(b, b.msgReceived) {
		safeCall(func() { h(m) })
	}
}

func (b *eventBus) emitMessageUpdated(m Message) {
	for _, h := range snapshot(b, b.msgUpdated) {
		safeCall(func() { h(m) })
	}
}

func (b *eventBus) emitMessageDeleted(m Message) {
	for _, h := range snapshot(b, b.msgDeleted) {
		safeCall(func() { h(m) })
	}
}

func (b *eventBus) emitConversationCreated(c Conversation) {
	for _, h := range snapshot(b, b.convCreated) {
		safeCall(func() { h(c) })
	}
}

func (b *eventBus) emitConversationUpdated(c Conversation) {
	for _, h := range snapshot(b, b.convUpdated) {
		safeCall(func() { h(c) })
	}
}

func (b *eventBus) emitConnState(sc StateChange) {
	for _, h := range snapshot(b, b.connState) {
		safeCall(func() { h(sc) })
	}
}

func (b *eventBus) emitSyncCompleted() {
	for _, h := range snapshot(b, b.syncDone) {
		safeCall(func() { h() })
	}
}

func (b *eventBus) emitSyncError(e SyncError) {
	for _, h := range snapshot(b, b.syncErr) {
		safeCall(func() { h(e) })
	}
}

// safeCall swallows panics in user callbacks so one misbehaving observer
// cannot break event delivery.
func safeCall(f func()) {
	defer func() { recover() }()
	f()
}
