package cove

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Subscription Registry
// ============================================================================

// TopicHandler receives payloads for a live subscription.
type TopicHandler func(payload json.RawMessage)

// Handle identifies one observer's registration. Pass it back to Unsubscribe.
type Handle struct {
	key string
	id  uint64
}

type registration struct {
	topic    string
	params   map[string]string
	token    string
	handlers map[uint64]TopicHandler
}

// Registry deduplicates live subscriptions: at most one wire subscription per
// (topic, params) shape, reference-counted across observers. Each wire
// subscription carries a stable idempotency token so the backend can drop
// duplicate subscribe requests.
type Registry struct {
	mu     sync.Mutex
	send   func(ctx context.Context, cmd *Command) error
	regs   map[string]*registration
	nextID uint64
}

func newRegistry(send func(ctx context.Context, cmd *Command) error) *Registry {
	return &Registry{send: send, regs: make(map[string]*registration)}
}

// DeriveTopicKey canonicalizes (topic, params) into the registry's dedup key.
func DeriveTopicKey(topic string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(params[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Subscribe attaches handler to the live feed for (topic, params). The first
// observer of a shape issues the wire subscribe; later observers only bump the
// reference count.
func (r *Registry) Subscribe(ctx context.Context, topic string, params map[string]string, h TopicHandler) (*Handle, error) {
	key := DeriveTopicKey(topic, params)

	r.mu.Lock()
	reg, live := r.regs[key]
	if live {
		r.nextID++
		id := r.nextID
		reg.handlers[id] = h
		r.mu.Unlock()
		return &Handle{key: key, id: id}, nil
	}
	reg = &registration{
		topic:    topic,
		params:   params,
		token:    uuid.NewString(),
		handlers: make(map[uint64]TopicHandler),
	}
	r.nextID++
	id := r.nextID
	reg.handlers[id] = h
	r.regs[key] = reg
	token := reg.token
	r.mu.Unlock()

	err := r.send(ctx, &Command{
		Type: "subscribe",
		Payload: subscribeCmd{
			Topic:          topic,
			Params:         params,
			IdempotencyKey: token,
		},
	})
	if err != nil {
		r.mu.Lock()
		delete(r.regs, key)
		r.mu.Unlock()
		return nil, err
	}
	return &Handle{key: key, id: id}, nil
}

// Unsubscribe detaches one observer. When the last observer of a shape
// detaches, the wire unsubscribe is issued and the registration removed.
func (r *Registry) Unsubscribe(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	reg, ok := r.regs[h.key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(reg.handlers, h.id)
	if len(reg.handlers) > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.regs, h.key)
	topic, params, token := reg.topic, reg.params, reg.token
	r.mu.Unlock()

	return r.send(ctx, &Command{
		Type: "unsubscribe",
		Payload: subscribeCmd{
			Topic:          topic,
			Params:         params,
			IdempotencyKey: token,
		},
	})
}

// Dispatch routes an inbound event payload to all observers of its shape.
func (r *Registry) Dispatch(topic string, params map[string]string, payload json.RawMessage) {
	key := DeriveTopicKey(topic, params)
	r.mu.Lock()
	reg, ok := r.regs[key]
	var handlers []TopicHandler
	if ok {
		handlers = make([]TopicHandler, 0, len(reg.handlers))
		for _, h := range reg.handlers {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()
	for _, h := range handlers {
		safeCall(func() { h(payload) })
	}
}

// TeardownAll clears every registration without wire traffic. Called on
// disconnect, when the transport is already gone.
func (r *Registry) TeardownAll() {
	r.mu.Lock()
	r.regs = make(map[string]*registration)
	r.mu.Unlock()
}

// Active returns the number of live wire subscriptions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}
