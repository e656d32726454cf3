package cove

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// Store contract
// ============================================================================

// MessageQuery selects a page of messages. Results are ordered by
// (order, client timestamp) descending, most recent first. Before/After are
// opaque cursors from a previous page; both empty starts at the newest
// message.
type MessageQuery struct {
	Limit  int
	Before string
	After  string
}

// Store is the local cache / replica store: a durable, queryable mirror of
// conversations, members, and messages, plus the offline queue log and the
// secure identity partition. Implementations must make upserts atomic and
// idempotent. Exactly one engine instance owns a store at a time.
type Store interface {
	UpsertConversation(c *Conversation) error
	GetConversation(id string) (*Conversation, error)
	ListConversations(limit int) ([]*Conversation, error)

	UpsertMember(m *Member) error
	GetMember(conversationID, userID string) (*Member, error)
	ListMembers(conversationID string) ([]*Member, error)

	// UpsertMessage writes keyed by message ID. Non-order fields are
	// last-writer-wins; a write regressing a previously assigned order fails
	// with ErrStaleWrite.
	UpsertMessage(m *Message) error
	GetMessage(id string) (*Message, error)
	MessageByClientID(clientID string) (*Message, error)
	MessageByOrder(conversationID string, order int64) (*Message, error)
	DeleteMessage(id string) error
	QueryMessages(conversationID string, q MessageQuery) ([]*Message, string, error)
	// MarkUndecryptable tombstones a message's plaintext while keeping its
	// metadata and ciphertext.
	MarkUndecryptable(id string) error

	HighWaterMark(conversationID string) (int64, error)
	SetHighWaterMark(conversationID string, order int64) error

	// Secure partition: only sealed identity blobs pass through here.
	SaveIdentity(sealed []byte) error
	LoadIdentity() ([]byte, error)

	// Offline queue log. AppendAction assigns the next monotonic sequence
	// number; PendingActions returns entries strictly in sequence order.
	AppendAction(a *PendingAction) error
	PendingActions() ([]*PendingAction, error)
	RemoveAction(seq uint64) error

	Close() error
}

// ============================================================================
// Cursors
// ============================================================================

// messageSortKey is the canonical per-message sort key: order first, client
// timestamp as tie-break. Zero-padded so lexical order matches numeric order.
// Zero or pre-epoch timestamps clamp to 0, a minus sign would break the
// lexical ordering.
func messageSortKey(m *Message) string {
	ts := int64(0)
	if !m.ClientTS.IsZero() {
		if ns := m.ClientTS.UTC().UnixNano(); ns > 0 {
			ts = ns
		}
	}
	return fmt.Sprintf("%020d.%020d.%s", m.Order, ts, m.ID)
}

func cursorValid(c string) bool {
	return c == "" || strings.Count(c, ".") >= 2
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. It backs ephemeral
// sessions and tests; PebbleStore is the durable implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	members       map[string]map[string]*Member
	messages      map[string]*Message
	hwm           map[string]int64
	identity      []byte
	outbox        []*PendingAction
	nextSeq       uint64
	closed        bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		members:       make(map[string]map[string]*Member),
		messages:      make(map[string]*Message),
		hwm:           make(map[string]int64),
		nextSeq:       1,
	}
}

func (s *MemoryStore) UpsertConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConversations(limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertMember(m *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	byUser, ok := s.members[m.ConversationID]
	if !ok {
		byUser = make(map[string]*Member)
		s.members[m.ConversationID] = byUser
	}
	cp := *m
	byUser[m.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetMember(conversationID, userID string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.members[conversationID][userID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListMembers(conversationID string) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Member
	for _, m := range s.members[conversationID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) UpsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.messages[m.ID]; ok && prev.Order > 0 && m.Order < prev.Order {
		return fmt.Errorf("%w: message %s order %d < stored %d", ErrStaleWrite, m.ID, m.Order, prev.Order)
	}
	cp := *m
	cp.Content = ""
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MessageByClientID(clientID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ClientID == clientID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MessageByOrder(conversationID string, order int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Order == order {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) QueryMessages(conversationID string, q MessageQuery) ([]*Message, string, error) {
	if !cursorValid(q.Before) || !cursorValid(q.After) {
		return nil, "", fmt.Errorf("cove: malformed cursor")
	}
	s.mu.RLock()
	var all []*Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		key := messageSortKey(m)
		if q.Before != "" && key >= q.Before {
			continue
		}
		if q.After != "" && key <= q.After {
			continue
		}
		cp := *m
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return messageSortKey(all[i]) > messageSortKey(all[j])
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(all) > limit {
		all = all[:limit]
	}
	next := ""
	if len(all) > 0 {
		next = messageSortKey(all[len(all)-1])
	}
	return all, next, nil
}

func (s *MemoryStore) MarkUndecryptable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Undecryptable = true
	return nil
}

func (s *MemoryStore) HighWaterMark(conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hwm[conversationID], nil
}

func (s *MemoryStore) SetHighWaterMark(conversationID string, order int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order > s.hwm[conversationID] {
		s.hwm[conversationID] = order
	}
	return nil
}

func (s *MemoryStore) SaveIdentity(sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = append([]byte(nil), sealed...)
	return nil
}

func (s *MemoryStore) LoadIdentity() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.identity...), nil
}

func (s *MemoryStore) AppendAction(a *PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *a
	cp.Seq = s.nextSeq
	s.nextSeq++
	a.Seq = cp.Seq
	s.outbox = append(s.outbox, &cp)
	return nil
}

func (s *MemoryStore) PendingActions() ([]*PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingAction, 0, len(s.outbox))
	for _, a := range s.outbox {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) RemoveAction(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.outbox {
		if a.Seq == seq {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
