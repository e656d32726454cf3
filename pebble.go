package cove

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// PebbleStore
// ============================================================================

// schemaVersion is the cache's own schema version, independent of the storage
// engine. Opening a store written by a newer version fails rather than
// guessing.
const schemaVersion = 1

// Key namespaces. The ord: index carries the (order, timestamp, id) sort key
// so range scans return messages in authoritative sequence.
const (
	keySchema       = "schema:version"
	keyIdentity     = "identity"
	prefixConv      = "conv:"
	prefixMember    = "member:"
	prefixMsg       = "msg:"
	prefixOrd       = "ord:"
	prefixClientID  = "cid:"
	prefixHighWater = "hwm:"
	prefixOutbox    = "outbox:"
)

// PebbleStore is the durable Store implementation on a key-ordered LSM store.
// One process owns the directory at a time; pebble enforces the lock.
type PebbleStore struct {
	mu      sync.Mutex
	db      *pebble.DB
	nextSeq uint64
	closed  bool
}

// OpenPebbleStore opens (or creates) the cache at path and runs schema
// migrations if needed.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cove: open cache: %w", err)
	}
	s := &PebbleStore{db: db, nextSeq: 1}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadOutboxSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) migrate() error {
	v, closer, err := s.db.Get([]byte(keySchema))
	if errors.Is(err, pebble.ErrNotFound) {
		return s.db.Set([]byte(keySchema), []byte(strconv.Itoa(schemaVersion)), pebble.Sync)
	}
	if err != nil {
		return fmt.Errorf("cove: read schema version: %w", err)
	}
	defer closer.Close()
	have, err := strconv.Atoi(string(v))
	if err != nil {
		return fmt.Errorf("cove: corrupt schema version %q", v)
	}
	if have > schemaVersion {
		return fmt.Errorf("cove: cache schema v%d is newer than supported v%d", have, schemaVersion)
	}
	// Future upward migrations hook in here, stepping have -> schemaVersion.
	if have < schemaVersion {
		return s.db.Set([]byte(keySchema), []byte(strconv.Itoa(schemaVersion)), pebble.Sync)
	}
	return nil
}

// loadOutboxSeq recovers the next queue sequence from the last persisted
// entry so pending actions survive restarts with their order intact.
func (s *PebbleStore) loadOutboxSeq() error {
	iter, err := s.db.NewIter(prefixBounds(prefixOutbox))
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() && iter.Valid() {
		var a PendingAction
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return fmt.Errorf("cove: corrupt outbox entry: %w", err)
		}
		s.nextSeq = a.Seq + 1
	}
	return iter.Error()
}

func prefixBounds(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := append([]byte(prefix), 0xff)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

func (s *PebbleStore) setJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *PebbleStore) getJSON(key string, v interface{}) error {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

// ── Conversations ────────────────────────────────────────

func (s *PebbleStore) UpsertConversation(c *Conversation) error {
	return s.setJSON(prefixConv+c.ID, c)
}

func (s *PebbleStore) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	if err := s.getJSON(prefixConv+id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PebbleStore) ListConversations(limit int) ([]*Conversation, error) {
	iter, err := s.db.NewIter(prefixBounds(prefixConv))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*Conversation
	for iter.First(); iter.Valid(); iter.Next() {
		var c Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, fmt.Errorf("cove: corrupt conversation %s: %w", iter.Key(), err)
		}
		out = append(out, &c)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// Most recently updated first, like the query surface promises.
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Members ──────────────────────────────────────────────

func memberKey(conversationID, userID string) string {
	return prefixMember + conversationID + ":" + userID
}

func (s *PebbleStore) UpsertMember(m *Member) error {
	return s.setJSON(memberKey(m.ConversationID, m.UserID), m)
}

func (s *PebbleStore) GetMember(conversationID, userID string) (*Member, error) {
	var m Member
	if err := s.getJSON(memberKey(conversationID, userID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PebbleStore) ListMembers(conversationID string) ([]*Member, error) {
	iter, err := s.db.NewIter(prefixBounds(prefixMember + conversationID + ":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*Member
	for iter.First(); iter.Valid(); iter.Next() {
		var m Member
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("cove: corrupt member %s: %w", iter.Key(), err)
		}
		out = append(out, &m)
	}
	return out, iter.Error()
}

// ── Messages ─────────────────────────────────────────────

func ordKey(conversationID, sortKey string) string {
	return prefixOrd + conversationID + ":" + sortKey
}

func (s *PebbleStore) UpsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var prev Message
	havePrev := s.getJSON(prefixMsg+m.ID, &prev) == nil
	if havePrev && prev.Order > 0 && m.Order < prev.Order {
		return fmt.Errorf("%w: message %s order %d < stored %d", ErrStaleWrite, m.ID, m.Order, prev.Order)
	}

	cp := *m
	cp.Content = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if havePrev {
		oldOrd := ordKey(prev.ConversationID, messageSortKey(&prev))
		newOrd := ordKey(cp.ConversationID, messageSortKey(&cp))
		if oldOrd != newOrd {
			if err := batch.Delete([]byte(oldOrd), nil); err != nil {
				return err
			}
		}
		if prev.ClientID != "" && prev.ClientID != cp.ClientID {
			if err := batch.Delete([]byte(prefixClientID+prev.ClientID), nil); err != nil {
				return err
			}
		}
	}
	if err := batch.Set([]byte(prefixMsg+cp.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(ordKey(cp.ConversationID, messageSortKey(&cp))), []byte(cp.ID), nil); err != nil {
		return err
	}
	if cp.ClientID != "" {
		if err := batch.Set([]byte(prefixClientID+cp.ClientID), []byte(cp.ID), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetMessage(id string) (*Message, error) {
	var m Message
	if err := s.getJSON(prefixMsg+id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PebbleStore) MessageByClientID(clientID string) (*Message, error) {
	id, closer, err := s.db.Get([]byte(prefixClientID + clientID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msgID := string(id)
	closer.Close()
	return s.GetMessage(msgID)
}

func (s *PebbleStore) MessageByOrder(conversationID string, order int64) (*Message, error) {
	prefix := ordKey(conversationID, fmt.Sprintf("%020d.", order))
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if iter.First() && iter.Valid() {
		return s.GetMessage(string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (s *PebbleStore) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m Message
	if err := s.getJSON(prefixMsg+id, &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete([]byte(prefixMsg+id), nil); err != nil {
		return err
	}
	if err := batch.Delete([]byte(ordKey(m.ConversationID, messageSortKey(&m))), nil); err != nil {
		return err
	}
	if m.ClientID != "" {
		if err := batch.Delete([]byte(prefixClientID+m.ClientID), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) QueryMessages(conversationID string, q MessageQuery) ([]*Message, string, error) {
	if !cursorValid(q.Before) || !cursorValid(q.After) {
		return nil, "", fmt.Errorf("cove: malformed cursor")
	}
	prefix := prefixOrd + conversationID + ":"
	lower := []byte(prefix)
	upper := append([]byte(prefix), 0xff)
	if q.Before != "" {
		upper = []byte(prefix + q.Before) // exclusive
	}
	if q.After != "" {
		lower = append([]byte(prefix+q.After), 0x00) // exclusive
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, "", err
	}
	defer iter.Close()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*Message
	next := ""
	for ok := iter.Last(); ok && iter.Valid(); ok = iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), []byte(prefix)) {
			break
		}
		m, err := s.GetMessage(string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // dangling index entry
			}
			return nil, "", err
		}
		out = append(out, m)
		next = string(iter.Key()[len(prefix):])
		if len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		next = ""
	}
	return out, next, nil
}

func (s *PebbleStore) MarkUndecryptable(id string) error {
	m, err := s.GetMessage(id)
	if err != nil {
		return err
	}
	m.Undecryptable = true
	return s.UpsertMessage(m)
}

// ── High-water marks ─────────────────────────────────────

func (s *PebbleStore) HighWaterMark(conversationID string) (int64, error) {
	v, closer, err := s.db.Get([]byte(prefixHighWater + conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return strconv.ParseInt(string(v), 10, 64)
}

func (s *PebbleStore) SetHighWaterMark(conversationID string, order int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.HighWaterMark(conversationID)
	if err != nil {
		return err
	}
	if order <= cur {
		return nil
	}
	return s.db.Set([]byte(prefixHighWater+conversationID), []byte(strconv.FormatInt(order, 10)), pebble.Sync)
}

// ── Identity ─────────────────────────────────────────────

func (s *PebbleStore) SaveIdentity(sealed []byte) error {
	return s.db.Set([]byte(keyIdentity), sealed, pebble.Sync)
}

func (s *PebbleStore) LoadIdentity() ([]byte, error) {
	v, closer, err := s.db.Get([]byte(keyIdentity))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// ── Offline queue ────────────────────────────────────────

func outboxKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixOutbox, seq)
}

func (s *PebbleStore) AppendAction(a *PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	a.Seq = s.nextSeq
	s.nextSeq++
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(outboxKey(a.Seq)), data, pebble.Sync)
}

func (s *PebbleStore) PendingActions() ([]*PendingAction, error) {
	iter, err := s.db.NewIter(prefixBounds(prefixOutbox))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*PendingAction
	for iter.First(); iter.Valid(); iter.Next() {
		var a PendingAction
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, fmt.Errorf("cove: corrupt outbox entry %s: %w", iter.Key(), err)
		}
		out = append(out, &a)
	}
	return out, iter.Error()
}

func (s *PebbleStore) RemoveAction(seq uint64) error {
	return s.db.Delete([]byte(outboxKey(seq)), pebble.Sync)
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
