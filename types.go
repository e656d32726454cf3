package cove

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Entities
// ============================================================================

// ConversationKind distinguishes thread visibility and membership rules.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindPublic  ConversationKind = "public"
	KindGroup   ConversationKind = "group"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText          MessageType = "text"
	TypeAttachment    MessageType = "attachment"
	TypeTradeProposal MessageType = "trade_proposal"
	TypeOther         MessageType = "other"
)

// MessageStatus tracks the delivery lifecycle of an outbound message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// User is a chat participant. The public key is the unit shared with
// counterparties; the matching private key never leaves the local store
// unencrypted.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	PublicKey   []byte `json:"publicKey"`
}

// Conversation is a message thread. Its symmetric key material is never part
// of this record; it travels only wrapped per member (see Member.WrappedKey).
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Title     string           `json:"title,omitempty"`
	Closed    bool             `json:"closed,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt,omitempty"`
}

// Member binds a user to a conversation. WrappedKey is the conversation's
// symmetric key material encrypted under the member's public key.
type Member struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	WrappedKey     []byte    `json:"wrappedKey"`
	Left           bool      `json:"left,omitempty"`
	JoinedAt       time.Time `json:"joinedAt,omitempty"`
}

// Message is one unit of communication. Order is the server-assigned monotonic
// sequence within the conversation; zero means not yet acknowledged. The store
// keeps ciphertext as received; Content is populated on read by the engine and
// is never persisted.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Order          int64         `json:"order,omitempty"`
	Type           MessageType   `json:"type"`
	Ciphertext     []byte        `json:"ciphertext,omitempty"`
	Content        string        `json:"-"`
	Status         MessageStatus `json:"status,omitempty"`
	Undecryptable  bool          `json:"undecryptable,omitempty"`
	Deleted        bool          `json:"deleted,omitempty"`
	Revision       int           `json:"revision,omitempty"`
	ClientTS       time.Time     `json:"clientTs"`
	ServerTS       time.Time     `json:"serverTs,omitempty"`
}

// ============================================================================
// Offline queue
// ============================================================================

// ActionKind identifies the kind of a queued outbound action.
type ActionKind string

const (
	ActionSend   ActionKind = "message.send"
	ActionEdit   ActionKind = "message.edit"
	ActionDelete ActionKind = "message.delete"
)

// PendingAction is one durable outbox entry. Seq is local and strictly
// monotonic; replay happens in Seq order and entries are removed only after
// the server acknowledges them.
type PendingAction struct {
	Seq            uint64          `json:"seq"`
	Kind           ActionKind      `json:"kind"`
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
}

// ActionAck is the server acknowledgment for one replayed action.
type ActionAck struct {
	MessageID string    `json:"messageId"`
	Order     int64     `json:"order"`
	ServerTS  time.Time `json:"serverTs"`
}

// sendActionPayload is the serialized body of an ActionSend entry. ClientID
// lets the backend echo the sender's provisional identity back in pushes, so
// a message is never duplicated when its push outruns the ack.
type sendActionPayload struct {
	ClientID   string      `json:"clientId"`
	Type       MessageType `json:"type"`
	Ciphertext []byte      `json:"ciphertext"`
	ClientTS   time.Time   `json:"clientTs"`
}

// editActionPayload is the serialized body of an ActionEdit entry.
type editActionPayload struct {
	Ciphertext []byte    `json:"ciphertext"`
	ClientTS   time.Time `json:"clientTs"`
}

// ============================================================================
// Wire envelopes
// ============================================================================

// Envelope is the wire format for inbound streaming events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server streaming message.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// subscribeCmd is the payload of a subscribe/unsubscribe command.
type subscribeCmd struct {
	Topic          string            `json:"topic"`
	Params         map[string]string `json:"params,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// wireMessage is the message shape carried by delta responses and push events.
type wireMessage struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Order          int64       `json:"order"`
	Type           MessageType `json:"type"`
	Ciphertext     []byte      `json:"ciphertext"`
	Deleted        bool        `json:"deleted,omitempty"`
	Revision       int         `json:"revision,omitempty"`
	ClientTS       time.Time   `json:"clientTs"`
	ServerTS       time.Time   `json:"serverTs"`
}

// wireConversation is the conversation shape carried by delta responses and
// push events, including the caller's wrapped key when membership changed.
type wireConversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Title     string           `json:"title,omitempty"`
	Closed    bool             `json:"closed,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Members   []wireMember     `json:"members,omitempty"`
}

type wireMember struct {
	UserID     string    `json:"userId"`
	WrappedKey []byte    `json:"wrappedKey,omitempty"`
	Left       bool      `json:"left,omitempty"`
	JoinedAt   time.Time `json:"joinedAt,omitempty"`
}

// deltaResult is the response of the delta query endpoint.
type deltaResult struct {
	Conversations []wireConversation `json:"conversations,omitempty"`
	Messages      []wireMessage      `json:"messages,omitempty"`
	Cursor        int64              `json:"cursor"`
	HasMore       bool               `json:"hasMore"`
}
