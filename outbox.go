package cove

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Offline Queue
// ============================================================================

// actionSender submits one replayed action to the backend. A nil error with a
// non-nil ack means the action was accepted; a *APIError means the backend
// rejected it; any other error is a transport failure.
type actionSender func(ctx context.Context, a *PendingAction) (*ActionAck, error)

// outbox is the durable FIFO of actions taken while offline (or while a send
// is still in flight). Replay is strictly ordered with one action in flight,
// so edits never overtake the send they modify.
type outbox struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	draining bool

	// onAccepted and onRejected reconcile the local cache after replay.
	onAccepted func(a *PendingAction, ack *ActionAck)
	onRejected func(a *PendingAction, err error)
}

func newOutbox(store Store, logger *slog.Logger) *outbox {
	return &outbox{store: store, logger: logger}
}

// Enqueue persists an action for later replay. It never blocks on the
// network; the action survives restarts.
func (o *outbox) Enqueue(kind ActionKind, conversationID, messageID string, payload any) (*PendingAction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	a := &PendingAction{
		Kind:           kind,
		ConversationID: conversationID,
		MessageID:      messageID,
		IdempotencyKey: uuid.NewString(),
		Payload:        body,
		EnqueuedAt:     time.Now(),
	}
	if err := o.store.AppendAction(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Pending reports how many actions await replay.
func (o *outbox) Pending() (int, error) {
	actions, err := o.store.PendingActions()
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Drain replays queued actions in enqueue order. Transport failures stop the
// drain and leave the remainder queued for the next attempt. Backend
// rejections are terminal for that action: it is removed, the rejection is
// reported, and the drain continues.
func (o *outbox) Drain(ctx context.Context, send actionSender) error {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	actions, err := o.store.PendingActions()
	if err != nil {
		return err
	}
	for _, a := range actions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ack, err := send(ctx, a)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				o.logger.Warn("queued action rejected",
					"kind", a.Kind, "message_id", a.MessageID, "err", err)
				if o.onRejected != nil {
					o.onRejected(a, fmt.Errorf("%w: %v", ErrQueueReplay, err))
				}
				if rerr := o.store.RemoveAction(a.Seq); rerr != nil {
					return rerr
				}
				continue
			}
			// Transport trouble. Keep the queue intact.
			return fmt.Errorf("%w: replay %s: %v", ErrConnection, a.Kind, err)
		}
		if o.onAccepted != nil {
			o.onAccepted(a, ack)
		}
		if err := o.store.RemoveAction(a.Seq); err != nil {
			return err
		}
	}
	return nil
}
