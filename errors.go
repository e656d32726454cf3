package cove

import "errors"

// Error taxonomy. Cryptographic and per-message failures are isolated to the
// affected entity; connection errors drive the transport state machine and are
// retried per backoff policy; contract violations fail immediately.
var (
	// ErrConnection is a transport-level failure, retryable per backoff policy.
	ErrConnection = errors.New("cove: connection failed")

	// ErrAuthExpired means the credential refresh failed; the session is done
	// and the caller must re-authenticate.
	ErrAuthExpired = errors.New("cove: credential expired")

	// ErrNotConnected means an operation requiring a live session was invoked
	// without one. Never retried.
	ErrNotConnected = errors.New("cove: not connected")

	// ErrKeyGeneration signals an entropy or crypto backend failure while
	// producing key material.
	ErrKeyGeneration = errors.New("cove: key generation failed")

	// ErrWrap means a symmetric key could not be wrapped for a recipient,
	// typically a malformed public key.
	ErrWrap = errors.New("cove: key wrap failed")

	// ErrUnwrap means a wrapped key blob was not produced for this private
	// key. Distinct from transient I/O so callers surface "cannot decrypt"
	// instead of retrying.
	ErrUnwrap = errors.New("cove: key unwrap failed")

	// ErrDecrypt means message decryption failed: corrupted key, tampered
	// payload, or wrong key. The message is marked undecryptable, never
	// returned as corrupted plaintext.
	ErrDecrypt = errors.New("cove: message decryption failed")

	// ErrStaleWrite means a local upsert attempted to regress a monotonic
	// order field. The write is rejected and logged.
	ErrStaleWrite = errors.New("cove: stale write rejected")

	// ErrQueueReplay means the server rejected a queued action. The action is
	// surfaced as failed and not retried automatically.
	ErrQueueReplay = errors.New("cove: queued action rejected")

	// ErrClosed means the engine or store was already closed.
	ErrClosed = errors.New("cove: closed")

	// ErrNotFound is returned by store lookups for missing entities.
	ErrNotFound = errors.New("cove: not found")
)

// SyncError reports which sync step failed. Already-applied steps are kept;
// sync is idempotent and resumable.
type SyncError struct {
	Step string
	Err  error
}

func (e *SyncError) Error() string {
	return "cove: sync step " + e.Step + " failed: " + e.Err.Error()
}

func (e *SyncError) Unwrap() error { return e.Err }
