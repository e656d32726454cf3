package cove

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ============================================================================
// Key material
// ============================================================================

const (
	symmetricKeySize = 32
	symmetricIVSize  = 12
	wrappedPlainSize = symmetricKeySize + symmetricIVSize
)

// IdentityKeys is a user's asymmetric keypair. The private half is persisted
// only through sealIdentity.
type IdentityKeys struct {
	Public  [32]byte
	private [32]byte
}

// ConversationKey is the symmetric key material shared by a conversation's
// members: an AES-256 key plus a conversation IV that binds ciphertexts to
// this key generation.
type ConversationKey struct {
	Key [symmetricKeySize]byte
	IV  [symmetricIVSize]byte
}

// ============================================================================
// KeyManager
// ============================================================================

// KeyManager generates and holds the user's identity keypair, produces
// per-conversation symmetric keys, wraps/unwraps them for members, and
// encrypts/decrypts message payloads.
type KeyManager struct {
	mu       sync.RWMutex
	identity *IdentityKeys
	keyring  map[string]*ConversationKey
}

// NewKeyManager creates an empty key manager. Call GenerateIdentityKeys or
// LoadIdentity before any wrap/unwrap operation.
func NewKeyManager() *KeyManager {
	return &KeyManager{keyring: make(map[string]*ConversationKey)}
}

// GenerateIdentityKeys produces a fresh X25519 keypair and installs it as the
// manager's identity.
func (k *KeyManager) GenerateIdentityKeys() (*IdentityKeys, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	id := &IdentityKeys{Public: *pub, private: *priv}
	k.mu.Lock()
	k.identity = id
	k.mu.Unlock()
	return id, nil
}

// Identity returns the installed identity keypair, or nil.
func (k *KeyManager) Identity() *IdentityKeys {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.identity
}

// SetIdentity installs a previously unsealed identity.
func (k *KeyManager) SetIdentity(id *IdentityKeys) {
	k.mu.Lock()
	k.identity = id
	k.mu.Unlock()
}

// GenerateConversationKey produces fresh symmetric key material from a
// cryptographically secure source.
func (k *KeyManager) GenerateConversationKey() (*ConversationKey, error) {
	ck := &ConversationKey{}
	if _, err := io.ReadFull(rand.Reader, ck.Key[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if _, err := io.ReadFull(rand.Reader, ck.IV[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return ck, nil
}

// InstallConversationKey caches an unwrapped key for a conversation. Exactly
// one active key per conversation; installing replaces any previous one so
// re-decryption after a key change remains possible.
func (k *KeyManager) InstallConversationKey(conversationID string, ck *ConversationKey) {
	k.mu.Lock()
	k.keyring[conversationID] = ck
	k.mu.Unlock()
}

// ConversationKeyFor returns the cached key for a conversation, or nil.
func (k *KeyManager) ConversationKeyFor(conversationID string) *ConversationKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keyring[conversationID]
}

// ============================================================================
// Wrap / unwrap
// ============================================================================

// WrapKeyFor asymmetrically encrypts the symmetric material for one recipient
// public key. The blob can only be opened by the matching private key.
func (k *KeyManager) WrapKeyFor(memberPublicKey []byte, ck *ConversationKey) ([]byte, error) {
	if len(memberPublicKey) != 32 {
		return nil, fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrWrap, len(memberPublicKey))
	}
	if ck == nil {
		return nil, fmt.Errorf("%w: nil conversation key", ErrWrap)
	}
	var pub [32]byte
	copy(pub[:], memberPublicKey)

	plain := make([]byte, 0, wrappedPlainSize)
	plain = append(plain, ck.Key[:]...)
	plain = append(plain, ck.IV[:]...)

	blob, err := box.SealAnonymous(nil, plain, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrap, err)
	}
	return blob, nil
}

// UnwrapKey is the inverse of WrapKeyFor using the manager's own private key.
// A blob not produced for this key fails with ErrUnwrap, distinguishable from
// transient errors.
func (k *KeyManager) UnwrapKey(blob []byte) (*ConversationKey, error) {
	k.mu.RLock()
	id := k.identity
	k.mu.RUnlock()
	if id == nil {
		return nil, fmt.Errorf("%w: no identity installed", ErrUnwrap)
	}
	plain, ok := box.OpenAnonymous(nil, blob, &id.Public, &id.private)
	if !ok || len(plain) != wrappedPlainSize {
		return nil, ErrUnwrap
	}
	ck := &ConversationKey{}
	copy(ck.Key[:], plain[:symmetricKeySize])
	copy(ck.IV[:], plain[symmetricKeySize:])
	return ck, nil
}

// ============================================================================
// Message encryption
// ============================================================================

// EncryptMessage encrypts plaintext under the conversation key with AES-GCM.
// A fresh nonce is prepended to the ciphertext; the conversation IV is bound
// as associated data so ciphertext from a different key generation does not
// authenticate.
func (k *KeyManager) EncryptMessage(plaintext []byte, ck *ConversationKey) ([]byte, error) {
	aead, err := newGCM(ck)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return aead.Seal(nonce, nonce, plaintext, ck.IV[:]), nil
}

// DecryptMessage reverses EncryptMessage. Authentication failure returns
// ErrDecrypt; corrupted plaintext is never returned silently.
func (k *KeyManager) DecryptMessage(ciphertext []byte, ck *ConversationKey) ([]byte, error) {
	aead, err := newGCM(ck)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, ck.IV[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func newGCM(ck *ConversationKey) (cipher.AEAD, error) {
	if ck == nil {
		return nil, fmt.Errorf("%w: nil conversation key", ErrDecrypt)
	}
	block, err := aes.NewCipher(ck.Key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return cipher.NewGCM(block)
}

// ============================================================================
// Identity at rest
// ============================================================================

const (
	identitySaltSize  = 16
	identityNonceSize = 24
)

// sealIdentity encrypts the keypair for the store's secure partition. The
// sealing key is derived from the caller's secret with argon2id.
func sealIdentity(id *IdentityKeys, secret []byte) ([]byte, error) {
	salt := make([]byte, identitySaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	var nonce [identityNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	var sealKey [32]byte
	copy(sealKey[:], argon2.IDKey(secret, salt, 1, 64*1024, 4, 32))

	plain := make([]byte, 0, 64)
	plain = append(plain, id.private[:]...)
	plain = append(plain, id.Public[:]...)

	out := make([]byte, 0, identitySaltSize+identityNonceSize+len(plain)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plain, &nonce, &sealKey), nil
}

// openIdentity reverses sealIdentity. A wrong secret fails with ErrUnwrap.
func openIdentity(blob, secret []byte) (*IdentityKeys, error) {
	if len(blob) < identitySaltSize+identityNonceSize+64+secretbox.Overhead {
		return nil, ErrUnwrap
	}
	salt := blob[:identitySaltSize]
	var nonce [identityNonceSize]byte
	copy(nonce[:], blob[identitySaltSize:identitySaltSize+identityNonceSize])
	sealed := blob[identitySaltSize+identityNonceSize:]

	var sealKey [32]byte
	copy(sealKey[:], argon2.IDKey(secret, salt, 1, 64*1024, 4, 32))

	plain, ok := secretbox.Open(nil, sealed, &nonce, &sealKey)
	if !ok || len(plain) != 64 {
		return nil, ErrUnwrap
	}
	id := &IdentityKeys{}
	copy(id.private[:], plain[:32])
	copy(id.Public[:], plain[32:])
	return id, nil
}
