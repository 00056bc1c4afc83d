// Package convkey implements the "conversation-key cipher" spec.md §1/§6
// names as an external collaborator: authenticated symmetric encryption
// keyed by a single 32-byte secret known to every current group member (the
// MLS exporter secret, derived by lib/message). Grounded on the same
// ChaCha20-Poly1305 construction lib/mls uses to seal welcomes, for the same
// reason lib/mls defines its own Engine interface rather than guessing at an
// unverified third-party API: the retrieval pack offers no confirmed public
// signature for a raw-32-byte-key variant of a nostr conversation-key
// cipher, so this package defines the contract as a Go interface with a
// grounded default implementation instead.
package convkey

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// KeySize is the length of a conversation key, matching the MLS exporter
// output lib/message derives it from.
const KeySize = 32

// Cipher is the conversation-key cipher's contract.
type Cipher interface {
	Encrypt(key, plaintext []byte) ([]byte, error)
	Decrypt(key, ciphertext []byte) ([]byte, error)
}

// ChaCha20Poly1305Cipher is the default Cipher: a random nonce prepended to
// a ChaCha20-Poly1305 sealed box.
type ChaCha20Poly1305Cipher struct{}

var _ Cipher = ChaCha20Poly1305Cipher{}

func (ChaCha20Poly1305Cipher) Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: conversation key must be %d bytes, got %d", mlserrors.ErrInvalidInput, KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct conversation cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func (ChaCha20Poly1305Cipher) Decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: conversation key must be %d bytes, got %d", mlserrors.ErrInvalidInput, KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct conversation cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", mlserrors.ErrDecryptFailure)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mlserrors.ErrDecryptFailure, err)
	}
	return plaintext, nil
}
