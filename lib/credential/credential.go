// Package credential maps an identity public key to an MLS basic
// credential and back (spec.md §3/§4.3). This module only ever produces
// and consumes the basic credential variant.
package credential

import (
	"crypto/subtle"
	"fmt"

	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// CredentialType enumerates the MLS credential types this package is aware
// of. Only TypeBasic is ever produced by this module.
type CredentialType uint16

const (
	TypeBasic CredentialType = 1
)

// IdentitySize is the fixed length of a basic credential's identity.
const IdentitySize = 32

// Credential wraps an identity as an MLS leaf-node credential.
type Credential struct {
	Type     CredentialType
	Identity [IdentitySize]byte
}

// Create produces a basic credential wrapping identity, which must be
// exactly IdentitySize bytes.
func Create(identity []byte) (*Credential, error) {
	if len(identity) != IdentitySize {
		return nil, fmt.Errorf("%w: identity must be %d bytes, got %d", mlserrors.ErrInvalidInput, IdentitySize, len(identity))
	}
	c := &Credential{Type: TypeBasic}
	copy(c.Identity[:], identity)
	return c, nil
}

// Pubkey validates that c is a basic credential with a full-length identity
// and returns the raw identity bytes.
func Pubkey(c *Credential) ([]byte, error) {
	if c.Type != TypeBasic {
		return nil, fmt.Errorf("%w: credential type %d is not basic", mlserrors.ErrInvalidInput, c.Type)
	}
	return c.Identity[:], nil
}

// Equal reports whether two credentials wrap the same identity.
func Equal(a, b *Credential) bool {
	if a.Type != b.Type {
		return false
	}
	return subtle.ConstantTimeCompare(a.Identity[:], b.Identity[:]) == 1
}

// AuthPolicy is the authentication-policy object spec.md §4.3 describes:
// it accepts a credential/signature-public-key pair iff the credential is
// basic with a full-length identity. Signature verification itself is
// delegated to the MLS library (lib/mls.Engine), never performed here.
type AuthPolicy struct{}

// ValidateCredential implements the contract
// validateCredential(credential, signaturePublicKey) -> bool.
func (AuthPolicy) ValidateCredential(c *Credential, signaturePublicKey []byte) bool {
	if c == nil {
		return false
	}
	if c.Type != TypeBasic {
		return false
	}
	_ = signaturePublicKey // verified by the MLS library, not here
	return true
}
