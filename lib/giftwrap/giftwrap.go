// Package giftwrap implements the "gift-wrap envelope" spec.md §1/§6 names
// as an external collaborator, opaque to the core: NIP-59 style two-layer
// sealing of a rumor (here, always a kind-444 welcome inner event) to a
// recipient identity. As with lib/mls's Engine, the retrieval pack offers
// no confirmed public API for go-nostr's nip59 sub-package, so the contract
// is a Go interface (Sealer) with a default implementation built from
// primitives already wired elsewhere in this module: secp256k1 ECDH
// (lib/signing.ECDH, the same scalar-multiplication NIP-44 conversation
// keys are built from), HKDF, and lib/convkey's ChaCha20-Poly1305 cipher.
package giftwrap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/crypto/hkdf"

	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
)

// KindSeal is the NIP-59 seal event kind: a rumor encrypted to the
// recipient and signed by the real sender identity.
const KindSeal = 13

// Sealer is the gift-wrap collaborator's contract: wrap a rumor for a
// recipient, and unwrap a received gift wrap back into its rumor.
type Sealer interface {
	Wrap(rumor *nostr.Event, senderPriv *secp256k1.PrivateKey, recipientPub *secp256k1.PublicKey) (*nostr.Event, error)
	Unwrap(wrap *nostr.Event, recipientPriv *secp256k1.PrivateKey) (*nostr.Event, error)
}

// DefaultSealer is the grounded default Sealer.
type DefaultSealer struct {
	cipher convkey.Cipher
}

func NewDefaultSealer() *DefaultSealer {
	return &DefaultSealer{cipher: convkey.ChaCha20Poly1305Cipher{}}
}

var _ Sealer = (*DefaultSealer)(nil)

func deriveKey(ecdhSecret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, ecdhSecret, nil, []byte(info))
	key := make([]byte, convkey.KeySize)
	if _, err := hkdfFill(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func hkdfFill(r interface{ Read([]byte) (int, error) }, out []byte) (int, error) {
	total := 0
	for total < len(out) {
		n, err := r.Read(out[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("short read")
		}
	}
	return total, nil
}

// Wrap seals rumor in two layers, per NIP-59: an inner "seal" (kind 13)
// signed by the sender's real identity and encrypted to the recipient, then
// an outer gift wrap (kind 1059) signed by a one-time ephemeral key and
// encrypted to the recipient again. The gift wrap's timestamp is randomized
// within the past two days, the privacy measure NIP-59 recommends against
// correlating wrap time with rumor time.
func (s *DefaultSealer) Wrap(rumor *nostr.Event, senderPriv *secp256k1.PrivateKey, recipientPub *secp256k1.PublicKey) (*nostr.Event, error) {
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("marshal rumor: %w", err)
	}

	sealKey, err := deriveKey(signing.ECDH(senderPriv, recipientPub), "nostr-mls-seal")
	if err != nil {
		return nil, err
	}
	sealCiphertext, err := s.cipher.Encrypt(sealKey, rumorJSON)
	if err != nil {
		return nil, fmt.Errorf("encrypt seal: %w", err)
	}

	senderPub := senderPriv.PubKey()
	seal := &nostr.Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(senderPub)),
		CreatedAt: nostr.Timestamp(randomizedPastTimestamp()),
		Kind:      KindSeal,
		Content:   hex.EncodeToString(sealCiphertext),
	}
	if err := signRumorLike(seal, senderPriv); err != nil {
		return nil, fmt.Errorf("sign seal: %w", err)
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("marshal seal: %w", err)
	}

	ephemeralPriv, err := signing.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral wrap key: %w", err)
	}
	wrapKey, err := deriveKey(signing.ECDH(ephemeralPriv, recipientPub), "nostr-mls-wrap")
	if err != nil {
		return nil, err
	}
	wrapCiphertext, err := s.cipher.Encrypt(wrapKey, sealJSON)
	if err != nil {
		return nil, fmt.Errorf("encrypt wrap: %w", err)
	}

	recipientHex := hex.EncodeToString(schnorr.SerializePubKey(recipientPub))
	wrap := &nostr.Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(ephemeralPriv.PubKey())),
		CreatedAt: nostr.Timestamp(randomizedPastTimestamp()),
		Kind:      1059,
		Tags:      nostr.Tags{{"p", recipientHex}},
		Content:   hex.EncodeToString(wrapCiphertext),
	}
	if err := signRumorLike(wrap, ephemeralPriv); err != nil {
		return nil, fmt.Errorf("sign wrap: %w", err)
	}

	return wrap, nil
}

// Unwrap reverses Wrap: decrypt the outer layer under the recipient's
// identity key, then the inner seal, verifying the seal's self-signature
// before returning the enclosed rumor.
func (s *DefaultSealer) Unwrap(wrap *nostr.Event, recipientPriv *secp256k1.PrivateKey) (*nostr.Event, error) {
	ephemeralPub, err := schnorr.ParsePubKey(mustHexDecode(wrap.PubKey))
	if err != nil {
		return nil, fmt.Errorf("%w: gift wrap pubkey: %v", mlserrors.ErrDecryptFailure, err)
	}
	wrapCiphertext, err := hex.DecodeString(wrap.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: gift wrap content: %v", mlserrors.ErrDecryptFailure, err)
	}
	wrapKey, err := deriveKey(signing.ECDH(recipientPriv, ephemeralPub), "nostr-mls-wrap")
	if err != nil {
		return nil, err
	}
	sealJSON, err := s.cipher.Decrypt(wrapKey, wrapCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: gift wrap decrypt: %v", mlserrors.ErrDecryptFailure, err)
	}

	var seal nostr.Event
	if err := json.Unmarshal(sealJSON, &seal); err != nil {
		return nil, fmt.Errorf("%w: seal decode: %v", mlserrors.ErrDecodeFailure, err)
	}
	if seal.Kind != KindSeal {
		return nil, fmt.Errorf("%w: expected seal kind %d, got %d", mlserrors.ErrDecryptFailure, KindSeal, seal.Kind)
	}
	if err := verifyRumorLike(&seal); err != nil {
		return nil, fmt.Errorf("%w: seal signature: %v", mlserrors.ErrDecryptFailure, err)
	}

	senderPub, err := schnorr.ParsePubKey(mustHexDecode(seal.PubKey))
	if err != nil {
		return nil, fmt.Errorf("%w: seal pubkey: %v", mlserrors.ErrDecryptFailure, err)
	}
	sealCiphertext, err := hex.DecodeString(seal.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: seal content: %v", mlserrors.ErrDecryptFailure, err)
	}
	sealKey, err := deriveKey(signing.ECDH(recipientPriv, senderPub), "nostr-mls-seal")
	if err != nil {
		return nil, err
	}
	rumorJSON, err := s.cipher.Decrypt(sealKey, sealCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: rumor decrypt: %v", mlserrors.ErrDecryptFailure, err)
	}

	var rumor nostr.Event
	if err := json.Unmarshal(rumorJSON, &rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor decode: %v", mlserrors.ErrDecodeFailure, err)
	}
	return &rumor, nil
}

func mustHexDecode(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// signRumorLike computes an event's id (overwriting any existing one) and
// signs it, the way seal and wrap layers are signed: by a real keypair,
// unlike the innermost rumor itself.
func signRumorLike(event *nostr.Event, priv *secp256k1.PrivateKey) error {
	serialized, err := json.Marshal([]interface{}{0, event.PubKey, event.CreatedAt, event.Kind, event.Tags, event.Content})
	if err != nil {
		return err
	}
	hash := sha256.Sum256(serialized)
	event.ID = hex.EncodeToString(hash[:])

	sig, err := signing.SignData(hash[:], priv)
	if err != nil {
		return err
	}
	event.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func verifyRumorLike(event *nostr.Event) error {
	serialized, err := json.Marshal([]interface{}{0, event.PubKey, event.CreatedAt, event.Kind, event.Tags, event.Content})
	if err != nil {
		return err
	}
	hash := sha256.Sum256(serialized)
	if hex.EncodeToString(hash[:]) != event.ID {
		return fmt.Errorf("event id mismatch")
	}

	pub, err := schnorr.ParsePubKey(mustHexDecode(event.PubKey))
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(event.Sig)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return err
	}
	return signing.VerifySignature(sig, hash[:], pub)
}

// randomizedPastTimestamp returns a Unix timestamp shifted randomly up to
// two days into the past, per NIP-59's timestamp-randomization guidance.
func randomizedPastTimestamp() int64 {
	const twoDaysSeconds = int64(2 * 24 * 60 * 60)
	n, err := rand.Int(rand.Reader, big.NewInt(twoDaysSeconds))
	if err != nil {
		return nowUnix()
	}
	return nowUnix() - n.Int64()
}

func nowUnix() int64 {
	return time.Now().Unix()
}
