// Package signing provides nostr-style identity and ephemeral keypair
// handling for the message pipeline (spec.md §4.6): every group-message
// envelope (kind 445) is signed by a freshly generated one-shot keypair,
// never by the sender's identity key. Adapted from the teacher's
// lib/signing, trimmed to the schnorr/secp256k1 surface this module needs
// and dropping the CID-signing and libp2p-key-conversion helpers the relay
// used for its DHT/content-addressing layer, which has no role here.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const PublicKeyPrefix = "npub1"
const PrivateKeyPrefix = "nsec1"

// Keypair is an ephemeral or identity secp256k1 keypair in nostr's
// x-only-pubkey form.
type Keypair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

// GenerateKeypair creates a fresh secp256k1 keypair. Used both for a joining
// member's long-lived identity (outside this module) and, critically, for
// the ephemeral publisher key minted per published group-message event.
func GenerateKeypair() (*Keypair, error) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Keypair{Private: priv, Public: priv.PubKey()}, nil
}

// PublicHex returns the 32-byte x-only public key as lowercase hex, the
// form used as a nostr identity and in group-data admin lists.
func (k *Keypair) PublicHex() string {
	hex, _ := SerializePublicKey(k.Public)
	return *hex
}

func DecodeKey(serializedKey string) ([]byte, error) {
	decoded, err := hex.DecodeString(TrimPrivateKey(TrimPublicKey(serializedKey)))
	if err != nil {
		_, bytesToBits, berr := bech32.Decode(serializedKey)
		if berr != nil {
			return nil, fmt.Errorf("failed to decode key from hex or bech32: %v", berr)
		}

		decoded, err = bech32.ConvertBits(bytesToBits, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key from hex or bech32: %v", err)
		}
	}

	return decoded, nil
}

func DeserializePrivateKey(serializedKey string) (*secp256k1.PrivateKey, *secp256k1.PublicKey, error) {
	privateKeyBytes, err := DecodeKey(serializedKey)
	if err != nil {
		return nil, nil, err
	}

	privateKey, publicKey := btcec.PrivKeyFromBytes(privateKeyBytes)

	return privateKey, publicKey, nil
}

func DeserializePublicKey(serializedKey string) (*secp256k1.PublicKey, error) {
	publicKeyBytes, err := DecodeKey(serializedKey)
	if err != nil {
		return nil, err
	}

	return schnorr.ParsePubKey(publicKeyBytes)
}

func TrimPrivateKey(privateKey string) string {
	return strings.TrimPrefix(privateKey, PrivateKeyPrefix)
}

func TrimPublicKey(publicKey string) string {
	return strings.TrimPrefix(publicKey, PublicKeyPrefix)
}

// SignData produces a BIP-340 Schnorr signature, the signature scheme
// nostr events (including the ephemeral kind-445 envelopes of spec.md §4.6)
// are signed with.
func SignData(data []byte, privateKey *btcec.PrivateKey) (*schnorr.Signature, error) {
	return schnorr.Sign(privateKey, data)
}

func VerifySignature(signature *schnorr.Signature, data []byte, publicKey *secp256k1.PublicKey) error {
	if !signature.Verify(data, publicKey) {
		return fmt.Errorf("data failed to verify")
	}
	return nil
}

func HashForSigning(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ECDH computes the x-coordinate of priv*pub on secp256k1, the shared
// secret two nostr identities derive to seal content addressed to one
// another (the same scalar-multiplication step NIP-44 conversation keys are
// built from). Callers pass the result through a KDF before use as a
// symmetric key; it is never used as key material directly.
func ECDH(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) []byte {
	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)

	var scalar secp256k1.ModNScalar
	scalar.Set(&priv.Key)

	secp256k1.ScalarMultNonConst(&scalar, &point, &result)
	result.ToAffine()

	x := result.X.Bytes()
	return x[:]
}

func GeneratePrivateKey() (*secp256k1.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

func SerializePrivateKeyBech32(privateKey *secp256k1.PrivateKey) (*string, error) {
	privateKeyBytes := privateKey.Serialize()

	bits, err := bech32.ConvertBits(privateKeyBytes, 8, 5, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key to bech32: %v", err)
	}

	encodedKey, err := bech32.Encode(PrivateKeyPrefix, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key to bech32: %v", err)
	}

	return &encodedKey, nil
}

func SerializePublicKeyBech32(publicKey *secp256k1.PublicKey) (*string, error) {
	publicKeyBytes := schnorr.SerializePubKey(publicKey)

	bits, err := bech32.ConvertBits(publicKeyBytes, 8, 5, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key to bech32: %v", err)
	}

	encodedKey, err := bech32.Encode(PublicKeyPrefix, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key to bech32: %v", err)
	}

	return &encodedKey, nil
}

func SerializePrivateKey(privateKey *secp256k1.PrivateKey) (*string, error) {
	encodedKey := hex.EncodeToString(privateKey.Serialize())
	return &encodedKey, nil
}

func SerializePublicKey(publicKey *secp256k1.PublicKey) (*string, error) {
	encodedKey := hex.EncodeToString(schnorr.SerializePubKey(publicKey))
	return &encodedKey, nil
}
