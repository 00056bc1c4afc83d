// Package wire builds and validates the nostr events this module puts on
// and takes off the event network: key-package publication (443), welcome
// inner events (444), group-message envelopes (445), gift wraps (1059),
// key-package relay lists (10051), and key-package deletions (5). Adapted
// from the teacher's lib/handlers/nostr/kind{443,444,445,1059,10051,5}
// handlers, whose per-kind tag-requirement checks are reproduced here as
// pure validate functions rather than libp2p stream handlers — this module
// has no server loop to hand them to.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
)

const (
	KindKeyPackage       = 443
	KindWelcome          = 444
	KindGroupMessage     = 445
	KindGiftWrap         = 1059
	KindKeyPackageRelays = 10051
	KindDeletion         = 5
)

// Build constructs, hashes, and signs a nostr event the way the teacher's
// createAnyEvent helper does: canonical NIP-01 serialization for the id,
// BIP-340 Schnorr for the signature.
func Build(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey, kind int, createdAt int64, tags nostr.Tags, content string) (*nostr.Event, error) {
	pubHex := hex.EncodeToString(schnorr.SerializePubKey(pub))

	event := &nostr.Event{
		PubKey:    pubHex,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}

	serialized, err := json.Marshal([]interface{}{0, event.PubKey, event.CreatedAt, event.Kind, event.Tags, event.Content})
	if err != nil {
		return nil, fmt.Errorf("serialize event for id: %w", err)
	}
	hash := sha256.Sum256(serialized)
	event.ID = hex.EncodeToString(hash[:])

	sig, err := signing.SignData(hash[:], priv)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	event.Sig = hex.EncodeToString(sig.Serialize())

	return event, nil
}

// BuildUnsigned constructs a rumor: an event with an id but no signature,
// the shape kind 444 welcome inner events and gift-wrap rumors take before
// NIP-59 sealing.
func BuildUnsigned(pubHex string, kind int, createdAt int64, tags nostr.Tags, content string) (*nostr.Event, error) {
	event := &nostr.Event{
		PubKey:    pubHex,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	serialized, err := json.Marshal([]interface{}{0, event.PubKey, event.CreatedAt, event.Kind, event.Tags, event.Content})
	if err != nil {
		return nil, fmt.Errorf("serialize rumor for id: %w", err)
	}
	hash := sha256.Sum256(serialized)
	event.ID = hex.EncodeToString(hash[:])
	return event, nil
}

func firstTagValue(tags nostr.Tags, name string) (string, bool) {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

func allTagValues(tags nostr.Tags, name string) []string {
	var out []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

func requireKind(event *nostr.Event, want int) error {
	if event.Kind != want {
		return fmt.Errorf("%w: expected kind %d, got %d", mlserrors.ErrInvalidInput, want, event.Kind)
	}
	return nil
}
