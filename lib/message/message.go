// Package message implements the message pipeline spec.md §4.6 names:
// deriving the shared envelope key from the MLS exporter secret, encrypting
// an application rumor into a kind-445 event signed by a fresh one-shot
// keypair, and reversing the process on receipt. Decryption failures (bad
// ciphertext, bad MLS encoding, wrong epoch) are all surfaced as the
// unreadable-envelope sentinel, mlserrors.ErrDecryptFailure; lib/ingest
// records such events as unreadable and keeps no prior-epoch state to
// retry them against.
package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/HORNET-Storage/nostr-mls/lib/wire"
)

// exporterLabel and exporterContext are the fixed label/context spec.md
// §4.6 requires: "derive a 32-byte symmetric secret with exporter label
// 'nostr' and context 'nostr'".
const exporterLabel = "nostr"

var exporterContext = []byte("nostr")

// DeriveConversationKey derives the 32-byte secret every current group
// member computes identically and no one outside the group can compute,
// per spec.md §4.6.
func DeriveConversationKey(engine mls.Engine, state mls.GroupState) ([]byte, error) {
	key, err := engine.Exporter(state, exporterLabel, exporterContext, convkey.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	return key, nil
}

// SerializeRumor JSON-encodes an unsigned application rumor, per spec.md
// §4.6's "Application rumor serialization".
func SerializeRumor(rumor *nostr.Event) ([]byte, error) {
	data, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("serialize rumor: %w", err)
	}
	return data, nil
}

// DeserializeRumor decodes a rumor and validates that it carries every
// field spec.md §4.6 requires, failing with *invalid application data*
// (mlserrors.ErrInvalidInput) otherwise.
func DeserializeRumor(data []byte) (*nostr.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: invalid application data: %v", mlserrors.ErrInvalidInput, err)
	}
	for _, name := range []string{"id", "pubkey", "kind", "created_at", "content", "tags"} {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: invalid application data: missing %s", mlserrors.ErrInvalidInput, name)
		}
	}
	var rumor nostr.Event
	if err := json.Unmarshal(data, &rumor); err != nil {
		return nil, fmt.Errorf("%w: invalid application data: %v", mlserrors.ErrInvalidInput, err)
	}
	if rumor.ID == "" || rumor.PubKey == "" || rumor.Tags == nil {
		return nil, fmt.Errorf("%w: invalid application data: missing required field", mlserrors.ErrInvalidInput)
	}
	return &rumor, nil
}

// Encrypt builds a signed kind-445 event carrying rumor, encrypted under
// the group's current conversation key and signed by a freshly generated
// one-shot keypair, per spec.md §4.6's "Encryption".
func Encrypt(engine mls.Engine, cipher convkey.Cipher, state mls.GroupState, rumor *nostr.Event, createdAt int64) (*nostr.Event, error) {
	rumorJSON, err := SerializeRumor(rumor)
	if err != nil {
		return nil, err
	}

	mlsMessage, err := engine.SignApplication(state, rumorJSON)
	if err != nil {
		return nil, fmt.Errorf("sign application message: %w", err)
	}

	return Envelope(engine, cipher, state, mlsMessage, createdAt)
}

// Envelope wraps an already-signed MLS message (application data, a
// proposal, or a commit) in the kind-445 envelope: encrypt under the
// group's current conversation key, tag with the network group id, and
// sign with a freshly generated one-shot keypair. lib/facade uses this
// directly for proposals and commits, which skip the rumor-serialization
// step Encrypt performs for application data.
func Envelope(engine mls.Engine, cipher convkey.Cipher, state mls.GroupState, mlsMessage []byte, createdAt int64) (*nostr.Event, error) {
	convKey, err := DeriveConversationKey(engine, state)
	if err != nil {
		return nil, err
	}
	ciphertext, err := cipher.Encrypt(convKey, mlsMessage)
	if err != nil {
		return nil, fmt.Errorf("encrypt group message: %w", err)
	}

	groupIDHex := hex.EncodeToString(state.GroupID())
	tags, content := wire.BuildGroupMessageEvent(groupIDHex, ciphertext)

	publisher, err := signing.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate one-shot publisher key: %w", err)
	}
	event, err := wire.Build(publisher.Private, publisher.Public, wire.KindGroupMessage, createdAt, tags, content)
	if err != nil {
		return nil, fmt.Errorf("build group message event: %w", err)
	}
	return event, nil
}

// DecryptEnvelope reverses only the symmetric layer of Encrypt, recovering
// the raw signed MLS message without classifying or applying it. lib/ingest
// uses this to decrypt a whole batch up front (per spec.md §4.7 step 1)
// before sorting and applying commits.
func DecryptEnvelope(engine mls.Engine, cipher convkey.Cipher, state mls.GroupState, event *nostr.Event) ([]byte, error) {
	_, ciphertext, err := wire.ExtractGroupMessageEvent(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mlserrors.ErrDecryptFailure, err)
	}
	convKey, err := DeriveConversationKey(engine, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mlserrors.ErrDecryptFailure, err)
	}
	mlsMessage, err := cipher.Decrypt(convKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mlserrors.ErrDecryptFailure, err)
	}
	return mlsMessage, nil
}

// Decrypt reverses Encrypt: recompute the conversation key, authenticated-
// decrypt the content, and hand the recovered MLS message to engine for
// classification/processing. Any failure along the way (bad ciphertext, bad
// MLS encoding, rejected sender) is wrapped in mlserrors.ErrDecryptFailure,
// except an application payload that is not a valid rumor, which fails with
// DeserializeRumor's mlserrors.ErrInvalidInput.
func Decrypt(engine mls.Engine, cipher convkey.Cipher, state mls.GroupState, event *nostr.Event, admin mls.AdminCallback) (newState mls.GroupState, msgType mls.MessageType, rumor *nostr.Event, err error) {
	mlsMessage, err := DecryptEnvelope(engine, cipher, state, event)
	if err != nil {
		return nil, 0, nil, err
	}

	newState, msgType, appData, err := engine.ProcessIncomingMessage(state, mlsMessage, admin)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %v", mlserrors.ErrDecryptFailure, err)
	}
	if msgType != mls.MessageApplication {
		return newState, msgType, nil, nil
	}

	rumor, err = DeserializeRumor(appData)
	if err != nil {
		return nil, 0, nil, err
	}
	return newState, msgType, rumor, nil
}
