package ingest

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/groupdata"
	"github.com/HORNET-Storage/nostr-mls/lib/message"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/HORNET-Storage/nostr-mls/lib/wire"
)

func acceptAll(uint32, mls.GroupState) mls.AdminDecision { return mls.AdminDecision{Accept: true} }

func newSingleMemberGroup(t *testing.T, engine mls.Engine) (mls.GroupState, *mls.KeyPackage, *mls.PrivateKeyPackage) {
	t.Helper()
	id := make([]byte, 32)
	id[0] = 0x01
	kp, priv, err := engine.GenerateKeyPackage(mls.Credential{Type: mls.CredentialTypeBasic, Identity: id}, mls.Suite1, 3600, nil)
	if err != nil {
		t.Fatalf("GenerateKeyPackage: %v", err)
	}
	var groupID [32]byte
	groupID[0] = 0xAA
	data := &groupdata.Data{Version: groupdata.Version, GroupID: groupID, Name: "g", AdminPubkeys: []string{}, Relays: []string{}}
	ext := mls.Extension{Type: mls.GroupDataExtensionType, Data: groupdata.Encode(data)}

	state, err := engine.CreateGroup(groupID[:], kp, priv, []mls.Extension{ext})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return state, kp, priv
}

func buildApplicationEvent(t *testing.T, engine mls.Engine, cipher convkey.Cipher, state mls.GroupState, content string, createdAt int64) *nostr.Event {
	t.Helper()
	senderKeypair, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	rumor, err := wire.BuildUnsigned(senderKeypair.PublicHex(), 9, createdAt, nostr.Tags{}, content)
	if err != nil {
		t.Fatalf("BuildUnsigned: %v", err)
	}
	event, err := message.Encrypt(engine, cipher, state, rumor, createdAt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return event
}

func TestIngestCollectsApplicationMessagesInBatchOrder(t *testing.T) {
	engine := mls.NewDefaultEngine()
	state, _, _ := newSingleMemberGroup(t, engine)
	cipher := convkey.ChaCha20Poly1305Cipher{}

	now := time.Now().Unix()
	events := []*nostr.Event{
		buildApplicationEvent(t, engine, cipher, state, "first", now),
		buildApplicationEvent(t, engine, cipher, state, "second", now+1),
	}

	result, err := Ingest(engine, cipher, state, acceptAll, events, 0, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.Unreadable) != 0 {
		t.Fatalf("expected no unreadable events, got %+v", result.Unreadable)
	}
	if len(result.Applications) != 2 {
		t.Fatalf("expected 2 application messages, got %d", len(result.Applications))
	}
	if result.Applications[0].Content != "first" || result.Applications[1].Content != "second" {
		t.Errorf("unexpected application order: %+v", result.Applications)
	}
}

func TestIngestCollectsUnreadableEvents(t *testing.T) {
	engine := mls.NewDefaultEngine()
	state, _, _ := newSingleMemberGroup(t, engine)
	cipher := convkey.ChaCha20Poly1305Cipher{}

	garbled := &nostr.Event{Kind: 445, Tags: nostr.Tags{{"h", "deadbeef"}}, Content: "not-valid-base64-ciphertext!!", ID: "bad-event"}

	result, err := Ingest(engine, cipher, state, acceptAll, []*nostr.Event{garbled}, 0, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.Unreadable) != 1 {
		t.Fatalf("expected 1 unreadable event, got %d", len(result.Unreadable))
	}
	if result.Unreadable[0].EventID != "bad-event" {
		t.Errorf("unexpected unreadable event id: %q", result.Unreadable[0].EventID)
	}
}

func TestIngestPersistsOnCommit(t *testing.T) {
	engine := mls.NewDefaultEngine()
	state, _, _ := newSingleMemberGroup(t, engine)
	cipher := convkey.ChaCha20Poly1305Cipher{}

	joinerID := make([]byte, 32)
	joinerID[0] = 0x02
	joinerKp, _, err := engine.GenerateKeyPackage(mls.Credential{Type: mls.CredentialTypeBasic, Identity: joinerID}, mls.Suite1, 3600, nil)
	if err != nil {
		t.Fatalf("GenerateKeyPackage joiner: %v", err)
	}
	addProposal, err := engine.CreateAddProposal(state, joinerKp)
	if err != nil {
		t.Fatalf("CreateAddProposal: %v", err)
	}
	signedProposal, err := engine.SignProposal(state, addProposal)
	if err != nil {
		t.Fatalf("SignProposal: %v", err)
	}
	pendingState, _, _, err := engine.ProcessIncomingMessage(state, signedProposal, acceptAll)
	if err != nil {
		t.Fatalf("pending proposal ingest: %v", err)
	}

	_, commitMsg, _, err := engine.CreateCommit(pendingState, nil)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	convKey, err := message.DeriveConversationKey(engine, pendingState)
	if err != nil {
		t.Fatalf("DeriveConversationKey: %v", err)
	}
	ciphertext, err := cipher.Encrypt(convKey, commitMsg)
	if err != nil {
		t.Fatalf("Encrypt commit: %v", err)
	}
	tags, content := wire.BuildGroupMessageEvent("aa", ciphertext)
	publisher, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	event, err := wire.Build(publisher.Private, publisher.Public, wire.KindGroupMessage, time.Now().Unix(), tags, content)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	saved := 0
	result, err := Ingest(engine, cipher, pendingState, acceptAll, []*nostr.Event{event}, 0, func(mls.GroupState) error {
		saved++
		return nil
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if saved != 1 {
		t.Errorf("expected save to be called once, got %d", saved)
	}
	if result.State.Epoch() == pendingState.Epoch() {
		t.Errorf("expected epoch to advance after commit ingestion")
	}
}
