package welcome

import (
	"errors"
	"testing"
	"time"

	"github.com/HORNET-Storage/nostr-mls/lib/giftwrap"
	"github.com/HORNET-Storage/nostr-mls/lib/groupdata"
	"github.com/HORNET-Storage/nostr-mls/lib/keypackage"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/HORNET-Storage/nostr-mls/lib/stores/kvp"
)

type memoryBucket struct {
	data map[string][]byte
}

func newMemoryBucket() *memoryBucket { return &memoryBucket{data: map[string][]byte{}} }

func (m *memoryBucket) GetPrefix() string { return "test" }
func (m *memoryBucket) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}
func (m *memoryBucket) Put(key string, value []byte) error {
	m.data[key] = value
	return nil
}
func (m *memoryBucket) Delete(keys []string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
func (m *memoryBucket) Scan() (kvp.Iterator, error) { return nil, nil }

var errNotFound = errors.New("not found")

func TestDispatchAndJoinRoundTrip(t *testing.T) {
	engine := mls.NewDefaultEngine()

	creatorID := make([]byte, 32)
	creatorID[0] = 0x01
	creatorKp, creatorPriv, err := engine.GenerateKeyPackage(mls.Credential{Type: mls.CredentialTypeBasic, Identity: creatorID}, mls.Suite1, 3600, nil)
	if err != nil {
		t.Fatalf("GenerateKeyPackage creator: %v", err)
	}

	var groupID [32]byte
	groupID[0] = 0xAA
	data := &groupdata.Data{Version: groupdata.Version, GroupID: groupID, Name: "g", AdminPubkeys: []string{}, Relays: []string{"wss://group-relay.example.com"}}
	ext := mls.Extension{Type: mls.GroupDataExtensionType, Data: groupdata.Encode(data)}
	state, err := engine.CreateGroup(groupID[:], creatorKp, creatorPriv, []mls.Extension{ext})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	joinerID := make([]byte, 32)
	joinerID[0] = 0x02
	joinerKp, joinerPriv, err := engine.GenerateKeyPackage(mls.Credential{Type: mls.CredentialTypeBasic, Identity: joinerID}, mls.Suite1, 3600, nil)
	if err != nil {
		t.Fatalf("GenerateKeyPackage joiner: %v", err)
	}
	ref, err := engine.KeyPackageRef(joinerKp)
	if err != nil {
		t.Fatalf("KeyPackageRef: %v", err)
	}

	bucket := newMemoryBucket()
	store := keypackage.NewBucketStore(engine, bucket)
	if err := store.Add(joinerKp, joinerPriv, ref); err != nil {
		t.Fatalf("store.Add: %v", err)
	}

	addProposal, err := engine.CreateAddProposal(state, joinerKp)
	if err != nil {
		t.Fatalf("CreateAddProposal: %v", err)
	}
	_, _, welcomes, err := engine.CreateCommit(state, [][]byte{addProposal})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if len(welcomes) != 1 {
		t.Fatalf("expected 1 welcome, got %d", len(welcomes))
	}

	sender, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair sender: %v", err)
	}
	recipient, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair recipient: %v", err)
	}

	sealer := giftwrap.NewDefaultSealer()
	wrap, err := Dispatch(sealer, engine, welcomes[0], "keypackage-event-id", nil, data.Relays, sender, recipient.Public, time.Now().Unix())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	joinedState, err := Join(sealer, engine, store, wrap, recipient.Private)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joinedState.Epoch() == 0 {
		t.Errorf("expected joined state to reflect the post-commit epoch, got 0")
	}
}

func TestDispatchFallsBackToGroupRelaysWhenDiscoveryEmpty(t *testing.T) {
	relays := relayHints(nil, []string{"wss://group-relay.example.com"})
	if len(relays) != 1 || relays[0] != "wss://group-relay.example.com" {
		t.Errorf("expected fallback to group relays, got %v", relays)
	}
}
