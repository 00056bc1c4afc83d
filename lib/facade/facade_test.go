package facade

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/giftwrap"
	"github.com/HORNET-Storage/nostr-mls/lib/group"
	"github.com/HORNET-Storage/nostr-mls/lib/groupdata"
	"github.com/HORNET-Storage/nostr-mls/lib/keypackage"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/network"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/HORNET-Storage/nostr-mls/lib/stores/kvp"
	"github.com/HORNET-Storage/nostr-mls/lib/welcome"
)

type memoryBucket struct {
	data map[string][]byte
}

func newMemoryBucket() *memoryBucket { return &memoryBucket{data: map[string][]byte{}} }

func (b *memoryBucket) GetPrefix() string { return "" }

func (b *memoryBucket) Get(key string) ([]byte, error) {
	v, ok := b.data[key]
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}

func (b *memoryBucket) Put(key string, value []byte) error {
	b.data[key] = value
	return nil
}

func (b *memoryBucket) Delete(keys []string) error {
	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

func (b *memoryBucket) Scan() (kvp.Iterator, error) { return nil, nil }

var errNotFound = errNotFoundErr{}

type errNotFoundErr struct{}

func (errNotFoundErr) Error() string { return "not found" }

type stubPublisher struct {
	published []*nostr.Event
	inboxes   map[string][]string
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{inboxes: map[string][]string{}}
}

func (p *stubPublisher) Publish(ctx context.Context, relays []string, event *nostr.Event) ([]network.PublishResult, error) {
	p.published = append(p.published, event)
	return []network.PublishResult{{Relay: "wss://stub.example.com"}}, nil
}

func (p *stubPublisher) GetUserInboxRelays(ctx context.Context, identity string) ([]string, error) {
	return p.inboxes[identity], nil
}

var _ network.Publisher = (*stubPublisher)(nil)

func testGroupData(admins ...string) *groupdata.Data {
	var gid [groupdata.GroupIDSize]byte
	for i := range gid {
		gid[i] = byte(i + 1)
	}
	return &groupdata.Data{
		Version:      groupdata.Version,
		GroupID:      gid,
		Name:         "facade test group",
		AdminPubkeys: admins,
		Relays:       []string{"wss://relay.example.com"},
	}
}

func testKeyPackage(t *testing.T, engine mls.Engine, identityByte byte) (*mls.KeyPackage, *mls.PrivateKeyPackage) {
	t.Helper()
	var identity [32]byte
	identity[0] = identityByte
	cred := mls.Credential{Type: mls.CredentialTypeBasic, Identity: identity[:]}
	kp, priv, _, err := keypackage.Generate(engine, cred, mls.Suite1, 0, nil)
	if err != nil {
		t.Fatalf("keypackage.Generate: %v", err)
	}
	return kp, priv
}

// testKeyPackageForIdentity builds a key package whose credential wraps
// identity's real schnorr-serialized pubkey, so that an event published by
// identity passes Facade.InviteByKeyPackageEvent's credential check.
func testKeyPackageForIdentity(t *testing.T, engine mls.Engine, identity *signing.Keypair) (*mls.KeyPackage, *mls.PrivateKeyPackage) {
	t.Helper()
	cred := mls.Credential{Type: mls.CredentialTypeBasic, Identity: schnorr.SerializePubKey(identity.Public)}
	kp, priv, _, err := keypackage.Generate(engine, cred, mls.Suite1, 0, nil)
	if err != nil {
		t.Fatalf("keypackage.Generate: %v", err)
	}
	return kp, priv
}

func newTestFacade(t *testing.T, engine mls.Engine) (*Facade, *stubPublisher, *signing.Keypair) {
	t.Helper()
	creatorKp, creatorPriv := testKeyPackage(t, engine, 1)

	identity, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	adminHex, err := signing.SerializePublicKey(identity.Public)
	if err != nil {
		t.Fatalf("SerializePublicKey: %v", err)
	}

	state, err := group.Create(engine, creatorKp, creatorPriv, testGroupData(*adminHex), nil)
	if err != nil {
		t.Fatalf("group.Create: %v", err)
	}

	pub := newStubPublisher()

	f := New(Config{
		Engine:     engine,
		Cipher:     convkey.ChaCha20Poly1305Cipher{},
		Sealer:     giftwrap.NewDefaultSealer(),
		Net:        pub,
		StateStore: newMemoryBucket(),
		Identity:   identity,
	}, state)
	return f, pub, identity
}

func TestSendApplicationRumorPublishes(t *testing.T) {
	engine := mls.NewDefaultEngine()
	f, pub, _ := newTestFacade(t, engine)

	event, err := f.SendApplicationRumor(context.Background(), 9, nostr.Tags{}, "hello group", 1000)
	if err != nil {
		t.Fatalf("SendApplicationRumor: %v", err)
	}
	if event.Kind != 445 {
		t.Fatalf("expected kind 445, got %d", event.Kind)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.published))
	}
}

func TestSaveWritesThroughStateStore(t *testing.T) {
	engine := mls.NewDefaultEngine()
	f, _, _ := newTestFacade(t, engine)

	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	bucket := f.stateStore.(*memoryBucket)
	if len(bucket.data) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(bucket.data))
	}
}

func TestDestroyRemovesFromStoreAndEmits(t *testing.T) {
	engine := mls.NewDefaultEngine()
	f, _, _ := newTestFacade(t, engine)

	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var destroyed bool
	f.Destroyed.On(func(struct{}) { destroyed = true })

	if err := f.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !destroyed {
		t.Fatal("expected Destroyed signal to fire")
	}

	bucket := f.stateStore.(*memoryBucket)
	if len(bucket.data) != 0 {
		t.Fatalf("expected state store emptied, got %d entries", len(bucket.data))
	}

	if _, err := f.SendApplicationRumor(context.Background(), 9, nostr.Tags{}, "x", 1000); err == nil {
		t.Fatal("expected operations on a destroyed facade to error")
	}
}

func TestInviteByKeyPackageEventRejectsMismatchedPublisher(t *testing.T) {
	engine := mls.NewDefaultEngine()
	f, _, _ := newTestFacade(t, engine)

	joinerKp, _ := testKeyPackage(t, engine, 2)
	tags, content := keypackage.BuildPublicationEvent(engine, joinerKp, nil, "", 1000)
	event := &nostr.Event{
		PubKey:  "not-the-credential-identity",
		Kind:    443,
		Tags:    tags,
		Content: content,
	}

	if _, err := f.InviteByKeyPackageEvent(context.Background(), event, 1000); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestIngestEmptyBatchIsNoop(t *testing.T) {
	engine := mls.NewDefaultEngine()
	f, _, _ := newTestFacade(t, engine)

	var changed bool
	f.StateChanged.On(func(mls.GroupState) { changed = true })

	result, err := f.Ingest(context.Background(), nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.Applications) != 0 || len(result.Unreadable) != 0 {
		t.Fatal("expected no-op result for empty batch")
	}
	if changed {
		t.Fatal("expected no StateChanged emission for an empty batch")
	}
}

func TestInviteByKeyPackageEventDispatchesJoinableWelcome(t *testing.T) {
	engine := mls.NewDefaultEngine()
	f, pub, _ := newTestFacade(t, engine)

	joinerIdentity, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	joinerKp, joinerPriv := testKeyPackageForIdentity(t, engine, joinerIdentity)
	joinerBucket := newMemoryBucket()
	joinerStore := keypackage.NewBucketStore(engine, joinerBucket)
	ref, err := engine.KeyPackageRef(joinerKp)
	if err != nil {
		t.Fatalf("KeyPackageRef: %v", err)
	}
	if err := joinerStore.Add(joinerKp, joinerPriv, ref); err != nil {
		t.Fatalf("joinerStore.Add: %v", err)
	}

	tags, content := keypackage.BuildPublicationEvent(engine, joinerKp, nil, "", 1000)
	joinerPubHex, err := signing.SerializePublicKey(joinerIdentity.Public)
	if err != nil {
		t.Fatalf("SerializePublicKey: %v", err)
	}
	kpEvent := &nostr.Event{
		ID:      "kp-event-id",
		PubKey:  *joinerPubHex,
		Kind:    443,
		Tags:    tags,
		Content: content,
	}

	var committed bool
	f.StateChanged.On(func(mls.GroupState) { committed = true })

	result, err := f.InviteByKeyPackageEvent(context.Background(), kpEvent, 2000)
	if err != nil {
		t.Fatalf("InviteByKeyPackageEvent: %v", err)
	}
	if !committed {
		t.Fatal("expected StateChanged to fire on successful commit")
	}
	if len(result.Welcomes) != 1 {
		t.Fatalf("expected 1 dispatched welcome, got %d", len(result.Welcomes))
	}

	sealer := giftwrap.NewDefaultSealer()
	joinerState, err := welcome.Join(sealer, engine, joinerStore, result.Welcomes[0], joinerIdentity.Private)
	if err != nil {
		t.Fatalf("welcome.Join: %v", err)
	}
	if joinerState.Epoch() != f.State().Epoch() {
		t.Fatalf("joiner epoch %d does not match group epoch %d", joinerState.Epoch(), f.State().Epoch())
	}
	if len(pub.published) == 0 {
		t.Fatal("expected at least the commit event to be published")
	}
}

func TestProposeAddThenCommitAddsMember(t *testing.T) {
	engine := mls.NewDefaultEngine()
	f, _, _ := newTestFacade(t, engine)
	before := f.MemberCount()

	joinerIdentity, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	joinerKp, _ := testKeyPackageForIdentity(t, engine, joinerIdentity)

	if _, err := f.ProposeAdd(context.Background(), joinerKp, 1000); err != nil {
		t.Fatalf("ProposeAdd: %v", err)
	}

	result, err := f.Commit(context.Background(), nil, 2000)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Event.Kind != 445 {
		t.Fatalf("expected commit envelope kind 445, got %d", result.Event.Kind)
	}
	if f.MemberCount() != before+1 {
		t.Fatalf("expected member count %d, got %d", before+1, f.MemberCount())
	}
}

// inviteByKeyPackage builds a fresh identity and key package for identity,
// wraps it in a kind-443 publication event, and has creator invite it,
// returning the CommitResult and the identity's own Keypair so a caller can
// join the resulting welcome.
func inviteByKeyPackage(t *testing.T, creator *Facade, engine mls.Engine, eventID string, createdAt int64) (*CommitResult, *signing.Keypair) {
	t.Helper()
	identity, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	kp, _ := testKeyPackageForIdentity(t, engine, identity)
	pubHex, err := signing.SerializePublicKey(identity.Public)
	if err != nil {
		t.Fatalf("SerializePublicKey: %v", err)
	}
	tags, content := keypackage.BuildPublicationEvent(engine, kp, nil, "", createdAt)
	event := &nostr.Event{ID: eventID, PubKey: *pubHex, Kind: 443, Tags: tags, Content: content}

	result, err := creator.InviteByKeyPackageEvent(context.Background(), event, createdAt)
	if err != nil {
		t.Fatalf("InviteByKeyPackageEvent: %v", err)
	}
	return result, identity
}

// TestIngestAppliesForeignCommitFromInviteByKeyPackageEvent is spec.md §8
// Scenario 1's core round trip: Creator invites a new member while A, an
// existing member, never separately sees the add proposal as its own
// standalone event — only the resulting commit, the way a relay-delivered
// kind-445 backlog actually arrives. A must be able to apply that commit,
// and the group's subsequent broadcast, from the commit event alone.
func TestIngestAppliesForeignCommitFromInviteByKeyPackageEvent(t *testing.T) {
	engine := mls.NewDefaultEngine()
	creator, _, _ := newTestFacade(t, engine)

	inviteA, aIdentity := inviteByKeyPackage(t, creator, engine, "a-kp-event", 1000)
	if len(inviteA.Welcomes) != 1 {
		t.Fatalf("expected 1 welcome for A, got %d", len(inviteA.Welcomes))
	}

	sealer := giftwrap.NewDefaultSealer()
	aBucket := newMemoryBucket()
	aStore := keypackage.NewBucketStore(engine, aBucket)
	aState, err := welcome.Join(sealer, engine, aStore, inviteA.Welcomes[0], aIdentity.Private)
	if err != nil {
		t.Fatalf("welcome.Join(A): %v", err)
	}

	a := New(Config{
		Engine:     engine,
		Cipher:     convkey.ChaCha20Poly1305Cipher{},
		Sealer:     sealer,
		Net:        newStubPublisher(),
		StateStore: newMemoryBucket(),
		Identity:   aIdentity,
	}, aState)

	if a.Epoch() != creator.Epoch() {
		t.Fatalf("A's epoch %d does not match creator's %d right after joining", a.Epoch(), creator.Epoch())
	}

	// Creator now invites a second member, B. A never separately ingests B's
	// standalone add proposal as its own kind-445 event — only this commit.
	inviteB, _ := inviteByKeyPackage(t, creator, engine, "b-kp-event", 2000)

	var aChanged bool
	a.StateChanged.On(func(mls.GroupState) { aChanged = true })

	result, err := a.Ingest(context.Background(), []*nostr.Event{inviteB.Event})
	if err != nil {
		t.Fatalf("A.Ingest(invite-B commit): %v", err)
	}
	if len(result.Unreadable) != 0 {
		t.Fatalf("expected A to apply the foreign commit directly, got unreadable: %v", result.Unreadable)
	}
	if !aChanged {
		t.Fatal("expected StateChanged to fire on A after ingesting the commit")
	}
	if a.Epoch() != creator.Epoch() {
		t.Fatalf("A's epoch %d does not match creator's %d after ingesting the invite-B commit", a.Epoch(), creator.Epoch())
	}
	if a.MemberCount() != creator.MemberCount() {
		t.Fatalf("A's member count %d does not match creator's %d after ingesting the invite-B commit", a.MemberCount(), creator.MemberCount())
	}

	// Creator broadcasts an application message; A must decrypt it under the
	// epoch secret it derived from applying the invite-B commit above.
	broadcast, err := creator.SendApplicationRumor(context.Background(), 9, nostr.Tags{}, "broadcast", 3000)
	if err != nil {
		t.Fatalf("SendApplicationRumor: %v", err)
	}
	appResult, err := a.Ingest(context.Background(), []*nostr.Event{broadcast})
	if err != nil {
		t.Fatalf("A.Ingest(broadcast): %v", err)
	}
	if len(appResult.Applications) != 1 || appResult.Applications[0].Content != "broadcast" {
		t.Fatalf("expected A to decrypt the broadcast application message, got %+v", appResult.Applications)
	}
}
