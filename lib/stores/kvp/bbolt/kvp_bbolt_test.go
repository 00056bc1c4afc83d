package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/HORNET-Storage/nostr-mls/lib/client"
	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/giftwrap"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/network"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/nbd-wtf/go-nostr"
)

func TestBucketPutGetDelete(t *testing.T) {
	db, err := InitBuckets(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("InitBuckets: %v", err)
	}
	defer db.Cleanup()

	b := db.GetBucket("widgets")
	if err := b.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := b.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("expected %q, got %q", "1", v)
	}

	if err := b.Delete([]string{"a"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get("a"); err == nil {
		t.Fatal("expected error after delete")
	}

	found := false
	for _, p := range db.GetBucketList() {
		if p == "widgets" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected bucket list to contain \"widgets\"")
	}
}

func TestBucketScanIteratesAllKeys(t *testing.T) {
	db, err := InitBuckets(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("InitBuckets: %v", err)
	}
	defer db.Cleanup()

	b := db.GetBucket("scan-bucket")
	want := map[string]string{"k1": "v1", "k2": "v2", "k3": "v3"}
	for k, v := range want {
		if err := b.Put(k, []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	it, err := b.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer it.Close()

	got := map[string]string{}
	for it.Next() {
		got[string(it.Key())] = string(it.Value())
	}
	if it.Error() != nil {
		t.Fatalf("iterator error: %v", it.Error())
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d (%v)", len(want), len(got), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %s: expected %q, got %q", k, v, got[k])
		}
	}
}

type stubPublisher struct{}

func (stubPublisher) Publish(ctx context.Context, relays []string, event *nostr.Event) ([]network.PublishResult, error) {
	return []network.PublishResult{{Relay: "wss://stub.example.com"}}, nil
}

func (stubPublisher) GetUserInboxRelays(ctx context.Context, identity string) ([]string, error) {
	return nil, nil
}

// TestClientOverBboltStoresPersistsAcrossReopen wires the bbolt-backed
// buckets into lib/client, the production pairing spec.md §6 calls for,
// rather than the in-memory doubles lib/client's own tests use, and checks
// that a created group survives a process-boundary-style reopen of the
// underlying database file.
func TestClientOverBboltStoresPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "client.db")
	identity, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	db, err := InitBuckets(dbPath)
	if err != nil {
		t.Fatalf("InitBuckets: %v", err)
	}

	c := client.New(client.Config{
		Engine:          mls.NewDefaultEngine(),
		Cipher:          convkey.ChaCha20Poly1305Cipher{},
		Sealer:          giftwrap.NewDefaultSealer(),
		Net:             stubPublisher{},
		GroupStore:      db.GetBucket("groups"),
		KeyPackageStore: db.GetBucket("keypackages"),
		Identity:        identity,
	})

	fc, err := c.CreateGroup(context.Background(), "durable group", client.CreateGroupOptions{
		Relays: []string{"wss://relay.example.com"},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	id := fc.GroupID()

	if err := db.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	reopened, err := InitBuckets(dbPath)
	if err != nil {
		t.Fatalf("InitBuckets (reopen): %v", err)
	}
	defer reopened.Cleanup()

	c2 := client.New(client.Config{
		Engine:          mls.NewDefaultEngine(),
		Cipher:          convkey.ChaCha20Poly1305Cipher{},
		Sealer:          giftwrap.NewDefaultSealer(),
		Net:             stubPublisher{},
		GroupStore:      reopened.GetBucket("groups"),
		KeyPackageStore: reopened.GetBucket("keypackages"),
		Identity:        identity,
	})

	loaded, err := c2.GetGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("GetGroup after reopen: %v", err)
	}
	if loaded.Epoch() != fc.Epoch() {
		t.Fatalf("expected epoch %d, got %d", fc.Epoch(), loaded.Epoch())
	}
}
