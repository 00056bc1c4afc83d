package keypackage

import (
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/stores/kvp"
)

// memoryBucket is a minimal in-memory kvp.KeyValueStoreBucket double, used
// in place of the bbolt-backed bucket so these tests don't need a database
// file on disk.
type memoryBucket struct {
	data map[string][]byte
}

func newMemoryBucket() *memoryBucket {
	return &memoryBucket{data: map[string][]byte{}}
}

func (m *memoryBucket) GetPrefix() string { return "test" }

func (m *memoryBucket) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("not found: %s", key)
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

func (m *memoryBucket) Scan() (kvp.Iterator, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return &memoryIterator{keys: keys, bucket: m, pos: -1}, nil
}

type memoryIterator struct {
	keys   []string
	bucket *memoryBucket
	pos    int
}

func (it *memoryIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memoryIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memoryIterator) Value() []byte { return it.bucket.data[it.keys[it.pos]] }
func (it *memoryIterator) Error() error  { return nil }
func (it *memoryIterator) Close() error  { return nil }

func testCredential(identity byte) mls.Credential {
	id := make([]byte, 32)
	id[0] = identity
	return mls.Credential{Type: mls.CredentialTypeBasic, Identity: id}
}

func TestGenerateIncludesRequiredExtensions(t *testing.T) {
	engine := mls.NewDefaultEngine()
	kp, priv, ref, err := Generate(engine, testCredential(1), mls.Suite1, 0, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if priv == nil || len(ref) == 0 {
		t.Fatal("expected private key package and non-empty reference")
	}

	found := map[mls.ExtensionType]bool{}
	for _, ext := range kp.Extensions {
		found[ext.Type] = true
	}
	if !found[mls.GroupDataExtensionType] || !found[mls.LastResortExtensionType] {
		t.Errorf("expected required extensions present, got %+v", kp.Extensions)
	}
	if kp.Lifetime.NotAfter-kp.Lifetime.NotBefore != DefaultLifetimeSeconds {
		t.Errorf("expected default lifetime, got %+v", kp.Lifetime)
	}
}

func TestBucketStoreAddGetRemove(t *testing.T) {
	engine := mls.NewDefaultEngine()
	kp, priv, ref, err := Generate(engine, testCredential(2), mls.Suite1, 0, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	store := NewBucketStore(engine, newMemoryBucket())
	if err := store.Add(kp, priv, ref); err != nil {
		t.Fatalf("Add: %v", err)
	}

	gotKP, gotPriv, err := store.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotKP.CipherSuite != kp.CipherSuite {
		t.Errorf("cipher suite mismatch")
	}
	if string(gotPriv.InitPrivate) != string(priv.InitPrivate) {
		t.Errorf("private init key mismatch")
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 listed key package, got %d", len(list))
	}

	if err := store.Remove(ref); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := store.Get(ref); err == nil {
		t.Fatal("expected error after removal")
	}
}

func TestPublicationEventRoundTrip(t *testing.T) {
	engine := mls.NewDefaultEngine()
	kp, _, _, err := Generate(engine, testCredential(3), mls.Suite1, 0, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tags, content := BuildPublicationEvent(engine, kp, []string{"wss://relay.example.com"}, "test-client", 0)
	event := &nostr.Event{Kind: 443, Tags: tags, Content: content}

	extracted, err := ExtractKeyPackage(engine, event)
	if err != nil {
		t.Fatalf("ExtractKeyPackage: %v", err)
	}
	if extracted.CipherSuite != kp.CipherSuite {
		t.Errorf("cipher suite mismatch after round trip")
	}
}

func TestDeletionEventTags(t *testing.T) {
	tags := BuildDeletionEvent([]string{"ev1", "ev2"})
	if len(tags) != 3 {
		t.Fatalf("expected 3 tags (k + 2 e), got %d", len(tags))
	}
}
