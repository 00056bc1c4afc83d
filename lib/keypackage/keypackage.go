// Package keypackage implements the key-package subsystem spec.md §4.4
// names: generation with the required capability/extension set, reference
// hashing via lib/mls, a pluggable custody store, and the kind-443/kind-5
// nostr envelopes built on lib/wire.
package keypackage

import (
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/encoding"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
	"github.com/HORNET-Storage/nostr-mls/lib/stores/kvp"
	"github.com/HORNET-Storage/nostr-mls/lib/wire"
)

// DefaultLifetimeSeconds is spec.md §4.4's default key-package validity
// window: 90 days.
const DefaultLifetimeSeconds = 90 * 24 * 60 * 60

// requiredExtensions is merged into every generated key package's
// capabilities and extension list, per spec.md §4.4.
var requiredExtensions = []mls.Extension{
	{Type: mls.GroupDataExtensionType},
	{Type: mls.LastResortExtensionType},
}

// Generate builds a complete key package for cred under suite, declaring
// the required group-data and last-resort extensions plus any caller-
// supplied extras, valid for lifetimeSeconds from now (DefaultLifetimeSeconds
// if zero).
func Generate(engine mls.Engine, cred mls.Credential, suite mls.Suite, lifetimeSeconds uint64, extra []mls.Extension) (*mls.KeyPackage, *mls.PrivateKeyPackage, []byte, error) {
	if lifetimeSeconds == 0 {
		lifetimeSeconds = DefaultLifetimeSeconds
	}
	extensions := append(append([]mls.Extension{}, requiredExtensions...), extra...)

	kp, priv, err := engine.GenerateKeyPackage(cred, suite, lifetimeSeconds, extensions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate key package: %w", err)
	}
	ref, err := engine.KeyPackageRef(kp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("compute key package reference: %w", err)
	}
	return kp, priv, ref, nil
}

// Store is the key-package custody store's contract (spec.md §4.4): the
// private part leaves the store only via Get, and is never serialized into
// any event.
type Store interface {
	Add(kp *mls.KeyPackage, priv *mls.PrivateKeyPackage, ref []byte) error
	Remove(ref []byte) error
	Get(ref []byte) (*mls.KeyPackage, *mls.PrivateKeyPackage, error)
	List() ([]*mls.KeyPackage, error)
}

// BucketStore is the default Store, backed by a kvp.KeyValueStoreBucket
// (e.g. the teacher's bbolt-backed bucket). Each reference occupies two
// keys: "<ref-hex>:pub" and "<ref-hex>:priv".
type BucketStore struct {
	engine mls.Engine
	bucket kvp.KeyValueStoreBucket
}

func NewBucketStore(engine mls.Engine, bucket kvp.KeyValueStoreBucket) *BucketStore {
	return &BucketStore{engine: engine, bucket: bucket}
}

var _ Store = (*BucketStore)(nil)

func refHex(ref []byte) string {
	return hex.EncodeToString(ref)
}

func (s *BucketStore) Add(kp *mls.KeyPackage, priv *mls.PrivateKeyPackage, ref []byte) error {
	key := refHex(ref)
	if err := s.bucket.Put(key+":pub", kp.Raw); err != nil {
		return fmt.Errorf("%w: store public key package: %v", mlserrors.ErrStorageFailure, err)
	}
	if err := s.bucket.Put(key+":priv", encodePrivate(priv)); err != nil {
		return fmt.Errorf("%w: store private key package: %v", mlserrors.ErrStorageFailure, err)
	}
	return nil
}

func (s *BucketStore) Remove(ref []byte) error {
	key := refHex(ref)
	if err := s.bucket.Delete([]string{key + ":pub", key + ":priv"}); err != nil {
		return fmt.Errorf("%w: remove key package: %v", mlserrors.ErrStorageFailure, err)
	}
	return nil
}

func (s *BucketStore) Get(ref []byte) (*mls.KeyPackage, *mls.PrivateKeyPackage, error) {
	key := refHex(ref)
	pubRaw, err := s.bucket.Get(key + ":pub")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key package not found: %v", mlserrors.ErrStorageFailure, err)
	}
	privRaw, err := s.bucket.Get(key + ":priv")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: private key package not found: %v", mlserrors.ErrStorageFailure, err)
	}
	kp, err := s.engine.DecodeKeyPackage(pubRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode stored key package: %v", mlserrors.ErrDecodeFailure, err)
	}
	priv, err := decodePrivate(privRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode stored private key package: %v", mlserrors.ErrDecodeFailure, err)
	}
	return kp, priv, nil
}

func (s *BucketStore) List() ([]*mls.KeyPackage, error) {
	iter, err := s.bucket.Scan()
	if err != nil {
		return nil, fmt.Errorf("%w: scan key package bucket: %v", mlserrors.ErrStorageFailure, err)
	}
	defer iter.Close()

	var out []*mls.KeyPackage
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < 4 || key[len(key)-4:] != ":pub" {
			continue
		}
		kp, err := s.engine.DecodeKeyPackage(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%w: decode listed key package: %v", mlserrors.ErrDecodeFailure, err)
		}
		out = append(out, kp)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterate key package bucket: %v", mlserrors.ErrStorageFailure, err)
	}
	return out, nil
}

func encodePrivate(priv *mls.PrivateKeyPackage) []byte {
	var buf []byte
	buf = encoding.WriteBytes(buf, priv.InitPrivate)
	buf = encoding.WriteBytes(buf, priv.LeafPrivate)
	buf = encoding.WriteBytes(buf, priv.SigPrivate)
	buf = encoding.WriteBytes(buf, priv.Raw)
	return buf
}

func decodePrivate(data []byte) (*mls.PrivateKeyPackage, error) {
	initPriv, rest, err := encoding.ReadBytes(data, 0)
	if err != nil {
		return nil, err
	}
	leafPriv, rest2, err := encoding.ReadBytes(data, rest)
	if err != nil {
		return nil, err
	}
	sigPriv, rest3, err := encoding.ReadBytes(data, rest2)
	if err != nil {
		return nil, err
	}
	raw, _, err := encoding.ReadBytes(data, rest3)
	if err != nil {
		return nil, err
	}
	return &mls.PrivateKeyPackage{InitPrivate: initPriv, LeafPrivate: leafPriv, SigPrivate: sigPriv, Raw: raw}, nil
}

// nonGreaseExtensionHex returns the hex-encoded type of every extension in
// kp whose type is not a GREASE value (spec.md §4.4: "minus any grease
// values").
func nonGreaseExtensionHex(kp *mls.KeyPackage) []string {
	seen := map[mls.ExtensionType]bool{}
	var hexes []string
	add := func(t mls.ExtensionType) {
		if mls.IsGrease(t) || seen[t] {
			return
		}
		seen[t] = true
		hexes = append(hexes, fmt.Sprintf("%04x", uint16(t)))
	}
	for _, ext := range kp.Extensions {
		add(ext.Type)
	}
	for _, t := range kp.Capabilities.Extensions {
		add(t)
	}
	return hexes
}

// BuildPublicationEvent builds the unsigned kind-443 tags/content for kp,
// per spec.md §4.4's createEvent.
func BuildPublicationEvent(engine mls.Engine, kp *mls.KeyPackage, relays []string, client string, createdAt int64) (nostr.Tags, string) {
	raw := kp.Raw
	return wire.BuildKeyPackageEvent(
		"1.0",
		fmt.Sprintf("%04x", uint16(kp.CipherSuite)),
		nonGreaseExtensionHex(kp),
		raw,
		relays,
		client,
		createdAt,
	)
}

// ExtractKeyPackage decodes event's content into a full key package via
// engine, per spec.md §4.4's extractKeyPackage.
func ExtractKeyPackage(engine mls.Engine, event *nostr.Event) (*mls.KeyPackage, error) {
	parsed, err := wire.ExtractKeyPackageEvent(event)
	if err != nil {
		return nil, err
	}
	kp, err := engine.DecodeKeyPackage(parsed.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key package content: %v", mlserrors.ErrDecodeFailure, err)
	}
	return kp, nil
}

// BuildDeletionEvent builds the unsigned kind-5 tags retracting the given
// kind-443 event ids, per spec.md §4.4.
func BuildDeletionEvent(publicationEventIDs []string) nostr.Tags {
	return wire.BuildDeletionEvent(publicationEventIDs)
}
