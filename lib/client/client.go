// Package client implements the multi-group registry spec.md §4.12 names:
// an in-memory groupId → facade cache backed by a persistent group-state
// store, with load deduplication for concurrent getGroup calls and
// watchable id lists for the group and key-package stores.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/credential"
	"github.com/HORNET-Storage/nostr-mls/lib/encryption/keys"
	"github.com/HORNET-Storage/nostr-mls/lib/facade"
	"github.com/HORNET-Storage/nostr-mls/lib/giftwrap"
	"github.com/HORNET-Storage/nostr-mls/lib/group"
	"github.com/HORNET-Storage/nostr-mls/lib/groupdata"
	"github.com/HORNET-Storage/nostr-mls/lib/keypackage"
	"github.com/HORNET-Storage/nostr-mls/lib/logging"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
	"github.com/HORNET-Storage/nostr-mls/lib/network"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/HORNET-Storage/nostr-mls/lib/stores/kvp"
	"github.com/HORNET-Storage/nostr-mls/lib/types"
	"github.com/HORNET-Storage/nostr-mls/lib/watch"
	"github.com/HORNET-Storage/nostr-mls/lib/welcome"
	"github.com/HORNET-Storage/nostr-mls/lib/wire"
)

// Config carries every external collaborator the client hands down to the
// facades it creates, plus this identity's own key-package custody and
// group-state stores.
type Config struct {
	Engine mls.Engine
	Cipher convkey.Cipher
	Sealer giftwrap.Sealer
	Net    network.Publisher

	GroupStore      kvp.KeyValueStoreBucket
	KeyPackageStore kvp.KeyValueStoreBucket

	Identity             *signing.Keypair
	OnUnverifiableCommit types.UnverifiableCommitPolicy
	MaxRetries           int
}

// CreateGroupOptions is createGroup's metadata argument (spec.md §4.12).
type CreateGroupOptions struct {
	Description  string
	AdminPubkeys []string
	Relays       []string
	ImageHash    []byte
	ImageKey     []byte
	ImageNonce   []byte
}

// loadFuture is one in-flight GetGroup load, shared across
// every concurrent awaiter for the same group id, per spec.md §4.12's
// "load deduplication by in-flight promise/future keyed on the id."
type loadFuture struct {
	id     string
	done   chan struct{}
	facade *facade.Facade
	err    error
}

// Client is the multi-group registry: one per local identity.
type Client struct {
	mu sync.Mutex

	engine mls.Engine
	cipher convkey.Cipher
	sealer giftwrap.Sealer
	net    network.Publisher

	groupStore      kvp.KeyValueStoreBucket
	keyPackageStore *keypackage.BucketStore

	identity   *signing.Keypair
	policy     types.UnverifiableCommitPolicy
	maxRetries int

	cache map[string]*facade.Facade
	loads map[string]*loadFuture

	groupsWatch      *watch.Watcher[[]string]
	keyPackagesWatch *watch.Watcher[[]string]
}

// New constructs a Client over an empty cache.
func New(cfg Config) *Client {
	return &Client{
		engine:           cfg.Engine,
		cipher:           cfg.Cipher,
		sealer:           cfg.Sealer,
		net:              cfg.Net,
		groupStore:       cfg.GroupStore,
		keyPackageStore:  keypackage.NewBucketStore(cfg.Engine, cfg.KeyPackageStore),
		identity:         cfg.Identity,
		policy:           cfg.OnUnverifiableCommit,
		maxRetries:       cfg.MaxRetries,
		cache:            map[string]*facade.Facade{},
		loads:            map[string]*loadFuture{},
		groupsWatch:      watch.New[[]string](nil),
		keyPackagesWatch: watch.New[[]string](nil),
	}
}

func groupIDHex(id []byte) string { return hex.EncodeToString(id) }

func (c *Client) facadeConfig() facade.Config {
	return facade.Config{
		Engine:               c.engine,
		Cipher:               c.cipher,
		Sealer:               c.sealer,
		Net:                  c.net,
		StateStore:           c.groupStore,
		Identity:             c.identity,
		OnUnverifiableCommit: c.policy,
		MaxRetries:           c.maxRetries,
	}
}

// cachedIDsLocked returns the group ids currently cached, in no particular
// order. Called with c.mu held.
func (c *Client) cachedIDsLocked() []string {
	ids := make([]string, 0, len(c.cache))
	for id := range c.cache {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) touchGroupsWatchLocked() {
	c.groupsWatch.Set(c.cachedIDsLocked())
}

func (c *Client) touchKeyPackagesWatch() {
	kps, err := c.keyPackageStore.List()
	if err != nil {
		logging.Warn("list key packages for watcher", map[string]interface{}{"error": err.Error()})
		return
	}
	refs := make([]string, 0, len(kps))
	for _, kp := range kps {
		ref, err := c.engine.KeyPackageRef(kp)
		if err != nil {
			continue
		}
		refs = append(refs, hex.EncodeToString(ref))
	}
	c.keyPackagesWatch.Set(refs)
}

// registerLocked adds fc to the cache under its group id and refreshes the
// groups watcher. Called with c.mu held.
func (c *Client) registerLocked(fc *facade.Facade) {
	c.cache[groupIDHex(fc.GroupID())] = fc
	c.touchGroupsWatchLocked()
}

// NewGroupImageSecrets generates a fresh symmetric key/nonce pair sized for
// group-data's optional imageKey/imageNonce fields (spec.md §3), for
// callers that want to set CreateGroupOptions.ImageHash/ImageKey/ImageNonce
// on a group carrying an encrypted image.
func NewGroupImageSecrets() (key, nonce []byte, err error) {
	return keys.GenerateImageKey()
}

// CreateGroup constructs group-data from name/opts, generates this
// identity's own founding key package, calls lib/group's Create, wraps the
// result in a facade, persists it, and registers it, per spec.md §4.12.
func (c *Client) CreateGroup(ctx context.Context, name string, opts CreateGroupOptions) (*facade.Facade, error) {
	var groupID [groupdata.GroupIDSize]byte
	if _, err := rand.Read(groupID[:]); err != nil {
		return nil, fmt.Errorf("generate group id: %w", err)
	}

	cred, err := credential.Create(schnorr.SerializePubKey(c.identity.Public))
	if err != nil {
		return nil, err
	}
	mlsCred := mls.Credential{Type: mls.CredentialTypeBasic, Identity: cred.Identity[:]}

	kp, priv, ref, err := keypackage.Generate(c.engine, mlsCred, mls.Suite1, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("generate founding key package: %w", err)
	}
	if err := c.keyPackageStore.Add(kp, priv, ref); err != nil {
		return nil, fmt.Errorf("%w: store founding key package: %v", mlserrors.ErrStorageFailure, err)
	}

	data := &groupdata.Data{
		Version:      groupdata.Version,
		GroupID:      groupID,
		Name:         name,
		Description:  opts.Description,
		AdminPubkeys: opts.AdminPubkeys,
		Relays:       opts.Relays,
		ImageHash:    opts.ImageHash,
		ImageKey:     opts.ImageKey,
		ImageNonce:   opts.ImageNonce,
	}

	state, err := group.Create(c.engine, kp, priv, data, nil)
	if err != nil {
		return nil, err
	}

	fc := facade.New(c.facadeConfig(), state)
	if err := fc.Save(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.registerLocked(fc)
	c.touchKeyPackagesWatch()
	c.mu.Unlock()
	logging.Info("group created", map[string]interface{}{"groupId": groupIDHex(groupID[:]), "name": name})
	return fc, nil
}

// JoinGroupFromWelcome unwraps a gift-wrapped welcome addressed to this
// identity, joins the resulting group state, persists it, and registers
// it, per spec.md §4.12's joinGroupFromWelcome.
func (c *Client) JoinGroupFromWelcome(ctx context.Context, welcomeGiftWrap *nostr.Event) (*facade.Facade, error) {
	state, err := welcome.Join(c.sealer, c.engine, c.keyPackageStore, welcomeGiftWrap, c.identity.Private)
	if err != nil {
		return nil, err
	}

	fc := facade.New(c.facadeConfig(), state)
	if err := fc.Save(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.registerLocked(fc)
	c.mu.Unlock()
	logging.Info("joined group from welcome", map[string]interface{}{"groupId": groupIDHex(fc.GroupID())})
	return fc, nil
}

// ImportGroupFromClientState wraps an already-deserialized state (e.g.
// restored from a backup) in a facade, persists it, and registers it.
func (c *Client) ImportGroupFromClientState(state mls.GroupState) (*facade.Facade, error) {
	fc := facade.New(c.facadeConfig(), state)
	if err := fc.Save(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.registerLocked(fc)
	c.mu.Unlock()
	return fc, nil
}

// GetGroup returns the cached facade for id, loading it from the group
// store on a cache miss. Concurrent calls for the same id share one
// in-flight load and observe the same facade, per spec.md §4.12/§5's load
// deduplication requirement.
func (c *Client) GetGroup(ctx context.Context, id []byte) (*facade.Facade, error) {
	key := groupIDHex(id)

	c.mu.Lock()
	if fc, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return fc, nil
	}
	if lf, ok := c.loads[key]; ok {
		c.mu.Unlock()
		<-lf.done
		return lf.facade, lf.err
	}
	lf := &loadFuture{id: uuid.NewString(), done: make(chan struct{})}
	c.loads[key] = lf
	c.mu.Unlock()

	fc, err := c.loadGroup(key)

	c.mu.Lock()
	if err == nil {
		c.registerLocked(fc)
	}
	delete(c.loads, key)
	c.mu.Unlock()

	lf.facade, lf.err = fc, err
	close(lf.done)
	return fc, err
}

func (c *Client) loadGroup(key string) (*facade.Facade, error) {
	data, err := c.groupStore.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: load group state: %v", mlserrors.ErrStorageFailure, err)
	}
	state, err := group.Deserialize(c.engine, data)
	if err != nil {
		return nil, err
	}
	return facade.New(c.facadeConfig(), state), nil
}

// LoadAllGroups iterates the group-state store, skipping entries that fail
// to deserialize (logged as corrupted state; the rest still load), per
// spec.md §4.12. Already-cached groups are reused rather than re-loaded.
func (c *Client) LoadAllGroups(ctx context.Context) ([]*facade.Facade, error) {
	iter, err := c.groupStore.Scan()
	if err != nil {
		return nil, fmt.Errorf("%w: scan group store: %v", mlserrors.ErrStorageFailure, err)
	}
	defer iter.Close()

	var loaded []*facade.Facade
	for iter.Next() {
		key := string(iter.Key())

		c.mu.Lock()
		if fc, ok := c.cache[key]; ok {
			c.mu.Unlock()
			loaded = append(loaded, fc)
			continue
		}
		c.mu.Unlock()

		state, err := group.Deserialize(c.engine, iter.Value())
		if err != nil {
			logging.Warn("skipping corrupted group state", map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		fc := facade.New(c.facadeConfig(), state)

		c.mu.Lock()
		c.registerLocked(fc)
		c.mu.Unlock()
		loaded = append(loaded, fc)
	}
	if err := iter.Error(); err != nil {
		return loaded, fmt.Errorf("%w: iterate group store: %v", mlserrors.ErrStorageFailure, err)
	}
	return loaded, nil
}

// UnloadGroup drops id from the cache without touching its persisted
// state, per spec.md §4.12.
func (c *Client) UnloadGroup(id []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, groupIDHex(id))
	c.touchGroupsWatchLocked()
}

// DestroyGroup destroys the facade's state (if cached or loadable) and
// drops it from the cache.
func (c *Client) DestroyGroup(ctx context.Context, id []byte) error {
	fc, err := c.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if err := fc.Destroy(); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.cache, groupIDHex(id))
	c.touchGroupsWatchLocked()
	c.mu.Unlock()
	return nil
}

// GenerateKeyPackage builds and stores a fresh key package for this
// identity, returning its kind-443 publication event signed by this
// identity (spec.md §4.4) and updating the key-packages watcher.
func (c *Client) GenerateKeyPackage(ctx context.Context, relays []string, clientName string, lifetimeSeconds uint64, createdAt int64) (*nostr.Event, error) {
	cred, err := credential.Create(schnorr.SerializePubKey(c.identity.Public))
	if err != nil {
		return nil, err
	}
	mlsCred := mls.Credential{Type: mls.CredentialTypeBasic, Identity: cred.Identity[:]}

	kp, priv, ref, err := keypackage.Generate(c.engine, mlsCred, mls.Suite1, lifetimeSeconds, nil)
	if err != nil {
		return nil, fmt.Errorf("generate key package: %w", err)
	}
	if err := c.keyPackageStore.Add(kp, priv, ref); err != nil {
		return nil, fmt.Errorf("%w: store key package: %v", mlserrors.ErrStorageFailure, err)
	}

	tags, content := keypackage.BuildPublicationEvent(c.engine, kp, relays, clientName, createdAt)
	event, err := wire.Build(c.identity.Private, c.identity.Public, wire.KindKeyPackage, createdAt, tags, content)
	if err != nil {
		return nil, fmt.Errorf("build key package event: %w", err)
	}

	c.mu.Lock()
	c.touchKeyPackagesWatch()
	c.mu.Unlock()
	return event, nil
}

// RemoveKeyPackage deletes ref from custody and updates the watcher.
func (c *Client) RemoveKeyPackage(ref []byte) error {
	if err := c.keyPackageStore.Remove(ref); err != nil {
		return err
	}
	c.mu.Lock()
	c.touchKeyPackagesWatch()
	c.mu.Unlock()
	return nil
}

// WatchGroups yields the current cached group-id list on every
// registration/unload/destroy, per spec.md §4.12.
func (c *Client) WatchGroups() (<-chan []string, func()) {
	return c.groupsWatch.Subscribe()
}

// WatchKeyPackages yields the current custody key-package reference list
// on every generate/remove, per spec.md §4.12.
func (c *Client) WatchKeyPackages() (<-chan []string, func()) {
	return c.keyPackagesWatch.Subscribe()
}
