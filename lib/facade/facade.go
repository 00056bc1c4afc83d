// Package facade implements the single-group API spec.md §4.11 names: send,
// propose, commit, invite, ingest, save, destroy, wiring together
// lib/group, lib/message, lib/ingest, lib/admin, lib/welcome, and
// lib/keypackage behind one group's worth of mutable state, and emitting
// the five lifecycle signals synchronously during the triggering operation.
package facade

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/admin"
	"github.com/HORNET-Storage/nostr-mls/lib/convkey"
	"github.com/HORNET-Storage/nostr-mls/lib/credential"
	"github.com/HORNET-Storage/nostr-mls/lib/giftwrap"
	"github.com/HORNET-Storage/nostr-mls/lib/group"
	"github.com/HORNET-Storage/nostr-mls/lib/ingest"
	"github.com/HORNET-Storage/nostr-mls/lib/keypackage"
	"github.com/HORNET-Storage/nostr-mls/lib/message"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
	"github.com/HORNET-Storage/nostr-mls/lib/network"
	"github.com/HORNET-Storage/nostr-mls/lib/signal"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/HORNET-Storage/nostr-mls/lib/stores/kvp"
	"github.com/HORNET-Storage/nostr-mls/lib/types"
	"github.com/HORNET-Storage/nostr-mls/lib/welcome"
	"github.com/HORNET-Storage/nostr-mls/lib/wire"
)

// Config carries every external collaborator and setting a Facade needs.
// MaxRetries/OnUnverifiableCommit fall back to their spec.md §6 defaults
// when zero/empty.
type Config struct {
	Engine     mls.Engine
	Cipher     convkey.Cipher
	Sealer     giftwrap.Sealer
	Net        network.Publisher
	StateStore kvp.KeyValueStoreBucket

	// Identity is the real, long-lived nostr identity this facade acts as —
	// never the ephemeral per-event publisher key, which lib/message mints
	// fresh for every outbound envelope.
	Identity *signing.Keypair

	OnUnverifiableCommit types.UnverifiableCommitPolicy
	MaxRetries           int
}

// pendingAdd tracks the recipient information an invite needs once its
// add proposal comes back from a commit as a mls.Welcome, keyed by the
// key package's reference hash (hex).
type pendingAdd struct {
	keyPackageEventID string
	recipient         *secp256k1.PublicKey
}

// Facade is the single-group API: one instance per joined or created
// group, holding that group's current MLS state under a mutex so that
// concurrent calls from a single task serialize, per spec.md §5's
// "single-threaded cooperative concurrency... provided each group facade
// is accessed from a single task".
type Facade struct {
	mu sync.Mutex

	engine     mls.Engine
	cipher     convkey.Cipher
	sealer     giftwrap.Sealer
	net        network.Publisher
	stateStore kvp.KeyValueStoreBucket
	identity   *signing.Keypair
	admin      mls.AdminCallback
	maxRetries int

	state       mls.GroupState
	pendingAdds map[string]pendingAdd
	destroyed   bool

	StateChanged       signal.Emitter[mls.GroupState]
	ApplicationMessage signal.Emitter[*nostr.Event]
	StateSaved         signal.Emitter[mls.GroupState]
	HistoryError       signal.Emitter[error]
	Destroyed          signal.Emitter[struct{}]
}

// New wraps an already-created or already-joined group state in a Facade.
func New(cfg Config, state mls.GroupState) *Facade {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = ingest.DefaultMaxRetries
	}
	policy := cfg.OnUnverifiableCommit
	if policy == "" {
		policy = types.UnverifiableReject
	}

	return &Facade{
		engine:      cfg.Engine,
		cipher:      cfg.Cipher,
		sealer:      cfg.Sealer,
		net:         cfg.Net,
		stateStore:  cfg.StateStore,
		identity:    cfg.Identity,
		admin:       admin.Callback(policy),
		maxRetries:  maxRetries,
		state:       state,
		pendingAdds: map[string]pendingAdd{},
	}
}

// State returns the facade's current group state.
func (f *Facade) State() mls.GroupState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// GroupID, Epoch, and MemberCount mirror lib/group's accessors against the
// facade's current state.
func (f *Facade) GroupID() []byte  { return group.GroupID(f.State()) }
func (f *Facade) Epoch() uint64    { return group.Epoch(f.State()) }
func (f *Facade) MemberCount() int { return group.MemberCount(f.State()) }

func groupRelays(state mls.GroupState) []string {
	data := group.ExtractGroupData(state)
	if data == nil {
		return nil
	}
	return data.Relays
}

// SendApplicationRumor builds and publishes an application rumor, per
// spec.md §4.11's "encrypt-as-MLS-application-data → publish".
func (f *Facade) SendApplicationRumor(ctx context.Context, kind int, tags nostr.Tags, content string, createdAt int64) (*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, errDestroyed
	}

	rumor, err := wire.BuildUnsigned(f.identity.PublicHex(), kind, createdAt, tags, content)
	if err != nil {
		return nil, fmt.Errorf("build application rumor: %w", err)
	}

	event, err := message.Encrypt(f.engine, f.cipher, f.state, rumor, createdAt)
	if err != nil {
		return nil, err
	}

	if _, err := f.net.Publish(ctx, groupRelays(f.state), event); err != nil {
		return nil, fmt.Errorf("%w: publish application message: %v", mlserrors.ErrNetworkFailure, err)
	}
	return event, nil
}

// propose signs proposalRaw, publishes it as a standalone kind-445
// envelope, and self-applies it so that it is pending for this facade's
// own next Commit call, the way a peer's proposal becomes pending for it
// upon ingestion.
func (f *Facade) propose(ctx context.Context, proposalRaw []byte, createdAt int64) (*nostr.Event, error) {
	signed, err := f.engine.SignProposal(f.state, proposalRaw)
	if err != nil {
		return nil, fmt.Errorf("sign proposal: %w", err)
	}

	event, err := message.Envelope(f.engine, f.cipher, f.state, signed, createdAt)
	if err != nil {
		return nil, err
	}
	if _, err := f.net.Publish(ctx, groupRelays(f.state), event); err != nil {
		return nil, fmt.Errorf("%w: publish proposal: %v", mlserrors.ErrNetworkFailure, err)
	}

	pendingState, _, _, err := f.engine.ProcessIncomingMessage(f.state, signed, f.admin)
	if err != nil {
		return nil, fmt.Errorf("attach proposal to pending state: %w", err)
	}
	if pendingState != nil {
		f.state = pendingState
		f.StateChanged.Emit(f.state)
	}
	return event, nil
}

// ProposeAdd builds and publishes a standalone add proposal for kp, per
// spec.md §4.11's `propose(action, ...)`.
func (f *Facade) ProposeAdd(ctx context.Context, kp *mls.KeyPackage, createdAt int64) (*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, errDestroyed
	}

	proposal, err := f.engine.CreateAddProposal(f.state, kp)
	if err != nil {
		return nil, fmt.Errorf("create add proposal: %w", err)
	}
	return f.propose(ctx, proposal, createdAt)
}

// ProposeRemove builds and publishes a standalone remove proposal for
// leafIndex.
func (f *Facade) ProposeRemove(ctx context.Context, leafIndex uint32, createdAt int64) (*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, errDestroyed
	}

	proposal, err := f.engine.CreateRemoveProposal(f.state, leafIndex)
	if err != nil {
		return nil, fmt.Errorf("create remove proposal: %w", err)
	}
	return f.propose(ctx, proposal, createdAt)
}

// CommitResult is the outcome of a Commit or InviteByKeyPackageEvent call:
// the published commit event, and one gift-wrapped welcome event per newly
// admitted member whose recipient this facade could resolve.
type CommitResult struct {
	Event    *nostr.Event
	Welcomes []*nostr.Event
}

// Commit bundles the facade's pending proposals plus extraProposals into a
// commit, publishes it, awaits network acknowledgement, advances state, and
// — per the MIP-02 ordering constraint — only then dispatches welcomes for
// any admitted members this facade has invite bookkeeping for (added via
// InviteByKeyPackageEvent).
func (f *Facade) Commit(ctx context.Context, extraProposals [][]byte, createdAt int64) (*CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitLocked(ctx, extraProposals, createdAt)
}

func (f *Facade) commitLocked(ctx context.Context, extraProposals [][]byte, createdAt int64) (*CommitResult, error) {
	if f.destroyed {
		return nil, errDestroyed
	}

	preCommitState := f.state
	newState, commitMsg, welcomes, err := f.engine.CreateCommit(preCommitState, extraProposals)
	if err != nil {
		return nil, fmt.Errorf("create commit: %w", err)
	}

	event, err := message.Envelope(f.engine, f.cipher, preCommitState, commitMsg, createdAt)
	if err != nil {
		return nil, err
	}

	results, err := f.net.Publish(ctx, groupRelays(preCommitState), event)
	if err != nil {
		return nil, fmt.Errorf("%w: publish commit: %v", mlserrors.ErrNetworkFailure, err)
	}
	if !network.Acknowledged(results) {
		return nil, fmt.Errorf("%w: commit was not acknowledged by any relay", mlserrors.ErrNetworkFailure)
	}

	f.state = newState
	f.StateChanged.Emit(f.state)
	if err := f.saveLocked(); err != nil {
		f.HistoryError.Emit(err)
	}

	welcomeEvents := f.dispatchWelcomes(ctx, welcomes, createdAt)
	return &CommitResult{Event: event, Welcomes: welcomeEvents}, nil
}

// dispatchWelcomes looks up each welcome's recipient by key-package
// reference in pendingAdds and gift-wraps/publishes it, per spec.md §4.9.
// A welcome with no matching bookkeeping entry is reported via
// HistoryError rather than failing the commit that already succeeded.
func (f *Facade) dispatchWelcomes(ctx context.Context, welcomes []mls.Welcome, createdAt int64) []*nostr.Event {
	var out []*nostr.Event
	relays := groupRelays(f.state)

	for _, w := range welcomes {
		refHex := hex.EncodeToString(w.KeyPackageRef)
		pa, ok := f.pendingAdds[refHex]
		if !ok {
			f.HistoryError.Emit(fmt.Errorf("welcome for unknown key package reference %s", refHex))
			continue
		}
		delete(f.pendingAdds, refHex)

		recipientHex, _ := signing.SerializePublicKey(pa.recipient)
		discovered, err := f.net.GetUserInboxRelays(ctx, *recipientHex)
		if err != nil {
			discovered = nil
		}

		wrapped, err := welcome.Dispatch(f.sealer, f.engine, w, pa.keyPackageEventID, discovered, relays, f.identity, pa.recipient, createdAt)
		if err != nil {
			f.HistoryError.Emit(err)
			continue
		}

		publishTo := discovered
		if len(publishTo) == 0 {
			publishTo = relays
		}
		if _, err := f.net.Publish(ctx, publishTo, wrapped); err != nil {
			f.HistoryError.Emit(fmt.Errorf("%w: publish welcome: %v", mlserrors.ErrNetworkFailure, err))
			continue
		}
		out = append(out, wrapped)
	}
	return out
}

// InviteByKeyPackageEvent validates event (kind 443, credential identity
// matching the publisher), then commits an add proposal carrying its key
// package, per spec.md §4.11.
func (f *Facade) InviteByKeyPackageEvent(ctx context.Context, event *nostr.Event, createdAt int64) (*CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, errDestroyed
	}

	kp, err := keypackage.ExtractKeyPackage(f.engine, event)
	if err != nil {
		return nil, err
	}

	identityHex, err := credentialIdentityHex(&kp.Credential)
	if err != nil {
		return nil, err
	}
	if identityHex != event.PubKey {
		return nil, fmt.Errorf("%w: key package credential identity does not match event publisher", mlserrors.ErrInvalidInput)
	}

	ref, err := f.engine.KeyPackageRef(kp)
	if err != nil {
		return nil, fmt.Errorf("compute key package reference: %w", err)
	}
	recipientPub, err := parsePubKeyHex(event.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invite publisher key: %v", mlserrors.ErrInvalidInput, err)
	}
	f.pendingAdds[hex.EncodeToString(ref)] = pendingAdd{keyPackageEventID: event.ID, recipient: recipientPub}

	proposal, err := f.engine.CreateAddProposal(f.state, kp)
	if err != nil {
		return nil, fmt.Errorf("create add proposal: %w", err)
	}
	return f.commitLocked(ctx, [][]byte{proposal}, createdAt)
}

// Ingest runs the commit-ordering ingestion pipeline (C7) against a batch
// of received kind-445 events, advancing this facade's state and emitting
// ApplicationMessage/HistoryError/StateChanged as appropriate.
func (f *Facade) Ingest(ctx context.Context, events []*nostr.Event) (*ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, errDestroyed
	}
	if len(events) == 0 {
		return &ingest.Result{State: f.state}, nil
	}

	before := f.state
	result, err := ingest.Ingest(f.engine, f.cipher, f.state, f.admin, events, f.maxRetries, func(s mls.GroupState) error {
		f.state = s
		return f.saveLocked()
	})
	if err != nil {
		return nil, err
	}

	f.state = result.State
	if f.state != before {
		f.StateChanged.Emit(f.state)
	}
	for _, app := range result.Applications {
		f.ApplicationMessage.Emit(app)
	}
	for _, u := range result.Unreadable {
		f.HistoryError.Emit(u)
	}
	return result, nil
}

// Save serializes the facade's current state and writes it through the
// group-state store, per spec.md §4.11.
func (f *Facade) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return errDestroyed
	}
	return f.saveLocked()
}

func (f *Facade) saveLocked() error {
	data, err := group.Serialize(f.state)
	if err != nil {
		return err
	}
	key := hex.EncodeToString(f.state.GroupID())
	if err := f.stateStore.Put(key, data); err != nil {
		return fmt.Errorf("%w: save group state: %v", mlserrors.ErrStorageFailure, err)
	}
	f.StateSaved.Emit(f.state)
	return nil
}

// Destroy removes this group's state from the store and emits Destroyed.
// It does not remove this facade from any client-level cache; that is
// lib/client's responsibility.
func (f *Facade) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}

	key := hex.EncodeToString(f.state.GroupID())
	if err := f.stateStore.Delete([]string{key}); err != nil {
		return fmt.Errorf("%w: destroy group state: %v", mlserrors.ErrStorageFailure, err)
	}
	f.destroyed = true
	f.Destroyed.Emit(struct{}{})
	return nil
}

var errDestroyed = fmt.Errorf("%w: facade has been destroyed", mlserrors.ErrInvalidInput)

func credentialIdentityHex(cred *mls.Credential) (string, error) {
	c, err := credential.Create(cred.Identity)
	if err != nil {
		return "", err
	}
	identity, err := credential.Pubkey(c)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(identity), nil
}

func parsePubKeyHex(pubHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, err
	}
	return schnorr.ParsePubKey(raw)
}
