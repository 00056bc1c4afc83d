// Package welcome implements welcome handling (spec.md §4.9): building the
// per-recipient kind-444 inner event after a commit admits new members,
// wrapping it via the gift-wrap collaborator, and reversing the process for
// a joiner.
package welcome

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/giftwrap"
	"github.com/HORNET-Storage/nostr-mls/lib/keypackage"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
	"github.com/HORNET-Storage/nostr-mls/lib/signing"
	"github.com/HORNET-Storage/nostr-mls/lib/wire"
)

// relayHints resolves the relay set advertised in a welcome's "relays" tag.
// Per this module's resolved Open Question (SPEC_FULL.md §5): when the
// recipient's own inbox-relay discovery is empty, fall back to the group's
// relay list.
func relayHints(discovered, groupRelays []string) []string {
	if len(discovered) > 0 {
		return discovered
	}
	return groupRelays
}

// Dispatch builds the gift-wrapped kind-444 welcome for a single new
// member, per spec.md §4.9's "Construction". Callers must have already
// published the admitting commit and awaited its network acknowledgement
// (the MIP-02 ordering constraint) before calling Dispatch.
func Dispatch(sealer giftwrap.Sealer, engine mls.Engine, w mls.Welcome, keyPackageEventID string, discoveredRelays, groupRelays []string, sender *signing.Keypair, recipientPub *secp256k1.PublicKey, createdAt int64) (*nostr.Event, error) {
	welcomeRaw := engine.EncodeWelcome(w)
	relays := relayHints(discoveredRelays, groupRelays)
	tags, content := wire.BuildWelcomeRumor(welcomeRaw, keyPackageEventID, relays)

	rumor, err := wire.BuildUnsigned(sender.PublicHex(), wire.KindWelcome, createdAt, tags, content)
	if err != nil {
		return nil, fmt.Errorf("build welcome rumor: %w", err)
	}

	wrapped, err := sealer.Wrap(rumor, sender.Private, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("gift-wrap welcome: %w", err)
	}
	return wrapped, nil
}

// Join reverses Dispatch for a recipient: unwrap the gift wrap, parse the
// inner welcome, resolve the matching private key package from custody by
// the reference carried in the decoded welcome, and hand both to the MLS
// join routine, per spec.md §4.9's "Joining".
func Join(sealer giftwrap.Sealer, engine mls.Engine, store keypackage.Store, wrap *nostr.Event, recipientPriv *secp256k1.PrivateKey) (mls.GroupState, error) {
	rumor, err := sealer.Unwrap(wrap, recipientPriv)
	if err != nil {
		return nil, fmt.Errorf("unwrap gift wrap: %w", err)
	}
	if err := wire.ValidateWelcomeRumor(rumor); err != nil {
		return nil, err
	}
	parsed, err := wire.ExtractWelcomeRumor(rumor)
	if err != nil {
		return nil, err
	}

	w, err := engine.DecodeWelcome(parsed.WelcomeRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode welcome: %v", mlserrors.ErrDecodeFailure, err)
	}

	kp, priv, err := store.Get(w.KeyPackageRef)
	if err != nil {
		return nil, fmt.Errorf("%w: no custody key package for welcome: %v", mlserrors.ErrOrderingFailure, err)
	}

	state, err := engine.JoinGroup(w, kp, priv)
	if err != nil {
		return nil, fmt.Errorf("join group from welcome: %w", err)
	}
	return state, nil
}
