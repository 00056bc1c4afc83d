// Package network defines the event-network transport's contract (spec.md
// §6, "deliberately out of scope... the event-network transport
// (subscribe/publish over relays)"): a Go interface standing in for
// whatever relay pool a consuming application wires in, following the same
// dependency-inversion pattern as lib/mls.Engine, lib/convkey.Cipher, and
// lib/giftwrap.Sealer. lib/facade depends only on Publisher; it never dials
// a relay itself.
package network

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// PublishResult records one relay's acknowledgement of a publish attempt.
type PublishResult struct {
	Relay string
	Err   error
}

// Publisher is the event-network interface consumed by lib/facade: publish
// a signed event to a set of relays and await each relay's ack, and resolve
// a recipient identity's inbox relay list (used for welcome-relay
// discovery, per lib/welcome's relayHints).
type Publisher interface {
	// Publish sends event to every relay in relays and returns one
	// PublishResult per relay. An overall error is returned only if the
	// publish could not be attempted at all (e.g. no relays given); a
	// per-relay failure is reported in that relay's PublishResult instead.
	Publish(ctx context.Context, relays []string, event *nostr.Event) ([]PublishResult, error)

	// GetUserInboxRelays resolves identity's advertised inbox relay list
	// (NIP-65 style), returning an empty slice (not an error) when the
	// identity has not published one.
	GetUserInboxRelays(ctx context.Context, identity string) ([]string, error)
}

// Acknowledged reports whether at least one relay in results acknowledged
// the publish, the MIP-02 "commit acknowledged by the network" condition
// lib/facade's commit-then-welcome ordering depends on.
func Acknowledged(results []PublishResult) bool {
	for _, r := range results {
		if r.Err == nil {
			return true
		}
	}
	return false
}
