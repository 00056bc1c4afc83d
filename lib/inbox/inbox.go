// Package inbox implements the invite inbox spec.md §4.10 names: tracking
// received gift wraps, decrypting them into unread welcome rumors on
// demand (decryption may need a signer prompt, so the caller chooses when
// to invoke it), and a watchable unread list.
package inbox

import (
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/giftwrap"
	"github.com/HORNET-Storage/nostr-mls/lib/logging"
	"github.com/HORNET-Storage/nostr-mls/lib/signal"
	"github.com/HORNET-Storage/nostr-mls/lib/watch"
	"github.com/HORNET-Storage/nostr-mls/lib/wire"
)

// Inbox is the invite inbox's in-memory state machine: seen → received →
// unread, per spec.md §4.10.
type Inbox struct {
	mu sync.Mutex

	seen     map[string]bool
	received map[string]*nostr.Event // gift wrap id -> gift wrap
	unread   map[string]*nostr.Event // inner welcome rumor id -> rumor

	sealer giftwrap.Sealer

	Received  signal.Emitter[*nostr.Event]
	NewInvite signal.Emitter[*nostr.Event]
	Error     signal.Emitter[error]

	unreadWatch *watch.Watcher[[]*nostr.Event]
}

// New creates an empty Inbox using sealer to unwrap gift wraps.
func New(sealer giftwrap.Sealer) *Inbox {
	return &Inbox{
		seen:        map[string]bool{},
		received:    map[string]*nostr.Event{},
		unread:      map[string]*nostr.Event{},
		sealer:      sealer,
		unreadWatch: watch.New[[]*nostr.Event](nil),
	}
}

// IngestEvent validates giftWrap (kind 1059), and if its id has not been
// seen before, stores it as received and emits Received, per spec.md
// §4.10's "Ingestion". Returns whether the event was new.
func (b *Inbox) IngestEvent(giftWrap *nostr.Event) (bool, error) {
	if err := wire.ValidateGiftWrapEvent(giftWrap); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seen[giftWrap.ID] {
		return false, nil
	}
	b.seen[giftWrap.ID] = true
	b.received[giftWrap.ID] = giftWrap

	b.Received.Emit(giftWrap)
	return true, nil
}

// DecryptReceived attempts to unlock every currently received gift wrap
// using recipientPriv. On success the gift wrap moves from received to
// unread (keyed by the inner rumor's id) and NewInvite fires; on failure
// the gift wrap is dropped from received (but stays in seen, so it is not
// retried) and Error fires, per spec.md §4.10's "Decryption".
func (b *Inbox) DecryptReceived(recipientPriv *secp256k1.PrivateKey) {
	b.mu.Lock()
	pending := make([]*nostr.Event, 0, len(b.received))
	for _, gw := range b.received {
		pending = append(pending, gw)
	}
	b.mu.Unlock()

	for _, gw := range pending {
		rumor, err := b.sealer.Unwrap(gw, recipientPriv)
		if err == nil {
			err = wire.ValidateWelcomeRumor(rumor)
		}

		b.mu.Lock()
		delete(b.received, gw.ID)
		if err != nil {
			b.mu.Unlock()
			logging.Warn("dropping undecryptable gift wrap", map[string]interface{}{"id": gw.ID, "error": err.Error()})
			b.Error.Emit(fmt.Errorf("decrypt gift wrap %s: %w", gw.ID, err))
			continue
		}
		b.unread[rumor.ID] = rumor
		b.syncUnreadWatchLocked()
		b.mu.Unlock()

		b.NewInvite.Emit(rumor)
	}
}

// GetUnread returns the current unread welcome rumors.
func (b *Inbox) GetUnread() []*nostr.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return unreadSnapshot(b.unread)
}

// MarkAsRead removes id from the unread set.
func (b *Inbox) MarkAsRead(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.unread, id)
	b.syncUnreadWatchLocked()
}

// WatchUnread returns a channel yielding the current unread list on
// subscribe and on every subsequent mutation, and a cancel function.
func (b *Inbox) WatchUnread() (<-chan []*nostr.Event, func()) {
	return b.unreadWatch.Subscribe()
}

// Clear empties received and unread, but not seen, per spec.md §4.10's
// "Reset".
func (b *Inbox) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = map[string]*nostr.Event{}
	b.unread = map[string]*nostr.Event{}
	b.syncUnreadWatchLocked()
}

// ClearSeen clears the seen set, re-enabling replay of previously processed
// invites. Separate from Clear because it is explicitly destructive.
func (b *Inbox) ClearSeen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = map[string]bool{}
}

func (b *Inbox) syncUnreadWatchLocked() {
	b.unreadWatch.Set(unreadSnapshot(b.unread))
}

func unreadSnapshot(unread map[string]*nostr.Event) []*nostr.Event {
	out := make([]*nostr.Event, 0, len(unread))
	for _, rumor := range unread {
		out = append(out, rumor)
	}
	return out
}
