package giftwrap

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/signing"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	sender, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair sender: %v", err)
	}
	recipient, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair recipient: %v", err)
	}

	rumor := &nostr.Event{
		PubKey:    sender.PublicHex(),
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      444,
		Tags:      nostr.Tags{{"e", "keypackage-event-id"}},
		Content:   "welcome-payload",
	}

	sealer := NewDefaultSealer()
	wrap, err := sealer.Wrap(rumor, sender.Private, recipient.Public)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if wrap.Kind != 1059 {
		t.Fatalf("expected kind 1059, got %d", wrap.Kind)
	}
	if wrap.ID == "" || wrap.Sig == "" {
		t.Fatal("expected wrap to be signed")
	}

	got, err := sealer.Unwrap(wrap, recipient.Private)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if got.Content != rumor.Content {
		t.Errorf("content mismatch: got %q want %q", got.Content, rumor.Content)
	}
	if got.Kind != rumor.Kind {
		t.Errorf("kind mismatch: got %d want %d", got.Kind, rumor.Kind)
	}
}

func TestUnwrapFailsForWrongRecipient(t *testing.T) {
	sender, _ := signing.GenerateKeypair()
	recipient, _ := signing.GenerateKeypair()
	stranger, _ := signing.GenerateKeypair()

	rumor := &nostr.Event{
		PubKey:    sender.PublicHex(),
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      444,
		Content:   "secret",
	}

	sealer := NewDefaultSealer()
	wrap, err := sealer.Wrap(rumor, sender.Private, recipient.Public)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if _, err := sealer.Unwrap(wrap, stranger.Private); err == nil {
		t.Fatal("expected decryption to fail for the wrong recipient")
	}
}

func TestWrapUsesEphemeralOuterKey(t *testing.T) {
	sender, _ := signing.GenerateKeypair()
	recipient, _ := signing.GenerateKeypair()

	rumor := &nostr.Event{PubKey: sender.PublicHex(), Kind: 444, Content: "x"}

	sealer := NewDefaultSealer()
	wrap, err := sealer.Wrap(rumor, sender.Private, recipient.Public)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if wrap.PubKey == sender.PublicHex() {
		t.Fatal("expected gift wrap to be signed by an ephemeral key, not the sender identity")
	}
}
