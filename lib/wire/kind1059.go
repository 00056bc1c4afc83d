package wire

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// ValidateGiftWrapEvent enforces the teacher's kind1059handler requirements:
// a "p" tag naming the recipient, and non-empty content. The content itself
// is opaque to this module's core (spec.md §6, "gift-wrap envelope (opaque
// to core)") — its sealing/unsealing lives in lib/giftwrap.
func ValidateGiftWrapEvent(event *nostr.Event) error {
	if err := requireKind(event, KindGiftWrap); err != nil {
		return err
	}
	if _, ok := firstTagValue(event.Tags, "p"); !ok {
		return fmt.Errorf("%w: gift wrap missing p tag", mlserrors.ErrInvalidInput)
	}
	if event.Content == "" {
		return fmt.Errorf("%w: gift wrap has empty content", mlserrors.ErrInvalidInput)
	}
	return nil
}

// RecipientOf returns the gift wrap's addressed recipient pubkey hex.
func RecipientOf(event *nostr.Event) (string, error) {
	if err := ValidateGiftWrapEvent(event); err != nil {
		return "", err
	}
	p, _ := firstTagValue(event.Tags, "p")
	return p, nil
}
