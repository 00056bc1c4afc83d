package wire

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// BuildKeyPackageRelayListEvent builds the unsigned tags of a kind-10051
// event advertising where a user's key packages can be found, one "relay"
// tag per URL.
func BuildKeyPackageRelayListEvent(relays []string) nostr.Tags {
	tags := make(nostr.Tags, 0, len(relays))
	for _, r := range relays {
		tags = append(tags, nostr.Tag{"relay", r})
	}
	return tags
}

// ValidateKeyPackageRelayListEvent enforces the teacher's
// kind10051handler requirement: at least one "relay" tag.
func ValidateKeyPackageRelayListEvent(event *nostr.Event) error {
	if err := requireKind(event, KindKeyPackageRelays); err != nil {
		return err
	}
	if _, ok := firstTagValue(event.Tags, "relay"); !ok {
		return fmt.Errorf("%w: key package relay list has no relay tags", mlserrors.ErrInvalidInput)
	}
	return nil
}

// ExtractKeyPackageRelayListEvent validates event and returns its relay URLs.
func ExtractKeyPackageRelayListEvent(event *nostr.Event) ([]string, error) {
	if err := ValidateKeyPackageRelayListEvent(event); err != nil {
		return nil, err
	}
	return allTagValues(event.Tags, "relay"), nil
}
