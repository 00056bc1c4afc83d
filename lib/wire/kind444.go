package wire

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/encoding"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// WelcomeRumor is the parsed form of a kind-444 welcome inner event.
type WelcomeRumor struct {
	WelcomeRaw       []byte
	KeyPackageEvent  string
	Relays           []string
}

// BuildWelcomeRumor builds the unsigned kind-444 tags/content spec.md §4.9
// describes: base64 Welcome content, an "e" tag referencing the consumed
// key-package event, and a "relays" tag listing the given relays (omitted
// when relays is empty).
func BuildWelcomeRumor(welcomeRaw []byte, keyPackageEventID string, relays []string) (nostr.Tags, string) {
	tags := nostr.Tags{
		{"e", keyPackageEventID},
		{"encoding", string(encoding.ContentBase64)},
	}
	if len(relays) > 0 {
		tags = append(tags, append(nostr.Tag{"relays"}, relays...))
	}
	content := encoding.EncodeContent(welcomeRaw, encoding.ContentBase64)
	return tags, content
}

// ValidateWelcomeRumor enforces the teacher's kind444handler tag
// requirements (e, relays, encoding, each with at least one value) without
// checking a signature: welcome inner events are unsigned rumors, verified
// instead by the gift wrap that carries them.
func ValidateWelcomeRumor(event *nostr.Event) error {
	if err := requireKind(event, KindWelcome); err != nil {
		return err
	}
	if _, ok := firstTagValue(event.Tags, "e"); !ok {
		return fmt.Errorf("%w: welcome rumor missing e tag", mlserrors.ErrInvalidInput)
	}
	if _, ok := firstTagValue(event.Tags, "relays"); !ok {
		return fmt.Errorf("%w: welcome rumor missing relays tag", mlserrors.ErrInvalidInput)
	}
	if _, ok := firstTagValue(event.Tags, "encoding"); !ok {
		return fmt.Errorf("%w: welcome rumor missing encoding tag", mlserrors.ErrInvalidInput)
	}
	return nil
}

// ExtractWelcomeRumor validates event and decodes its Welcome content.
func ExtractWelcomeRumor(event *nostr.Event) (*WelcomeRumor, error) {
	if err := ValidateWelcomeRumor(event); err != nil {
		return nil, err
	}

	encName, _ := firstTagValue(event.Tags, "encoding")
	contentEncoding := encoding.ContentHex
	if encName == string(encoding.ContentBase64) {
		contentEncoding = encoding.ContentBase64
	}
	raw, err := encoding.DecodeContent(event.Content, contentEncoding)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome content: %v", mlserrors.ErrDecodeFailure, err)
	}

	keyPackageEventID, _ := firstTagValue(event.Tags, "e")
	var relays []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "relays" {
			relays = tag[1:]
		}
	}

	return &WelcomeRumor{
		WelcomeRaw:      raw,
		KeyPackageEvent: keyPackageEventID,
		Relays:          relays,
	}, nil
}
