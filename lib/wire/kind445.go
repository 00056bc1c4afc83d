package wire

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/encoding"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// BuildGroupMessageEvent builds the unsigned tags/content of a kind-445
// group-message envelope: the conversation-key-encrypted MLS message as
// base64 content, tagged with the network group id in hex (spec.md §4.6).
func BuildGroupMessageEvent(networkGroupIDHex string, ciphertext []byte) (nostr.Tags, string) {
	tags := nostr.Tags{{"h", networkGroupIDHex}}
	content := encoding.EncodeContent(ciphertext, encoding.ContentBase64)
	return tags, content
}

// ValidateGroupMessageEvent enforces the teacher's kind445handler
// requirement: an "h" tag carrying the group id.
func ValidateGroupMessageEvent(event *nostr.Event) error {
	if err := requireKind(event, KindGroupMessage); err != nil {
		return err
	}
	if _, ok := firstTagValue(event.Tags, "h"); !ok {
		return fmt.Errorf("%w: group message event missing h tag", mlserrors.ErrInvalidInput)
	}
	return nil
}

// ExtractGroupMessageEvent validates event and decodes its base64 content.
func ExtractGroupMessageEvent(event *nostr.Event) (groupIDHex string, ciphertext []byte, err error) {
	if err := ValidateGroupMessageEvent(event); err != nil {
		return "", nil, err
	}
	groupIDHex, _ = firstTagValue(event.Tags, "h")
	ciphertext, err = encoding.DecodeContent(event.Content, encoding.ContentBase64)
	if err != nil {
		return "", nil, fmt.Errorf("%w: group message content: %v", mlserrors.ErrDecodeFailure, err)
	}
	return groupIDHex, ciphertext, nil
}
