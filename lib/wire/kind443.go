package wire

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/nostr-mls/lib/encoding"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// KeyPackageEvent is the parsed form of a kind-443 publication envelope.
type KeyPackageEvent struct {
	Raw           []byte
	ProtocolVer   string
	CipherSuite   string
	ExtensionHex  []string
	ContentEncoding encoding.ContentEncoding
	Relays        []string
	Client        string
}

// BuildKeyPackageEvent builds an unsigned kind-443 event. Declared
// extensions is the union of the key package's extensions and leaf
// capabilities minus grease values, already filtered by the caller
// (lib/keypackage), per spec.md §4.4.
func BuildKeyPackageEvent(protocolVersion, cipherSuiteHex string, extensionHex []string, raw []byte, relays []string, client string, createdAt int64) (nostr.Tags, string) {
	tags := nostr.Tags{
		{"mls_protocol_version", protocolVersion},
		{"mls_ciphersuite", cipherSuiteHex},
		{"encoding", string(encoding.ContentBase64)},
	}
	if len(extensionHex) > 0 {
		tags = append(tags, append(nostr.Tag{"extensions"}, extensionHex...))
	}
	if len(relays) > 0 {
		tags = append(tags, append(nostr.Tag{"relays"}, relays...))
	}
	if client != "" {
		tags = append(tags, nostr.Tag{"client", client})
	}
	content := encoding.EncodeContent(raw, encoding.ContentBase64)
	return tags, content
}

// ValidateKeyPackageEvent checks the required tags the teacher's
// kind443handler enforces: mls_protocol_version, mls_ciphersuite, encoding.
func ValidateKeyPackageEvent(event *nostr.Event) error {
	if err := requireKind(event, KindKeyPackage); err != nil {
		return err
	}
	if _, ok := firstTagValue(event.Tags, "mls_protocol_version"); !ok {
		return fmt.Errorf("%w: key package event missing mls_protocol_version tag", mlserrors.ErrInvalidInput)
	}
	if _, ok := firstTagValue(event.Tags, "mls_ciphersuite"); !ok {
		return fmt.Errorf("%w: key package event missing mls_ciphersuite tag", mlserrors.ErrInvalidInput)
	}
	if _, ok := firstTagValue(event.Tags, "encoding"); !ok {
		return fmt.Errorf("%w: key package event missing encoding tag", mlserrors.ErrInvalidInput)
	}
	return nil
}

// ExtractKeyPackageEvent validates event and decodes its content per its
// declared encoding tag: base64 when the tag says "base64", hex for any
// other value. Events without the tag fail validation.
func ExtractKeyPackageEvent(event *nostr.Event) (*KeyPackageEvent, error) {
	if err := ValidateKeyPackageEvent(event); err != nil {
		return nil, err
	}

	encName, _ := firstTagValue(event.Tags, "encoding")
	contentEncoding := encoding.ContentHex
	if encName == string(encoding.ContentBase64) {
		contentEncoding = encoding.ContentBase64
	}

	raw, err := encoding.DecodeContent(event.Content, contentEncoding)
	if err != nil {
		return nil, fmt.Errorf("%w: key package content: %v", mlserrors.ErrDecodeFailure, err)
	}

	protocolVer, _ := firstTagValue(event.Tags, "mls_protocol_version")
	cipherSuite, _ := firstTagValue(event.Tags, "mls_ciphersuite")
	client, _ := firstTagValue(event.Tags, "client")

	var extensionHex, relays []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "extensions" {
			extensionHex = tag[1:]
		}
		if len(tag) >= 2 && tag[0] == "relays" {
			relays = tag[1:]
		}
	}

	return &KeyPackageEvent{
		Raw:             raw,
		ProtocolVer:     protocolVer,
		CipherSuite:     cipherSuite,
		ExtensionHex:    extensionHex,
		ContentEncoding: contentEncoding,
		Relays:          relays,
		Client:          client,
	}, nil
}

// BuildDeletionEvent builds the unsigned NIP-09 deletion (kind 5) tags for
// one or more deleted kind-443 event ids, per spec.md §4.4's "Deletion
// envelope".
func BuildDeletionEvent(eventIDs []string) nostr.Tags {
	tags := nostr.Tags{{"k", fmt.Sprintf("%d", KindKeyPackage)}}
	for _, id := range eventIDs {
		tags = append(tags, nostr.Tag{"e", id})
	}
	return tags
}

// ValidateDeletionEvent checks the teacher's kind5handler ownership rule:
// for each "e" tag, the referenced event's author must match the deletion
// event's author. resolveAuthor looks up the original event's pubkey hex.
func ValidateDeletionEvent(event *nostr.Event, resolveAuthor func(eventID string) (string, error)) ([]string, error) {
	if err := requireKind(event, KindDeletion); err != nil {
		return nil, err
	}
	ids := allTagValues(event.Tags, "e")
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: deletion event has no e tags", mlserrors.ErrInvalidInput)
	}

	owned := make([]string, 0, len(ids))
	for _, id := range ids {
		author, err := resolveAuthor(id)
		if err != nil {
			continue
		}
		if author == event.PubKey {
			owned = append(owned, id)
		}
	}
	return owned, nil
}

