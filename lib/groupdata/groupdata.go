// Package groupdata encodes and decodes the group-data extension: a binary
// blob of type 0xf2ee embedded as an MLS group-context extension, carrying
// the metadata and admin list the rest of the module reasons about (spec.md
// §3/§4.2). Layout is fixed wire format, not a self-describing encoding, so
// it is hand-rolled over lib/encoding rather than cbor/json, the way the
// teacher reaches for a purpose-built codec (lib/stores/kvp/bbolt's
// bucket-list index) only where a generic one fits.
package groupdata

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/HORNET-Storage/nostr-mls/lib/encoding"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// ExtensionType is the MLS group-context extension type this package owns.
const ExtensionType uint16 = 0xf2ee

// Version is the only version this package can decode.
const Version uint8 = 1

// GroupIDSize is the fixed length of the network group id.
const GroupIDSize = 32

// ImageHashSize, ImageKeySize, ImageNonceSize are the fixed lengths of the
// optional image fields when present.
const (
	ImageHashSize  = 32
	ImageKeySize   = 32
	ImageNonceSize = 12
)

// Data is the decoded group-data extension.
type Data struct {
	Version     uint8
	GroupID     [GroupIDSize]byte
	Name        string
	Description string
	AdminPubkeys []string // lowercase hex, 64 chars each
	Relays      []string
	ImageHash   []byte // 0 or ImageHashSize bytes
	ImageKey    []byte // 0 or ImageKeySize bytes
	ImageNonce  []byte // 0 or ImageNonceSize bytes
}

// Encode serializes data per the fixed layout in spec order: version,
// groupId, name, description, admin list, relays, optional image fields.
// Encoding is total: it never fails.
func Encode(data *Data) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, data.Version)
	buf = append(buf, data.GroupID[:]...)
	buf = encoding.WriteString(buf, data.Name)
	buf = encoding.WriteString(buf, data.Description)
	buf = encoding.WriteStringArray(buf, data.AdminPubkeys)
	buf = encoding.WriteStringArray(buf, data.Relays)
	buf = encoding.WriteBytes(buf, data.ImageHash)
	buf = encoding.WriteBytes(buf, data.ImageKey)
	buf = encoding.WriteBytes(buf, data.ImageNonce)
	return buf
}

// Decode parses the extension payload, validating every invariant named in
// spec.md §3/§4.2.
func Decode(raw []byte) (*Data, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty group data extension", mlserrors.ErrDecodeFailure)
	}

	off := 0
	version := raw[off]
	off++
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported group data version %d", mlserrors.ErrDecodeFailure, version)
	}

	if off+GroupIDSize > len(raw) {
		return nil, fmt.Errorf("%w: short group id", mlserrors.ErrDecodeFailure)
	}
	var groupID [GroupIDSize]byte
	copy(groupID[:], raw[off:off+GroupIDSize])
	off += GroupIDSize

	name, off, err := encoding.ReadString(raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: name: %v", mlserrors.ErrDecodeFailure, err)
	}

	description, off, err := encoding.ReadString(raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: description: %v", mlserrors.ErrDecodeFailure, err)
	}

	admins, off, err := encoding.ReadStringArray(raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: admin list: %v", mlserrors.ErrDecodeFailure, err)
	}
	for _, a := range admins {
		if !isValidHexIdentity(a) {
			return nil, fmt.Errorf("%w: malformed admin identity %q", mlserrors.ErrDecodeFailure, a)
		}
	}

	relays, off, err := encoding.ReadStringArray(raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: relay hints: %v", mlserrors.ErrDecodeFailure, err)
	}
	for _, r := range relays {
		if !isValidRelayURL(r) {
			return nil, fmt.Errorf("%w: malformed relay url %q", mlserrors.ErrDecodeFailure, r)
		}
	}

	imageHash, off, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: image hash: %v", mlserrors.ErrDecodeFailure, err)
	}
	if len(imageHash) != 0 && len(imageHash) != ImageHashSize {
		return nil, fmt.Errorf("%w: image hash has length %d, want %d", mlserrors.ErrDecodeFailure, len(imageHash), ImageHashSize)
	}

	imageKey, off, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: image key: %v", mlserrors.ErrDecodeFailure, err)
	}
	if len(imageKey) != 0 && len(imageKey) != ImageKeySize {
		return nil, fmt.Errorf("%w: image key has length %d, want %d", mlserrors.ErrDecodeFailure, len(imageKey), ImageKeySize)
	}

	imageNonce, _, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: image nonce: %v", mlserrors.ErrDecodeFailure, err)
	}
	if len(imageNonce) != 0 && len(imageNonce) != ImageNonceSize {
		return nil, fmt.Errorf("%w: image nonce has length %d, want %d", mlserrors.ErrDecodeFailure, len(imageNonce), ImageNonceSize)
	}

	return &Data{
		Version:      version,
		GroupID:      groupID,
		Name:         name,
		Description:  description,
		AdminPubkeys: admins,
		Relays:       relays,
		ImageHash:    emptyToNil(imageHash),
		ImageKey:     emptyToNil(imageKey),
		ImageNonce:   emptyToNil(imageNonce),
	}, nil
}

// IsAdmin reports whether identity (lowercase or uppercase hex) appears in
// data's admin list, case-insensitively.
func IsAdmin(data *Data, identity string) bool {
	for _, a := range data.AdminPubkeys {
		if strings.EqualFold(a, identity) {
			return true
		}
	}
	return false
}

func isValidHexIdentity(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func isValidRelayURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}

func emptyToNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
