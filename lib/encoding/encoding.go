// Package encoding provides the length-prefixed binary codec the rest of
// the module builds on (group-data extension, key-package custody records,
// MLS client-state framing): 4-byte big-endian length-prefixed byte strings
// and string arrays, plus the base64/hex content codecs nostr event content
// is carried in. Modeled on the teacher's cbor-based bucket-list index in
// lib/stores/kvp/bbolt, generalized to a hand-rolled TLV codec because the
// wire format here (spec'd byte-for-byte, consumed by other implementations
// of the same protocol) cannot be a self-describing format like cbor/json.
package encoding

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// ErrShortInput is returned when a declared length exceeds the remaining
// input.
var ErrShortInput = fmt.Errorf("%w: short input", mlserrors.ErrDecodeFailure)

// WriteBytes appends a 4-byte big-endian length prefix followed by data.
func WriteBytes(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, data...)
	return buf
}

// WriteString is WriteBytes over the UTF-8 encoding of s.
func WriteString(buf []byte, s string) []byte {
	return WriteBytes(buf, []byte(s))
}

// ReadBytes reads a length-prefixed byte string starting at offset off,
// returning the bytes and the offset immediately following them.
func ReadBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, ErrShortInput
	}
	n := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if n < 0 || off+n > len(data) {
		return nil, 0, ErrShortInput
	}
	out := make([]byte, n)
	copy(out, data[off:off+n])
	return out, off + n, nil
}

// ReadString is ReadBytes interpreted as UTF-8.
func ReadString(data []byte, off int) (string, int, error) {
	b, next, err := ReadBytes(data, off)
	if err != nil {
		return "", 0, err
	}
	return string(b), next, nil
}

// WriteStringArray appends a u32 count followed by length-prefixed UTF-8
// strings.
func WriteStringArray(buf []byte, items []string) []byte {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(items)))
	buf = append(buf, countBuf[:]...)
	for _, s := range items {
		buf = WriteString(buf, s)
	}
	return buf
}

// ReadStringArray reads a u32-count-prefixed array of length-prefixed UTF-8
// strings.
func ReadStringArray(data []byte, off int) ([]string, int, error) {
	if off+4 > len(data) {
		return nil, 0, ErrShortInput
	}
	count := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if count < 0 {
		return nil, 0, ErrShortInput
	}

	items := make([]string, 0, count)
	for i := 0; i < count; i++ {
		s, next, err := ReadString(data, off)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
		off = next
	}
	return items, off, nil
}

// WriteUint64 appends a big-endian u64.
func WriteUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// ReadUint64 reads a big-endian u64 starting at off.
func ReadUint64(data []byte, off int) (uint64, int, error) {
	if off+8 > len(data) {
		return 0, 0, ErrShortInput
	}
	return binary.BigEndian.Uint64(data[off : off+8]), off + 8, nil
}

// ContentEncoding names the encoding used for event content, per spec's
// "base64" or legacy-default "hex".
type ContentEncoding string

const (
	ContentBase64 ContentEncoding = "base64"
	ContentHex    ContentEncoding = "hex"
)

// EncodeContent encodes data for an event's content field under enc.
func EncodeContent(data []byte, enc ContentEncoding) string {
	if enc == ContentBase64 {
		return base64.StdEncoding.EncodeToString(data)
	}
	return hex.EncodeToString(data)
}

// DecodeContent decodes an event's content field under enc. An empty enc
// defaults to hex, matching legacy events that predate the encoding tag.
func DecodeContent(content string, enc ContentEncoding) ([]byte, error) {
	if enc == ContentBase64 {
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("%w: base64 content: %v", mlserrors.ErrDecodeFailure, err)
		}
		return data, nil
	}
	data, err := hex.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: hex content: %v", mlserrors.ErrDecodeFailure, err)
	}
	return data, nil
}
