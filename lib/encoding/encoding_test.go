package encoding

import "testing"

func TestBytesRoundTrip(t *testing.T) {
	buf := WriteBytes(nil, []byte("hello world"))
	got, next, err := ReadBytes(buf, 0)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
	if next != len(buf) {
		t.Errorf("next = %d, want %d", next, len(buf))
	}
}

func TestStringArrayRoundTrip(t *testing.T) {
	items := []string{"wss://relay.one", "wss://relay.two", ""}
	buf := WriteStringArray(nil, items)
	got, _, err := ReadStringArray(buf, 0)
	if err != nil {
		t.Fatalf("ReadStringArray: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	for i := range items {
		if got[i] != items[i] {
			t.Errorf("item %d = %q, want %q", i, got[i], items[i])
		}
	}
}

func TestReadBytesShortInput(t *testing.T) {
	if _, _, err := ReadBytes([]byte{0, 0, 0, 10, 1, 2}, 0); err == nil {
		t.Fatal("expected short input error")
	}
}

func TestContentEncodingRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}

	for _, enc := range []ContentEncoding{ContentHex, ContentBase64} {
		encoded := EncodeContent(data, enc)
		decoded, err := DecodeContent(encoded, enc)
		if err != nil {
			t.Fatalf("DecodeContent(%s): %v", enc, err)
		}
		if string(decoded) != string(data) {
			t.Errorf("%s round trip mismatch", enc)
		}
	}
}
