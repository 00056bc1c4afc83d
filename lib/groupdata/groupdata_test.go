package groupdata

import (
	"bytes"
	"strings"
	"testing"
)

func sampleData() *Data {
	var gid [GroupIDSize]byte
	for i := range gid {
		gid[i] = byte(i)
	}
	return &Data{
		Version:      Version,
		GroupID:      gid,
		Name:         "book club",
		Description:  "monthly reads",
		AdminPubkeys: []string{"a1b2c3d4e5f6071829a1b2c3d4e5f6071829a1b2c3d4e5f6071829a1b2c3d4e5"},
		Relays:       []string{"wss://relay.example.com"},
	}
}

func TestRoundTrip(t *testing.T) {
	want := sampleData()
	got, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != want.Name || got.Description != want.Description {
		t.Errorf("name/description mismatch: %+v", got)
	}
	if !bytes.Equal(got.GroupID[:], want.GroupID[:]) {
		t.Errorf("group id mismatch")
	}
	if len(got.AdminPubkeys) != 1 || got.AdminPubkeys[0] != want.AdminPubkeys[0] {
		t.Errorf("admin list mismatch: %v", got.AdminPubkeys)
	}
}

func TestRoundTripWithImageFields(t *testing.T) {
	want := sampleData()
	want.ImageHash = bytes.Repeat([]byte{1}, ImageHashSize)
	want.ImageKey = bytes.Repeat([]byte{2}, ImageKeySize)
	want.ImageNonce = bytes.Repeat([]byte{3}, ImageNonceSize)

	got, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.ImageHash, want.ImageHash) || !bytes.Equal(got.ImageKey, want.ImageKey) || !bytes.Equal(got.ImageNonce, want.ImageNonce) {
		t.Errorf("image fields mismatch: %+v", got)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	want := sampleData()
	raw := Encode(want)
	raw[0] = 2
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected version error")
	}
}

func TestDecodeRejectsMalformedAdmin(t *testing.T) {
	want := sampleData()
	want.AdminPubkeys = []string{"not-hex"}
	if _, err := Decode(Encode(want)); err == nil {
		t.Fatal("expected malformed admin error")
	}
}

func TestDecodeRejectsMalformedRelay(t *testing.T) {
	want := sampleData()
	want.Relays = []string{"not a url"}
	if _, err := Decode(Encode(want)); err == nil {
		t.Fatal("expected malformed relay error")
	}
}

func TestIsAdminCaseInsensitive(t *testing.T) {
	d := sampleData()
	if !IsAdmin(d, strings.ToUpper(d.AdminPubkeys[0])) {
		t.Error("expected case-insensitive admin match")
	}
	if IsAdmin(d, "0000000000000000000000000000000000000000000000000000000000000000") {
		t.Error("expected non-admin identity to not match")
	}
}
