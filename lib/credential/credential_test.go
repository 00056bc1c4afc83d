package credential

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randIdentity(t *testing.T) []byte {
	t.Helper()
	id := make([]byte, IdentitySize)
	if _, err := rand.Read(id); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return id
}

func TestCreateAndPubkey(t *testing.T) {
	id := randIdentity(t)
	cred, err := Create(id)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := Pubkey(cred)
	if err != nil {
		t.Fatalf("Pubkey: %v", err)
	}
	if !bytes.Equal(got, id) {
		t.Errorf("pubkey mismatch")
	}
}

func TestCreateRejectsWrongLength(t *testing.T) {
	if _, err := Create([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short identity")
	}
}

func TestEqual(t *testing.T) {
	id := randIdentity(t)
	a, _ := Create(id)
	b, _ := Create(id)
	if !Equal(a, b) {
		t.Error("expected equal credentials")
	}

	c, _ := Create(randIdentity(t))
	if Equal(a, c) {
		t.Error("expected distinct credentials to differ")
	}
}

func TestAuthPolicyAcceptsBasic(t *testing.T) {
	cred, _ := Create(randIdentity(t))
	var policy AuthPolicy
	if !policy.ValidateCredential(cred, []byte("sig-pubkey")) {
		t.Error("expected basic credential to validate")
	}
}

func TestAuthPolicyRejectsNonBasic(t *testing.T) {
	cred := &Credential{Type: CredentialType(99)}
	var policy AuthPolicy
	if policy.ValidateCredential(cred, nil) {
		t.Error("expected non-basic credential to be rejected")
	}
}
