// Package keys generates and persists the symmetric secrets this module
// needs outside the MLS key schedule itself: the optional image encryption
// key/nonce carried in the group data extension (spec.md §3's imageKey and
// imageNonce fields). Adapted from the teacher's lib/encryption/keys, which
// generated Bitcoin-style asymmetric keys for an unrelated wallet feature;
// that asymmetric/WIF machinery has no counterpart here; what survives is
// the crypto/rand-backed generation and hex file persistence shape.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// ImageKeySize and ImageNonceSize match lib/groupdata's optional image
// fields and lib/convkey's ChaCha20-Poly1305 cipher, which this module
// reuses for group-image encryption rather than introducing a second
// symmetric construction.
const (
	ImageKeySize   = 32
	ImageNonceSize = 12
)

// GenerateSymmetricKey returns n cryptographically random bytes, used for
// the group data extension's optional imageKey field and any other
// module-internal symmetric secret.
func GenerateSymmetricKey(n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// GenerateImageKey returns a fresh key/nonce pair sized for the group data
// extension's optional image fields.
func GenerateImageKey() (key, nonce []byte, err error) {
	key, err = GenerateSymmetricKey(ImageKeySize)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = GenerateSymmetricKey(ImageNonceSize)
	if err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

func SaveHexFile(filename string, data []byte) error {
	hexData := hex.EncodeToString(data)
	return os.WriteFile(filename, []byte(hexData), 0600)
}

func LoadHexFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(string(data))
}
