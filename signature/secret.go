package signature

import (
	"crypto/rand"
	"encoding/hex"
)

// SecretPrefix marks generated subscription secrets.
const SecretPrefix = "whsec_"

// GenerateSecret returns SecretPrefix followed by 32 random bytes in hex.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("signature: read random: " + err.Error())
	}
	return SecretPrefix + hex.EncodeToString(b)
}
