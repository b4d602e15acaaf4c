package signature_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/xraph/herald/signature"
)

func TestGenerateSecret(t *testing.T) {
	a := signature.GenerateSecret()
	b := signature.GenerateSecret()

	if a == b {
		t.Fatalf("two secrets were equal: %q", a)
	}
	if !strings.HasPrefix(a, signature.SecretPrefix) {
		t.Fatalf("missing prefix: %q", a)
	}
	raw := strings.TrimPrefix(a, signature.SecretPrefix)
	if len(raw) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(raw))
	}
	if _, err := hex.DecodeString(raw); err != nil {
		t.Fatalf("not hex: %v", err)
	}
}
