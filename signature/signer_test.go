package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/xraph/herald/signature"
)

func TestSignKnownVector(t *testing.T) {
	payload := []byte(`{"order_id":"ord_1","total":4200}`)
	secret := "whsec_vector"
	ts := int64(1700000000123)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("1700000000123." + string(payload)))
	want := "v1=" + hex.EncodeToString(mac.Sum(nil))

	if got := signature.Sign(secret, ts, payload); got != want {
		t.Fatalf("Sign() = %q, want %q", got, want)
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"a":1}`)
	secret := "whsec_verify"
	ts := int64(1700000000000)
	sig := signature.Sign(secret, ts, payload)

	tests := []struct {
		name    string
		secret  string
		ts      int64
		payload []byte
		want    bool
	}{
		{"valid", secret, ts, payload, true},
		{"tampered payload", secret, ts, []byte(`{"a":2}`), false},
		{"wrong secret", "whsec_other", ts, payload, false},
		{"wrong timestamp", secret, ts + 1, payload, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signature.Verify(tt.secret, tt.ts, tt.payload, sig); got != tt.want {
				t.Fatalf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyWithTolerance(t *testing.T) {
	payload := []byte(`{"ok":true}`)
	secret := "whsec_tol"
	now := time.UnixMilli(1700000000000)
	ts := now.Add(-2 * time.Minute).UnixMilli()
	sig := signature.Sign(secret, ts, payload)
	header := strconv.FormatInt(ts, 10)

	if err := signature.VerifyWithTolerance(secret, header, payload, sig, now, 5*time.Minute); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := signature.VerifyWithTolerance(secret, header, payload, sig, now, time.Minute); !errors.Is(err, signature.ErrTimestampOutOfRange) {
		t.Fatalf("expected ErrTimestampOutOfRange, got %v", err)
	}
	if err := signature.VerifyWithTolerance(secret, "abc", payload, sig, now, time.Minute); !errors.Is(err, signature.ErrMalformedTimestamp) {
		t.Fatalf("expected ErrMalformedTimestamp, got %v", err)
	}
	if err := signature.VerifyWithTolerance(secret, header, []byte(`{}`), sig, now, 5*time.Minute); !errors.Is(err, signature.ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestSignatureFormat(t *testing.T) {
	sig := signature.Sign("s", 1, []byte("x"))
	if len(sig) != len("v1=")+64 || sig[:3] != "v1=" {
		t.Fatalf("unexpected format %q", sig)
	}
}

func TestIsReserved(t *testing.T) {
	for _, name := range []string{"x-herald-signature", "X-HERALD-TIMESTAMP", "content-type", "X-Herald-Event"} {
		if !signature.IsReserved(name) {
			t.Errorf("%q should be reserved", name)
		}
	}
	if signature.IsReserved("X-Custom-Trace") {
		t.Error("custom header reported as reserved")
	}
}
