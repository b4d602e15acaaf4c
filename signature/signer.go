// Package signature signs outbound webhook bodies and verifies them on the
// receiving side.
//
// The signed content is "{timestamp}.{body}" where timestamp is the Unix time
// in milliseconds carried in the X-Herald-Timestamp header. The signature is
// HMAC-SHA256 keyed by the subscription secret, hex encoded and versioned:
// "v1=<hex>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Header names of the outbound wire contract.
const (
	HeaderSignature  = "X-Herald-Signature"
	HeaderTimestamp  = "X-Herald-Timestamp"
	HeaderEvent      = "X-Herald-Event"
	HeaderDeliveryID = "X-Herald-Delivery-ID"
)

// Version is the scheme tag prepended to every signature.
const Version = "v1"

var (
	// ErrSignatureMismatch is returned when the signature does not match the body.
	ErrSignatureMismatch = errors.New("signature: mismatch")

	// ErrTimestampOutOfRange is returned when the timestamp is outside the tolerance window.
	ErrTimestampOutOfRange = errors.New("signature: timestamp outside tolerance")

	// ErrMalformedTimestamp is returned when the timestamp header is not an integer.
	ErrMalformedTimestamp = errors.New("signature: malformed timestamp")
)

// Sign returns "v1=" + hex(HMAC-SHA256(secret, "{timestampMillis}.{payload}")).
func Sign(secret string, timestampMillis int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(strconv.AppendInt(nil, timestampMillis, 10))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return Version + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of payload at timestampMillis.
// The comparison is constant time.
func Verify(secret string, timestampMillis int64, payload []byte, sig string) bool {
	expected := Sign(secret, timestampMillis, payload)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// VerifyWithTolerance checks a received request the way a receiver should:
// the timestamp header must parse, lie within tolerance of now, and the
// signature must match the raw body.
func VerifyWithTolerance(secret, timestampHeader string, payload []byte, sig string, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return ErrMalformedTimestamp
	}
	skew := now.Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if tolerance > 0 && skew > tolerance {
		return ErrTimestampOutOfRange
	}
	if !Verify(secret, ts, payload, sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// ReservedHeaders are set by the sender on every request and take precedence
// over subscription custom headers.
var ReservedHeaders = []string{
	"Content-Type",
	"User-Agent",
	HeaderSignature,
	HeaderTimestamp,
	HeaderEvent,
	HeaderDeliveryID,
}

// IsReserved reports whether name (in any case) is a reserved header.
func IsReserved(name string) bool {
	canon := http.CanonicalHeaderKey(name)
	for _, h := range ReservedHeaders {
		if http.CanonicalHeaderKey(h) == canon {
			return true
		}
	}
	return false
}
