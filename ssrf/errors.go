package ssrf

import (
	"errors"
	"net/netip"
)

var (
	// ErrBlocked is matched by every *RejectedError.
	ErrBlocked = errors.New("ssrf: destination blocked")

	// ErrInvalidURL is matched by a *RejectedError caused by a malformed URL.
	ErrInvalidURL = errors.New("ssrf: invalid url")
)

// RejectedError describes why a destination was refused.
type RejectedError struct {
	URL    string
	Host   string
	Addr   netip.Addr
	Reason string

	invalid bool
}

func (e *RejectedError) Error() string {
	msg := "ssrf: " + e.Reason
	if e.Addr.IsValid() {
		msg += " " + e.Addr.String()
	}
	if e.Host != "" && (!e.Addr.IsValid() || e.Host != e.Addr.String()) {
		msg += " (host " + e.Host + ")"
	}
	return msg
}

// Is reports ErrBlocked for every rejection and ErrInvalidURL for parse failures.
func (e *RejectedError) Is(target error) bool {
	return target == ErrBlocked || (e.invalid && target == ErrInvalidURL)
}

// ResolveError reports that a host could not be resolved. It is not a policy
// rejection: senders treat it as a transport failure.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return "ssrf: resolve " + e.Host + ": " + e.Err.Error()
}

func (e *ResolveError) Unwrap() error { return e.Err }
