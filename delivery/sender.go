package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/xraph/herald/signature"
	"github.com/xraph/herald/ssrf"
)

// DefaultMaxResponseBody is the number of characters of a response body kept
// on the delivery record.
const DefaultMaxResponseBody = 5000

// Request is one outbound webhook call.
type Request struct {
	URL        string
	Secret     string
	Event      string
	DeliveryID string
	Headers    map[string]string
	Payload    []byte
	Timeout    time.Duration
}

// Result is the outcome of one physical send. StatusCode is zero when no
// response was received.
type Result struct {
	StatusCode int
	Body       string
	Err        error
	LatencyMs  int
	Timestamp  int64
	Signature  string
}

// Responded reports whether the receiver answered at all.
func (r Result) Responded() bool { return r.StatusCode != 0 }

// Sender performs signed HTTP POSTs.
type Sender struct {
	client    *http.Client
	userAgent string
	maxBody   int
	now       func() time.Time
}

// NewSender wraps client. A nil client gets a guarded default transport
// without SSRF dial checks; use NewTransport to add them.
func NewSender(client *http.Client, userAgent string, maxBody int) *Sender {
	if client == nil {
		client = &http.Client{Transport: NewTransport(nil)}
	}
	if client.CheckRedirect == nil {
		// Redirects are answered as-is; following them would bypass URL validation.
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	if userAgent == "" {
		userAgent = "Herald/1.0"
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBody
	}
	return &Sender{
		client:    client,
		userAgent: userAgent,
		maxBody:   maxBody,
		now:       time.Now,
	}
}

// NewTransport returns an HTTP transport whose dialer refuses addresses the
// guard blocks. guard may be nil.
func NewTransport(guard *ssrf.Guard) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if guard != nil {
		dialer.Control = guard.DialControl
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Send signs and posts req. The request is cancelled when req.Timeout
// elapses; that surfaces as a transport error in Result.Err.
func (s *Sender) Send(ctx context.Context, req Request) Result {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	ts := s.now().UnixMilli()
	sig := signature.Sign(req.Secret, ts, req.Payload)
	res := Result{Timestamp: ts, Signature: sig}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}

	// Custom headers go first so the reserved ones below overwrite any collision.
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", s.userAgent)
	httpReq.Header.Set(signature.HeaderSignature, sig)
	httpReq.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))
	httpReq.Header.Set(signature.HeaderEvent, req.Event)
	if req.DeliveryID != "" {
		httpReq.Header.Set(signature.HeaderDeliveryID, req.DeliveryID)
	} else {
		httpReq.Header.Del(signature.HeaderDeliveryID)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq) //nolint:gosec // destination is validated by the SSRF guard
	res.LatencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = fmt.Errorf("timeout after %s: %w", req.Timeout, err)
		} else {
			res.Err = err
		}
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxBody)*utf8.UTFMax))
	res.Body = truncate(raw, s.maxBody)
	if readErr != nil {
		res.Err = fmt.Errorf("read response: %w", readErr)
	}
	// Drain a little more so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return res
}

// truncate returns at most n characters of b as valid UTF-8.
func truncate(b []byte, n int) string {
	if utf8.RuneCount(b) <= n {
		return string(bytes.ToValidUTF8(b, nil))
	}
	out := make([]rune, 0, n)
	for len(b) > 0 && len(out) < n {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size > 1 {
			out = append(out, r)
		}
		b = b[size:]
	}
	return string(out)
}
