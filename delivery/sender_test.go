package delivery_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/xraph/herald/delivery"
)

func TestSenderTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("é", 6000)))
	}))
	defer srv.Close()

	sender := delivery.NewSender(nil, "", 0)
	res := sender.Send(ctx(), delivery.Request{URL: srv.URL, Secret: testSecret, Event: "a.b", Payload: []byte(`{}`)})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if n := utf8.RuneCountInString(res.Body); n != delivery.DefaultMaxResponseBody {
		t.Fatalf("expected %d characters, got %d", delivery.DefaultMaxResponseBody, n)
	}
	if !utf8.ValidString(res.Body) {
		t.Fatal("truncated body is not valid UTF-8")
	}
}

func TestSenderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	sender := delivery.NewSender(nil, "", 0)
	start := time.Now()
	res := sender.Send(ctx(), delivery.Request{
		URL:     srv.URL,
		Secret:  testSecret,
		Event:   "a.b",
		Payload: []byte(`{}`),
		Timeout: 100 * time.Millisecond,
	})
	if res.Err == nil {
		t.Fatal("expected a timeout error")
	}
	if !strings.Contains(res.Err.Error(), "timeout") {
		t.Fatalf("expected timeout in error, got %v", res.Err)
	}
	if res.Responded() {
		t.Fatalf("expected no status, got %d", res.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("send was not cancelled promptly: %s", elapsed)
	}
}

func TestSenderUserAgent(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.UserAgent()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := delivery.NewSender(nil, "acme-hooks/2", 0)
	res := sender.Send(ctx(), delivery.Request{URL: srv.URL, Secret: testSecret, Event: "a.b", Payload: []byte(`{}`)})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", res.StatusCode, res.Err)
	}
	if ua := <-received; ua != "acme-hooks/2" {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
