package whttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSendHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Timeout: 5 * time.Second, UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	res, err := c.SendHTTPRequest(context.Background(), &WHTTPReq{
		Method:   http.MethodPost,
		URL:      srv.URL,
		Body:     []byte(`{"ok":true}`),
		User:     "admin",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("SendHTTPRequest: %v", err)
	}
	if res.StatusCode != http.StatusCreated || !res.OK() {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
	if res.BodyString != `{"ok":true}` {
		t.Fatalf("unexpected body %q", res.BodyString)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{RetryMax: 2, Log: logrus.New()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.rc.RetryWaitMin = time.Millisecond
	c.rc.RetryWaitMax = time.Millisecond

	res, err := c.SendHTTPRequest(context.Background(), &WHTTPReq{URL: srv.URL})
	if err != nil {
		t.Fatalf("SendHTTPRequest: %v", err)
	}
	if res.StatusCode != http.StatusOK || calls != 2 {
		t.Fatalf("expected success on second call, got status=%d calls=%d", res.StatusCode, calls)
	}
}

func TestInvalidProxy(t *testing.T) {
	if _, err := NewClient(ClientConfig{Proxy: "://bad"}); err == nil {
		t.Fatalf("expected proxy parse error")
	}
}

func TestExhaustedRetriesReturnLastStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	res, err := c.SendHTTPRequest(context.Background(), &WHTTPReq{URL: srv.URL})
	if err != nil {
		t.Fatalf("SendHTTPRequest: %v", err)
	}
	if res.StatusCode != http.StatusServiceUnavailable || res.OK() {
		t.Fatalf("expected 503 passthrough, got %d", res.StatusCode)
	}
}
