package providerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/lifecycle"
	"github.com/routecodex/gateway/internal/tokenstore"
)

type recordingSink struct {
	reports int
}

func (s *recordingSink) Report(requestID string, err error) { s.reports++ }

func TestSendInjectsBearerAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	if err := store.Write(path, tokenstore.Record{AccessToken: "tok-abc", ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mgr := lifecycle.NewManager(store, srv.Client(), time.Minute)
	auth := lifecycle.Auth{Provider: "qwen", Path: path}
	profile := gwconfig.ProviderProfile{BaseURL: srv.URL, Endpoint: "/chat"}
	client := New("qwen", profile, srv.Client(), mgr, auth, gwerrors.NoopSink{})

	_, _, err := client.Send(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("expected Bearer token header, got %q", gotAuth)
	}
}

func TestSendClassifiesServerErrorAsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	if err := store.Write(path, tokenstore.Record{AccessToken: "tok-abc", ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mgr := lifecycle.NewManager(store, srv.Client(), time.Minute)
	auth := lifecycle.Auth{Provider: "qwen", Path: path}
	profile := gwconfig.ProviderProfile{BaseURL: srv.URL, Endpoint: "/chat"}
	sink := &recordingSink{}
	client := New("qwen", profile, srv.Client(), mgr, auth, sink)

	_, _, err := client.Send(context.Background(), []byte(`{}`))
	if err == nil {
		t.Fatalf("expected error for 503 response")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected 503 to classify as retryable, got %v", err)
	}
	if sink.reports != 1 {
		t.Fatalf("expected exactly one sink report, got %d", sink.reports)
	}
}

func TestSendRetriesOnceAfterRepaired401(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`invalid_token`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	if err := store.Write(path, tokenstore.Record{AccessToken: "tok-abc", RefreshToken: "r", ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mgr := lifecycle.NewManager(store, srv.Client(), 0)
	auth := lifecycle.Auth{Provider: "qwen", Path: path, Static: true}
	profile := gwconfig.ProviderProfile{BaseURL: srv.URL, Endpoint: "/chat"}
	client := New("qwen", profile, srv.Client(), mgr, auth, gwerrors.NoopSink{})

	_, _, err := client.Send(context.Background(), []byte(`{}`))
	// Static auth's HandleUpstreamInvalidOAuthToken path still recognizes the
	// 401 and attempts EnsureValidToken, which for a static credential is a
	// cheap re-read rather than a network refresh; the retry should succeed.
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (initial + one retry), got %d", attempts)
	}
}
