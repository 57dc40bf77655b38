package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/routecodex/gateway/internal/lifecycle"
	"github.com/routecodex/gateway/internal/oauthflow"
	"github.com/routecodex/gateway/internal/tokenstore"
)

func TestConsiderTokenSkipsWhenOutsideRefreshAheadWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	rec := tokenstore.Record{AccessToken: "a", RefreshToken: "r", ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}
	if err := store.Write(path, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	refreshCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalled = true
		_, _ = w.Write([]byte(`{"access_token":"new","refresh_token":"new-r","expires_in":3600}`))
	}))
	defer srv.Close()

	mgr := lifecycle.NewManager(store, srv.Client(), time.Minute)
	cfg := DefaultConfig()
	auth := lifecycle.Auth{Provider: "qwen", Path: path, Endpoints: &oauthflow.Endpoints{ClientID: "cid", TokenURL: srv.URL}}
	d := New(cfg, mgr, store, dir, func() []lifecycle.Auth { return []lifecycle.Auth{auth} })

	d.considerToken(context.Background(), auth)
	if refreshCalled {
		t.Fatalf("expected no refresh for a token far from expiry")
	}
}

func TestConsiderTokenRefreshesWithinWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	rec := tokenstore.Record{AccessToken: "a", RefreshToken: "r", ExpiresAtMs: time.Now().Add(30 * time.Second).UnixMilli()}
	if err := store.Write(path, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"new","refresh_token":"new-r","expires_in":3600}`))
	}))
	defer srv.Close()

	mgr := lifecycle.NewManager(store, srv.Client(), time.Minute)
	cfg := DefaultConfig()
	auth := lifecycle.Auth{Provider: "qwen", Path: path, Endpoints: &oauthflow.Endpoints{ClientID: "cid", TokenURL: srv.URL}}
	d := New(cfg, mgr, store, dir, func() []lifecycle.Auth { return []lifecycle.Auth{auth} })

	d.considerToken(context.Background(), auth)

	persisted, ok, err := store.Read(path)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if persisted.AccessToken != "new" {
		t.Fatalf("expected refreshed token, got %+v", persisted)
	}
}

func TestConsiderTokenAutoSuspendsAfterRepeatedUserTimeouts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	rec := tokenstore.Record{AccessToken: "a", RefreshToken: "r", ExpiresAtMs: time.Now().Add(30 * time.Second).UnixMilli()}
	if err := store.Write(path, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	mgr := lifecycle.NewManager(store, srv.Client(), 0)
	cfg := DefaultConfig()
	cfg.PerTokenThrottle = 0
	cfg.MaxUserTimeoutsBeforeSuspend = 2
	auth := lifecycle.Auth{Provider: "qwen", Path: path, Endpoints: &oauthflow.Endpoints{ClientID: "cid", TokenURL: srv.URL}}
	d := New(cfg, mgr, store, dir, func() []lifecycle.Auth { return []lifecycle.Auth{auth} })

	key := auth.Provider + "|" + auth.Path
	mtime, _ := store.Mtime(path)
	d.mu.Lock()
	d.history[key] = &tokenHistory{}
	d.mu.Unlock()

	err := errUserTimeout("timed out waiting for oauth callback")
	d.recordOutcome(key, auth, mtime, err)
	d.recordOutcome(key, auth, mtime, err)

	if !d.IsSuspended(auth.Provider, auth.Path) {
		t.Fatalf("expected auto-suspend after repeated user-timeout failures")
	}
}

type errUserTimeout string

func (e errUserTimeout) Error() string { return string(e) }
