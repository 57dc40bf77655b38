package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routecodex/gateway/internal/oauthflow"
	"github.com/routecodex/gateway/internal/tokenstore"
)

func TestEnsureValidTokenReturnsCacheHitWithoutRefresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	rec := tokenstore.Record{AccessToken: "a", RefreshToken: "r", ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}
	if err := store.Write(path, rec); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	mgr := NewManager(store, http.DefaultClient, time.Minute)
	got, err := mgr.EnsureValidToken(context.Background(), Auth{Provider: "qwen", Path: path}, Options{})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if got.AccessToken != "a" {
		t.Fatalf("expected cached access token, got %+v", got)
	}
}

func TestEnsureValidTokenStaticAliasNeverRefreshes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "static.json")
	store := tokenstore.New()
	rec := tokenstore.Record{APIKey: "static-key"}
	if err := store.Write(path, rec); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	mgr := NewManager(store, http.DefaultClient, time.Minute)
	got, err := mgr.EnsureValidToken(context.Background(), Auth{Provider: "custom", Path: path, Static: true}, Options{})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if got.APIKey != "static-key" {
		t.Fatalf("expected static key passthrough, got %+v", got)
	}
}

func TestEnsureValidTokenSilentlyRefreshesNearExpiry(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	rec := tokenstore.Record{AccessToken: "old", RefreshToken: "r-1", ExpiresAtMs: time.Now().Add(10 * time.Second).UnixMilli()}
	if err := store.Write(path, rec); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	mgr := NewManager(store, tokenSrv.Client(), time.Minute)
	auth := Auth{Provider: "qwen", Path: path, Endpoints: &oauthflow.Endpoints{ClientID: "cid", TokenURL: tokenSrv.URL}}
	got, err := mgr.EnsureValidToken(context.Background(), auth, Options{})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Fatalf("expected refreshed access token, got %+v", got)
	}

	persisted, ok, err := store.Read(path)
	if err != nil || !ok {
		t.Fatalf("expected persisted refresh: ok=%v err=%v", ok, err)
	}
	if persisted.AccessToken != "new-access" {
		t.Fatalf("refresh not persisted: %+v", persisted)
	}
}

func TestEnsureValidTokenConcurrentCallsShareSingleFlight(t *testing.T) {
	var refreshCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := tokenstore.New()
	rec := tokenstore.Record{AccessToken: "old", RefreshToken: "r-1", ExpiresAtMs: time.Now().Add(10 * time.Second).UnixMilli()}
	if err := store.Write(path, rec); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	mgr := NewManager(store, tokenSrv.Client(), time.Minute)
	auth := Auth{Provider: "qwen", Path: path, Endpoints: &oauthflow.Endpoints{ClientID: "cid", TokenURL: tokenSrv.URL}}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.EnsureValidToken(context.Background(), auth, Options{}); err != nil {
				t.Errorf("EnsureValidToken: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected exactly one refresh call under single-flight, got %d", got)
	}
}

func TestHandleUpstreamInvalidOAuthTokenRecognizesStatus401(t *testing.T) {
	store := tokenstore.New()
	mgr := NewManager(store, http.DefaultClient, time.Minute)
	ok, _ := mgr.HandleUpstreamInvalidOAuthToken(context.Background(), Auth{Provider: "qwen", Path: filepath.Join(t.TempDir(), "missing.json"), Static: true}, 401, nil)
	if !ok {
		t.Fatalf("expected 401 to be recognized as auth invalidity")
	}
}

func TestHandleUpstreamInvalidOAuthTokenIgnoresUnrelatedError(t *testing.T) {
	store := tokenstore.New()
	mgr := NewManager(store, http.DefaultClient, time.Minute)
	ok, err := mgr.HandleUpstreamInvalidOAuthToken(context.Background(), Auth{Provider: "qwen", Path: "unused"}, 500, nil)
	if ok || err != nil {
		t.Fatalf("expected no recovery attempt for unrelated error, got ok=%v err=%v", ok, err)
	}
}
