package oauthflow

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewPKCEPairChallengeMatchesVerifier(t *testing.T) {
	pair, err := NewPKCEPair()
	if err != nil {
		t.Fatalf("NewPKCEPair: %v", err)
	}
	if pair.Verifier == "" || pair.Challenge == "" {
		t.Fatalf("expected non-empty verifier/challenge, got %+v", pair)
	}
	other, _ := NewPKCEPair()
	if other.Verifier == pair.Verifier {
		t.Fatalf("expected distinct verifiers across calls")
	}
}

func TestResolvePrecedenceOverrideWinsOverBuiltin(t *testing.T) {
	eff := Resolve("qwen", &Endpoints{ClientID: "override-id"})
	if eff.ClientID != "override-id" {
		t.Fatalf("override did not win: %+v", eff)
	}
	if eff.TokenURL == "" {
		t.Fatalf("builtin default TokenURL should survive when override leaves it empty")
	}
}

func TestResolveUnknownProviderYieldsEmptyDefaults(t *testing.T) {
	eff := Resolve("unknown-provider", nil)
	if eff.ClientID != "" || eff.TokenURL != "" {
		t.Fatalf("expected zero-value endpoints for unknown provider, got %+v", eff)
	}
}

func TestDeviceCodeFlowPollSlowDownBacksOffThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"slow_down"}`))
		case 2:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"authorization_pending"}`))
		default:
			_, _ = w.Write([]byte(`{"access_token":"tok-1","refresh_token":"ref-1","expires_in":3600}`))
		}
	}))
	defer srv.Close()

	flow := &DeviceCodeFlow{
		Provider:   "qwen",
		Endpoints:  Endpoints{ClientID: "cid", TokenURL: srv.URL},
		HTTPClient: srv.Client(),
	}
	da := &DeviceAuthorization{DeviceCode: "dc-1", Interval: 1, ExpiresIn: 30}

	// slow_down raises the 1s interval to 6s, so the three polls take ~13s.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	rec, err := flow.Poll(ctx, da)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if rec.AccessToken != "tok-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 poll attempts (slow_down, pending, success), got %d", calls)
	}
}

func TestDeviceCodeFlowPollRejectsOnHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"access_denied"}`))
	}))
	defer srv.Close()

	flow := &DeviceCodeFlow{
		Provider:   "qwen",
		Endpoints:  Endpoints{ClientID: "cid", TokenURL: srv.URL},
		HTTPClient: srv.Client(),
	}
	da := &DeviceAuthorization{DeviceCode: "dc-1", Interval: 1, ExpiresIn: 30}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := flow.Poll(ctx, da); err == nil {
		t.Fatalf("expected hard rejection to stop polling")
	}
}

func TestAuthCodeFlowRunVerifiesStateMismatch(t *testing.T) {
	listenerPort := 18099
	f := &AuthCodeFlow{
		Provider:        "iflow",
		Endpoints:       Endpoints{ClientID: "cid", AuthorizeURL: "https://example.invalid/oauth", TokenURL: "https://example.invalid/oauth/token", RedirectURI: "http://127.0.0.1:18099/oauth2callback"},
		HTTPClient:      http.DefaultClient,
		CallbackTimeout: 3 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.Run(context.Background(), nil)
		done <- err
	}()

	// Give the listener a moment to bind before firing the mismatched callback.
	time.Sleep(150 * time.Millisecond)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/oauth2callback?code=abc&state=wrong", listenerPort))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected state mismatch error")
		}
		if !strings.Contains(err.Error(), "state mismatch") {
			t.Fatalf("expected state mismatch error, got: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("flow did not complete in time")
	}
}
