package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/pipeline"
	"github.com/routecodex/gateway/internal/pool"
)

type echoStage struct{}

func (e *echoStage) Initialize(ctx context.Context) error                   { return nil }
func (e *echoStage) Healthy() bool                                          { return true }
func (e *echoStage) Cleanup(ctx context.Context) error                      { return nil }
func (e *echoStage) Invoke(ctx context.Context, buf []byte) ([]byte, error) { return buf, nil }

func newTestServer(t *testing.T, apiKeys []string) *httptest.Server {
	t.Helper()
	mgr := pipeline.New(nil)
	cfg := &gwconfig.Config{
		Routes: []gwconfig.RouteDefinition{
			{ID: "echo", Pattern: gwconfig.RoutePattern{Model: "gpt-4"}, Modules: []gwconfig.ModuleSpec{{Type: "echo"}}},
		},
	}
	factories := map[string]pool.Factory{
		"echo": func(string, map[string]any) (pool.Instance, error) { return &echoStage{}, nil },
	}
	if err := mgr.Initialize(context.Background(), cfg, factories, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	portal := NewPortal("")
	s := NewServer(mgr, portal, apiKeys, gwconfig.StreamingConfig{})
	return httptest.NewServer(s.Engine)
}

// newDialectTestServer registers one route per entry endpoint against the
// same model name, so a test can confirm the router picks the route that
// matches the inbound dialect rather than aliasing them all together.
func newDialectTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mgr := pipeline.New(nil)
	cfg := &gwconfig.Config{
		Routes: []gwconfig.RouteDefinition{
			{ID: "chat", Pattern: gwconfig.RoutePattern{Model: "claude-3-opus", EntryEndpoint: gwconfig.EntryChatCompletions}, Modules: []gwconfig.ModuleSpec{{Type: "chat-tag"}}},
			{ID: "responses", Pattern: gwconfig.RoutePattern{Model: "claude-3-opus", EntryEndpoint: gwconfig.EntryResponses}, Modules: []gwconfig.ModuleSpec{{Type: "responses-tag"}}},
			{ID: "messages", Pattern: gwconfig.RoutePattern{Model: "claude-3-opus", EntryEndpoint: gwconfig.EntryMessages}, Modules: []gwconfig.ModuleSpec{{Type: "messages-tag"}}},
		},
	}
	factories := map[string]pool.Factory{
		"chat-tag":      func(string, map[string]any) (pool.Instance, error) { return &tagStage{tag: "chat"}, nil },
		"responses-tag": func(string, map[string]any) (pool.Instance, error) { return &tagStage{tag: "responses"}, nil },
		"messages-tag":  func(string, map[string]any) (pool.Instance, error) { return &tagStage{tag: "messages"}, nil },
	}
	if err := mgr.Initialize(context.Background(), cfg, factories, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	portal := NewPortal("")
	s := NewServer(mgr, portal, nil, gwconfig.StreamingConfig{})
	return httptest.NewServer(s.Engine)
}

// tagStage ignores its input buffer and returns a fixed tag, so a test can
// tell which route a request was dispatched through by reading the body back.
type tagStage struct{ tag string }

func (s *tagStage) Initialize(ctx context.Context) error { return nil }
func (s *tagStage) Healthy() bool                        { return true }
func (s *tagStage) Cleanup(ctx context.Context) error    { return nil }
func (s *tagStage) Invoke(ctx context.Context, buf []byte) ([]byte, error) {
	return []byte(`{"route":"` + s.tag + `"}`), nil
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestChatCompletionsRoutesThroughPipeline(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestChatCompletionsRejectsUnauthenticatedWhenAPIKeysConfigured(t *testing.T) {
	srv := newTestServer(t, []string{"secret-key"})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without API key, got %d", resp.StatusCode)
	}
}

func TestChatCompletionsAcceptsValidAPIKey(t *testing.T) {
	srv := newTestServer(t, []string{"secret-key"})
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	req.Header.Set("Authorization", "Bearer secret-key")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid API key, got %d", resp.StatusCode)
	}
}

func TestUnmatchedRouteReturnsBadGateway(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"unknown"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for unmatched route, got %d", resp.StatusCode)
	}
}

// TestDialectEndpointsRouteIndependently posts the same model name to all
// three dialect entry points and confirms each lands on its own route,
// proving the router distinguishes them instead of aliasing on model alone.
func TestDialectEndpointsRouteIndependently(t *testing.T) {
	srv := newDialectTestServer(t)
	defer srv.Close()

	cases := []struct {
		path string
		want string
	}{
		{"/v1/chat/completions", "chat"},
		{"/v1/responses", "responses"},
		{"/v1/messages", "messages"},
	}
	for _, tc := range cases {
		resp, err := http.Post(srv.URL+tc.path, "application/json", strings.NewReader(`{"model":"claude-3-opus"}`))
		if err != nil {
			t.Fatalf("POST %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s: expected 200, got %d (%s)", tc.path, resp.StatusCode, body)
		}
		if !strings.Contains(string(body), `"route":"`+tc.want+`"`) {
			t.Fatalf("POST %s: expected route %q, got %s", tc.path, tc.want, body)
		}
	}
}
