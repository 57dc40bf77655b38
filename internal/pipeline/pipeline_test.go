package pipeline

import (
	"context"
	"testing"

	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/pool"
)

type echoStage struct {
	prefix string
}

func (e *echoStage) Initialize(ctx context.Context) error { return nil }
func (e *echoStage) Healthy() bool                        { return true }
func (e *echoStage) Cleanup(ctx context.Context) error     { return nil }
func (e *echoStage) Invoke(ctx context.Context, buf []byte) ([]byte, error) {
	return append([]byte(e.prefix), buf...), nil
}

func factories() map[string]pool.Factory {
	return map[string]pool.Factory{
		"stageA": func(moduleType string, config map[string]any) (pool.Instance, error) {
			return &echoStage{prefix: "A:"}, nil
		},
		"stageB": func(moduleType string, config map[string]any) (pool.Instance, error) {
			return &echoStage{prefix: "B:"}, nil
		},
	}
}

func testConfig() *gwconfig.Config {
	return &gwconfig.Config{
		Routes: []gwconfig.RouteDefinition{
			{ID: "r1", Pattern: gwconfig.RoutePattern{Model: "gpt-4"}, Modules: []gwconfig.ModuleSpec{{Type: "stageA"}, {Type: "stageB"}}},
		},
	}
}

func TestInitializeAndProcessRequestChainsStagesInOrder(t *testing.T) {
	m := New(nil)
	cfg := testConfig()
	if err := m.Initialize(context.Background(), cfg, factories(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	resp, err := m.ProcessRequest(context.Background(), Request{ID: "req-1", Body: []byte(`{"model":"gpt-4"}`)})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	got := string(resp.Body)
	if got != `B:A:{"model":"gpt-4"}` {
		t.Fatalf("unexpected chained output: %q", got)
	}
}

func TestProcessRequestReturnsRouteNotFoundForUnmatchedRequest(t *testing.T) {
	m := New(nil)
	cfg := testConfig()
	if err := m.Initialize(context.Background(), cfg, factories(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, err := m.ProcessRequest(context.Background(), Request{ID: "req-1", Body: []byte(`{"model":"unknown"}`)})
	if err == nil {
		t.Fatalf("expected route-not-found error")
	}
}

func TestInitializeRejectsToolsEntranceViolation(t *testing.T) {
	m := New(nil)
	cfg := &gwconfig.Config{
		Routes: []gwconfig.RouteDefinition{
			{ID: "a", Modules: []gwconfig.ModuleSpec{{Type: "stageA"}}},
			{ID: "b", Modules: []gwconfig.ModuleSpec{{Type: "stageA"}}},
		},
	}
	if err := m.Initialize(context.Background(), cfg, factories(), false); err == nil {
		t.Fatalf("expected tools-unique-entrance violation error")
	}
}

func TestValidateConfigurationFlagsUnknownModuleType(t *testing.T) {
	m := New(nil)
	cfg := &gwconfig.Config{
		Routes: []gwconfig.RouteDefinition{
			{ID: "r1", Modules: []gwconfig.ModuleSpec{{Type: "nonexistent"}}},
		},
	}
	result := m.ValidateConfiguration(cfg, map[string]bool{"stageA": true})
	if len(result.Errors) == 0 {
		t.Fatalf("expected an error for unknown module type")
	}
}

func TestExecutePreRunReportsPerRouteOutcome(t *testing.T) {
	m := New(nil)
	cfg := testConfig()
	report := m.ExecutePreRun(context.Background(), cfg, factories())
	if !report.Success {
		t.Fatalf("expected pre-run success, got %+v", report)
	}
	if report.TotalRoutes != 1 || report.SuccessfulRoutes != 1 {
		t.Fatalf("unexpected pre-run counts: %+v", report)
	}
}

func TestSwitchModeReportsTransition(t *testing.T) {
	m := New(nil)
	report := m.SwitchMode(ModeHybrid, nil)
	if !report.Success || report.From != ModeV2 || report.To != ModeHybrid {
		t.Fatalf("unexpected switch report: %+v", report)
	}
	if m.Mode() != ModeHybrid {
		t.Fatalf("expected mode updated to hybrid")
	}
}

func TestReloadConfigurationSkipsRebuildWhenNothingChanged(t *testing.T) {
	m := New(nil)
	cfg := testConfig()
	if err := m.Initialize(context.Background(), cfg, factories(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sameCfg := testConfig()
	if err := m.ReloadConfiguration(context.Background(), sameCfg, factories(), false); err != nil {
		t.Fatalf("ReloadConfiguration: %v", err)
	}
	resp, err := m.ProcessRequest(context.Background(), Request{ID: "req-1", Body: []byte(`{"model":"gpt-4"}`)})
	if err != nil {
		t.Fatalf("ProcessRequest after reload: %v", err)
	}
	if string(resp.Body) != `B:A:{"model":"gpt-4"}` {
		t.Fatalf("unexpected output after no-op reload: %q", resp.Body)
	}
}

func TestShutdownClearsPoolAndFailsSubsequentRequests(t *testing.T) {
	m := New(nil)
	cfg := testConfig()
	if err := m.Initialize(context.Background(), cfg, factories(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := m.ProcessRequest(context.Background(), Request{ID: "req-1", Body: []byte(`{"model":"gpt-4"}`)}); err == nil {
		t.Fatalf("expected error processing a request after shutdown")
	}
}
