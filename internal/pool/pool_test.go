package pool

import (
	"context"
	"testing"
	"time"

	"github.com/routecodex/gateway/internal/gwconfig"
)

type fakeInstance struct {
	initErr    error
	cleanupErr error
	cleanedUp  bool
}

func (f *fakeInstance) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeInstance) Healthy() bool                         { return f.initErr == nil }
func (f *fakeInstance) Cleanup(ctx context.Context) error {
	f.cleanedUp = true
	return f.cleanupErr
}

func TestGetInstanceCachesByModuleTypeAndConfigHash(t *testing.T) {
	p := New(gwconfig.PoolConfig{MaxInstancesPerType: 8, IdleTimeout: time.Minute})
	builds := 0
	p.RegisterFactory("qwen", func(moduleType string, config map[string]any) (Instance, error) {
		builds++
		return &fakeInstance{}, nil
	})

	inst1, err := p.GetInstance(context.Background(), "qwen", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	inst2, err := p.GetInstance(context.Background(), "qwen", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst1 != inst2 {
		t.Fatalf("expected same cached instance for identical config")
	}
	if builds != 1 {
		t.Fatalf("expected exactly one factory invocation, got %d", builds)
	}

	if _, err = p.GetInstance(context.Background(), "qwen", map[string]any{"a": 2}); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if builds != 2 {
		t.Fatalf("expected a distinct config to trigger a new build, got %d builds", builds)
	}
}

func TestGetInstanceReturnsErrorForUnregisteredModuleType(t *testing.T) {
	p := New(gwconfig.PoolConfig{})
	if _, err := p.GetInstance(context.Background(), "unknown", nil); err == nil {
		t.Fatalf("expected error for unregistered module type")
	}
}

func TestPreloadInstancesWalksRoutesAndReportsFailure(t *testing.T) {
	p := New(gwconfig.PoolConfig{})
	p.RegisterFactory("qwen", func(moduleType string, config map[string]any) (Instance, error) {
		return &fakeInstance{}, nil
	})
	p.RegisterFactory("broken", func(moduleType string, config map[string]any) (Instance, error) {
		return nil, context.DeadlineExceeded
	})

	cfg := &gwconfig.Config{
		Routes: []gwconfig.RouteDefinition{
			{ID: "r1", Modules: []gwconfig.ModuleSpec{{Type: "qwen"}, {Type: "broken"}}},
		},
	}
	report := p.PreloadInstances(context.Background(), cfg)
	if report.Success {
		t.Fatalf("expected overall success=false due to broken module")
	}
	if report.PreloadedInstances != 1 {
		t.Fatalf("expected 1 successful preload, got %d", report.PreloadedInstances)
	}
	if len(report.FailedInstances) != 1 {
		t.Fatalf("expected 1 failed instance recorded, got %v", report.FailedInstances)
	}
}

func TestShutdownCleansUpEveryLiveInstance(t *testing.T) {
	p := New(gwconfig.PoolConfig{})
	var created []*fakeInstance
	p.RegisterFactory("qwen", func(moduleType string, config map[string]any) (Instance, error) {
		f := &fakeInstance{}
		created = append(created, f)
		return f, nil
	})
	if _, err := p.GetInstance(context.Background(), "qwen", map[string]any{"x": 1}); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if _, err := p.GetInstance(context.Background(), "qwen", map[string]any{"x": 2}); err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for i, f := range created {
		if !f.cleanedUp {
			t.Fatalf("instance %d not cleaned up", i)
		}
	}
	if p.Len() != 0 {
		t.Fatalf("expected pool empty after shutdown, got %d entries", p.Len())
	}
}
