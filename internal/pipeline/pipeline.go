// Package pipeline implements C10: the gateway's orchestration layer over
// C7-C9 and C11, grounded on the teacher's server lifecycle (cmd/server's
// initialize/shutdown ordering) and its config-reload dispatcher, adapted
// from a single-process HTTP server into a route-driven request pipeline.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/routecodex/gateway/internal/compat"
	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/logging"
	"github.com/routecodex/gateway/internal/parallelrunner"
	"github.com/routecodex/gateway/internal/pool"
	"github.com/routecodex/gateway/internal/router"
)

var log = logging.For("pipeline")

// Mode selects which pipeline generation serves traffic (spec §4.10
// switchMode).
type Mode string

const (
	ModeV1     Mode = "v1"
	ModeV2     Mode = "v2"
	ModeHybrid Mode = "hybrid"
)

// Stage is one link of the per-request chain executed by ProcessRequest:
// C7 (llmswitch) -> C5 (compat, incoming) -> C6 (provider) -> C5 (compat,
// outgoing) -> C7 (spec §4.10). Each compat/provider instance is wrapped in
// a Stage adapter registered with the pool's factories.
type Stage interface {
	pool.Instance
	// Invoke runs the stage's transform given the current request/response
	// buffer from the prior stage.
	Invoke(ctx context.Context, buf []byte) ([]byte, error)
}

// Manager is the pipeline manager (C10).
type Manager struct {
	mu       sync.RWMutex
	cfg      *gwconfig.Config
	pool     *pool.Pool
	parallel *parallelrunner.Runner
	sink     gwerrors.Sink
	mode     Mode
}

// New constructs a Manager. Call Initialize before ProcessRequest.
func New(sink gwerrors.Sink) *Manager {
	if sink == nil {
		sink = gwerrors.NoopSink{}
	}
	return &Manager{sink: sink, mode: ModeV2}
}

// Initialize wires C8/C9/C11 from cfg and preloads instances. It fails if
// any instance fails to initialize, unless recoverable is set (spec §4.10).
func (m *Manager) Initialize(ctx context.Context, cfg *gwconfig.Config, factories map[string]pool.Factory, recoverable bool) error {
	if typ, ids, violated := router.UniqueEntranceViolation(cfg); violated {
		return gwerrors.Newf(gwerrors.CodeToolsEntranceViolation, "module %q is the entrance of multiple routes: %v", typ, ids)
	}

	p := pool.New(cfg.Pool)
	for typ, f := range factories {
		p.RegisterFactory(typ, f)
	}

	report := p.PreloadInstances(ctx, cfg)
	if !report.Success && !recoverable {
		_ = p.Shutdown(ctx)
		return gwerrors.Newf(gwerrors.CodeInstanceMissing, "preload failed for: %v", report.FailedInstances)
	}
	if !report.Success {
		log.WithField("failed", report.FailedInstances).Warn("pipeline: preload had failures, continuing (recoverable)")
	}

	m.mu.Lock()
	m.cfg = cfg
	m.pool = p
	if cfg.Parallel.Enabled {
		m.parallel = parallelrunner.New(cfg.Parallel)
	}
	m.mu.Unlock()
	return nil
}

// Request is the canonical request envelope carried through a chain.
type Request struct {
	ID   string
	Body []byte
	// EntryEndpoint identifies which inbound dialect surface the request
	// arrived on (spec §3 metadata.entryEndpoint), used by C9 to pick the
	// route and, through it, the right llmswitch conversion pair.
	EntryEndpoint gwconfig.EntryEndpoint
}

// Response is the canonical response envelope returned from ProcessRequest.
type Response struct {
	Body []byte
}

// ProcessRequest routes req through C9 and executes its module chain
// (spec §4.10). Any raised error is reported to the sink, then re-raised.
func (m *Manager) ProcessRequest(ctx context.Context, req Request) (resp Response, err error) {
	defer func() {
		if err != nil {
			m.sink.Report(req.ID, err)
		}
	}()

	m.mu.RLock()
	cfg, p := m.cfg, m.pool
	m.mu.RUnlock()
	if cfg == nil || p == nil {
		return Response{}, gwerrors.New(gwerrors.CodeInstanceMissing, "pipeline: not initialized")
	}

	match, ok := router.MatchRoute(cfg, req.Body, req.EntryEndpoint)
	if !ok {
		return Response{}, gwerrors.New(gwerrors.CodeRouteNotFound, "no route matched request")
	}

	chain, err := router.BuildModuleChain(ctx, p, match.Route, req.Body)
	if err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.CodeInstanceMissing, err, "pipeline: build module chain")
	}
	if err = chain.ValidateHealth(); err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.CodeInstanceMissing, err, "pipeline: unhealthy chain")
	}

	ctx = compat.WithRequestModel(ctx, gjson.GetBytes(req.Body, "model").String())
	buf := req.Body
	for i, inst := range chain.Instances {
		stage, ok := inst.(Stage)
		if !ok {
			return Response{}, gwerrors.Newf(gwerrors.CodeInstanceMissing, "module %s does not implement Stage", chain.Types[i])
		}
		buf, err = stage.Invoke(ctx, buf)
		if err != nil {
			return Response{}, err
		}
	}
	chain.CleanupConnections()
	return Response{Body: buf}, nil
}

// StreamOpener is implemented by the provider-client stage adapter for
// routes whose request carries stream:true. ProcessStreamingRequest runs
// every stage up to and including the first StreamOpener it finds, then
// hands the raw upstream response back to the caller (httpapi's C12
// bridge) instead of running the remaining outgoing stages, since an SSE
// body cannot be passed through a buffer-in/buffer-out Stage.
type StreamOpener interface {
	OpenStream(ctx context.Context, body []byte) (*http.Response, error)
}

// ProcessStreamingRequest mirrors ProcessRequest through C9's routing and
// every stage preceding the provider call, then opens a streamed upstream
// response for C12 to relay (spec §4.10 + §4.12).
func (m *Manager) ProcessStreamingRequest(ctx context.Context, req Request) (upstream *http.Response, err error) {
	defer func() {
		if err != nil {
			m.sink.Report(req.ID, err)
		}
	}()

	m.mu.RLock()
	cfg, p := m.cfg, m.pool
	m.mu.RUnlock()
	if cfg == nil || p == nil {
		return nil, gwerrors.New(gwerrors.CodeInstanceMissing, "pipeline: not initialized")
	}

	match, ok := router.MatchRoute(cfg, req.Body, req.EntryEndpoint)
	if !ok {
		return nil, gwerrors.New(gwerrors.CodeRouteNotFound, "no route matched request")
	}
	chain, err := router.BuildModuleChain(ctx, p, match.Route, req.Body)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeInstanceMissing, err, "pipeline: build module chain")
	}
	if err = chain.ValidateHealth(); err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeInstanceMissing, err, "pipeline: unhealthy chain")
	}

	ctx = compat.WithRequestModel(ctx, gjson.GetBytes(req.Body, "model").String())
	buf := req.Body
	for i, inst := range chain.Instances {
		if opener, ok := inst.(StreamOpener); ok {
			return opener.OpenStream(ctx, buf)
		}
		stage, ok := inst.(Stage)
		if !ok {
			return nil, gwerrors.Newf(gwerrors.CodeInstanceMissing, "module %s does not implement Stage", chain.Types[i])
		}
		buf, err = stage.Invoke(ctx, buf)
		if err != nil {
			return nil, err
		}
	}
	return nil, gwerrors.New(gwerrors.CodeInstanceMissing, "pipeline: route has no streaming-capable provider stage")
}

// ValidationResult is returned by ValidateConfiguration (spec §4.10).
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// ValidateConfiguration cross-checks every route's modules against the
// registered factories and enforces Tools Unique Entrance (spec §3, §4.10).
func (m *Manager) ValidateConfiguration(cfg *gwconfig.Config, knownTypes map[string]bool) ValidationResult {
	var result ValidationResult
	if typ, ids, violated := router.UniqueEntranceViolation(cfg); violated {
		result.Errors = append(result.Errors, fmt.Sprintf("module %q is the entrance of multiple routes: %v", typ, ids))
	}
	for _, route := range cfg.Routes {
		if len(route.Modules) == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("route %s has no modules", route.ID))
			continue
		}
		for _, mod := range route.Modules {
			if mod.Type == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("route %s: module missing type", route.ID))
				continue
			}
			if knownTypes != nil && !knownTypes[mod.Type] {
				result.Errors = append(result.Errors, fmt.Sprintf("route %s: unknown module type %q", route.ID, mod.Type))
			}
		}
	}
	if cfg.DefaultRoute != "" {
		found := false
		for _, route := range cfg.Routes {
			if route.ID == cfg.DefaultRoute {
				found = true
				break
			}
		}
		if !found {
			result.Errors = append(result.Errors, fmt.Sprintf("default-route %q does not name an existing route", cfg.DefaultRoute))
		}
	}
	return result
}

// PreRunReport is returned by ExecutePreRun (spec §4.10).
type PreRunReport struct {
	TotalRoutes      int
	SuccessfulRoutes int
	FailedRoutes     []string
	Warnings         []string
	Success          bool
}

// ExecutePreRun runs ValidateConfiguration, an instance preload, and a
// per-route mock-request dry run (spec §4.10).
func (m *Manager) ExecutePreRun(ctx context.Context, cfg *gwconfig.Config, factories map[string]pool.Factory) PreRunReport {
	knownTypes := make(map[string]bool, len(factories))
	for typ := range factories {
		knownTypes[typ] = true
	}
	validation := m.ValidateConfiguration(cfg, knownTypes)

	report := PreRunReport{TotalRoutes: len(cfg.Routes), Success: true, Warnings: validation.Warnings}
	if len(validation.Errors) > 0 {
		report.Success = false
		report.Warnings = append(report.Warnings, validation.Errors...)
	}

	p := pool.New(cfg.Pool)
	for typ, f := range factories {
		p.RegisterFactory(typ, f)
	}
	preload := p.PreloadInstances(ctx, cfg)
	defer func() { _ = p.Shutdown(ctx) }()
	if !preload.Success {
		report.Success = false
		report.Warnings = append(report.Warnings, preload.Warnings...)
	}

	for _, route := range cfg.Routes {
		mock := buildMockRequest(route.Pattern)
		chain, err := router.BuildModuleChain(ctx, p, route, mock)
		if err != nil {
			report.FailedRoutes = append(report.FailedRoutes, route.ID)
			report.Success = false
			continue
		}
		if err = chain.ValidateHealth(); err != nil {
			report.FailedRoutes = append(report.FailedRoutes, route.ID)
			report.Success = false
			continue
		}
		report.SuccessfulRoutes++
	}
	return report
}

// SimulateDataFlow runs each route's chain against a mock request and
// records per-route outcomes (spec §4.10).
func (m *Manager) SimulateDataFlow(ctx context.Context, cfg *gwconfig.Config, factories map[string]pool.Factory) map[string]error {
	p := pool.New(cfg.Pool)
	for typ, f := range factories {
		p.RegisterFactory(typ, f)
	}
	defer func() { _ = p.Shutdown(ctx) }()

	outcomes := make(map[string]error, len(cfg.Routes))
	for _, route := range cfg.Routes {
		mock := buildMockRequest(route.Pattern)
		chain, err := router.BuildModuleChain(ctx, p, route, mock)
		if err != nil {
			outcomes[route.ID] = err
			continue
		}
		outcomes[route.ID] = chain.ValidateHealth()
	}
	return outcomes
}

func buildMockRequest(p gwconfig.RoutePattern) []byte {
	model := "mock-model"
	if p.Model != "" && p.Model[0] != '/' {
		model = p.Model
	}
	if p.HasTools != nil && *p.HasTools {
		return []byte(fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"ping"}],"tools":[{"type":"function","function":{"name":"noop"}}]}`, model))
	}
	return []byte(fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"ping"}]}`, model))
}

// SwitchReport is returned by SwitchMode (spec §4.10).
type SwitchReport struct {
	From     Mode
	To       Mode
	Success  bool
	Duration time.Duration
	Errors   []string
}

// SwitchMode swaps the active pipeline generation (spec §4.10). v1/hybrid
// are carried as observable states for compatibility with deployments that
// still route a fraction of traffic through a legacy pipeline; this module
// only ever executes the v2 chain described above.
func (m *Manager) SwitchMode(target Mode, opts map[string]any) SwitchReport {
	start := time.Now()
	m.mu.Lock()
	from := m.mode
	m.mode = target
	m.mu.Unlock()
	return SwitchReport{From: from, To: target, Success: true, Duration: time.Since(start)}
}

// Mode reports the currently active pipeline generation.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// ReloadConfiguration shuts down and reinitializes against newCfg,
// consuming gwconfig.Diff to decide whether a full pool rebuild is needed
// (spec §4.10).
func (m *Manager) ReloadConfiguration(ctx context.Context, newCfg *gwconfig.Config, factories map[string]pool.Factory, recoverable bool) error {
	m.mu.RLock()
	oldCfg := m.cfg
	m.mu.RUnlock()

	diff := gwconfig.Diff(oldCfg, newCfg)
	if !diff.RoutesChanged && !diff.PoolChanged && !diff.ProvidersChanged {
		m.mu.Lock()
		m.cfg = newCfg
		m.mu.Unlock()
		return nil
	}

	if err := m.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("pipeline: shutdown during reload reported an error, continuing")
	}
	return m.Initialize(ctx, newCfg, factories, recoverable)
}

// Shutdown closes all components in reverse dependency order (spec §4.10).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	p := m.pool
	m.pool = nil
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
