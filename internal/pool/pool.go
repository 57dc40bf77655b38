// Package pool implements C8: a keyed instance pool over module factories,
// grounded on the teacher's provider-manager lazy-construction pattern
// (internal/providers manager registering constructors by provider name and
// caching live clients), generalized to an LRU-with-idle-eviction cache
// keyed by (moduleType, configHash).
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/logging"
)

var log = logging.For("pool")

// Instance is anything the pool can construct, initialize, and tear down.
// Concrete module implementations (compat modules, provider clients,
// llmswitch adapters) satisfy this through small adapter types.
type Instance interface {
	Initialize(ctx context.Context) error
	Healthy() bool
	Cleanup(ctx context.Context) error
}

// Factory constructs one Instance for a given module config.
type Factory func(moduleType string, config map[string]any) (Instance, error)

type entry struct {
	instance   Instance
	lastUsedAt time.Time
}

// Pool is the instance pool described in spec §4.8. Safe for concurrent use.
type Pool struct {
	mu                  sync.Mutex
	factories           map[string]Factory
	entries             map[string]*entry // key: moduleType + "/" + configHash
	byType              map[string][]string
	maxInstancesPerType int
	idleTimeout         time.Duration
}

// New constructs a Pool from the pool section of the gateway config.
func New(cfg gwconfig.PoolConfig) *Pool {
	max := cfg.MaxInstancesPerType
	if max <= 0 {
		max = 8
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Pool{
		factories:           make(map[string]Factory),
		entries:             make(map[string]*entry),
		byType:              make(map[string][]string),
		maxInstancesPerType: max,
		idleTimeout:         idle,
	}
}

// RegisterFactory associates a moduleType with the factory used to
// construct instances of it.
func (p *Pool) RegisterFactory(moduleType string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[moduleType] = f
}

// configHash computes a stable structural hash over a config map's sorted
// keys (spec §4.8).
func configHash(config map[string]any) (string, error) {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, config[k])
	}
	raw, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("pool: hash config: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func keyFor(moduleType, hash string) string { return moduleType + "/" + hash }

// GetInstance returns a cached instance for (moduleType, config), or
// constructs, initializes, and caches a new one (spec §4.8).
func (p *Pool) GetInstance(ctx context.Context, moduleType string, config map[string]any) (Instance, error) {
	hash, err := configHash(config)
	if err != nil {
		return nil, err
	}
	key := keyFor(moduleType, hash)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsedAt = time.Now()
		p.mu.Unlock()
		return e.instance, nil
	}
	factory, ok := p.factories[moduleType]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pool: no factory registered for module type %q", moduleType)
	}

	inst, err := factory(moduleType, config)
	if err != nil {
		return nil, fmt.Errorf("pool: construct %s: %w", moduleType, err)
	}
	if err = inst.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("pool: initialize %s: %w", moduleType, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		// Lost the race to a concurrent caller; discard our instance.
		e.lastUsedAt = time.Now()
		go func() { _ = inst.Cleanup(context.Background()) }()
		return e.instance, nil
	}
	p.entries[key] = &entry{instance: inst, lastUsedAt: time.Now()}
	p.byType[moduleType] = append(p.byType[moduleType], key)
	p.evictLocked(moduleType)
	return inst, nil
}

// evictLocked drops least-recently-used idle entries past idleTimeout once
// maxInstancesPerType is exceeded. Caller holds p.mu.
func (p *Pool) evictLocked(moduleType string) {
	keys := p.byType[moduleType]
	if len(keys) <= p.maxInstancesPerType {
		return
	}
	sort.Slice(keys, func(i, j int) bool {
		return p.entries[keys[i]].lastUsedAt.Before(p.entries[keys[j]].lastUsedAt)
	})
	now := time.Now()
	kept := keys[:0]
	for _, k := range keys {
		e := p.entries[k]
		overCap := len(kept) < len(keys)-p.maxInstancesPerType
		idle := now.Sub(e.lastUsedAt) > p.idleTimeout
		if overCap && idle {
			delete(p.entries, k)
			go func(inst Instance) { _ = inst.Cleanup(context.Background()) }(e.instance)
			continue
		}
		kept = append(kept, k)
	}
	p.byType[moduleType] = kept
}

// WarmupReport is returned by PreloadInstances (spec §4.8).
type WarmupReport struct {
	PreloadedInstances int
	FailedInstances    []string
	Warnings           []string
	Success            bool
}

// PreloadInstances walks every route's module chain and constructs each
// instance synchronously, ahead of traffic (spec §4.8).
func (p *Pool) PreloadInstances(ctx context.Context, cfg *gwconfig.Config) WarmupReport {
	report := WarmupReport{Success: true}
	seen := make(map[string]bool)
	for _, route := range cfg.Routes {
		for _, mod := range route.Modules {
			hash, err := configHash(mod.Config)
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("route %s module %s: %v", route.ID, mod.Type, err))
				continue
			}
			key := keyFor(mod.Type, hash)
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, err = p.GetInstance(ctx, mod.Type, mod.Config); err != nil {
				report.FailedInstances = append(report.FailedInstances, key)
				report.Success = false
				log.WithField("module", mod.Type).WithError(err).Warn("pool: preload failed")
				continue
			}
			report.PreloadedInstances++
		}
	}
	return report
}

// Shutdown awaits Cleanup on every live instance (spec §4.8).
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.byType = make(map[string][]string)
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.instance.Cleanup(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports the total number of live cached instances, for tests and
// diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
