package compat

import (
	"fmt"
	"sync"
)

// Registry looks up a Module by provider-family name, grounded on the
// teacher's internal/translator.Registry keyed-lookup shape, simplified
// down to one axis since compat modules only ever translate against the
// canonical OpenAI Chat Completion shape (spec §4.5), never provider-to-
// provider.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds or replaces a module under its own Name().
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

// Lookup returns the module registered for name.
func (r *Registry) Lookup(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("compat: no module registered for %q", name)
	}
	return m, nil
}

// Default constructs a registry pre-populated with the built-in provider
// families (spec §4.5's exhaustive list plus the LM Studio / Passthrough
// minimal variants).
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewQwenModule())
	r.Register(NewIFlowModule())
	r.Register(NewGLMModule())
	r.Register(NewLMStudioModule())
	r.Register(NewPassthroughModule())
	return r
}
