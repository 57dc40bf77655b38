// Package gwconfig provides the parsed configuration shape for the gateway.
// It loads the YAML file (Load) and owns the struct layout, defaults, and
// the diff helper consumed by the pipeline manager's reload path.
package gwconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level parsed configuration, modeled on the teacher's
// SDKConfig (internal/config/sdk_config.go) and extended with the route
// table and pool/daemon knobs this gateway's core needs.
type Config struct {
	// ProxyURL is an optional outbound proxy URL. It is parsed, but no
	// component reads it: provider and OAuth HTTP calls do not use it.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// AuthDir is the directory holding OAuth token files (spec §6 on-disk layout).
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// APIKeys authenticates inbound clients to this gateway.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// PassthroughHeaders is parsed, but no component reads it, so it has no
	// effect on which upstream response headers reach downstream clients.
	PassthroughHeaders bool `yaml:"passthrough-headers" json:"passthrough-headers"`

	// Streaming configures the SSE heartbeat (C12); its bootstrap-retry
	// count is parsed but not read.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`

	// Routes is the virtual route table (spec §3/§4.9).
	Routes []RouteDefinition `yaml:"routes" json:"routes"`
	// DefaultRoute names the route used when no pattern matches.
	DefaultRoute string `yaml:"default-route" json:"default-route"`

	// Pool configures the instance pool (C8).
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// OAuth configures lifecycle/daemon throttles (C3/C4).
	OAuth OAuthConfig `yaml:"oauth" json:"oauth"`

	// Parallel configures the optional shadow runner (C11).
	Parallel ParallelConfig `yaml:"parallel" json:"parallel"`

	// Providers carries per-provider service profiles (spec §6).
	Providers map[string]ProviderProfile `yaml:"providers" json:"providers"`
}

// StreamingConfig mirrors the teacher's streaming knobs one-for-one.
type StreamingConfig struct {
	// HeartbeatMs is the SSE heartbeat interval; 0 disables it.
	HeartbeatMs int `yaml:"heartbeat-ms,omitempty" json:"heartbeat-ms,omitempty"`
	// BootstrapRetries is parsed, but no component reads it; streaming
	// requests are not retried on its account.
	BootstrapRetries int `yaml:"bootstrap-retries,omitempty" json:"bootstrap-retries,omitempty"`
}

// PoolConfig controls the instance pool (C8).
type PoolConfig struct {
	MaxInstancesPerType int           `yaml:"max-instances-per-type" json:"max-instances-per-type"`
	WarmupInstances     int           `yaml:"warmup-instances" json:"warmup-instances"`
	IdleTimeout         time.Duration `yaml:"idle-timeout" json:"idle-timeout"`
}

// OAuthConfig controls lifecycle throttling and the daemon scan interval.
type OAuthConfig struct {
	ThrottleSeconds          int           `yaml:"throttle-seconds" json:"throttle-seconds"`
	RefreshAheadWindow       time.Duration `yaml:"refresh-ahead-window" json:"refresh-ahead-window"`
	DaemonScanInterval       time.Duration `yaml:"daemon-scan-interval" json:"daemon-scan-interval"`
	DaemonPerTokenThrottle   time.Duration `yaml:"daemon-per-token-throttle" json:"daemon-per-token-throttle"`
	MaxUserTimeoutsBeforeSuspend int       `yaml:"max-user-timeouts-before-suspend" json:"max-user-timeouts-before-suspend"`
	AutoOpenBrowser          bool          `yaml:"auto-open-browser" json:"auto-open-browser"`
	ForceReauth              bool          `yaml:"force-reauth" json:"force-reauth"`
}

// ParallelConfig controls the shadow pipeline runner (C11).
type ParallelConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	SampleRate       float64 `yaml:"sample-rate" json:"sample-rate"`
	MaxConcurrency   int     `yaml:"max-concurrency" json:"max-concurrency"`
	TimeoutMs        int     `yaml:"timeout-ms" json:"timeout-ms"`
	ComparisonMode   string  `yaml:"comparison-mode" json:"comparison-mode"`
	MetricsCollection bool   `yaml:"metrics-collection" json:"metrics-collection"`
}

// ProviderProfile carries the fixed base URL, endpoint and auth scheme for
// one provider (spec §6 ServiceProfile).
type ProviderProfile struct {
	BaseURL      string            `yaml:"base-url" json:"base-url"`
	Endpoint     string            `yaml:"endpoint" json:"endpoint"`
	AuthScheme   string            `yaml:"auth-scheme" json:"auth-scheme"`
	DefaultModel string            `yaml:"default-model" json:"default-model"`
	Headers      map[string]string `yaml:"headers" json:"headers"`
	TimeoutMs    int               `yaml:"timeout-ms" json:"timeout-ms"`
}

// RouteDefinition is one entry of the virtual route table (spec §3).
type RouteDefinition struct {
	ID       string       `yaml:"id" json:"id"`
	Pattern  RoutePattern `yaml:"pattern" json:"pattern"`
	Modules  []ModuleSpec `yaml:"modules" json:"modules"`
	Priority int          `yaml:"priority" json:"priority"`
}

// EntryEndpoint identifies which inbound dialect surface a request arrived
// on (spec §3 Request DTO metadata.entryEndpoint). RoutePattern matches
// against it so one route table can serve OpenAI Chat, OpenAI Responses and
// Anthropic Messages against the same model name without aliasing them.
type EntryEndpoint string

const (
	EntryChatCompletions EntryEndpoint = "chat.completions"
	EntryResponses       EntryEndpoint = "responses"
	EntryMessages        EntryEndpoint = "messages"
)

// RoutePattern matches a request to a route.
type RoutePattern struct {
	Model         string        `yaml:"model,omitempty" json:"model,omitempty"`
	HasTools      *bool         `yaml:"has-tools,omitempty" json:"has-tools,omitempty"`
	EntryEndpoint EntryEndpoint `yaml:"entry-endpoint,omitempty" json:"entry-endpoint,omitempty"`
}

// ModuleSpec is one module in a route's chain, with an optional activation
// condition (spec §3).
type ModuleSpec struct {
	Type      string           `yaml:"type" json:"type"`
	Config    map[string]any   `yaml:"config,omitempty" json:"config,omitempty"`
	Condition *ModuleCondition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// ConditionOperator enumerates the supported module-condition operators.
type ConditionOperator string

const (
	OpEquals   ConditionOperator = "equals"
	OpContains ConditionOperator = "contains"
	OpMatches  ConditionOperator = "matches"
	OpExists   ConditionOperator = "exists"
	OpGT       ConditionOperator = "gt"
	OpLT       ConditionOperator = "lt"
)

// ModuleCondition gates a module's activation on a dotted field of the request.
type ModuleCondition struct {
	Field    string            `yaml:"field" json:"field"`
	Operator ConditionOperator `yaml:"operator" json:"operator"`
	Value    any               `yaml:"value,omitempty" json:"value,omitempty"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		AuthDir: filepath.Join(home, ".routecodex", "auth"),
		Pool: PoolConfig{
			MaxInstancesPerType: 8,
			WarmupInstances:     1,
			IdleTimeout:         10 * time.Minute,
		},
		OAuth: OAuthConfig{
			ThrottleSeconds:              60,
			RefreshAheadWindow:           5 * time.Minute,
			DaemonScanInterval:           60 * time.Second,
			DaemonPerTokenThrottle:       5 * time.Minute,
			MaxUserTimeoutsBeforeSuspend: 3,
		},
		Parallel: ParallelConfig{
			ComparisonMode: "lenient",
			MaxConcurrency: 4,
		},
	}
}

// Load parses a YAML config file into a Config. The file is decoded over
// Default(), so every field the file omits keeps its default. It also loads a sibling ".env" file (if present)
// so per-provider client-id/secret overrides can be supplied alongside the
// documented environment variables (spec §6).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gwconfig: read %s: %w", path, err)
	}
	parsed := Default()
	if err = yaml.Unmarshal(raw, parsed); err != nil {
		return nil, fmt.Errorf("gwconfig: parse %s: %w", path, err)
	}
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		_ = godotenv.Load(envPath)
	}
	return parsed, nil
}

// ConfigDiff summarizes the structural changes between two configurations,
// consumed by the pipeline manager's reloadConfiguration (C10).
type ConfigDiff struct {
	RoutesChanged    bool
	PoolChanged      bool
	ProvidersChanged bool
}

// Diff compares two configs without performing any I/O, grounded on the
// teacher's config-reload dispatcher pattern (diffing before re-wiring).
func Diff(oldCfg, newCfg *Config) ConfigDiff {
	if oldCfg == nil || newCfg == nil {
		return ConfigDiff{RoutesChanged: true, PoolChanged: true, ProvidersChanged: true}
	}
	return ConfigDiff{
		RoutesChanged:    !routesEqual(oldCfg.Routes, newCfg.Routes) || oldCfg.DefaultRoute != newCfg.DefaultRoute,
		PoolChanged:      oldCfg.Pool != newCfg.Pool,
		ProvidersChanged: !providersEqual(oldCfg.Providers, newCfg.Providers),
	}
}

func routesEqual(a, b []RouteDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	am, _ := yaml.Marshal(a)
	bm, _ := yaml.Marshal(b)
	return string(am) == string(bm)
}

func providersEqual(a, b map[string]ProviderProfile) bool {
	if len(a) != len(b) {
		return false
	}
	am, _ := yaml.Marshal(a)
	bm, _ := yaml.Marshal(b)
	return string(am) == string(bm)
}
