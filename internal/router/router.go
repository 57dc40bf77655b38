// Package router implements C9: route matching and module-chain
// construction over the virtual route table, grounded on the teacher's
// request-dispatch pattern (internal/httpapi handler selection by model
// prefix) generalized into a priority-ordered pattern/condition matcher.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/pool"
)

// Match is the result of matching a request against the route table
// (spec §4.9 matchRoute).
type Match struct {
	Route gwconfig.RouteDefinition
	Score int
}

// MatchRoute iterates routes in descending priority and returns the first
// whose pattern predicates all hold against request (spec §4.9). If none
// match, the configured default route is returned if present.
func MatchRoute(cfg *gwconfig.Config, request []byte, entryEndpoint gwconfig.EntryEndpoint) (Match, bool) {
	routes := make([]gwconfig.RouteDefinition, len(cfg.Routes))
	copy(routes, cfg.Routes)
	sortByPriorityDesc(routes)

	model := gjson.GetBytes(request, "model").String()
	hasTools := gjson.GetBytes(request, "tools").IsArray() && len(gjson.GetBytes(request, "tools").Array()) > 0

	for _, route := range routes {
		if patternMatches(route.Pattern, model, hasTools, entryEndpoint) {
			return Match{Route: route, Score: route.Priority}, true
		}
	}

	if cfg.DefaultRoute != "" {
		for _, route := range cfg.Routes {
			if route.ID == cfg.DefaultRoute {
				return Match{Route: route, Score: 0}, true
			}
		}
	}
	return Match{}, false
}

func sortByPriorityDesc(routes []gwconfig.RouteDefinition) {
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && routes[j].Priority > routes[j-1].Priority; j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
}

func patternMatches(p gwconfig.RoutePattern, model string, hasTools bool, entryEndpoint gwconfig.EntryEndpoint) bool {
	if p.Model != "" {
		if strings.HasPrefix(p.Model, "/") && strings.HasSuffix(p.Model, "/") && len(p.Model) > 1 {
			re, err := regexp.Compile(p.Model[1 : len(p.Model)-1])
			if err != nil || !re.MatchString(model) {
				return false
			}
		} else if p.Model != model {
			return false
		}
	}
	if p.HasTools != nil && *p.HasTools != hasTools {
		return false
	}
	if p.EntryEndpoint != "" && p.EntryEndpoint != entryEndpoint {
		return false
	}
	return true
}

// EvaluateCondition applies a single module's activation condition against
// a dotted field of the request (spec §4.9).
func EvaluateCondition(cond *gwconfig.ModuleCondition, request []byte) bool {
	if cond == nil {
		return true
	}
	field := gjson.GetBytes(request, cond.Field)
	switch cond.Operator {
	case gwconfig.OpExists:
		return field.Exists()
	case gwconfig.OpEquals:
		return fmt.Sprint(field.Value()) == fmt.Sprint(cond.Value)
	case gwconfig.OpContains:
		return strings.Contains(field.String(), fmt.Sprint(cond.Value))
	case gwconfig.OpMatches:
		re, err := regexp.Compile(fmt.Sprint(cond.Value))
		return err == nil && re.MatchString(field.String())
	case gwconfig.OpGT:
		return field.Num > toFloat(cond.Value)
	case gwconfig.OpLT:
		return field.Num < toFloat(cond.Value)
	default:
		return true
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// ActiveModules filters route.Modules down to those whose condition (if
// any) evaluates true against request (spec §4.9).
func ActiveModules(route gwconfig.RouteDefinition, request []byte) []gwconfig.ModuleSpec {
	var active []gwconfig.ModuleSpec
	for _, mod := range route.Modules {
		if EvaluateCondition(mod.Condition, request) {
			active = append(active, mod)
		}
	}
	return active
}

// Chain is a materialized, per-request module chain (spec §4.9
// buildModuleChain).
type Chain struct {
	RouteID   string
	Instances []pool.Instance
	Types     []string
}

// BuildModuleChain materializes instances from the pool in module order
// for the modules active against request.
func BuildModuleChain(ctx context.Context, p *pool.Pool, route gwconfig.RouteDefinition, request []byte) (Chain, error) {
	chain := Chain{RouteID: route.ID}
	for _, mod := range ActiveModules(route, request) {
		inst, err := p.GetInstance(ctx, mod.Type, mod.Config)
		if err != nil {
			return Chain{}, fmt.Errorf("router: build chain for route %s: %w", route.ID, err)
		}
		chain.Instances = append(chain.Instances, inst)
		chain.Types = append(chain.Types, mod.Type)
	}
	return chain, nil
}

// ValidateHealth asserts every instance in the chain is initialized and
// healthy (spec §4.9, used by C10's pre-run simulation).
func (c Chain) ValidateHealth() error {
	for i, inst := range c.Instances {
		if !inst.Healthy() {
			typ := "?"
			if i < len(c.Types) {
				typ = c.Types[i]
			}
			return fmt.Errorf("router: chain %s: module %s unhealthy", c.RouteID, typ)
		}
	}
	return nil
}

// CleanupConnections is a no-op: chain instances are shared across
// requests and hold no per-request resources (spec §4.9).
func (c Chain) CleanupConnections() {}

// UniqueEntranceViolation reports the first module type that appears as
// the entrance (first configured module, whatever its condition) of more
// than one route, violating the
// Tools Unique Entrance invariant (spec §3).
func UniqueEntranceViolation(cfg *gwconfig.Config) (moduleType string, routeIDs []string, violated bool) {
	entranceRoutes := make(map[string][]string)
	for _, route := range cfg.Routes {
		if len(route.Modules) == 0 {
			continue
		}
		entrance := route.Modules[0].Type
		entranceRoutes[entrance] = append(entranceRoutes[entrance], route.ID)
	}
	for typ, ids := range entranceRoutes {
		if len(ids) > 1 {
			return typ, ids, true
		}
	}
	return "", nil, false
}
