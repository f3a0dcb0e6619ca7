package routing

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
)

// CompileOptions carries the defaults routes inherit when they do not
// declare their own pool or health-check settings.
type CompileOptions struct {
	// Defaults is the top-level reverse_proxy block, may be nil.
	Defaults *config.ReverseProxyConfig

	// PoolEnabled / PoolMaxIdlePerHost / IdleTimeoutSecs are the global
	// connection pool knobs.
	PoolEnabled        bool
	PoolMaxIdlePerHost int
	IdleTimeoutSecs    uint64
}

// weightedEntry is one route's share inside a weighted group.
type weightedEntry struct {
	routeIndex int
	weight     uint32
}

// Matcher evaluates routes in priority order and picks one per request.
type Matcher struct {
	routes []*Route // sorted by (priority, declaration order)

	weightGroups map[string][]weightedEntry

	logger *logging.Logger
}

// NewMatcher compiles the route configurations into a Matcher. All
// predicates compile here; any error is a configuration error.
func NewMatcher(routeCfgs []config.RouteConfig, opts CompileOptions, logger *logging.Logger) (*Matcher, error) {
	if len(routeCfgs) == 0 {
		return nil, fmt.Errorf("at least one reverse proxy route must be defined")
	}

	m := &Matcher{
		weightGroups: make(map[string][]weightedEntry),
		logger:       logger,
	}

	for idx, cfg := range routeCfgs {
		route, meta, err := compileRoute(cfg, idx, opts)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", cfg.ID, err)
		}
		if meta != nil {
			m.weightGroups[meta.group] = append(m.weightGroups[meta.group], weightedEntry{
				routeIndex: idx,
				weight:     meta.weight,
			})
		}
		m.routes = append(m.routes, route)
	}

	for group, entries := range m.weightGroups {
		var total uint64
		for _, e := range entries {
			total += uint64(e.weight)
		}
		if total == 0 {
			return nil, fmt.Errorf("weight group %q has zero total weight", group)
		}
	}

	sort.SliceStable(m.routes, func(i, j int) bool {
		if m.routes[i].Priority != m.routes[j].Priority {
			return m.routes[i].Priority < m.routes[j].Priority
		}
		return m.routes[i].originalIndex < m.routes[j].originalIndex
	})

	return m, nil
}

// Routes exposes the compiled routes (for the health prober and tests).
func (m *Matcher) Routes() []*Route {
	return m.routes
}

// Match returns the first route whose predicates all pass, resolving
// weighted groups with a stable per-request hash so the same request
// consistently lands on the same route. On success the attribute bag
// receives the route id and any path-variable captures. Returns ErrNoRoute
// when nothing matches.
func (m *Matcher) Match(req *http.Request, ctx *RequestContext) (*Route, error) {
	for _, route := range m.routes {
		if !m.routeMatches(route, req, ctx) {
			continue
		}

		selected := route
		if route.weight != nil {
			if picked := m.pickWeighted(route, req, ctx); picked != nil {
				selected = picked
			}
		}

		ctx.MatchedRoute = selected.ID
		if selected.pathPred != nil {
			if vars, ok := selected.pathPred.match(req.URL.Path); ok {
				ctx.PathVars = vars
			}
		}
		return selected, nil
	}
	return nil, ErrNoRoute
}

// routeMatches evaluates all predicates (AND). Evaluation errors demote
// the route to "not matched" with a warning; they are never fatal.
func (m *Matcher) routeMatches(route *Route, req *http.Request, ctx *RequestContext) bool {
	for _, pred := range route.predicates {
		ok, err := pred.evaluate(req, ctx)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("predicate evaluation failed",
					"route", route.ID,
					"error", err,
				)
			}
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// pickWeighted selects among the matching members of first's weight group,
// proportionally to their weights, using a hash over the request identity.
// Only routes at the same priority compete, preserving priority ordering.
func (m *Matcher) pickWeighted(first *Route, req *http.Request, ctx *RequestContext) *Route {
	entries := m.weightGroups[first.weight.group]

	type candidate struct {
		route  *Route
		weight uint32
	}
	var candidates []candidate
	var total uint64
	for _, entry := range entries {
		route := m.routeByIndex(entry.routeIndex)
		if route == nil || route.Priority != first.Priority {
			continue
		}
		if route == first || m.routeMatches(route, req, ctx) {
			candidates = append(candidates, candidate{route: route, weight: entry.weight})
			total += uint64(entry.weight)
		}
	}
	if total == 0 || len(candidates) == 0 {
		return nil
	}

	cursor := requestHash(req, ctx) % total
	for _, c := range candidates {
		if cursor < uint64(c.weight) {
			return c.route
		}
		cursor -= uint64(c.weight)
	}
	return candidates[0].route
}

func (m *Matcher) routeByIndex(originalIndex int) *Route {
	for _, route := range m.routes {
		if route.originalIndex == originalIndex {
			return route
		}
	}
	return nil
}

// requestHash produces the stable per-request hash used by weighted route
// groups: the same (method, host, path, query, client) always hashes to
// the same group member.
func requestHash(req *http.Request, ctx *RequestContext) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(req.Method)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(req.Host)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(req.URL.Path)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(req.URL.RawQuery)
	if ctx != nil {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(ctx.ClientIP)
	}
	return d.Sum64()
}

// compileRoute builds one Route from configuration.
func compileRoute(cfg config.RouteConfig, idx int, opts CompileOptions) (*Route, *weightMeta, error) {
	route := &Route{
		ID:              cfg.ID,
		Priority:        cfg.Priority,
		StripPathPrefix: cfg.StripPathPrefix,
		LoadBalancing:   config.PolicyRoundRobin,
		Sticky:          cfg.Sticky,
		HeaderOverride:  cfg.HeaderOverride,
		originalIndex:   idx,
		PreserveHost:    true,
	}
	if cfg.LoadBalancing != nil {
		route.LoadBalancing = cfg.LoadBalancing.Policy
	}

	var meta *weightMeta
	for _, predCfg := range cfg.Predicates {
		pred, weightInfo, err := compilePredicate(predCfg)
		if err != nil {
			return nil, nil, err
		}
		if weightInfo != nil {
			if meta != nil {
				return nil, nil, fmt.Errorf("more than one weight predicate")
			}
			meta = weightInfo
			continue
		}
		route.predicates = append(route.predicates, pred)
		if pp, ok := pred.(*pathPredicate); ok && route.pathPred == nil {
			route.pathPred = pp
		}
	}
	route.weight = meta

	// Cheap-first ordering, fixed at compile time.
	sort.SliceStable(route.predicates, func(i, j int) bool {
		return route.predicates[i].cost() < route.predicates[j].cost()
	})

	targets, err := compileTargets(cfg)
	if err != nil {
		return nil, nil, err
	}
	route.Targets = targets

	if cfg.RetryPolicy != nil {
		route.Retry = compileRetry(cfg.RetryPolicy)
	}

	resolvePoolSettings(route, cfg.ReverseProxy, opts)
	return route, meta, nil
}

func compileTargets(cfg config.RouteConfig) ([]*Target, error) {
	targetCfgs := cfg.Targets
	if len(targetCfgs) == 0 {
		if cfg.Target == "" {
			return nil, fmt.Errorf("a target or targets list is required")
		}
		targetCfgs = []config.TargetConfig{{ID: cfg.ID, URL: cfg.Target, Weight: 1}}
	}

	targets := make([]*Target, 0, len(targetCfgs))
	for _, tc := range targetCfgs {
		u, err := url.Parse(tc.URL)
		if err != nil {
			return nil, fmt.Errorf("target %q: invalid URL: %w", tc.ID, err)
		}
		weight := tc.Weight
		if weight == 0 {
			weight = 1
		}
		t := &Target{
			ID:      tc.ID,
			URL:     u,
			Weight:  weight,
			Enabled: tc.Enabled == nil || *tc.Enabled,
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func compileRetry(cfg *config.RetryPolicyConfig) *RetryPolicy {
	policy := &RetryPolicy{
		MaxAttempts:         cfg.MaxAttempts,
		RetryOnConnectError: cfg.RetryOnConnectError,
		RetryOnStatuses:     make(map[int]bool, len(cfg.RetryOnStatuses)),
		Methods:             make(map[string]bool, len(cfg.Methods)),
	}
	for _, s := range cfg.RetryOnStatuses {
		policy.RetryOnStatuses[s] = true
	}
	for _, method := range cfg.Methods {
		policy.Methods[strings.ToUpper(method)] = true
	}
	return policy
}

// resolvePoolSettings layers route > top-level reverse_proxy > global
// connection pool configuration.
func resolvePoolSettings(route *Route, override *config.ReverseProxyConfig, opts CompileOptions) {
	route.PoolMaxIdlePerHost = opts.PoolMaxIdlePerHost
	route.PoolIdleTimeoutSecs = opts.IdleTimeoutSecs
	if !opts.PoolEnabled {
		route.PoolMaxIdlePerHost = 0
	}

	apply := func(c *config.ReverseProxyConfig) {
		if c == nil {
			return
		}
		if c.PoolMaxIdlePerHost != nil {
			route.PoolMaxIdlePerHost = *c.PoolMaxIdlePerHost
		}
		if c.PoolIdleTimeoutSecs != 0 {
			route.PoolIdleTimeoutSecs = c.PoolIdleTimeoutSecs
		}
		if c.HealthCheck != nil {
			route.HealthCheck = c.HealthCheck
		}
		if c.PreserveHost != nil {
			route.PreserveHost = *c.PreserveHost
		}
	}
	apply(opts.Defaults)
	apply(override)
}
