package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"
)

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

// Validate checks the configuration after defaults have been applied.
// Errors name the offending field path; the process must not start on any
// validation failure.
func Validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeForward, ModeReverse, ModeStatic, ModeCombined:
	default:
		return fmt.Errorf("mode: unknown mode %q", cfg.Mode)
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: invalid address %q: %w", cfg.ListenAddr, err)
	}

	if cfg.WorkerThreads < 1 || cfg.WorkerThreads > MaxWorkerThreads {
		return fmt.Errorf("worker_threads: must be between 1 and %d, got %d", MaxWorkerThreads, cfg.WorkerThreads)
	}

	if (cfg.PrivateKey == "") != (cfg.Certificate == "") {
		return fmt.Errorf("private_key and certificate must be set together")
	}

	if cfg.PoolMaxIdlePerHost != nil && *cfg.PoolMaxIdlePerHost < 0 {
		return fmt.Errorf("pool_max_idle_per_host: must be >= 0")
	}

	for i, relay := range cfg.RelayProxies {
		if relay.URL == "" {
			return fmt.Errorf("relay_proxies[%d].relay_proxy_url: must not be empty", i)
		}
		if _, err := url.Parse(relay.URL); err != nil {
			return fmt.Errorf("relay_proxies[%d].relay_proxy_url: %w", i, err)
		}
	}

	switch cfg.Mode {
	case ModeReverse, ModeCombined:
		if err := validateReverse(cfg); err != nil {
			return err
		}
		if cfg.Mode == ModeCombined && cfg.StaticFiles == nil {
			return fmt.Errorf("static_files: required in combined mode")
		}
	case ModeStatic:
		if cfg.StaticFiles == nil {
			return fmt.Errorf("static_files: required in static mode")
		}
	}

	if cfg.StaticFiles != nil {
		if err := validateStatic(cfg.StaticFiles); err != nil {
			return err
		}
	}

	if cfg.RateLimiting != nil {
		if err := validateRateLimiting(cfg.RateLimiting); err != nil {
			return err
		}
	}

	return nil
}

func validateReverse(cfg *Config) error {
	if cfg.ReverseProxyTarget != "" && len(cfg.ReverseProxyRoutes) > 0 {
		return fmt.Errorf("reverse_proxy_target and reverse_proxy_routes are mutually exclusive")
	}
	if cfg.ReverseProxyTarget == "" && len(cfg.ReverseProxyRoutes) == 0 {
		return fmt.Errorf("reverse mode requires reverse_proxy_target or reverse_proxy_routes")
	}
	if cfg.ReverseProxyTarget != "" {
		if err := validateTargetURL(cfg.ReverseProxyTarget); err != nil {
			return fmt.Errorf("reverse_proxy_target: %w", err)
		}
		return nil
	}

	routeIDs := make(map[string]bool)
	groupWeights := make(map[string]uint64)
	for i := range cfg.ReverseProxyRoutes {
		route := &cfg.ReverseProxyRoutes[i]
		path := fmt.Sprintf("reverse_proxy_routes[%d]", i)

		if route.ID == "" {
			return fmt.Errorf("%s.id: must not be empty", path)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("%s.id: duplicate route id %q", path, route.ID)
		}
		routeIDs[route.ID] = true

		if len(route.Predicates) == 0 {
			return fmt.Errorf("%s.predicates: at least one predicate is required", path)
		}
		weightSeen := false
		for j := range route.Predicates {
			pred := &route.Predicates[j]
			ppath := fmt.Sprintf("%s.predicates[%d]", path, j)
			if err := validatePredicate(pred); err != nil {
				return fmt.Errorf("%s: %w", ppath, err)
			}
			if pred.Type == PredicateWeight {
				if weightSeen {
					return fmt.Errorf("%s: route %q declares more than one weight predicate", ppath, route.ID)
				}
				weightSeen = true
				groupWeights[pred.Group] += uint64(pred.Weight)
			}
		}

		if err := validateRouteTargets(route, path); err != nil {
			return err
		}
		if err := validateRoutePolicies(route, path); err != nil {
			return err
		}
	}

	for group, total := range groupWeights {
		if total == 0 {
			return fmt.Errorf("weight group %q has zero total weight", group)
		}
	}
	return nil
}

func validateRouteTargets(route *RouteConfig, path string) error {
	if route.Target != "" && len(route.Targets) > 0 {
		return fmt.Errorf("%s: target and targets are mutually exclusive", path)
	}
	if route.Target == "" && len(route.Targets) == 0 {
		return fmt.Errorf("%s: a target or targets list is required", path)
	}
	if route.Target != "" {
		if err := validateTargetURL(route.Target); err != nil {
			return fmt.Errorf("%s.target: %w", path, err)
		}
		return nil
	}

	targetIDs := make(map[string]bool)
	anyEnabled := false
	for j, target := range route.Targets {
		tpath := fmt.Sprintf("%s.targets[%d]", path, j)
		if target.ID == "" {
			return fmt.Errorf("%s.id: must not be empty", tpath)
		}
		if targetIDs[target.ID] {
			return fmt.Errorf("%s.id: duplicate target id %q", tpath, target.ID)
		}
		targetIDs[target.ID] = true
		if err := validateTargetURL(target.URL); err != nil {
			return fmt.Errorf("%s.url: %w", tpath, err)
		}
		if target.Weight < 1 {
			return fmt.Errorf("%s.weight: must be >= 1", tpath)
		}
		if target.Enabled == nil || *target.Enabled {
			anyEnabled = true
		}
	}
	if !anyEnabled {
		return fmt.Errorf("%s: at least one target must be enabled", path)
	}

	if ho := route.HeaderOverride; ho != nil {
		if ho.HeaderName == "" {
			return fmt.Errorf("%s.header_override.header_name: must not be empty", path)
		}
		for value, id := range ho.AllowedValues {
			if !targetIDs[id] {
				return fmt.Errorf("%s.header_override.allowed_values[%q]: unknown target %q", path, value, id)
			}
		}
		for group, ids := range ho.AllowedGroups {
			if len(ids) == 0 {
				return fmt.Errorf("%s.header_override.allowed_groups[%q]: must include at least one target", path, group)
			}
			for _, id := range ids {
				if !targetIDs[id] {
					return fmt.Errorf("%s.header_override.allowed_groups[%q]: unknown target %q", path, group, id)
				}
			}
		}
	}
	return nil
}

func validateRoutePolicies(route *RouteConfig, path string) error {
	if lb := route.LoadBalancing; lb != nil {
		switch lb.Policy {
		case PolicyRoundRobin, PolicyWeightedRoundRobin, PolicyLeastConnections, PolicyRandom:
		default:
			return fmt.Errorf("%s.load_balancing.policy: unknown policy %q", path, lb.Policy)
		}
	}

	if sticky := route.Sticky; sticky != nil {
		switch sticky.Mode {
		case StickyCookie:
			if sticky.CookieName == "" {
				return fmt.Errorf("%s.sticky.cookie_name: required for cookie mode", path)
			}
		case StickyHeader:
			if sticky.HeaderName == "" {
				return fmt.Errorf("%s.sticky.header_name: required for header mode", path)
			}
		case StickySourceIP:
		default:
			return fmt.Errorf("%s.sticky.mode: unknown mode %q", path, sticky.Mode)
		}
	}

	if retry := route.RetryPolicy; retry != nil {
		if retry.MaxAttempts < 1 {
			return fmt.Errorf("%s.retry_policy.max_attempts: must be >= 1", path)
		}
		for _, code := range retry.RetryOnStatuses {
			if code < 100 || code > 599 {
				return fmt.Errorf("%s.retry_policy.retry_on_statuses: invalid status %d", path, code)
			}
		}
		for _, m := range retry.Methods {
			if !validMethods[m] {
				return fmt.Errorf("%s.retry_policy.methods: invalid method %q", path, m)
			}
		}
	}
	return nil
}

func validatePredicate(pred *PredicateConfig) error {
	switch pred.Type {
	case PredicatePath, PredicateHost:
		if len(pred.Patterns) == 0 {
			return fmt.Errorf("patterns: at least one pattern is required")
		}
	case PredicateMethod:
		if len(pred.Methods) == 0 {
			return fmt.Errorf("methods: at least one method is required")
		}
		for _, m := range pred.Methods {
			if !validMethods[m] {
				return fmt.Errorf("methods: invalid method %q", m)
			}
		}
	case PredicateHeader, PredicateQuery, PredicateCookie:
		if pred.Name == "" {
			return fmt.Errorf("name: must not be empty")
		}
		if pred.Value != "" && pred.Regex != "" {
			return fmt.Errorf("value and regex are mutually exclusive")
		}
	case PredicateRemoteAddr:
		if len(pred.CIDRs) == 0 {
			return fmt.Errorf("cidrs: at least one CIDR is required")
		}
		for _, c := range pred.CIDRs {
			if _, err := netip.ParsePrefix(c); err != nil {
				return fmt.Errorf("cidrs: invalid CIDR %q: %w", c, err)
			}
		}
	case PredicateAfter, PredicateBefore:
		if _, err := time.Parse(time.RFC3339, pred.Instant); err != nil {
			return fmt.Errorf("instant: invalid timestamp %q: %w", pred.Instant, err)
		}
	case PredicateBetween:
		start, err := time.Parse(time.RFC3339, pred.Start)
		if err != nil {
			return fmt.Errorf("start: invalid timestamp %q: %w", pred.Start, err)
		}
		end, err := time.Parse(time.RFC3339, pred.End)
		if err != nil {
			return fmt.Errorf("end: invalid timestamp %q: %w", pred.End, err)
		}
		if !start.Before(end) {
			return fmt.Errorf("start must precede end")
		}
	case PredicateWeight:
		if pred.Group == "" {
			return fmt.Errorf("group: must not be empty")
		}
		if pred.Weight == 0 {
			return fmt.Errorf("weight: must be >= 1")
		}
	default:
		return fmt.Errorf("unknown predicate type %q", pred.Type)
	}
	return nil
}

func validateStatic(sf *StaticFilesConfig) error {
	for i, mount := range sf.Mounts {
		path := fmt.Sprintf("static_files.mounts[%d]", i)
		if mount.Path == "" || mount.Path[0] != '/' {
			return fmt.Errorf("%s.path: must start with /", path)
		}
		if mount.RootDir == "" {
			return fmt.Errorf("%s.root_dir: must not be empty", path)
		}
	}
	return nil
}

func validateRateLimiting(rl *RateLimitingConfig) error {
	if rl.DefaultLimit != nil {
		if rl.DefaultLimit.Limit == 0 || rl.DefaultLimit.WindowSecs == 0 {
			return fmt.Errorf("rate_limiting.default_limit: limit and window_secs must be > 0")
		}
	}
	ids := make(map[string]bool)
	for i, rule := range rl.Rules {
		path := fmt.Sprintf("rate_limiting.rules[%d]", i)
		if rule.ID == "" {
			return fmt.Errorf("%s.id: must not be empty", path)
		}
		if rule.ID == "default" || ids[rule.ID] {
			return fmt.Errorf("%s.id: duplicate rule id %q", path, rule.ID)
		}
		ids[rule.ID] = true
		if rule.Limit == 0 || rule.WindowSecs == 0 {
			return fmt.Errorf("%s: limit and window_secs must be > 0", path)
		}
		for _, m := range rule.Methods {
			if !validMethods[m] {
				return fmt.Errorf("%s.methods: invalid method %q", path, m)
			}
		}
	}
	return nil
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
