package routing

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"time"

	"bifrost-hq/bifrost/pkg/config"
)

// Evaluation cost ranks; predicates are sorted cheap-first at compile time
// so expensive checks only run when the cheap ones already passed.
const (
	costMethod = iota
	costHost
	costPath
	costHeaderLike
	costRemoteAddr
	costTime
)

// predicate is one compiled predicate. Implementations are side-effect
// free; path captures are returned, not stored.
type predicate interface {
	// evaluate reports whether the request satisfies the predicate. An
	// error counts as "not matched" for the route and is logged by the
	// matcher, never fatal.
	evaluate(req *http.Request, ctx *RequestContext) (bool, error)
	cost() int
}

// valueMatcher is the shared literal-or-regex matcher for header, query,
// and cookie predicates. With neither value nor regex set it matches mere
// presence.
type valueMatcher struct {
	value string
	re    *regexp.Regexp
}

func newValueMatcher(value, regex string) (valueMatcher, error) {
	m := valueMatcher{value: value}
	if regex != "" {
		re, err := regexp.Compile(regex)
		if err != nil {
			return m, fmt.Errorf("invalid regex %q: %w", regex, err)
		}
		m.re = re
	}
	return m, nil
}

func (m valueMatcher) matches(actual string) bool {
	if m.value != "" {
		return actual == m.value
	}
	if m.re != nil {
		return m.re.MatchString(actual)
	}
	return true
}

type pathPredicate struct {
	patterns []*pathPattern
}

func (p *pathPredicate) cost() int { return costPath }

func (p *pathPredicate) evaluate(req *http.Request, _ *RequestContext) (bool, error) {
	_, ok := p.match(req.URL.Path)
	return ok, nil
}

// match returns the captures of the first matching pattern.
func (p *pathPredicate) match(path string) (map[string]string, bool) {
	for _, pattern := range p.patterns {
		if vars, ok := pattern.match(path); ok {
			return vars, true
		}
	}
	return nil, false
}

type hostPredicate struct {
	patterns []*pathPattern
}

func (p *hostPredicate) cost() int { return costHost }

func (p *hostPredicate) evaluate(req *http.Request, _ *RequestContext) (bool, error) {
	host := requestHost(req)
	if host == "" {
		return false, nil
	}
	for _, pattern := range p.patterns {
		if _, ok := pattern.match(host); ok {
			return true, nil
		}
	}
	return false, nil
}

type methodPredicate struct {
	methods map[string]bool
}

func (p *methodPredicate) cost() int { return costMethod }

func (p *methodPredicate) evaluate(req *http.Request, _ *RequestContext) (bool, error) {
	return p.methods[req.Method], nil
}

type headerPredicate struct {
	name    string
	matcher valueMatcher
}

func (p *headerPredicate) cost() int { return costHeaderLike }

func (p *headerPredicate) evaluate(req *http.Request, _ *RequestContext) (bool, error) {
	values := req.Header.Values(p.name)
	for _, v := range values {
		if p.matcher.matches(v) {
			return true, nil
		}
	}
	return false, nil
}

type queryPredicate struct {
	name    string
	matcher valueMatcher
}

func (p *queryPredicate) cost() int { return costHeaderLike }

func (p *queryPredicate) evaluate(req *http.Request, _ *RequestContext) (bool, error) {
	query, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return false, fmt.Errorf("malformed query string: %w", err)
	}
	values, ok := query[p.name]
	if !ok {
		return false, nil
	}
	for _, v := range values {
		if p.matcher.matches(v) {
			return true, nil
		}
	}
	return false, nil
}

type cookiePredicate struct {
	name    string
	matcher valueMatcher
}

func (p *cookiePredicate) cost() int { return costHeaderLike }

func (p *cookiePredicate) evaluate(req *http.Request, _ *RequestContext) (bool, error) {
	for _, c := range req.Cookies() {
		if c.Name == p.name && p.matcher.matches(c.Value) {
			return true, nil
		}
	}
	return false, nil
}

type remoteAddrPredicate struct {
	prefixes []netip.Prefix
}

func (p *remoteAddrPredicate) cost() int { return costRemoteAddr }

func (p *remoteAddrPredicate) evaluate(_ *http.Request, ctx *RequestContext) (bool, error) {
	if ctx == nil || ctx.ClientIP == "" {
		return false, nil
	}
	addr, err := netip.ParseAddr(ctx.ClientIP)
	if err != nil {
		return false, fmt.Errorf("invalid client IP %q: %w", ctx.ClientIP, err)
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

type afterPredicate struct{ instant time.Time }

func (p *afterPredicate) cost() int { return costTime }

func (p *afterPredicate) evaluate(_ *http.Request, _ *RequestContext) (bool, error) {
	return time.Now().After(p.instant), nil
}

type beforePredicate struct{ instant time.Time }

func (p *beforePredicate) cost() int { return costTime }

func (p *beforePredicate) evaluate(_ *http.Request, _ *RequestContext) (bool, error) {
	return time.Now().Before(p.instant), nil
}

type betweenPredicate struct{ start, end time.Time }

func (p *betweenPredicate) cost() int { return costTime }

func (p *betweenPredicate) evaluate(_ *http.Request, _ *RequestContext) (bool, error) {
	now := time.Now()
	return !now.Before(p.start) && now.Before(p.end), nil
}

// compilePredicate builds one predicate from its configuration. A weight
// predicate returns (nil, meta): it does not evaluate per request but
// enrolls the route in a weighted group.
func compilePredicate(cfg config.PredicateConfig) (predicate, *weightMeta, error) {
	switch cfg.Type {
	case config.PredicatePath:
		patterns, err := compilePatterns(cfg.Patterns, cfg.MatchTrailingSlash, false)
		if err != nil {
			return nil, nil, err
		}
		return &pathPredicate{patterns: patterns}, nil, nil
	case config.PredicateHost:
		patterns, err := compilePatterns(cfg.Patterns, false, true)
		if err != nil {
			return nil, nil, err
		}
		return &hostPredicate{patterns: patterns}, nil, nil
	case config.PredicateMethod:
		methods := make(map[string]bool, len(cfg.Methods))
		for _, m := range cfg.Methods {
			methods[strings.ToUpper(m)] = true
		}
		return &methodPredicate{methods: methods}, nil, nil
	case config.PredicateHeader:
		m, err := newValueMatcher(cfg.Value, cfg.Regex)
		if err != nil {
			return nil, nil, err
		}
		return &headerPredicate{name: cfg.Name, matcher: m}, nil, nil
	case config.PredicateQuery:
		m, err := newValueMatcher(cfg.Value, cfg.Regex)
		if err != nil {
			return nil, nil, err
		}
		return &queryPredicate{name: cfg.Name, matcher: m}, nil, nil
	case config.PredicateCookie:
		m, err := newValueMatcher(cfg.Value, cfg.Regex)
		if err != nil {
			return nil, nil, err
		}
		return &cookiePredicate{name: cfg.Name, matcher: m}, nil, nil
	case config.PredicateRemoteAddr:
		prefixes := make([]netip.Prefix, 0, len(cfg.CIDRs))
		for _, c := range cfg.CIDRs {
			prefix, err := netip.ParsePrefix(c)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
			}
			prefixes = append(prefixes, prefix)
		}
		return &remoteAddrPredicate{prefixes: prefixes}, nil, nil
	case config.PredicateAfter:
		t, err := time.Parse(time.RFC3339, cfg.Instant)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid instant %q: %w", cfg.Instant, err)
		}
		return &afterPredicate{instant: t}, nil, nil
	case config.PredicateBefore:
		t, err := time.Parse(time.RFC3339, cfg.Instant)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid instant %q: %w", cfg.Instant, err)
		}
		return &beforePredicate{instant: t}, nil, nil
	case config.PredicateBetween:
		start, err := time.Parse(time.RFC3339, cfg.Start)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start %q: %w", cfg.Start, err)
		}
		end, err := time.Parse(time.RFC3339, cfg.End)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end %q: %w", cfg.End, err)
		}
		return &betweenPredicate{start: start, end: end}, nil, nil
	case config.PredicateWeight:
		return nil, &weightMeta{group: cfg.Group, weight: cfg.Weight}, nil
	default:
		return nil, nil, fmt.Errorf("unknown predicate type %q", cfg.Type)
	}
}

func compilePatterns(patterns []string, matchTrailingSlash, caseInsensitive bool) ([]*pathPattern, error) {
	compiled := make([]*pathPattern, 0, len(patterns))
	for _, p := range patterns {
		pattern, err := compilePattern(p, matchTrailingSlash, caseInsensitive)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, pattern)
	}
	return compiled, nil
}
