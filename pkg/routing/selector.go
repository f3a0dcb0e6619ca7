package routing

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"

	"bifrost-hq/bifrost/pkg/config"
)

// Selector picks one target within a matched route, honoring header
// override, sticky sessions, the load-balancing policy, and the caller's
// exclusion set (used by the retry loop).
type Selector struct {
	// probeKick, when set, is invoked for targets in Unknown health state
	// so the prober checks them immediately on first use.
	probeKick func(*Target)

	// randIntN is the random source for the random policy; replaced in
	// tests for determinism.
	randIntN func(n int) int
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithProbeKick wires the health prober's on-first-use trigger.
func WithProbeKick(kick func(*Target)) SelectorOption {
	return func(s *Selector) { s.probeKick = kick }
}

// WithRandSource replaces the random policy's source (tests).
func WithRandSource(intN func(n int) int) SelectorOption {
	return func(s *Selector) { s.randIntN = intN }
}

// NewSelector creates a target selector.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{randIntN: rand.IntN}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns one enabled, not-known-unhealthy target or
// ErrNoHealthyTargets. excluded may be nil.
func (s *Selector) Select(route *Route, req *http.Request, ctx *RequestContext, excluded map[string]bool) (Selection, error) {
	eligible := s.eligibleTargets(route, excluded)
	if len(eligible) == 0 {
		return Selection{}, fmt.Errorf("route %q: %w", route.ID, ErrNoHealthyTargets)
	}

	// 1. Header override: exact value -> target id, or value -> group of
	// target ids balanced by the route's policy. Best effort: an unhealthy
	// mapped target falls through.
	if sel, ok := s.selectByHeaderOverride(route, req, eligible); ok {
		s.recordSelection(ctx, sel.Target)
		return sel, nil
	}

	// 2. Sticky session, also best effort.
	sel, needsCookie := s.selectSticky(route, req, ctx, eligible)
	if sel.Target != nil {
		s.recordSelection(ctx, sel.Target)
		return sel, nil
	}

	// 3. Load-balancing policy.
	target := s.selectByPolicy(route, eligible)
	if target == nil {
		return Selection{}, fmt.Errorf("route %q: %w", route.ID, ErrNoHealthyTargets)
	}

	result := Selection{Target: target}
	if needsCookie {
		result.SetCookie = buildStickyCookie(route.Sticky.CookieName, target.ID, route.Sticky.TTLSeconds)
	}
	s.recordSelection(ctx, target)
	return result, nil
}

func (s *Selector) recordSelection(ctx *RequestContext, target *Target) {
	if ctx != nil {
		ctx.SelectedTarget = target.ID
	}
}

// eligibleTargets filters on the static enabled flag, the atomic health
// flag, and the exclusion set. Unknown-health targets stay eligible but
// get an immediate probe kicked off.
func (s *Selector) eligibleTargets(route *Route, excluded map[string]bool) []*Target {
	eligible := make([]*Target, 0, len(route.Targets))
	for _, t := range route.Targets {
		if excluded[t.ID] || !t.selectable() {
			continue
		}
		if t.Health() == HealthUnknown && s.probeKick != nil {
			s.probeKick(t)
		}
		eligible = append(eligible, t)
	}
	return eligible
}

func (s *Selector) selectByHeaderOverride(route *Route, req *http.Request, eligible []*Target) (Selection, bool) {
	ho := route.HeaderOverride
	if ho == nil {
		return Selection{}, false
	}
	value := req.Header.Get(ho.HeaderName)
	if value == "" {
		return Selection{}, false
	}

	if targetID, ok := ho.AllowedValues[value]; ok {
		for _, t := range eligible {
			if t.ID == targetID {
				return Selection{Target: t}, true
			}
		}
	}

	if groupIDs, ok := ho.AllowedGroups[value]; ok {
		group := make([]*Target, 0, len(groupIDs))
		for _, t := range eligible {
			for _, id := range groupIDs {
				if t.ID == id {
					group = append(group, t)
					break
				}
			}
		}
		if target := s.selectByPolicy(route, group); target != nil {
			return Selection{Target: target}, true
		}
	}
	return Selection{}, false
}

// selectSticky resolves sticky-session pinning. The second return value
// reports whether a cookie needs to be issued after policy selection.
func (s *Selector) selectSticky(route *Route, req *http.Request, ctx *RequestContext, eligible []*Target) (Selection, bool) {
	sticky := route.Sticky
	if sticky == nil {
		return Selection{}, false
	}

	switch sticky.Mode {
	case config.StickyCookie:
		cookie, err := req.Cookie(sticky.CookieName)
		if err != nil || cookie.Value == "" {
			return Selection{}, true
		}
		for _, t := range eligible {
			if t.ID == cookie.Value {
				return Selection{Target: t}, false
			}
		}
		// Known cookie but the pinned target is gone or unhealthy:
		// reselect and refresh the cookie.
		return Selection{}, true
	case config.StickyHeader:
		value := req.Header.Get(sticky.HeaderName)
		if value == "" {
			return Selection{}, false
		}
		return Selection{Target: hashPick(value, eligible)}, false
	case config.StickySourceIP:
		if ctx == nil || ctx.ClientIP == "" {
			return Selection{}, false
		}
		return Selection{Target: hashPick(ctx.ClientIP, eligible)}, false
	}
	return Selection{}, false
}

// selectByPolicy applies the route's load-balancing policy over the given
// targets. Returns nil on an empty slice.
func (s *Selector) selectByPolicy(route *Route, targets []*Target) *Target {
	if len(targets) == 0 {
		return nil
	}
	switch route.LoadBalancing {
	case config.PolicyWeightedRoundRobin:
		var total uint64
		for _, t := range targets {
			total += uint64(t.Weight)
		}
		if total == 0 {
			return targets[0]
		}
		cursor := route.rrCounter.Add(1) - 1
		cursor %= total
		for _, t := range targets {
			if cursor < uint64(t.Weight) {
				return t
			}
			cursor -= uint64(t.Weight)
		}
		return targets[0]
	case config.PolicyLeastConnections:
		min := targets[0].Inflight()
		tied := []*Target{targets[0]}
		for _, t := range targets[1:] {
			n := t.Inflight()
			switch {
			case n < min:
				min = n
				tied = []*Target{t}
			case n == min:
				tied = append(tied, t)
			}
		}
		if len(tied) == 1 {
			return tied[0]
		}
		// Ties break by round-robin.
		idx := route.rrCounter.Add(1) - 1
		return tied[idx%uint64(len(tied))]
	case config.PolicyRandom:
		return targets[s.randIntN(len(targets))]
	default: // round_robin
		idx := route.rrCounter.Add(1) - 1
		return targets[idx%uint64(len(targets))]
	}
}

// hashPick maps a sticky key onto the eligible-target ring.
func hashPick(key string, targets []*Target) *Target {
	if len(targets) == 0 {
		return nil
	}
	idx := xxhash.Sum64String(key) % uint64(len(targets))
	return targets[idx]
}

// buildStickyCookie renders the Set-Cookie value pinning a client to a
// target. ttlSeconds of 0 makes it a session cookie.
func buildStickyCookie(name, targetID string, ttlSeconds uint64) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString("=")
	sb.WriteString(targetID)
	sb.WriteString("; Path=/; SameSite=Lax")
	if ttlSeconds > 0 {
		fmt.Fprintf(&sb, "; Max-Age=%d", ttlSeconds)
	}
	return sb.String()
}
