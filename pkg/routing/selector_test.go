package routing

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"bifrost-hq/bifrost/pkg/config"
)

func buildRoute(t *testing.T, cfg config.RouteConfig) *Route {
	t.Helper()
	route, _, err := compileRoute(cfg, 0, CompileOptions{PoolEnabled: true, PoolMaxIdlePerHost: 10, IdleTimeoutSecs: 90})
	if err != nil {
		t.Fatalf("compileRoute() error = %v", err)
	}
	// Probes have not run yet in these tests; mark targets healthy unless
	// the test flips them itself.
	for _, target := range route.Targets {
		target.SetHealth(HealthHealthy)
	}
	return route
}

func multiTargetRoute(t *testing.T, policy config.LoadBalancingPolicy, targets ...config.TargetConfig) *Route {
	t.Helper()
	cfg := config.RouteConfig{
		ID: "route",
		Predicates: []config.PredicateConfig{
			{Type: config.PredicatePath, Patterns: []string{"/**"}, MatchTrailingSlash: true},
		},
		Targets: targets,
	}
	if policy != "" {
		cfg.LoadBalancing = &config.LoadBalancingConfig{Policy: policy}
	}
	return buildRoute(t, cfg)
}

func TestRoundRobinCyclesTargets(t *testing.T) {
	route := multiTargetRoute(t, config.PolicyRoundRobin,
		config.TargetConfig{ID: "a", URL: "http://a:1", Weight: 1},
		config.TargetConfig{ID: "b", URL: "http://b:1", Weight: 1},
	)
	s := NewSelector()
	req := httptest.NewRequest("GET", "/", nil)

	var got []string
	for i := 0; i < 4; i++ {
		sel, err := s.Select(route, req, NewRequestContext(""), nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		got = append(got, sel.Target.ID)
	}
	want := "a,b,a,b"
	if strings.Join(got, ",") != want {
		t.Errorf("sequence = %v, want %s", got, want)
	}
}

func TestWeightedRoundRobinProportions(t *testing.T) {
	route := multiTargetRoute(t, config.PolicyWeightedRoundRobin,
		config.TargetConfig{ID: "a", URL: "http://a:1", Weight: 3},
		config.TargetConfig{ID: "b", URL: "http://b:1", Weight: 1},
	)
	s := NewSelector()
	req := httptest.NewRequest("GET", "/", nil)

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		sel, err := s.Select(route, req, NewRequestContext(""), nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		counts[sel.Target.ID]++
	}
	if counts["a"] != 300 || counts["b"] != 100 {
		t.Errorf("counts = %v, want a:300 b:100", counts)
	}
}

func TestSelectorSkipsDisabledAndUnhealthy(t *testing.T) {
	disabled := false
	route := multiTargetRoute(t, config.PolicyRoundRobin,
		config.TargetConfig{ID: "off", URL: "http://a:1", Weight: 1, Enabled: &disabled},
		config.TargetConfig{ID: "sick", URL: "http://b:1", Weight: 1},
		config.TargetConfig{ID: "ok", URL: "http://c:1", Weight: 1},
	)
	route.TargetByID("sick").SetHealth(HealthUnhealthy)

	s := NewSelector()
	req := httptest.NewRequest("GET", "/", nil)
	for i := 0; i < 6; i++ {
		sel, err := s.Select(route, req, NewRequestContext(""), nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if sel.Target.ID != "ok" {
			t.Fatalf("selected %q, want ok", sel.Target.ID)
		}
	}
}

func TestSelectorAllUnhealthyFails(t *testing.T) {
	route := multiTargetRoute(t, config.PolicyRoundRobin,
		config.TargetConfig{ID: "a", URL: "http://a:1", Weight: 1},
	)
	route.TargetByID("a").SetHealth(HealthUnhealthy)

	s := NewSelector()
	req := httptest.NewRequest("GET", "/", nil)
	_, err := s.Select(route, req, NewRequestContext(""), nil)
	if !errors.Is(err, ErrNoHealthyTargets) {
		t.Fatalf("Select() error = %v, want ErrNoHealthyTargets", err)
	}
}

func TestSelectorExclusionSet(t *testing.T) {
	route := multiTargetRoute(t, config.PolicyRoundRobin,
		config.TargetConfig{ID: "a", URL: "http://a:1", Weight: 1},
		config.TargetConfig{ID: "b", URL: "http://b:1", Weight: 1},
	)
	s := NewSelector()
	req := httptest.NewRequest("GET", "/", nil)

	sel, err := s.Select(route, req, NewRequestContext(""), map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Target.ID != "b" {
		t.Errorf("selected %q, want b", sel.Target.ID)
	}

	_, err = s.Select(route, req, NewRequestContext(""), map[string]bool{"a": true, "b": true})
	if !errors.Is(err, ErrNoHealthyTargets) {
		t.Fatalf("exhausted exclusions: error = %v, want ErrNoHealthyTargets", err)
	}
}

func TestHeaderOverrideValue(t *testing.T) {
	cfg := config.RouteConfig{
		ID: "route",
		Predicates: []config.PredicateConfig{
			{Type: config.PredicatePath, Patterns: []string{"/**"}, MatchTrailingSlash: true},
		},
		Targets: []config.TargetConfig{
			{ID: "blue", URL: "http://blue:1", Weight: 1},
			{ID: "green", URL: "http://green:1", Weight: 1},
		},
		HeaderOverride: &config.HeaderOverrideConfig{
			HeaderName:    "X-Bifrost-Target",
			AllowedValues: map[string]string{"b": "blue"},
			AllowedGroups: map[string][]string{"any": {"blue", "green"}},
		},
	}
	route := buildRoute(t, cfg)
	s := NewSelector()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Bifrost-Target", "b")
	sel, err := s.Select(route, req, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Target.ID != "blue" {
		t.Errorf("selected %q, want blue", sel.Target.ID)
	}

	// Unhealthy mapped target falls through to policy (best effort).
	route.TargetByID("blue").SetHealth(HealthUnhealthy)
	sel, err = s.Select(route, req, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Target.ID != "green" {
		t.Errorf("selected %q, want green fallback", sel.Target.ID)
	}
}

func TestStickyCookieFlow(t *testing.T) {
	cfg := config.RouteConfig{
		ID: "route",
		Predicates: []config.PredicateConfig{
			{Type: config.PredicatePath, Patterns: []string{"/**"}, MatchTrailingSlash: true},
		},
		Targets: []config.TargetConfig{
			{ID: "a", URL: "http://a:1", Weight: 1},
			{ID: "b", URL: "http://b:1", Weight: 1},
		},
		Sticky: &config.StickyConfig{Mode: config.StickyCookie, CookieName: "bifrost_target", TTLSeconds: 600},
	}
	route := buildRoute(t, cfg)
	s := NewSelector()

	// First request has no cookie: policy selects and a cookie is issued.
	req := httptest.NewRequest("GET", "/", nil)
	sel, err := s.Select(route, req, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.SetCookie == "" {
		t.Fatal("expected a sticky cookie to be issued")
	}
	if !strings.Contains(sel.SetCookie, "bifrost_target="+sel.Target.ID) {
		t.Errorf("cookie %q does not pin %q", sel.SetCookie, sel.Target.ID)
	}
	if !strings.Contains(sel.SetCookie, "Max-Age=600") {
		t.Errorf("cookie %q missing Max-Age", sel.SetCookie)
	}

	// Second request carries the cookie: the pinned target is selected and
	// no new cookie is issued.
	req2 := httptest.NewRequest("GET", "/", nil)
	req2.Header.Set("Cookie", "bifrost_target="+sel.Target.ID)
	sel2, err := s.Select(route, req2, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel2.Target.ID != sel.Target.ID {
		t.Errorf("sticky target = %q, want %q", sel2.Target.ID, sel.Target.ID)
	}
	if sel2.SetCookie != "" {
		t.Errorf("unexpected cookie refresh %q", sel2.SetCookie)
	}

	// Pinned target unhealthy: reselect and refresh the cookie.
	route.TargetByID(sel.Target.ID).SetHealth(HealthUnhealthy)
	sel3, err := s.Select(route, req2, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel3.Target.ID == sel.Target.ID {
		t.Error("unhealthy pinned target selected")
	}
	if sel3.SetCookie == "" {
		t.Error("expected cookie refresh after failover")
	}
}

func TestStickySourceIPIsStable(t *testing.T) {
	cfg := config.RouteConfig{
		ID: "route",
		Predicates: []config.PredicateConfig{
			{Type: config.PredicatePath, Patterns: []string{"/**"}, MatchTrailingSlash: true},
		},
		Targets: []config.TargetConfig{
			{ID: "a", URL: "http://a:1", Weight: 1},
			{ID: "b", URL: "http://b:1", Weight: 1},
			{ID: "c", URL: "http://c:1", Weight: 1},
		},
		Sticky: &config.StickyConfig{Mode: config.StickySourceIP},
	}
	route := buildRoute(t, cfg)
	s := NewSelector()
	req := httptest.NewRequest("GET", "/", nil)

	first, err := s.Select(route, req, NewRequestContext("203.0.113.9"), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		sel, err := s.Select(route, req, NewRequestContext("203.0.113.9"), nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if sel.Target.ID != first.Target.ID {
			t.Fatalf("source_ip stickiness broke: %q then %q", first.Target.ID, sel.Target.ID)
		}
	}
}

func TestLeastConnectionsPrefersIdleTarget(t *testing.T) {
	route := multiTargetRoute(t, config.PolicyLeastConnections,
		config.TargetConfig{ID: "busy", URL: "http://a:1", Weight: 1},
		config.TargetConfig{ID: "idle", URL: "http://b:1", Weight: 1},
	)
	release := route.TargetByID("busy").AcquireInflight()
	defer release()

	s := NewSelector()
	req := httptest.NewRequest("GET", "/", nil)
	sel, err := s.Select(route, req, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Target.ID != "idle" {
		t.Errorf("selected %q, want idle", sel.Target.ID)
	}
}

func TestRandomPolicyUsesSeededSource(t *testing.T) {
	route := multiTargetRoute(t, config.PolicyRandom,
		config.TargetConfig{ID: "a", URL: "http://a:1", Weight: 1},
		config.TargetConfig{ID: "b", URL: "http://b:1", Weight: 1},
	)
	s := NewSelector(WithRandSource(func(n int) int { return n - 1 }))
	req := httptest.NewRequest("GET", "/", nil)

	sel, err := s.Select(route, req, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Target.ID != "b" {
		t.Errorf("selected %q, want b from seeded source", sel.Target.ID)
	}
}

func TestUnknownHealthKicksProbe(t *testing.T) {
	route := multiTargetRoute(t, config.PolicyRoundRobin,
		config.TargetConfig{ID: "a", URL: "http://a:1", Weight: 1},
	)
	route.TargetByID("a").SetHealth(HealthUnknown)

	kicked := 0
	s := NewSelector(WithProbeKick(func(*Target) { kicked++ }))
	req := httptest.NewRequest("GET", "/", nil)

	sel, err := s.Select(route, req, NewRequestContext(""), nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Target.ID != "a" {
		t.Errorf("unknown-health target not selectable")
	}
	if kicked != 1 {
		t.Errorf("probe kicks = %d, want 1", kicked)
	}
}
