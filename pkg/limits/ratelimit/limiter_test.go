package ratelimit

import (
	"testing"
	"time"

	"bifrost-hq/bifrost/pkg/config"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestDefaultRuleWindow(t *testing.T) {
	l := New(&config.RateLimitingConfig{
		Enabled:      true,
		DefaultLimit: &config.RateLimitWindow{Limit: 2, WindowSecs: 60},
	})
	now, clock := fixedClock(time.Unix(1000, 0))
	l.now = clock

	if hit := l.Check("10.0.0.1", "GET", "/"); hit != nil {
		t.Fatalf("first request rejected: %+v", hit)
	}
	if hit := l.Check("10.0.0.1", "GET", "/"); hit != nil {
		t.Fatalf("second request rejected: %+v", hit)
	}
	hit := l.Check("10.0.0.1", "GET", "/")
	if hit == nil {
		t.Fatal("third request admitted, want 429")
	}
	if hit.RuleID != DefaultRuleID {
		t.Errorf("rule = %q, want default", hit.RuleID)
	}
	if hit.RetryAfterSecs == 0 || hit.RetryAfterSecs > 60 {
		t.Errorf("RetryAfterSecs = %d, want within (0, 60]", hit.RetryAfterSecs)
	}

	// Another client is unaffected.
	if hit := l.Check("10.0.0.2", "GET", "/"); hit != nil {
		t.Fatalf("other client rejected: %+v", hit)
	}

	// Crossing the window boundary admits again and counts in the new
	// window only.
	*now = now.Add(61 * time.Second)
	if hit := l.Check("10.0.0.1", "GET", "/"); hit != nil {
		t.Fatalf("post-window request rejected: %+v", hit)
	}
}

func TestRuleFilters(t *testing.T) {
	l := New(&config.RateLimitingConfig{
		Enabled: true,
		Rules: []config.RateLimitRuleConfig{
			{ID: "api-posts", Limit: 1, WindowSecs: 60, PathPrefix: "/api", Methods: []string{"POST"}},
		},
	})

	// Method outside the list is never limited.
	for i := 0; i < 5; i++ {
		if hit := l.Check("10.0.0.1", "GET", "/api/x"); hit != nil {
			t.Fatalf("GET rejected: %+v", hit)
		}
	}
	// Path outside the prefix is never limited.
	for i := 0; i < 5; i++ {
		if hit := l.Check("10.0.0.1", "POST", "/other"); hit != nil {
			t.Fatalf("off-prefix POST rejected: %+v", hit)
		}
	}

	if hit := l.Check("10.0.0.1", "POST", "/api/x"); hit != nil {
		t.Fatalf("first matching POST rejected: %+v", hit)
	}
	if hit := l.Check("10.0.0.1", "POST", "/api/x"); hit == nil {
		t.Fatal("second matching POST admitted, want rejection")
	}
}

func TestRejectionDoesNotConsumeOtherRules(t *testing.T) {
	l := New(&config.RateLimitingConfig{
		Enabled:      true,
		DefaultLimit: &config.RateLimitWindow{Limit: 10, WindowSecs: 60},
		Rules: []config.RateLimitRuleConfig{
			{ID: "tight", Limit: 1, WindowSecs: 60, PathPrefix: "/api"},
		},
	})

	if hit := l.Check("10.0.0.1", "GET", "/api/x"); hit != nil {
		t.Fatalf("first request rejected: %+v", hit)
	}
	// Second request violates "tight"; the default counter must not move.
	for i := 0; i < 5; i++ {
		if hit := l.Check("10.0.0.1", "GET", "/api/x"); hit == nil {
			t.Fatal("expected rejection by tight rule")
		}
	}
	// The default rule still has 9 admissions left for non-/api paths.
	for i := 0; i < 9; i++ {
		if hit := l.Check("10.0.0.1", "GET", "/"); hit != nil {
			t.Fatalf("request %d rejected by default rule: %+v", i, hit)
		}
	}
	if hit := l.Check("10.0.0.1", "GET", "/"); hit == nil {
		t.Fatal("default rule should now be exhausted")
	}
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	for _, l := range []*Limiter{New(nil), New(&config.RateLimitingConfig{Enabled: false})} {
		if l.Enabled() {
			t.Error("limiter reports enabled without rules")
		}
		for i := 0; i < 100; i++ {
			if hit := l.Check("10.0.0.1", "GET", "/"); hit != nil {
				t.Fatalf("disabled limiter rejected: %+v", hit)
			}
		}
	}
}

func TestAdmittedCounterStaysUnderLimit(t *testing.T) {
	// Invariant: an admitted request observed a counter strictly below the
	// limit; exactly limit admissions succeed per window.
	l := New(&config.RateLimitingConfig{
		Enabled:      true,
		DefaultLimit: &config.RateLimitWindow{Limit: 5, WindowSecs: 60},
	})

	admitted := 0
	for i := 0; i < 20; i++ {
		if hit := l.Check("192.0.2.1", "GET", "/"); hit == nil {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("admitted = %d, want exactly 5", admitted)
	}
}
