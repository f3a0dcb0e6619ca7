package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"bifrost-hq/bifrost/pkg/config"
)

// DefaultRuleID names the implicit default rule.
const DefaultRuleID = "default"

const shardCount = 32

// Hit describes a rejected request: which rule tripped and how long the
// client should wait.
type Hit struct {
	RuleID         string
	RetryAfterSecs uint64
}

// rule is one compiled rate limit rule.
type rule struct {
	id         string
	limit      uint64
	window     time.Duration
	pathPrefix string
	methods    map[string]bool
}

// matches reports whether the rule applies to (method, path). An empty
// method set means any method; an empty prefix matches every path.
func (r *rule) matches(method, path string) bool {
	if len(r.methods) > 0 && !r.methods[method] {
		return false
	}
	if r.pathPrefix != "" && !strings.HasPrefix(path, r.pathPrefix) {
		return false
	}
	return true
}

type bucketKey struct {
	ruleID   string
	clientIP string
}

type window struct {
	count       uint64
	windowStart time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[bucketKey]*window
}

// Limiter enforces the configured rules. The zero value is unusable; use
// New. A disabled limiter admits everything.
type Limiter struct {
	enabled bool
	rules   []*rule
	shards  [shardCount]*shard

	now func() time.Time
}

// New compiles a limiter from configuration. A nil configuration or one
// with no usable rules produces a disabled limiter.
func New(cfg *config.RateLimitingConfig) *Limiter {
	l := &Limiter{now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[bucketKey]*window)}
	}
	if cfg == nil || !cfg.Enabled {
		return l
	}

	if cfg.DefaultLimit != nil && cfg.DefaultLimit.Limit > 0 && cfg.DefaultLimit.WindowSecs > 0 {
		l.rules = append(l.rules, &rule{
			id:     DefaultRuleID,
			limit:  cfg.DefaultLimit.Limit,
			window: time.Duration(cfg.DefaultLimit.WindowSecs) * time.Second,
		})
	}
	for _, rc := range cfg.Rules {
		if rc.Limit == 0 || rc.WindowSecs == 0 {
			continue
		}
		r := &rule{
			id:         rc.ID,
			limit:      rc.Limit,
			window:     time.Duration(rc.WindowSecs) * time.Second,
			pathPrefix: normalizePathPrefix(rc.PathPrefix),
		}
		if len(rc.Methods) > 0 {
			r.methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				r.methods[strings.ToUpper(strings.TrimSpace(m))] = true
			}
		}
		l.rules = append(l.rules, r)
	}

	l.enabled = len(l.rules) > 0
	return l
}

// Enabled reports whether any rule is active.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// Check admits or rejects one request. On admission every applicable
// rule's counter is incremented and nil is returned; on rejection no
// counter moves and the Hit names the violated rule.
func (l *Limiter) Check(clientIP, method, path string) *Hit {
	if !l.enabled {
		return nil
	}

	var applicable []*rule
	for _, r := range l.rules {
		if r.matches(method, path) {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return nil
	}

	now := l.now()
	sh := l.shardFor(clientIP)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// First pass: every applicable rule must have headroom. Checking
	// before incrementing keeps a rejected request from consuming quota
	// in the rules it did not violate.
	type entry struct {
		r *rule
		w *window
	}
	entries := make([]entry, 0, len(applicable))
	for _, r := range applicable {
		key := bucketKey{ruleID: r.id, clientIP: clientIP}
		w, ok := sh.buckets[key]
		if !ok {
			w = &window{windowStart: now}
			sh.buckets[key] = w
		}
		if now.Sub(w.windowStart) >= r.window {
			// A request crossing the boundary counts in the new window.
			w.count = 0
			w.windowStart = now
		}
		if w.count >= r.limit {
			remaining := r.window - now.Sub(w.windowStart)
			secs := uint64(remaining / time.Second)
			if secs == 0 {
				secs = 1
			}
			return &Hit{RuleID: r.id, RetryAfterSecs: secs}
		}
		entries = append(entries, entry{r: r, w: w})
	}

	for _, e := range entries {
		e.w.count++
	}
	return nil
}

func (l *Limiter) shardFor(clientIP string) *shard {
	return l.shards[xxhash.Sum64String(clientIP)%shardCount]
}

func normalizePathPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}
