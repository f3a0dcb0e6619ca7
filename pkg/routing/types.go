package routing

import (
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"bifrost-hq/bifrost/pkg/config"
)

// HealthState is the probe-maintained state of a target.
type HealthState int32

const (
	// HealthUnknown means no probe has completed yet. Unknown targets are
	// treated as healthy for selection but trigger an immediate probe on
	// first use.
	HealthUnknown HealthState = iota
	// HealthHealthy means the last probe succeeded.
	HealthHealthy
	// HealthUnhealthy means the last probe failed.
	HealthUnhealthy
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Target is one upstream inside a route. URL, ID, Weight, and Enabled are
// immutable after compilation; health and the in-flight counter are the
// only fields mutated at runtime, both atomically.
type Target struct {
	ID      string
	URL     *url.URL
	Weight  uint32
	Enabled bool

	health   atomic.Int32
	inflight atomic.Int64
}

// Health returns the current probe state.
func (t *Target) Health() HealthState {
	return HealthState(t.health.Load())
}

// SetHealth flips the health flag; called only by the prober.
func (t *Target) SetHealth(state HealthState) {
	t.health.Store(int32(state))
}

// selectable reports whether the target may be picked: enabled and not
// known-unhealthy (Unknown counts as healthy).
func (t *Target) selectable() bool {
	return t.Enabled && t.Health() != HealthUnhealthy
}

// AcquireInflight increments the in-flight counter and returns a release
// function. Used by the least_connections policy and the in-flight gauge.
func (t *Target) AcquireInflight() func() {
	t.inflight.Add(1)
	return func() { t.inflight.Add(-1) }
}

// Inflight returns the current in-flight request count.
func (t *Target) Inflight() int64 {
	return t.inflight.Load()
}

// Origin returns the pool key for this target ("scheme://host:port").
func (t *Target) Origin() string {
	host := t.URL.Host
	if t.URL.Port() == "" {
		switch t.URL.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return t.URL.Scheme + "://" + host
}

// RetryPolicy is the compiled retry configuration of a route.
type RetryPolicy struct {
	MaxAttempts         uint32
	RetryOnConnectError bool
	RetryOnStatuses     map[int]bool
	Methods             map[string]bool
}

// AllowsMethod reports whether the request method is retry-eligible.
func (p *RetryPolicy) AllowsMethod(method string) bool {
	return p.Methods[method]
}

// ShouldRetryStatus reports whether an upstream status triggers a retry.
func (p *RetryPolicy) ShouldRetryStatus(status int) bool {
	return p.RetryOnStatuses[status]
}

// weightMeta is the route's membership in a weighted group.
type weightMeta struct {
	group  string
	weight uint32
}

// Route is a compiled route: predicates in cheap-first evaluation order,
// targets, and the selection policies. Immutable after compilation except
// the round-robin counter.
type Route struct {
	ID              string
	Priority        int
	StripPathPrefix string

	predicates []predicate
	pathPred   *pathPredicate // direct pointer for capture extraction

	Targets        []*Target
	LoadBalancing  config.LoadBalancingPolicy
	Sticky         *config.StickyConfig
	HeaderOverride *config.HeaderOverrideConfig
	Retry          *RetryPolicy

	// Health-check and pool settings resolved for this route.
	HealthCheck         *config.HealthCheckConfig
	PoolMaxIdlePerHost  int
	PoolIdleTimeoutSecs uint64
	PreserveHost        bool

	weight        *weightMeta
	originalIndex int

	rrCounter atomic.Uint64
}

// TargetByID returns the target with the given id, or nil.
func (r *Route) TargetByID(id string) *Target {
	for _, t := range r.Targets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// RequestContext is the per-request attribute bag. The matcher records the
// chosen route and path-variable captures; the selector records the chosen
// target; the retry loop tracks the attempt counter.
type RequestContext struct {
	ClientIP   string
	ReceivedAt time.Time

	MatchedRoute   string
	SelectedTarget string
	PathVars       map[string]string
	Attempt        int
}

// NewRequestContext builds the attribute bag for one inbound request.
func NewRequestContext(clientIP string) *RequestContext {
	return &RequestContext{
		ClientIP:   clientIP,
		ReceivedAt: time.Now(),
	}
}

// Selection is the outcome of target selection.
type Selection struct {
	Target *Target

	// SetCookie carries a sticky-session cookie to append to the response,
	// empty when no cookie needs to be (re)issued.
	SetCookie string
}

// requestHost extracts the host the request addresses, without port.
func requestHost(req *http.Request) string {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

// lastColon finds the port separator, ignoring IPv6 bracket notation.
func lastColon(host string) int {
	if len(host) > 0 && host[len(host)-1] == ']' {
		return -1
	}
	for i := len(host) - 1; i >= 0; i-- {
		switch host[i] {
		case ':':
			return i
		case ']':
			return -1
		}
	}
	return -1
}
