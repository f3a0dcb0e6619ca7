package reverse

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/pool"
	"bifrost-hq/bifrost/pkg/proxy/middleware"
	"bifrost-hq/bifrost/pkg/routing"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

const engineName = "reverse"

// Engine is the reverse proxy.
type Engine struct {
	matcher  *routing.Matcher
	selector *routing.Selector
	prober   *pool.Prober

	// transports carry ordinary HTTP traffic, one per route so pool
	// settings apply per route.
	transports map[*routing.Route]*http.Transport

	// tunnelPool leases raw connections for WebSocket relays.
	tunnelPool *pool.Pool

	websocket    *config.WebSocketConfig
	notFoundBody string
	logger       *logging.Logger
	metrics      *metrics.Collector

	connectTimeout time.Duration
	idleTimeout    time.Duration
}

// NewEngine compiles routes and builds per-route transports. The single
// reverse_proxy_target shorthand expands into one catch-all route.
func NewEngine(cfg *config.Config, logger *logging.Logger, collector *metrics.Collector) (*Engine, error) {
	routeCfgs := cfg.ReverseProxyRoutes
	if len(routeCfgs) == 0 && cfg.ReverseProxyTarget != "" {
		routeCfgs = []config.RouteConfig{{
			ID:     "default",
			Target: cfg.ReverseProxyTarget,
			Predicates: []config.PredicateConfig{{
				Type:               config.PredicatePath,
				Patterns:           []string{"/**"},
				MatchTrailingSlash: true,
			}},
		}}
	}

	poolEnabled := cfg.ConnectionPoolEnabled == nil || *cfg.ConnectionPoolEnabled
	maxIdle := config.DefaultPoolMaxIdlePerHost
	if cfg.PoolMaxIdlePerHost != nil {
		maxIdle = *cfg.PoolMaxIdlePerHost
	}

	matcher, err := routing.NewMatcher(routeCfgs, routing.CompileOptions{
		Defaults:           cfg.ReverseProxy,
		PoolEnabled:        poolEnabled,
		PoolMaxIdlePerHost: maxIdle,
		IdleTimeoutSecs:    cfg.IdleTimeoutSecs,
	}, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		matcher:        matcher,
		prober:         pool.NewProber(logger, collector),
		transports:     make(map[*routing.Route]*http.Transport),
		websocket:      cfg.WebSocket,
		notFoundBody:   cfg.NotFoundBody,
		logger:         logger,
		metrics:        collector,
		connectTimeout: time.Duration(cfg.ConnectTimeoutSecs) * time.Second,
		idleTimeout:    time.Duration(cfg.IdleTimeoutSecs) * time.Second,
	}
	e.selector = routing.NewSelector(routing.WithProbeKick(e.prober.Kick))

	for _, route := range matcher.Routes() {
		if err := e.prober.Register(route); err != nil {
			return nil, err
		}
		e.transports[route] = e.buildTransport(route)
	}

	e.tunnelPool = pool.New(pool.Options{
		MaxIdlePerHost: maxIdle,
		IdleTimeout:    e.idleTimeout,
		ConnectTimeout: e.connectTimeout,
	})
	return e, nil
}

// buildTransport maps a route's pool settings onto an http.Transport.
// A pool size of 0 disables reuse entirely.
func (e *Engine) buildTransport(route *routing.Route) *http.Transport {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: e.connectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost:   route.PoolMaxIdlePerHost,
		IdleConnTimeout:       time.Duration(route.PoolIdleTimeoutSecs) * time.Second,
		ResponseHeaderTimeout: e.idleTimeout,
	}
	if route.PoolMaxIdlePerHost == 0 {
		transport.DisableKeepAlives = true
		transport.MaxIdleConnsPerHost = -1
	}
	return transport
}

// Start launches the health prober.
func (e *Engine) Start() {
	e.prober.Start()
}

// Stop halts probes and drops pooled connections.
func (e *Engine) Stop() {
	e.prober.Stop()
	e.tunnelPool.Close()
	for _, transport := range e.transports {
		transport.CloseIdleConnections()
	}
}

// SweepTunnelPool evicts expired tunnel-pool entries (cron-driven).
func (e *Engine) SweepTunnelPool() int {
	return e.tunnelPool.Sweep()
}

// Routes exposes the compiled routes (server wiring, tests).
func (e *Engine) Routes() []*routing.Route {
	return e.matcher.Routes()
}

// ServeHTTP runs the routing pipeline for one request. The rate limiter
// runs in the middleware chain before this handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.metrics != nil {
		e.metrics.IncRequests(engineName)
	}

	ctx := routing.NewRequestContext(middleware.ClientIP(r))

	route, err := e.matcher.Match(r, ctx)
	if err != nil {
		body := e.notFoundBody
		if body == "" {
			body = "No matching route"
		}
		e.fail(w, http.StatusNotFound, "routing", body)
		return
	}

	if isWebSocketUpgrade(r.Header) {
		e.handleWebSocket(w, r, route, ctx)
		return
	}

	e.processWithRetries(w, r, route, ctx)
}

func (e *Engine) fail(w http.ResponseWriter, status int, class, body string) {
	if e.metrics != nil {
		e.metrics.IncErrors(engineName, class)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	fmt.Fprintln(w, body)
}

// roundTrip performs one upstream attempt, tracking the target's in-flight
// counter for the least_connections policy and the gauge.
func (e *Engine) roundTrip(r *http.Request, route *routing.Route, target *routing.Target, ctx *routing.RequestContext) (*http.Response, error) {
	release := target.AcquireInflight()
	defer release()
	if e.metrics != nil {
		e.metrics.TargetInflight(route.ID, target.ID, 1)
		defer e.metrics.TargetInflight(route.ID, target.ID, -1)
	}

	outbound := rewriteRequest(r, route, target, ctx, false)
	return e.transports[route].RoundTrip(outbound)
}

// writeResponse copies status, headers, and body to the client. Once the
// first body byte is flushed a failure aborts the connection; the status
// cannot be rewritten.
func (e *Engine) writeResponse(w http.ResponseWriter, resp *http.Response, setCookie string) {
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header, false)
	if setCookie != "" {
		w.Header().Add("Set-Cookie", setCookie)
	}
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if e.metrics != nil {
		e.metrics.AddBytesOut(engineName, written)
	}
	if err != nil && e.logger != nil {
		e.logger.Warn("response stream aborted", "error", err, "bytes", written)
	}
}

// isWebSocketUpgrade detects an RFC 6455 upgrade request.
func isWebSocketUpgrade(h http.Header) bool {
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
