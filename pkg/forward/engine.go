package forward

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/limits/ratelimit"
	"bifrost-hq/bifrost/pkg/proxy/middleware"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

const engineName = "forward"

// hopByHopHeaders must not be forwarded on any proxy path.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Engine is the forward proxy: ordinary HTTP forwarding, CONNECT tunnels,
// WebSocket relays, and relay chaining.
type Engine struct {
	username string
	password string

	relays    []*relay
	transport *http.Transport

	connectTimeout time.Duration
	idleTimeout    time.Duration
	maxLifetime    time.Duration

	websocket *config.WebSocketConfig
	limiter   *ratelimit.Limiter
	logger    *logging.Logger
	metrics   *metrics.Collector
}

// NewEngine builds the forward engine from the loaded configuration.
func NewEngine(cfg *config.Config, limiter *ratelimit.Limiter, logger *logging.Logger, collector *metrics.Collector) (*Engine, error) {
	relays, err := compileRelays(cfg.RelayProxies)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		username:       cfg.ProxyUsername,
		password:       cfg.ProxyPassword,
		relays:         relays,
		connectTimeout: time.Duration(cfg.ConnectTimeoutSecs) * time.Second,
		idleTimeout:    time.Duration(cfg.IdleTimeoutSecs) * time.Second,
		maxLifetime:    time.Duration(cfg.MaxConnectionLifetimeSecs) * time.Second,
		websocket:      cfg.WebSocket,
		limiter:        limiter,
		logger:         logger,
		metrics:        collector,
	}

	// The forward path keeps idle connections on a short leash so they
	// self-evict; no-pool mode disables keep-alive reuse entirely.
	poolIdle := config.DefaultForwardIdleTimeoutSecs * time.Second
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: e.connectTimeout,
		}).DialContext,
		IdleConnTimeout:       poolIdle,
		MaxIdleConns:          0,    // no global cap
		MaxIdleConnsPerHost:   1024, // effectively unbounded; expiry drives eviction
		ResponseHeaderTimeout: e.idleTimeout,
		Proxy: func(req *http.Request) (*url.URL, error) {
			if r := relayFor(e.relays, req.URL.Hostname()); r != nil {
				return r.url, nil
			}
			return nil, nil
		},
		GetProxyConnectHeader: func(_ context.Context, proxyURL *url.URL, _ string) (http.Header, error) {
			h := http.Header{}
			for _, r := range e.relays {
				if r.url == proxyURL && r.auth != "" {
					h.Set("Proxy-Authorization", r.auth)
				}
			}
			return h, nil
		},
	}
	if cfg.ConnectionPoolEnabled != nil && !*cfg.ConnectionPoolEnabled {
		transport.DisableKeepAlives = true
		transport.MaxIdleConnsPerHost = -1
	}
	e.transport = transport
	return e, nil
}

// ServeHTTP dispatches one proxied request. Authentication runs first,
// then rate limiting, then method dispatch.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.metrics != nil {
		e.metrics.IncRequests(engineName)
	}

	if !e.authorized(r) {
		e.reject407(w)
		return
	}

	if e.limiter != nil && e.limiter.Enabled() {
		clientIP := middleware.ClientIP(r)
		if hit := e.limiter.Check(clientIP, r.Method, r.URL.Path); hit != nil {
			if e.metrics != nil {
				e.metrics.IncRateLimited(hit.RuleID)
				e.metrics.IncErrors(engineName, "rate_limit")
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", hit.RetryAfterSecs))
			w.Header().Set("Connection", "close")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
	}

	switch {
	case r.Method == http.MethodConnect:
		e.handleConnect(w, r)
	case isWebSocketUpgrade(r.Header):
		e.handleWebSocket(w, r)
	default:
		e.handleHTTP(w, r)
	}
}

// authorized checks Proxy-Authorization with a constant-time compare.
func (e *Engine) authorized(r *http.Request) bool {
	if e.username == "" && e.password == "" {
		return true
	}
	auth := r.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return false
	}
	expected := []byte(e.username + ":" + e.password)
	return subtle.ConstantTimeCompare(decoded, expected) == 1
}

func (e *Engine) reject407(w http.ResponseWriter) {
	if e.metrics != nil {
		e.metrics.IncErrors(engineName, "auth")
	}
	w.Header().Set("Proxy-Authenticate", `Basic realm="Proxy Server"`)
	w.Header().Set("Connection", "close")
	http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
}

// handleHTTP forwards an ordinary request to its origin (or relay) and
// streams the response back.
func (e *Engine) handleHTTP(w http.ResponseWriter, r *http.Request) {
	targetURL, err := e.targetURL(r)
	if err != nil {
		e.fail(w, http.StatusBadRequest, "protocol", "Bad Request: "+err.Error())
		return
	}

	outbound := r.Clone(r.Context())
	outbound.URL = targetURL
	outbound.Host = targetURL.Host
	outbound.RequestURI = ""
	stripHopByHop(outbound.Header)

	// Plain HTTP through a relay carries the relay credentials on the
	// request itself (CONNECT-based relaying injects them separately).
	if relay := relayFor(e.relays, targetURL.Hostname()); relay != nil && relay.auth != "" && targetURL.Scheme == "http" {
		outbound.Header.Set("Proxy-Authorization", relay.auth)
	}

	resp, err := e.transport.RoundTrip(outbound)
	if err != nil {
		e.fail(w, http.StatusBadGateway, "upstream", "Bad Gateway")
		if e.logger != nil {
			e.logger.Error("upstream request failed", "host", targetURL.Host, "error", err)
		}
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	stripHopByHop(w.Header())
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)
	if e.metrics != nil {
		e.metrics.AddBytesOut(engineName, written)
	}
}

// handleConnect replies 200 Connection Established and relays raw bytes.
func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := splitConnectTarget(r.RequestURI, r.Host)
	if err != nil {
		e.fail(w, http.StatusBadRequest, "protocol", "Bad Request: "+err.Error())
		return
	}

	upstream, err := e.dialTarget(host, port)
	if err != nil {
		e.fail(w, http.StatusBadGateway, "upstream", "Bad Gateway")
		if e.logger != nil {
			e.logger.Error("CONNECT dial failed", "target", net.JoinHostPort(host, port), "error", err)
		}
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		e.fail(w, http.StatusInternalServerError, "internal", "hijacking unsupported")
		return
	}
	clientConn, buffered, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		e.fail(w, http.StatusInternalServerError, "internal", "hijack failed")
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	// Bytes the server buffered past the request head belong upstream.
	if buffered != nil && buffered.Reader.Buffered() > 0 {
		pending, _ := buffered.Reader.Peek(buffered.Reader.Buffered())
		if _, err := upstream.Write(pending); err != nil {
			clientConn.Close()
			upstream.Close()
			return
		}
	}

	if e.metrics != nil {
		e.metrics.ConnOpened(engineName)
		defer e.metrics.ConnClosed(engineName)
	}
	sent, received := tunnel(clientConn, upstream, e.idleTimeout, e.maxLifetime)
	if e.metrics != nil {
		e.metrics.AddBytesIn(engineName, sent)
		e.metrics.AddBytesOut(engineName, received)
	}
}

// handleWebSocket validates the upgrade and relays bytes like CONNECT,
// after forwarding the client's handshake verbatim (minus proxy headers).
func (e *Engine) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if reason := validateWebSocket(r, e.websocket); reason != "" {
		if e.metrics != nil {
			e.metrics.IncErrors(engineName, "auth")
		}
		w.Header().Set("Connection", "close")
		http.Error(w, reason, http.StatusForbidden)
		return
	}

	targetURL, err := e.targetURL(r)
	if err != nil {
		e.fail(w, http.StatusBadRequest, "protocol", "Bad Request: "+err.Error())
		return
	}
	port := targetURL.Port()
	if port == "" {
		port = "80"
		if targetURL.Scheme == "https" {
			port = "443"
		}
	}

	upstream, err := e.dialTarget(targetURL.Hostname(), port)
	if err != nil {
		e.fail(w, http.StatusBadGateway, "upstream", "Bad Gateway")
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		e.fail(w, http.StatusInternalServerError, "internal", "hijacking unsupported")
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		e.fail(w, http.StatusInternalServerError, "internal", "hijack failed")
		return
	}

	// Replay the handshake to the origin with proxy credentials removed
	// but the Upgrade semantics intact.
	handshake := r.Clone(r.Context())
	handshake.URL = targetURL
	handshake.Host = targetURL.Host
	handshake.RequestURI = ""
	handshake.Header.Del("Proxy-Authorization")
	handshake.Header.Del("Proxy-Authenticate")
	if err := handshake.Write(upstream); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	if e.metrics != nil {
		e.metrics.ConnOpened(engineName)
		defer e.metrics.ConnClosed(engineName)
	}
	tunnel(clientConn, upstream, e.idleTimeout, e.maxLifetime)
}

// dialTarget opens the raw upstream connection, through a relay when one
// claims the host.
func (e *Engine) dialTarget(host, port string) (net.Conn, error) {
	if relay := relayFor(e.relays, host); relay != nil {
		return dialViaRelay(relay, host, port, e.connectTimeout)
	}
	return net.DialTimeout("tcp", net.JoinHostPort(host, port), e.connectTimeout)
}

// targetURL resolves the origin from the absolute-form URI or, for
// origin-form requests, the Host header.
func (e *Engine) targetURL(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}
	if r.Host == "" {
		return nil, fmt.Errorf("request has neither absolute URI nor Host header")
	}
	u := *r.URL
	u.Scheme = "http"
	u.Host = r.Host
	return &u, nil
}

func (e *Engine) fail(w http.ResponseWriter, status int, class, body string) {
	if e.metrics != nil {
		e.metrics.IncErrors(engineName, class)
	}
	w.Header().Set("Connection", "close")
	http.Error(w, body, status)
}

// splitConnectTarget parses the CONNECT authority ("host:port").
func splitConnectTarget(requestURI, hostHeader string) (string, string, error) {
	target := requestURI
	if target == "" || target == "/" {
		target = hostHeader
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		if !strings.Contains(target, ":") && target != "" {
			return target, "443", nil
		}
		return "", "", fmt.Errorf("invalid CONNECT target %q", target)
	}
	return host, port, nil
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

// validateWebSocket checks Origin and Sec-WebSocket-Protocol against the
// configuration. Empty reason means allowed.
func validateWebSocket(r *http.Request, cfg *config.WebSocketConfig) string {
	if cfg == nil {
		return ""
	}
	if !cfg.Enabled {
		return "WebSocket support is disabled"
	}

	if len(cfg.AllowedOrigins) > 0 && !containsWildcard(cfg.AllowedOrigins) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return "Origin header is required for WebSocket requests"
		}
		allowed := false
		for _, o := range cfg.AllowedOrigins {
			if strings.EqualFold(o, origin) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "Origin not allowed"
		}
	}

	if len(cfg.SupportedProtocols) > 0 {
		offered := splitProtocols(r.Header.Get("Sec-WebSocket-Protocol"))
		if len(offered) == 0 {
			return "WebSocket subprotocol required"
		}
		for _, offer := range offered {
			for _, supported := range cfg.SupportedProtocols {
				if strings.EqualFold(offer, supported) {
					return ""
				}
			}
		}
		return "Unsupported WebSocket subprotocol"
	}
	return ""
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func splitProtocols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	protocols := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			protocols = append(protocols, trimmed)
		}
	}
	return protocols
}

// copyHeaders copies every header value, preserving duplicates.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// stripHopByHop removes hop-by-hop headers, including any named by the
// Connection header itself.
func stripHopByHop(h http.Header) {
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if name := strings.TrimSpace(token); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Close releases the transport's idle connections.
func (e *Engine) Close() {
	e.transport.CloseIdleConnections()
}
