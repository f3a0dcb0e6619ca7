package reverse

import (
	"net/http"
	"strings"

	"bifrost-hq/bifrost/pkg/routing"
)

// ProxyServerHeader identifies requests and responses that passed through
// Bifrost.
const ProxyServerHeader = "X-Proxy-Server"

// proxyServerValue is the header value stamped on proxied requests and
// responses.
const proxyServerValue = "bifrost-bridge"

// hopByHopHeaders must not cross the proxy in either direction.
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

// rewriteRequest builds the outbound request for one attempt: target URL
// spliced in, strip_path_prefix applied, forwarding headers stamped, and
// hop-by-hop headers removed (kept for WebSocket handshakes).
func rewriteRequest(r *http.Request, route *routing.Route, target *routing.Target, ctx *routing.RequestContext, keepUpgrade bool) *http.Request {
	outbound := r.Clone(r.Context())

	path := r.URL.Path
	if prefix := route.StripPathPrefix; prefix != "" && strings.HasPrefix(path, prefix) {
		path = path[len(prefix):]
		if path == "" {
			path = "/"
		} else if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}

	outbound.URL.Scheme = target.URL.Scheme
	outbound.URL.Host = target.URL.Host
	outbound.URL.Path = path
	outbound.RequestURI = ""

	originalHost := r.Host
	if route.PreserveHost {
		outbound.Host = originalHost
	} else {
		outbound.Host = target.URL.Host
	}

	// Header stamping happens before the first upstream byte is written.
	stampForwardingHeaders(outbound.Header, ctx, r, originalHost)
	stripHopByHop(outbound.Header, keepUpgrade)
	return outbound
}

// stampForwardingHeaders appends the client to X-Forwarded-For, records
// the inbound protocol and host, and sets the proxy marker.
func stampForwardingHeaders(h http.Header, ctx *routing.RequestContext, r *http.Request, originalHost string) {
	if ctx != nil && ctx.ClientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+ctx.ClientIP)
		} else {
			h.Set("X-Forwarded-For", ctx.ClientIP)
		}
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	if originalHost != "" {
		h.Set("X-Forwarded-Host", originalHost)
	}
	h.Set(ProxyServerHeader, proxyServerValue)
}

// stripHopByHop removes per-connection headers, including those the
// Connection header names. keepUpgrade preserves the upgrade handshake
// for WebSocket relays.
func stripHopByHop(h http.Header, keepUpgrade bool) {
	connectionTokens := strings.Split(h.Get("Connection"), ",")
	for _, name := range hopByHopHeaders {
		if keepUpgrade && (name == "Connection" || name == "Upgrade") {
			continue
		}
		h.Del(name)
	}
	if !keepUpgrade {
		for _, token := range connectionTokens {
			if name := strings.TrimSpace(token); name != "" {
				h.Del(name)
			}
		}
	}
	// Sec-WebSocket-* headers survive either way; without an upgrade they
	// are inert end-to-end headers.
}

// copyResponseHeaders copies upstream headers to the client, preserving
// duplicates, minus hop-by-hop, plus the proxy marker.
func copyResponseHeaders(dst http.Header, src http.Header, keepUpgrade bool) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	stripHopByHop(dst, keepUpgrade)
	dst.Set(ProxyServerHeader, proxyServerValue)
}
