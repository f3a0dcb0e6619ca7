package reverse

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"bifrost-hq/bifrost/pkg/routing"
)

// handleWebSocket validates the upgrade, forwards the handshake to the
// selected target over a leased connection, and relays bytes in both
// directions. Upgrades are never retried.
func (e *Engine) handleWebSocket(w http.ResponseWriter, r *http.Request, route *routing.Route, ctx *routing.RequestContext) {
	if reason := e.validateUpgrade(r); reason != "" {
		if e.metrics != nil {
			e.metrics.IncErrors(engineName, "auth")
		}
		w.Header().Set("Connection", "close")
		http.Error(w, reason, http.StatusForbidden)
		return
	}

	selection, err := e.selector.Select(route, r, ctx, nil)
	if err != nil {
		e.fail(w, http.StatusServiceUnavailable, "routing", "No healthy targets available")
		return
	}
	target := selection.Target

	origin := target.Origin()
	upstream, err := e.tunnelPool.Lease(r.Context(), origin)
	if err != nil {
		e.upstreamError(w, err)
		return
	}

	// Forward the handshake with the upgrade headers preserved.
	handshake := rewriteRequest(r, route, target, ctx, true)
	if err := handshake.Write(upstream); err != nil {
		e.tunnelPool.Release(origin, upstream, false)
		e.upstreamError(w, err)
		return
	}

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, handshake)
	if err != nil {
		e.tunnelPool.Release(origin, upstream, false)
		e.upstreamError(w, err)
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// The target declined the upgrade; relay its answer as a normal
		// response. The connection state after a declined upgrade is
		// clean, so it may be pooled when keep-alive allows.
		if selection.SetCookie != "" {
			w.Header().Add("Set-Cookie", selection.SetCookie)
		}
		e.writeResponse(w, resp, "")
		reusable := !resp.Close && resp.StatusCode < 500
		e.tunnelPool.Release(origin, upstream, reusable)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		resp.Body.Close()
		e.tunnelPool.Release(origin, upstream, false)
		e.fail(w, http.StatusInternalServerError, "internal", "hijacking unsupported")
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		resp.Body.Close()
		e.tunnelPool.Release(origin, upstream, false)
		return
	}

	release := target.AcquireInflight()
	defer release()
	if e.metrics != nil {
		e.metrics.ConnOpened(engineName)
		defer e.metrics.ConnClosed(engineName)
	}

	// Relay the 101 to the client, plus any sticky cookie.
	if selection.SetCookie != "" {
		resp.Header.Add("Set-Cookie", selection.SetCookie)
	}
	if err := resp.Write(clientConn); err != nil {
		clientConn.Close()
		e.tunnelPool.Release(origin, upstream, false)
		return
	}

	idle := e.idleTimeout
	if e.websocket != nil && e.websocket.IdleTimeoutSecs > 0 {
		idle = time.Duration(e.websocket.IdleTimeoutSecs) * time.Second
	}

	// Bytes the response reader over-read belong to the tunnel.
	var upstreamConn net.Conn = upstream
	if upstreamReader.Buffered() > 0 {
		upstreamConn = &bufferedTunnelConn{Conn: upstream, reader: upstreamReader}
	}

	sent, received := relayTunnel(clientConn, upstreamConn, idle)
	if e.metrics != nil {
		e.metrics.AddBytesIn(engineName, sent)
		e.metrics.AddBytesOut(engineName, received)
	}
	// tunnel closed both ends; nothing goes back to the pool.
}

// validateUpgrade checks Origin and Sec-WebSocket-Protocol against the
// websocket configuration. Empty reason means allowed.
func (e *Engine) validateUpgrade(r *http.Request) string {
	cfg := e.websocket
	if cfg == nil {
		return ""
	}
	if !cfg.Enabled {
		return "WebSocket support is disabled"
	}

	if len(cfg.AllowedOrigins) > 0 && !hasWildcard(cfg.AllowedOrigins) {
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
		raw := r.Header.Get("Sec-WebSocket-Protocol")
		var offered []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				offered = append(offered, trimmed)
			}
		}
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

func hasWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// relayTunnel copies bytes both ways until either side closes or the idle
// timeout elapses, preserving per-direction ordering.
func relayTunnel(client, upstream net.Conn, idleTimeout time.Duration) (int64, int64) {
	defer client.Close()
	defer upstream.Close()

	copyDir := func(dst, src net.Conn, total *int64, wg *sync.WaitGroup) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			if idleTimeout > 0 {
				src.SetReadDeadline(time.Now().Add(idleTimeout))
			}
			n, err := src.Read(buf)
			if n > 0 {
				written, werr := dst.Write(buf[:n])
				*total += int64(written)
				if werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		// Unblock the opposite direction.
		client.Close()
		upstream.Close()
	}

	var sent, received int64
	var wg sync.WaitGroup
	wg.Add(2)
	go copyDir(upstream, client, &sent, &wg)
	go copyDir(client, upstream, &received, &wg)
	wg.Wait()
	return sent, received
}

// bufferedTunnelConn replays bytes the handshake reader over-read before
// continuing with the raw connection.
type bufferedTunnelConn struct {
	net.Conn
	reader *bufio.Reader
}

func (b *bufferedTunnelConn) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}
