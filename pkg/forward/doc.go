// Package forward implements the forward proxy engine: plain HTTP
// forwarding through a pooled transport, CONNECT tunneling over hijacked
// connections, WebSocket upgrade relaying, Basic proxy authentication, and
// chained relay proxies selected per destination host by NO_PROXY-style
// domain patterns.
//
// Authentication runs before rate limiting so rejected clients cannot
// consume tokens that belong to legitimate traffic.
package forward
