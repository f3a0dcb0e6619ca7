// Package server owns the listener and dispatcher: it binds the TCP or
// TLS socket, selects the engine for the configured mode (forward,
// reverse, static, or combined), assembles the middleware chain, runs the
// background schedulers, and coordinates graceful shutdown. A first
// interrupt stops accepting and drains in-flight requests inside the
// grace window; a second interrupt terminates immediately.
package server
