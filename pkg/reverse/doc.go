// Package reverse implements the reverse proxy engine. Each request runs
// the pipeline: route match, target selection, path-prefix stripping,
// forwarding-header stamping, pooled upstream dispatch, and response
// streaming. Routes may enable bounded retries against alternate targets
// (with the request body buffered in memory for replay) and WebSocket
// upgrade relaying.
package reverse
