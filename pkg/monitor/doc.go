// Package monitor runs the independent monitoring HTTP server: /metrics
// (Prometheus text format), /stats (JSON counter summary), /healthz, and
// /requests (recent access log records when the SQLite store is enabled).
// It listens on its own address and holds read-only views of the counters
// the engines publish.
package monitor
