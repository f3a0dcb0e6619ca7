// Package metrics publishes Bifrost Bridge's Prometheus collectors: request
// and byte counters per engine, error counters by class, per-target
// in-flight gauges, and the secret-decryption counters. The monitoring
// server exposes the registry; engines only increment.
package metrics
