// Package routing implements the reverse proxy's request-routing core: the
// closed predicate set, ant-style path patterns with {name} captures, the
// priority-ordered route matcher with weighted route groups, and the target
// selector (header override, sticky sessions, load balancing).
//
// Routes and targets are compiled once from configuration into an immutable
// snapshot. The only mutable state is per-target health flags and counters,
// all atomic. Matching and selection allocate small per-request values: the
// capture map for routes that declare {name} segments, the weighted-group
// candidate list, and the slice of eligible targets.
package routing
