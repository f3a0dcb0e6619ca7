// Package ratelimit implements Bifrost's per-client-IP fixed-window rate
// limiter. A configuration declares an optional default rule plus named
// rules with path-prefix and method filters; every applicable rule must
// admit a request or it is rejected with the seconds remaining in the
// window of the first rule (in declaration order, default first) that
// rejects it.
//
// Counters live in a sharded map keyed by (rule id, client IP) and reset
// at window boundaries. Admission is O(rules) with a short critical
// section on the client IP's shard and never suspends, so the limiter sits safely in
// front of all proxy and disk work.
package ratelimit
