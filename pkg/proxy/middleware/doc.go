// Package middleware provides the HTTP middleware chain shared by the
// reverse, static, and combined serving paths: panic recovery, request-ID
// stamping, request logging, and rate-limit admission.
//
// Ordering matters: recovery wraps everything, then request ID, then
// logging, then the rate limiter, so a rejected request is still logged
// and carries an ID, and a panic anywhere below recovery yields a clean
// 500 instead of a dropped connection.
package middleware
