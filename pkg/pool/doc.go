// Package pool provides the per-origin TCP/TLS connection pool used for
// tunnel dials and the background health prober for reverse proxy targets.
//
// A pooled connection is either idle-in-pool or leased out, never both. A
// leased connection that saw an I/O error must be released non-reusable so
// it is closed instead of returned. Idle entries expire after the
// configured idle timeout; an expiry sweep runs on the shared cron
// scheduler.
//
// Probes always use their own connections, never pool entries, so a
// failing target cannot poison the pool and a probe cannot steal an idle
// connection from a request.
package pool
