// Package storage persists per-request access log records to SQLite. The
// store is write-mostly: engines append one record per completed request
// through a buffered writer goroutine, and the monitoring server reads
// recent records for its /requests endpoint.
package storage
