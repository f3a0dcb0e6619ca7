package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS access_log (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	engine      TEXT NOT NULL,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	status      INTEGER NOT NULL,
	latency_ms  INTEGER NOT NULL,
	client_ip   TEXT NOT NULL,
	bytes_out   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_log_timestamp ON access_log(timestamp);
`

// Record is one completed request.
type Record struct {
	ID        string
	Timestamp time.Time
	Engine    string
	Method    string
	Path      string
	Status    int
	LatencyMS int64
	ClientIP  string
	BytesOut  int64
}

// AccessLog is the SQLite-backed request log.
type AccessLog struct {
	db *sql.DB

	insertStmt *sql.Stmt
	recentStmt *sql.Stmt

	mu      sync.Mutex
	pending []Record
	done    chan struct{}
	flushed sync.WaitGroup
	closed  bool
}

// flushInterval batches inserts so request handling never writes to disk
// synchronously.
const flushInterval = time.Second

// Open creates (or opens) the access log database at path.
func Open(path string) (*AccessLog, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open access log database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create access log schema: %w", err)
	}

	insertStmt, err := db.Prepare(`INSERT INTO access_log
		(id, timestamp, engine, method, path, status, latency_ms, client_ip, bytes_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	recentStmt, err := db.Prepare(`SELECT id, timestamp, engine, method, path, status, latency_ms, client_ip, bytes_out
		FROM access_log ORDER BY timestamp DESC, id LIMIT ?`)
	if err != nil {
		insertStmt.Close()
		db.Close()
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	a := &AccessLog{
		db:         db,
		insertStmt: insertStmt,
		recentStmt: recentStmt,
		done:       make(chan struct{}),
	}
	a.flushed.Add(1)
	go a.flushLoop()
	return a, nil
}

// Append queues one record. IDs and timestamps are filled in when absent.
func (a *AccessLog) Append(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.pending = append(a.pending, rec)
}

// Recent returns up to limit records, newest first.
func (a *AccessLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := a.recentStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query access log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts int64
		if err := rows.Scan(&rec.ID, &ts, &rec.Engine, &rec.Method, &rec.Path,
			&rec.Status, &rec.LatencyMS, &rec.ClientIP, &rec.BytesOut); err != nil {
			return nil, fmt.Errorf("failed to scan access log row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Flush writes all queued records immediately (tests, shutdown).
func (a *AccessLog) Flush() error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin access log transaction: %w", err)
	}
	stmt := tx.Stmt(a.insertStmt)
	for _, rec := range batch {
		if _, err := stmt.Exec(rec.ID, rec.Timestamp.UnixMilli(), rec.Engine, rec.Method,
			rec.Path, rec.Status, rec.LatencyMS, rec.ClientIP, rec.BytesOut); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert access log record: %w", err)
		}
	}
	return tx.Commit()
}

func (a *AccessLog) flushLoop() {
	defer a.flushed.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-a.done:
			a.Flush()
			return
		}
	}
}

// Close flushes pending records and closes the database.
func (a *AccessLog) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.done)
	a.flushed.Wait()

	a.insertStmt.Close()
	a.recentStmt.Close()
	return a.db.Close()
}
