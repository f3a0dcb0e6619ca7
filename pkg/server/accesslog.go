package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"bifrost-hq/bifrost/pkg/proxy/middleware"
	"bifrost-hq/bifrost/pkg/storage"
)

// statusRecorder captures the response status and size for the access
// log without interfering with hijacking.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Hijack forwards to the underlying writer so tunnels work through the
// recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	conn, buf, err := hijacker.Hijack()
	if err == nil && sr.status == 0 {
		sr.status = http.StatusOK
	}
	return conn, buf, err
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// recordAccess appends one access-log record per completed request.
func (s *Server) recordAccess(engine string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		s.accessLog.Append(storage.Record{
			Engine:    engine,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			LatencyMS: time.Since(start).Milliseconds(),
			ClientIP:  middleware.ClientIP(r),
			BytesOut:  recorder.bytes,
		})
	})
}
