package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bifrost-hq/bifrost/pkg/storage"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

// Server is the monitoring endpoint.
type Server struct {
	addr      string
	collector *metrics.Collector
	accessLog *storage.AccessLog
	logger    *logging.Logger

	httpServer *http.Server
}

// NewServer builds the monitoring server. accessLog may be nil.
func NewServer(addr string, collector *metrics.Collector, accessLog *storage.AccessLog, logger *logging.Logger) *Server {
	return &Server{
		addr:      addr,
		collector: collector,
		accessLog: accessLog,
		logger:    logger,
	}
}

// Handler builds the monitoring mux (exported for tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

// Start binds and serves in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("monitoring server listening", "addr", ln.Addr().String())
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("monitoring server failed", "error", err)
			}
		}
	}()
	return nil
}

// Shutdown stops the server within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

// handleStats renders the Prometheus families as a flat JSON object, the
// quick human-readable counterpart to /metrics.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	families, err := s.collector.Registry().Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	stats := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			name := family.GetName()
			for _, label := range m.GetLabel() {
				name += "." + label.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				stats[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				stats[name] = m.GetGauge().GetValue()
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.accessLog == nil {
		http.Error(w, "access log disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := s.accessLog.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read access log", http.StatusInternalServerError)
		return
	}

	type jsonRecord struct {
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Engine    string `json:"engine"`
		Method    string `json:"method"`
		Path      string `json:"path"`
		Status    int    `json:"status"`
		LatencyMS int64  `json:"latency_ms"`
		ClientIP  string `json:"client_ip"`
		BytesOut  int64  `json:"bytes_out"`
	}
	out := make([]jsonRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, jsonRecord{
			ID:        rec.ID,
			Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
			Engine:    rec.Engine,
			Method:    rec.Method,
			Path:      rec.Path,
			Status:    rec.Status,
			LatencyMS: rec.LatencyMS,
			ClientIP:  rec.ClientIP,
			BytesOut:  rec.BytesOut,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
