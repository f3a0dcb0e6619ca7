package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"bifrost-hq/bifrost/pkg/storage"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

func newTestServer(t *testing.T, accessLog *storage.AccessLog) (*Server, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector()
	s := NewServer("127.0.0.1:0", collector, accessLog, nil)
	return s, collector
}

func TestMetricsEndpoint(t *testing.T) {
	s, collector := newTestServer(t, nil)
	collector.IncRequests("reverse")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bifrost_requests_total") {
		t.Error("metrics output missing bifrost_requests_total")
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, collector := newTestServer(t, nil)
	collector.IncRequests("static")
	collector.IncDecryptSuccess()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats is not JSON: %v", err)
	}
	if stats["bifrost_requests_total.static"] != 1 {
		t.Errorf("requests_total.static = %v, want 1", stats["bifrost_requests_total.static"])
	}
	if stats["bifrost_config_secret_decrypt_success_total"] != 1 {
		t.Errorf("decrypt counter missing: %v", stats)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequestsEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.db")
	accessLog, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	defer accessLog.Close()

	accessLog.Append(storage.Record{Engine: "reverse", Method: "GET", Path: "/api", Status: 200, ClientIP: "10.0.0.1"})
	if err := accessLog.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	s, _ := newTestServer(t, accessLog)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/requests?limit=5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var records []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("requests output is not JSON: %v", err)
	}
	if len(records) != 1 || records[0]["path"] != "/api" {
		t.Errorf("records = %v, want one /api record", records)
	}
}

func TestRequestsEndpointDisabled(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/requests", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when access log disabled", rec.Code)
	}
}
