package pool

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/routing"
)

func targetFor(t *testing.T, rawURL string) *routing.Target {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &routing.Target{ID: "t", URL: u, Weight: 1, Enabled: true}
}

func TestProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	up := targetFor(t, "http://"+ln.Addr().String())
	if !probeTCP(up, time.Second) {
		t.Error("probeTCP against live listener = false, want true")
	}

	down := targetFor(t, "http://127.0.0.1:1")
	if probeTCP(down, 200*time.Millisecond) {
		t.Error("probeTCP against closed port = true, want false")
	}
}

func TestProbeHTTP(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer healthy.Close()

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()

	if !probeHTTP(targetFor(t, healthy.URL), "/healthz", time.Second) {
		t.Error("probeHTTP(2xx) = false, want true")
	}
	if probeHTTP(targetFor(t, sick.URL), "/healthz", time.Second) {
		t.Error("probeHTTP(5xx) = true, want false")
	}
}

func TestProbeFlipsHealthFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	target := targetFor(t, server.URL)
	p := NewProber(nil, nil)
	job := &probeJob{
		routeID: "route",
		target:  target,
		cfg:     &config.HealthCheckConfig{TimeoutSecs: 1, Endpoint: "/"},
	}

	p.probe(job)
	if target.Health() != routing.HealthHealthy {
		t.Errorf("health = %v, want healthy", target.Health())
	}

	server.Close()
	p.probe(job)
	if target.Health() != routing.HealthUnhealthy {
		t.Errorf("health after server close = %v, want unhealthy", target.Health())
	}
}

func TestKickProbesUnknownTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	target := targetFor(t, server.URL)
	p := NewProber(nil, nil)
	p.jobs[target] = &probeJob{
		routeID: "route",
		target:  target,
		cfg:     &config.HealthCheckConfig{TimeoutSecs: 1, Endpoint: "/"},
	}
	p.Start()
	defer p.Stop()

	p.Kick(target)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if target.Health() == routing.HealthHealthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("kicked probe never flipped the health flag")
}
