package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteSample writes an annotated-by-example configuration file covering the
// reverse mode with routes, a static mount, rate limiting, and monitoring.
func WriteSample(path string) error {
	enabled := true
	sample := Config{
		Mode:                      ModeReverse,
		ListenAddr:                "127.0.0.1:8080",
		ConnectTimeoutSecs:        10,
		IdleTimeoutSecs:           90,
		MaxConnectionLifetimeSecs: 300,
		MaxHeaderSize:             16384,
		ReverseProxyRoutes: []RouteConfig{
			{
				ID: "api",
				Predicates: []PredicateConfig{
					{Type: PredicatePath, Patterns: []string{"/api/**"}, MatchTrailingSlash: true},
				},
				StripPathPrefix: "/api",
				Targets: []TargetConfig{
					{ID: "backend-a", URL: "http://127.0.0.1:3000", Weight: 3},
					{ID: "backend-b", URL: "http://127.0.0.1:3001", Weight: 1},
				},
				LoadBalancing: &LoadBalancingConfig{Policy: PolicyWeightedRoundRobin},
				RetryPolicy: &RetryPolicyConfig{
					MaxAttempts:         2,
					RetryOnConnectError: true,
					RetryOnStatuses:     []int{502, 503},
					Methods:             []string{"GET", "HEAD"},
				},
				ReverseProxy: &ReverseProxyConfig{
					HealthCheck: &HealthCheckConfig{IntervalSecs: 10, TimeoutSecs: 5, Endpoint: "/healthz"},
				},
			},
		},
		StaticFiles: &StaticFilesConfig{
			Mounts: []StaticMountConfig{
				{Path: "/", RootDir: "./dist", SPAMode: &enabled},
			},
			SPAFallbackFile: "index.html",
		},
		RateLimiting: &RateLimitingConfig{
			Enabled:      true,
			DefaultLimit: &RateLimitWindow{Limit: 100, WindowSecs: 60},
		},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Monitoring: &MonitoringConfig{Enabled: true, ListenAddr: "127.0.0.1:9090"},
	}

	data, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sample configuration: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sample configuration: %w", err)
	}
	return nil
}
