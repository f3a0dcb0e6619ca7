package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadForwardConfig(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"mode": "forward",
		"listen_addr": "127.0.0.1:8080",
		"connect_timeout_secs": 5
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeForward {
		t.Errorf("Mode = %q, want forward", cfg.Mode)
	}
	if cfg.ConnectTimeoutSecs != 5 {
		t.Errorf("ConnectTimeoutSecs = %d, want 5", cfg.ConnectTimeoutSecs)
	}
	if cfg.IdleTimeoutSecs != DefaultIdleTimeoutSecs {
		t.Errorf("IdleTimeoutSecs = %d, want default %d", cfg.IdleTimeoutSecs, DefaultIdleTimeoutSecs)
	}
	if cfg.MaxHeaderSize != DefaultMaxHeaderSize {
		t.Errorf("MaxHeaderSize = %d, want default %d", cfg.MaxHeaderSize, DefaultMaxHeaderSize)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"mode": "forward",
		"listen_addr": "127.0.0.1:8080",
		"listne_addr_typo": true
	}`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a config with an unknown field")
	}
}

func TestLoadLegacyTimeoutMapping(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"mode": "forward",
		"listen_addr": "127.0.0.1:8080",
		"timeout_secs": 42
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConnectTimeoutSecs != 42 {
		t.Errorf("ConnectTimeoutSecs = %d, want legacy-mapped 42", cfg.ConnectTimeoutSecs)
	}
	if cfg.TimeoutSecs != 0 {
		t.Errorf("TimeoutSecs = %d, want 0 after mapping", cfg.TimeoutSecs)
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", strings.TrimSpace(`
mode: reverse
listen_addr: 127.0.0.1:8080
reverse_proxy_routes:
  - id: api
    predicates:
      - type: path
        patterns: ["/api/**"]
        match_trailing_slash: true
    target: http://127.0.0.1:3000
`))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.ReverseProxyRoutes) != 1 {
		t.Fatalf("routes = %d, want 1", len(cfg.ReverseProxyRoutes))
	}
	route := cfg.ReverseProxyRoutes[0]
	if route.ID != "api" {
		t.Errorf("route id = %q, want api", route.ID)
	}
	if len(route.Predicates) != 1 || route.Predicates[0].Type != PredicatePath {
		t.Fatalf("predicates = %+v, want one path predicate", route.Predicates)
	}
	if !route.Predicates[0].MatchTrailingSlash {
		t.Error("MatchTrailingSlash = false, want true")
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", strings.TrimSpace(`
mode: forward
listen_addr: 127.0.0.1:8080
unknown_knob: 7
`))

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a YAML config with an unknown field")
	}
}

func TestPredicateDecoding(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		want    PredicateType
		wantErr bool
	}{
		{name: "path", json: `{"type":"path","patterns":["/x/**"]}`, want: PredicatePath},
		{name: "host", json: `{"type":"host","patterns":["*.example.com"]}`, want: PredicateHost},
		{name: "method", json: `{"type":"method","methods":["GET"]}`, want: PredicateMethod},
		{name: "header value", json: `{"type":"header","name":"X-Env","value":"prod"}`, want: PredicateHeader},
		{name: "query regex", json: `{"type":"query","name":"v","regex":"^[0-9]+$"}`, want: PredicateQuery},
		{name: "cookie", json: `{"type":"cookie","name":"session"}`, want: PredicateCookie},
		{name: "remote addr", json: `{"type":"remote_addr","cidrs":["10.0.0.0/8"]}`, want: PredicateRemoteAddr},
		{name: "after", json: `{"type":"after","instant":"2026-01-01T00:00:00Z"}`, want: PredicateAfter},
		{name: "between", json: `{"type":"between","start":"2026-01-01T00:00:00Z","end":"2026-02-01T00:00:00Z"}`, want: PredicateBetween},
		{name: "weight", json: `{"type":"weight","group":"g","weight":3}`, want: PredicateWeight},
		{name: "missing type", json: `{"patterns":["/x"]}`, wantErr: true},
		{name: "unknown type", json: `{"type":"teapot"}`, wantErr: true},
		{name: "wrong field for type", json: `{"type":"path","methods":["GET"]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pred PredicateConfig
			err := pred.UnmarshalJSON([]byte(tt.json))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("UnmarshalJSON(%s) succeeded, want error", tt.json)
				}
				return
			}
			if err != nil {
				t.Fatalf("UnmarshalJSON(%s) error = %v", tt.json, err)
			}
			if pred.Type != tt.want {
				t.Errorf("Type = %q, want %q", pred.Type, tt.want)
			}
		})
	}
}

func TestWriteSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample() error = %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("generated sample failed to load: %v", err)
	}
}
