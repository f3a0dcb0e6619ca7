package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, decodes, defaults, and validates a configuration file.
// Secrets are NOT decrypted here; callers run the vault over the snapshot
// before handing it to the engines (see cmd/bifrost/run.go).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	mapLegacyFields(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Decode strictly decodes a configuration document. ext selects the format
// (".yaml"/".yml" for YAML, everything else JSON). YAML documents are
// normalized to JSON first so both formats share one strict decoding path
// and one set of unknown-field errors.
func Decode(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		normalized, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = normalized
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mapLegacyFields maps deprecated fields onto their replacements. The old
// single timeout_secs becomes connect_timeout_secs unless the new field is
// already set.
func mapLegacyFields(cfg *Config) {
	if cfg.TimeoutSecs != 0 && cfg.ConnectTimeoutSecs == 0 {
		cfg.ConnectTimeoutSecs = cfg.TimeoutSecs
	}
	cfg.TimeoutSecs = 0
}

// yamlToJSON converts an arbitrary YAML document into JSON bytes.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(raw))
}

// normalizeYAML rewrites yaml.v3's map[string]any trees so every key is a
// string, which json.Marshal requires.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
