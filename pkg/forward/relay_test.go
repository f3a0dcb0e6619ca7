package forward

import (
	"testing"

	"bifrost-hq/bifrost/pkg/config"
)

func TestMatchesDomainPattern(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"example.com", "*", true},
		{"example.com", "example.com", true},
		{"api.example.com", "example.com", true},
		{"example.com.evil.org", "example.com", false},
		{"notexample.com", "example.com", false},
		{"api.example.com", ".example.com", true},
		{"example.com", ".example.com", true},
		{"Example.COM", "example.com", true},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		if got := matchesDomainPattern(tt.host, tt.pattern); got != tt.want {
			t.Errorf("matchesDomainPattern(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
		}
	}
}

func TestRelayForSelection(t *testing.T) {
	relays, err := compileRelays([]config.RelayProxyConfig{
		{URL: "http://corp-relay:3128", Domains: []string{".corp.example"}},
		{URL: "http://eu-relay:3128", Domains: []string{"service.eu"}},
	})
	if err != nil {
		t.Fatalf("compileRelays() error = %v", err)
	}

	if r := relayFor(relays, "git.corp.example"); r == nil || r.url.Host != "corp-relay:3128" {
		t.Errorf("corp host picked %v, want corp-relay", r)
	}
	if r := relayFor(relays, "api.service.eu"); r == nil || r.url.Host != "eu-relay:3128" {
		t.Errorf("eu host picked %v, want eu-relay", r)
	}
	if r := relayFor(relays, "other.net"); r != nil {
		t.Errorf("unmatched host picked %v, want direct", r)
	}
}

func TestCompileRelaysEncodesAuth(t *testing.T) {
	relays, err := compileRelays([]config.RelayProxyConfig{
		{URL: "http://relay:3128", Username: "user", Password: "pass"},
	})
	if err != nil {
		t.Fatalf("compileRelays() error = %v", err)
	}
	// base64("user:pass")
	if relays[0].auth != "Basic dXNlcjpwYXNz" {
		t.Errorf("auth = %q", relays[0].auth)
	}
}
