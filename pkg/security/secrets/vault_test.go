package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bifrost-hq/bifrost/pkg/config"
)

type countingTelemetry struct {
	success int
	failure int
}

func (c *countingTelemetry) IncDecryptSuccess() { c.success++ }
func (c *countingTelemetry) IncDecryptFailure() { c.failure++ }

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	return NewVaultAt(dir)
}

func TestInitAndRoundTrip(t *testing.T) {
	v := newTestVault(t)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}

	token, err := v.Encrypt([]byte("relay-secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !strings.HasPrefix(token, EncryptedPrefix) {
		t.Errorf("token %q missing prefix", token)
	}

	plaintext, err := v.Decrypt(token)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plaintext) != "relay-secret" {
		t.Errorf("plaintext = %q, want relay-secret", plaintext)
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	v := newTestVault(t)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}

	a, err := v.Encrypt([]byte("same"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := v.Encrypt([]byte("same"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a == b {
		t.Error("re-encrypting the same plaintext produced identical tokens")
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	v := newTestVault(t)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}
	if err := v.InitKey(false); !errors.Is(err, ErrKeyAlreadyInitialized) {
		t.Fatalf("second InitKey() error = %v, want ErrKeyAlreadyInitialized", err)
	}
	if err := v.InitKey(true); err != nil {
		t.Fatalf("forced InitKey() error = %v", err)
	}
}

func TestDecryptWithoutKey(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Decrypt(EncryptedPrefix + "aGVsbG8="); !errors.Is(err, ErrKeyNotInitialized) {
		t.Fatalf("Decrypt() error = %v, want ErrKeyNotInitialized", err)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	v := newTestVault(t)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}
	token, err := v.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip a character inside the base64 payload.
	raw := strings.TrimPrefix(token, EncryptedPrefix)
	tampered := EncryptedPrefix + raw[:len(raw)-4] + "AAA="
	if _, err := v.Decrypt(tampered); err == nil {
		t.Fatal("Decrypt() accepted a tampered token")
	}

	if _, err := v.Decrypt(EncryptedPrefix + "dG9vc2hvcnQ="); err == nil {
		t.Fatal("Decrypt() accepted a too-short bundle")
	}
}

func TestInsecurePermissionsRefused(t *testing.T) {
	dir := t.TempDir()
	v := NewVaultAt(dir)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := v.Encrypt([]byte("x")); !errors.Is(err, ErrInsecurePermissions) {
		t.Fatalf("Encrypt() error = %v, want ErrInsecurePermissions", err)
	}
}

func TestKeyFragmentFiles(t *testing.T) {
	v := newTestVault(t)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}

	for _, name := range []string{"master_key.mask", "master_key.part1", "master_key.part2", "master_key.part3"} {
		info, err := os.Stat(filepath.Join(v.RootDir(), name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		if info.Mode().Perm()&0o077 != 0 {
			t.Errorf("%s permissions = %v, want owner-only", name, info.Mode().Perm())
		}
	}
}

func TestApplyToConfig(t *testing.T) {
	v := newTestVault(t)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}
	telemetry := &countingTelemetry{}
	v.SetTelemetry(telemetry)

	token, err := v.Encrypt([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	relayToken, err := v.Encrypt([]byte("relay-pass"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	cfg := &config.Config{
		ProxyPassword: token,
		RelayProxies: []config.RelayProxyConfig{
			{URL: "http://relay:3128", Password: relayToken},
			{URL: "http://relay2:3128", Password: "plaintext"},
		},
	}
	if !ConfigHasEncryptedValues(cfg) {
		t.Fatal("ConfigHasEncryptedValues() = false, want true")
	}

	if err := v.ApplyToConfig(cfg); err != nil {
		t.Fatalf("ApplyToConfig() error = %v", err)
	}
	if cfg.ProxyPassword != "hunter2" {
		t.Errorf("ProxyPassword = %q, want decrypted value", cfg.ProxyPassword)
	}
	if cfg.RelayProxies[0].Password != "relay-pass" {
		t.Errorf("relay password = %q, want decrypted value", cfg.RelayProxies[0].Password)
	}
	if cfg.RelayProxies[1].Password != "plaintext" {
		t.Errorf("plaintext relay password modified to %q", cfg.RelayProxies[1].Password)
	}
	if telemetry.success != 2 || telemetry.failure != 0 {
		t.Errorf("telemetry = %+v, want 2 successes", telemetry)
	}
}

func TestApplyToConfigFailureNamesFieldPath(t *testing.T) {
	v := newTestVault(t)
	if err := v.InitKey(false); err != nil {
		t.Fatalf("InitKey() error = %v", err)
	}
	telemetry := &countingTelemetry{}
	v.SetTelemetry(telemetry)

	cfg := &config.Config{ProxyPassword: EncryptedPrefix + "bm90LXJlYWw="}
	err := v.ApplyToConfig(cfg)
	if err == nil {
		t.Fatal("ApplyToConfig() accepted a bogus token")
	}
	if !strings.Contains(err.Error(), "config.proxy_password") {
		t.Errorf("error %q does not name the field path", err)
	}
	if strings.Contains(err.Error(), "bm90LXJlYWw=") {
		t.Errorf("error %q echoes ciphertext", err)
	}
	if telemetry.failure != 1 {
		t.Errorf("failure count = %d, want 1", telemetry.failure)
	}
}
