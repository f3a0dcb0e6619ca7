package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12

	// EncryptedPrefix marks an encrypted configuration value.
	EncryptedPrefix = "{encrypted}"

	maskFile = "master_key.mask"

	// EnvSecretHome overrides the default ~/.bifrost secret directory.
	EnvSecretHome = "BIFROST_SECRET_HOME"
)

var partFiles = [3]string{"master_key.part1", "master_key.part2", "master_key.part3"}

// The key is reassembled from three fragments covering these byte ranges.
var fragmentSplits = [3][2]int{{0, 11}, {11, 22}, {22, keySize}}

var (
	// ErrMissingHomeDir means no writable home directory could be located.
	ErrMissingHomeDir = errors.New("unable to locate a writable home directory for secrets")

	// ErrKeyAlreadyInitialized means key material already exists and
	// overwrite was not forced.
	ErrKeyAlreadyInitialized = errors.New("secret storage directory already contains a master key")

	// ErrKeyNotInitialized means no key material exists yet.
	ErrKeyNotInitialized = errors.New("encryption key has not been initialized yet")

	// ErrInsecurePermissions means the secret directory is readable by
	// group or others.
	ErrInsecurePermissions = errors.New("secret storage directory permissions are insecure (expected 0700)")
)

// Telemetry receives decryption outcome counts. The metrics collector
// satisfies it; tests use a local recorder.
type Telemetry interface {
	IncDecryptSuccess()
	IncDecryptFailure()
}

// Vault encrypts and decrypts configuration secrets backed by masked key
// fragments on disk.
type Vault struct {
	rootDir   string
	telemetry Telemetry
}

// NewVault targets $BIFROST_SECRET_HOME or ~/.bifrost.
func NewVault() (*Vault, error) {
	dir, err := resolveSecretHome()
	if err != nil {
		return nil, err
	}
	return &Vault{rootDir: dir}, nil
}

// NewVaultAt targets an explicit directory (tests).
func NewVaultAt(dir string) *Vault {
	return &Vault{rootDir: dir}
}

// SetTelemetry wires the decryption counters; nil disables counting.
func (v *Vault) SetTelemetry(t Telemetry) {
	v.telemetry = t
}

// RootDir returns the secret directory path.
func (v *Vault) RootDir() string {
	return v.rootDir
}

// IsEncrypted reports whether a value carries the {encrypted} prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// InitKey generates the AES-256 key, splits it into masked fragments, and
// persists them with owner-only permissions. Refuses to overwrite existing
// material unless overwrite is set.
func (v *Vault) InitKey(overwrite bool) error {
	if err := v.ensureRootDir(); err != nil {
		return err
	}

	if !overwrite && v.keyMaterialExists() {
		return ErrKeyAlreadyInitialized
	}
	if overwrite {
		if err := v.removeExistingMaterial(); err != nil {
			return err
		}
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	mask := make([]byte, keySize)
	if _, err := rand.Read(mask); err != nil {
		return fmt.Errorf("failed to generate mask: %w", err)
	}
	defer wipe(key)
	defer wipe(mask)

	return v.persistKeyFragments(key, mask)
}

// Encrypt seals a payload with a fresh random nonce and returns the
// canonical {encrypted}<base64> token.
func (v *Vault) Encrypt(payload []byte) (string, error) {
	if err := v.ensureKeyAvailable(); err != nil {
		return "", err
	}
	key, err := v.recoverKey()
	if err != nil {
		return "", err
	}
	defer wipe(key)

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	bundle := aead.Seal(nonce, nonce, payload, nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(bundle), nil
}

// Decrypt opens a token (with or without the prefix) and returns the
// plaintext.
func (v *Vault) Decrypt(token string) ([]byte, error) {
	if err := v.ensureKeyAvailable(); err != nil {
		return nil, err
	}

	payload := strings.TrimPrefix(token, EncryptedPrefix)
	bundle, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted payload: %w", err)
	}
	if len(bundle) <= nonceSize {
		return nil, fmt.Errorf("invalid encrypted payload: too small to contain nonce and ciphertext")
	}

	key, err := v.recoverKey()
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := bundle[:nonceSize], bundle[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// DecryptField decrypts *field in place when it carries the prefix. The
// fieldPath appears in errors; neither plaintext nor ciphertext does.
// Returns true when a decryption happened.
func (v *Vault) DecryptField(field *string, fieldPath string) (bool, error) {
	if field == nil || !IsEncrypted(*field) {
		return false, nil
	}
	plaintext, err := v.Decrypt(*field)
	if err != nil {
		if v.telemetry != nil {
			v.telemetry.IncDecryptFailure()
		}
		return false, fmt.Errorf("%s: %w", fieldPath, err)
	}
	*field = string(plaintext)
	if v.telemetry != nil {
		v.telemetry.IncDecryptSuccess()
	}
	return true, nil
}

// KeyExists reports whether complete key material is present.
func (v *Vault) KeyExists() bool {
	return v.keyMaterialExists()
}

func (v *Vault) persistKeyFragments(key, mask []byte) error {
	if err := v.enforcePermissions(v.rootDir); err != nil {
		return err
	}

	maskPath := filepath.Join(v.rootDir, maskFile)
	if err := os.WriteFile(maskPath, []byte(base64.StdEncoding.EncodeToString(mask)), 0o600); err != nil {
		return fmt.Errorf("failed to write mask: %w", err)
	}

	for idx, split := range fragmentSplits {
		start, end := split[0], split[1]
		fragment := make([]byte, end-start)
		for i := start; i < end; i++ {
			fragment[i-start] = key[i] ^ mask[i]
		}
		encoded := base64.StdEncoding.EncodeToString(fragment)
		path := filepath.Join(v.rootDir, partFiles[idx])
		if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
			return fmt.Errorf("failed to write key fragment %d: %w", idx+1, err)
		}
		wipe(fragment)
	}
	return nil
}

func (v *Vault) recoverKey() ([]byte, error) {
	maskEncoded, err := os.ReadFile(filepath.Join(v.rootDir, maskFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read mask: %w", err)
	}
	mask, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(maskEncoded)))
	if err != nil {
		return nil, fmt.Errorf("invalid mask encoding: %w", err)
	}
	if len(mask) != keySize {
		return nil, fmt.Errorf("invalid key material: mask size mismatch")
	}
	defer wipe(mask)

	key := make([]byte, keySize)
	for idx, split := range fragmentSplits {
		start, end := split[0], split[1]
		encoded, err := os.ReadFile(filepath.Join(v.rootDir, partFiles[idx]))
		if err != nil {
			return nil, fmt.Errorf("failed to read key fragment %d: %w", idx+1, err)
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
		if err != nil {
			return nil, fmt.Errorf("invalid key fragment %d encoding: %w", idx+1, err)
		}
		if len(decoded) != end-start {
			return nil, fmt.Errorf("invalid key material: fragment %d has invalid length", idx+1)
		}
		for offset, b := range decoded {
			key[start+offset] = b ^ mask[start+offset]
		}
	}
	return key, nil
}

func (v *Vault) ensureRootDir() error {
	if _, err := os.Stat(v.rootDir); os.IsNotExist(err) {
		if err := os.MkdirAll(v.rootDir, 0o700); err != nil {
			return fmt.Errorf("failed to create secret directory: %w", err)
		}
		if err := os.Chmod(v.rootDir, 0o700); err != nil {
			return fmt.Errorf("failed to restrict secret directory: %w", err)
		}
	}
	return v.enforcePermissions(v.rootDir)
}

// enforcePermissions rejects directories readable by group or others.
func (v *Vault) enforcePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return ErrInsecurePermissions
	}
	return nil
}

func (v *Vault) ensureKeyAvailable() error {
	if !v.keyMaterialExists() {
		return ErrKeyNotInitialized
	}
	return v.enforcePermissions(v.rootDir)
}

func (v *Vault) keyMaterialExists() bool {
	if _, err := os.Stat(filepath.Join(v.rootDir, maskFile)); err != nil {
		return false
	}
	for _, f := range partFiles {
		if _, err := os.Stat(filepath.Join(v.rootDir, f)); err != nil {
			return false
		}
	}
	return true
}

func (v *Vault) removeExistingMaterial() error {
	paths := append([]string{maskFile}, partFiles[:]...)
	for _, name := range paths {
		path := filepath.Join(v.rootDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AEAD: %w", err)
	}
	return aead, nil
}

func resolveSecretHome() (string, error) {
	if dir := os.Getenv(EnvSecretHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", ErrMissingHomeDir
	}
	return filepath.Join(home, ".bifrost"), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
