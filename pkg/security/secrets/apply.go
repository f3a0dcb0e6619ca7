package secrets

import (
	"fmt"

	"bifrost-hq/bifrost/pkg/config"
)

// ConfigHasEncryptedValues reports whether any configuration field carries
// an {encrypted} token, so startup can skip vault setup entirely when
// nothing needs decrypting.
func ConfigHasEncryptedValues(cfg *config.Config) bool {
	if IsEncrypted(cfg.ProxyPassword) {
		return true
	}
	for _, relay := range cfg.RelayProxies {
		if IsEncrypted(relay.Password) {
			return true
		}
	}
	return false
}

// ApplyToConfig decrypts every {encrypted} value in the snapshot in place.
// Any failure is fatal at configuration time.
func (v *Vault) ApplyToConfig(cfg *config.Config) error {
	if _, err := v.DecryptField(&cfg.ProxyPassword, "config.proxy_password"); err != nil {
		return err
	}
	for i := range cfg.RelayProxies {
		fieldPath := fmt.Sprintf("config.relay_proxies[%d].relay_proxy_password", i)
		if _, err := v.DecryptField(&cfg.RelayProxies[i].Password, fieldPath); err != nil {
			return err
		}
	}
	return nil
}
