package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/security/secrets"
	"bifrost-hq/bifrost/pkg/server"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

// runServe loads the configuration, applies overrides and secret
// decryption, and runs the server until shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return configError(err)
	}
	if err := applyFlagOverrides(cmd, cfg); err != nil {
		return configError(err)
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return configError(err)
	}

	logger, err := logging.New(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		RedactSecrets: true,
	})
	if err != nil {
		return configError(err)
	}
	logger.Install()

	collector := metrics.NewCollector()

	// Decrypt {encrypted} values before anything touches credentials.
	if secrets.ConfigHasEncryptedValues(cfg) {
		vault, err := secrets.NewVault()
		if err != nil {
			return configError(err)
		}
		vault.SetTelemetry(collector)
		if err := vault.ApplyToConfig(cfg); err != nil {
			return configError(fmt.Errorf("secret decryption failed: %w", err))
		}
	}

	srv, err := server.New(cfg, logger, collector)
	if err != nil {
		return configError(err)
	}
	if err := srv.Bind(); err != nil {
		return runtimeError(err)
	}

	return mapServerError(srv.Run(context.Background()))
}

func loadConfig() (*config.Config, error) {
	if flags.configFile == "" {
		// Flags-only startup; defaults fill the rest.
		return &config.Config{}, nil
	}
	if _, err := os.Stat(flags.configFile); err != nil {
		return nil, fmt.Errorf("configuration file not found: %s", flags.configFile)
	}

	data, err := os.ReadFile(flags.configFile)
	if err != nil {
		return nil, err
	}
	ext := ""
	if idx := strings.LastIndex(flags.configFile, "."); idx >= 0 {
		ext = flags.configFile[idx:]
	}
	cfg, err := config.Decode(data, ext)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", flags.configFile, err)
	}
	// Legacy single timeout_secs maps onto connect_timeout_secs.
	if cfg.TimeoutSecs != 0 && cfg.ConnectTimeoutSecs == 0 {
		cfg.ConnectTimeoutSecs = cfg.TimeoutSecs
	}
	cfg.TimeoutSecs = 0
	return cfg, nil
}

// applyFlagOverrides layers command-line flags over the file
// configuration. Only flags the user actually set are applied.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if flags.mode != "" {
		cfg.Mode = config.Mode(flags.mode)
	}
	if flags.listen != "" {
		cfg.ListenAddr = flags.listen
	}
	if flags.target != "" {
		cfg.ReverseProxyTarget = flags.target
		if cfg.Mode == "" {
			cfg.Mode = config.ModeReverse
		}
	}
	if flags.workerThreads != 0 {
		cfg.WorkerThreads = flags.workerThreads
	}
	if flags.connectTimeout != 0 {
		cfg.ConnectTimeoutSecs = flags.connectTimeout
	}
	if flags.legacyTimeout != 0 && cfg.ConnectTimeoutSecs == 0 {
		cfg.ConnectTimeoutSecs = flags.legacyTimeout
	}
	if flags.idleTimeout != 0 {
		cfg.IdleTimeoutSecs = flags.idleTimeout
	}
	if flags.maxConnectionLifetime != 0 {
		cfg.MaxConnectionLifetimeSecs = flags.maxConnectionLifetime
	}
	if flags.proxyUsername != "" {
		cfg.ProxyUsername = flags.proxyUsername
	}
	if flags.proxyPassword != "" {
		cfg.ProxyPassword = flags.proxyPassword
	}
	if flags.privateKey != "" {
		cfg.PrivateKey = flags.privateKey
	}
	if flags.certificate != "" {
		cfg.Certificate = flags.certificate
	}
	if flags.noConnectionPool {
		disabled := false
		cfg.ConnectionPoolEnabled = &disabled
	}
	if flags.poolMaxIdle >= 0 {
		n := flags.poolMaxIdle
		cfg.PoolMaxIdlePerHost = &n
	}
	if flags.maxHeaderSize != 0 {
		cfg.MaxHeaderSize = flags.maxHeaderSize
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}

	if err := applyStaticOverrides(cfg); err != nil {
		return err
	}
	return nil
}

func applyStaticOverrides(cfg *config.Config) error {
	wantStatic := flags.staticDir != "" || len(flags.mounts) > 0
	if !wantStatic && !flags.spa && flags.spaFallback == "" && len(flags.mimeTypes) == 0 {
		return nil
	}

	if cfg.StaticFiles == nil {
		cfg.StaticFiles = &config.StaticFilesConfig{}
	}
	sf := cfg.StaticFiles

	if flags.staticDir != "" {
		spa := flags.spa
		sf.Mounts = append(sf.Mounts, config.StaticMountConfig{
			Path:    "/",
			RootDir: flags.staticDir,
			SPAMode: &spa,
		})
		if cfg.Mode == "" {
			cfg.Mode = config.ModeStatic
		}
	}
	for _, raw := range flags.mounts {
		prefix, dir, ok := strings.Cut(raw, ":")
		if !ok || prefix == "" || dir == "" {
			return fmt.Errorf("invalid --mount %q, want PREFIX:DIR", raw)
		}
		spa := flags.spa
		sf.Mounts = append(sf.Mounts, config.StaticMountConfig{
			Path:    prefix,
			RootDir: dir,
			SPAMode: &spa,
		})
		if cfg.Mode == "" {
			cfg.Mode = config.ModeStatic
		}
	}
	if flags.spa {
		sf.SPAMode = true
	}
	if flags.spaFallback != "" {
		sf.SPAFallbackFile = flags.spaFallback
	}
	for _, raw := range flags.mimeTypes {
		ext, mime, ok := strings.Cut(raw, ":")
		if !ok || ext == "" || mime == "" {
			return fmt.Errorf("invalid --mime-type %q, want EXT:MIME", raw)
		}
		if sf.CustomMimeTypes == nil {
			sf.CustomMimeTypes = make(map[string]string)
		}
		sf.CustomMimeTypes[strings.ToLower(strings.TrimPrefix(ext, "."))] = mime
	}
	return nil
}

// runGenerateConfig writes the sample configuration and exits 0.
func runGenerateConfig() error {
	if err := config.WriteSample(flags.generateConfig); err != nil {
		return configError(err)
	}
	fmt.Println("Sample configuration file generated:", flags.generateConfig)
	return nil
}
