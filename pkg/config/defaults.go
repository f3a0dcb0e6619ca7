package config

import "runtime"

// Default values applied by ApplyDefaults. Exported where other packages
// need the same numbers (the pool and server consult a few of them).
const (
	DefaultListenAddr = "127.0.0.1:8080"

	DefaultConnectTimeoutSecs        = 10
	DefaultIdleTimeoutSecs           = 90
	DefaultMaxConnectionLifetimeSecs = 300

	// DefaultForwardIdleTimeoutSecs keeps forward-proxy pool entries short
	// lived so they self-evict.
	DefaultForwardIdleTimeoutSecs = 30

	DefaultMaxHeaderSize = 16 * 1024

	DefaultPoolMaxIdlePerHost = 10

	DefaultHealthIntervalSecs = 10
	DefaultHealthTimeoutSecs  = 5

	DefaultWebSocketIdleTimeoutSecs = 300

	DefaultCacheMillisecs = 3600

	DefaultMonitoringAddr = "127.0.0.1:9090"

	// MaxWorkerThreads bounds the worker_threads setting.
	MaxWorkerThreads = 512
)

// DefaultIndexFiles is the directory index lookup order.
func DefaultIndexFiles() []string {
	return []string{"index.html", "index.htm"}
}

// ApplyDefaults fills unset fields in place. It runs after legacy-field
// mapping and before validation.
func ApplyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeForward
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.WorkerThreads == 0 {
		cfg.WorkerThreads = runtime.NumCPU()
	}
	if cfg.ConnectTimeoutSecs == 0 {
		cfg.ConnectTimeoutSecs = DefaultConnectTimeoutSecs
	}
	if cfg.IdleTimeoutSecs == 0 {
		cfg.IdleTimeoutSecs = DefaultIdleTimeoutSecs
	}
	if cfg.MaxConnectionLifetimeSecs == 0 {
		cfg.MaxConnectionLifetimeSecs = DefaultMaxConnectionLifetimeSecs
	}
	if cfg.MaxHeaderSize == 0 {
		cfg.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if cfg.ConnectionPoolEnabled == nil {
		enabled := true
		cfg.ConnectionPoolEnabled = &enabled
	}
	if cfg.PoolMaxIdlePerHost == nil {
		n := DefaultPoolMaxIdlePerHost
		cfg.PoolMaxIdlePerHost = &n
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.StaticFiles != nil {
		applyStaticDefaults(cfg.StaticFiles)
	}
	if cfg.WebSocket != nil && cfg.WebSocket.IdleTimeoutSecs == 0 {
		cfg.WebSocket.IdleTimeoutSecs = DefaultWebSocketIdleTimeoutSecs
	}
	if cfg.Monitoring != nil && cfg.Monitoring.Enabled && cfg.Monitoring.ListenAddr == "" {
		cfg.Monitoring.ListenAddr = DefaultMonitoringAddr
	}
	for i := range cfg.ReverseProxyRoutes {
		applyRouteDefaults(&cfg.ReverseProxyRoutes[i])
	}
}

func applyStaticDefaults(sf *StaticFilesConfig) {
	if len(sf.IndexFiles) == 0 {
		sf.IndexFiles = DefaultIndexFiles()
	}
	if sf.SPAFallbackFile == "" {
		sf.SPAFallbackFile = "index.html"
	}
	if sf.CacheMillisecs == 0 {
		sf.CacheMillisecs = DefaultCacheMillisecs
	}
	if len(sf.Mounts) == 0 {
		sf.Mounts = []StaticMountConfig{{Path: "/", RootDir: "./public"}}
	}
}

func applyRouteDefaults(route *RouteConfig) {
	for i := range route.Targets {
		t := &route.Targets[i]
		if t.Weight == 0 {
			t.Weight = 1
		}
		if t.Enabled == nil {
			enabled := true
			t.Enabled = &enabled
		}
	}
	if route.ReverseProxy != nil {
		if route.ReverseProxy.HealthCheck != nil {
			hc := route.ReverseProxy.HealthCheck
			if hc.IntervalSecs == 0 {
				hc.IntervalSecs = DefaultHealthIntervalSecs
			}
			if hc.TimeoutSecs == 0 {
				hc.TimeoutSecs = DefaultHealthTimeoutSecs
			}
		}
		if route.ReverseProxy.PoolIdleTimeoutSecs == 0 {
			route.ReverseProxy.PoolIdleTimeoutSecs = DefaultIdleTimeoutSecs
		}
	}
}

// ResolvedMount is a StaticMountConfig with all inheritable fields filled
// from the parent StaticFilesConfig.
type ResolvedMount struct {
	Path    string
	RootDir string

	EnableDirectoryListing bool
	IndexFiles             []string
	SPAMode                bool
	SPAFallbackFile        string
	NoCacheFiles           []string
	CacheMillisecs         uint64
}

// Resolve applies parent-level inheritance to one mount.
func (m *StaticMountConfig) Resolve(parent *StaticFilesConfig) ResolvedMount {
	r := ResolvedMount{
		Path:                   m.Path,
		RootDir:                m.RootDir,
		EnableDirectoryListing: parent.EnableDirectoryListing,
		IndexFiles:             parent.IndexFiles,
		SPAMode:                parent.SPAMode,
		SPAFallbackFile:        parent.SPAFallbackFile,
		NoCacheFiles:           parent.NoCacheFiles,
		CacheMillisecs:         parent.CacheMillisecs,
	}
	if m.EnableDirectoryListing != nil {
		r.EnableDirectoryListing = *m.EnableDirectoryListing
	}
	if len(m.IndexFiles) > 0 {
		r.IndexFiles = m.IndexFiles
	}
	if m.SPAMode != nil {
		r.SPAMode = *m.SPAMode
	}
	if m.SPAFallbackFile != nil {
		r.SPAFallbackFile = *m.SPAFallbackFile
	}
	if len(m.NoCacheFiles) > 0 {
		r.NoCacheFiles = m.NoCacheFiles
	}
	if m.CacheMillisecs != nil {
		r.CacheMillisecs = *m.CacheMillisecs
	}
	return r
}
