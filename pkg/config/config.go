package config

// Mode selects which engine the listener dispatches accepted connections to.
type Mode string

const (
	// ModeForward runs the forward proxy engine (HTTP forwarding + CONNECT).
	ModeForward Mode = "forward"
	// ModeReverse runs the reverse proxy engine.
	ModeReverse Mode = "reverse"
	// ModeStatic serves static file mounts only.
	ModeStatic Mode = "static"
	// ModeCombined serves static mounts first and reverse-proxies the rest.
	ModeCombined Mode = "combined"
)

// Config is the root configuration document.
//
// JSON is the canonical on-disk format; YAML documents are normalized to
// JSON before decoding. Unknown fields are rejected.
type Config struct {
	Mode       Mode   `json:"mode"`
	ListenAddr string `json:"listen_addr"`

	// WorkerThreads bounds the runtime's worker parallelism (GOMAXPROCS).
	// 0 means "use the CPU count".
	WorkerThreads int `json:"worker_threads,omitempty"`

	ConnectTimeoutSecs        uint64 `json:"connect_timeout_secs,omitempty"`
	IdleTimeoutSecs           uint64 `json:"idle_timeout_secs,omitempty"`
	MaxConnectionLifetimeSecs uint64 `json:"max_connection_lifetime_secs,omitempty"`

	// TimeoutSecs is the legacy single-timeout field. When set and
	// connect_timeout_secs is absent it is mapped onto the latter.
	TimeoutSecs uint64 `json:"timeout_secs,omitempty"`

	MaxHeaderSize int `json:"max_header_size,omitempty"`

	ConnectionPoolEnabled *bool `json:"connection_pool_enabled,omitempty"`
	PoolMaxIdlePerHost    *int  `json:"pool_max_idle_per_host,omitempty"`

	// TLS material for the inbound listener. Both must be set to enable TLS.
	PrivateKey  string `json:"private_key,omitempty"`
	Certificate string `json:"certificate,omitempty"`

	// Forward proxy client authentication (Basic).
	ProxyUsername string `json:"proxy_username,omitempty"`
	ProxyPassword string `json:"proxy_password,omitempty"`

	// RelayProxies chains the forward proxy through upstream relays,
	// selected per destination host by NO_PROXY-style domain patterns.
	RelayProxies []RelayProxyConfig `json:"relay_proxies,omitempty"`

	// NotFoundBody replaces the default body of routing 404 responses.
	NotFoundBody string `json:"not_found_body,omitempty"`

	// ReverseProxyTarget is the single-target shorthand; it expands into one
	// catch-all route. Mutually exclusive with ReverseProxyRoutes.
	ReverseProxyTarget string              `json:"reverse_proxy_target,omitempty"`
	ReverseProxyRoutes []RouteConfig       `json:"reverse_proxy_routes,omitempty"`
	ReverseProxy       *ReverseProxyConfig `json:"reverse_proxy,omitempty"`
	StaticFiles        *StaticFilesConfig  `json:"static_files,omitempty"`
	WebSocket          *WebSocketConfig    `json:"websocket,omitempty"`
	RateLimiting       *RateLimitingConfig `json:"rate_limiting,omitempty"`
	Logging            LoggingConfig       `json:"logging,omitempty"`
	Monitoring         *MonitoringConfig   `json:"monitoring,omitempty"`
}

// RelayProxyConfig describes one upstream relay proxy.
type RelayProxyConfig struct {
	URL      string `json:"relay_proxy_url"`
	Username string `json:"relay_proxy_username,omitempty"`
	Password string `json:"relay_proxy_password,omitempty"`

	// Domains lists NO_PROXY-style patterns ("*", ".example.com",
	// "api.example.com") for which this relay is used. Empty matches all.
	Domains []string `json:"relay_proxy_domains,omitempty"`
}

// ReverseProxyConfig carries pool and health-check defaults shared by
// routes that do not override them.
type ReverseProxyConfig struct {
	PoolMaxIdlePerHost  *int               `json:"pool_max_idle_per_host,omitempty"`
	PoolIdleTimeoutSecs uint64             `json:"pool_idle_timeout_secs,omitempty"`
	HealthCheck         *HealthCheckConfig `json:"health_check,omitempty"`
	PreserveHost        *bool              `json:"preserve_host,omitempty"`
}

// RouteConfig declares one reverse proxy route.
type RouteConfig struct {
	ID         string            `json:"id"`
	Priority   int               `json:"priority,omitempty"`
	Predicates []PredicateConfig `json:"predicates"`

	StripPathPrefix string `json:"strip_path_prefix,omitempty"`

	// Exactly one of Target (single upstream URL) or Targets is set.
	Target  string         `json:"target,omitempty"`
	Targets []TargetConfig `json:"targets,omitempty"`

	LoadBalancing  *LoadBalancingConfig  `json:"load_balancing,omitempty"`
	Sticky         *StickyConfig         `json:"sticky,omitempty"`
	HeaderOverride *HeaderOverrideConfig `json:"header_override,omitempty"`
	RetryPolicy    *RetryPolicyConfig    `json:"retry_policy,omitempty"`
	ReverseProxy   *ReverseProxyConfig   `json:"reverse_proxy,omitempty"`
}

// TargetConfig declares one upstream target inside a route.
type TargetConfig struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Weight  uint32 `json:"weight,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// LoadBalancingPolicy names a target selection algorithm.
type LoadBalancingPolicy string

const (
	PolicyRoundRobin         LoadBalancingPolicy = "round_robin"
	PolicyWeightedRoundRobin LoadBalancingPolicy = "weighted_round_robin"
	PolicyLeastConnections   LoadBalancingPolicy = "least_connections"
	PolicyRandom             LoadBalancingPolicy = "random"
)

// LoadBalancingConfig selects the policy used when neither header override
// nor sticky session decides the target.
type LoadBalancingConfig struct {
	Policy LoadBalancingPolicy `json:"policy"`
}

// StickyMode names a sticky-session mechanism.
type StickyMode string

const (
	StickyCookie   StickyMode = "cookie"
	StickyHeader   StickyMode = "header"
	StickySourceIP StickyMode = "source_ip"
)

// StickyConfig pins clients to targets across requests. All modes are
// best-effort: a miss or an unhealthy pinned target falls through to the
// load-balancing policy.
type StickyConfig struct {
	Mode       StickyMode `json:"mode"`
	CookieName string     `json:"cookie_name,omitempty"`
	HeaderName string     `json:"header_name,omitempty"`
	TTLSeconds uint64     `json:"ttl_seconds,omitempty"`
}

// HeaderOverrideConfig lets a trusted request header force target selection.
type HeaderOverrideConfig struct {
	HeaderName string `json:"header_name"`

	// AllowedValues maps header value -> target id.
	AllowedValues map[string]string `json:"allowed_values,omitempty"`

	// AllowedGroups maps header value -> list of target ids; the route's
	// load-balancing policy picks within the group.
	AllowedGroups map[string][]string `json:"allowed_groups,omitempty"`
}

// RetryPolicyConfig enables bounded retries against alternate targets.
type RetryPolicyConfig struct {
	MaxAttempts         uint32   `json:"max_attempts"`
	RetryOnConnectError bool     `json:"retry_on_connect_error,omitempty"`
	RetryOnStatuses     []int    `json:"retry_on_statuses,omitempty"`
	Methods             []string `json:"methods,omitempty"`
}

// HealthCheckConfig drives the background prober for a route's targets.
type HealthCheckConfig struct {
	IntervalSecs uint64 `json:"interval_secs,omitempty"`
	TimeoutSecs  uint64 `json:"timeout_secs,omitempty"`

	// Endpoint switches the probe from TCP connect to HTTP GET <endpoint>.
	Endpoint string `json:"endpoint,omitempty"`
}

// StaticFilesConfig configures the static file engine. Mount-level fields
// left unset inherit the values declared here.
type StaticFilesConfig struct {
	Mounts []StaticMountConfig `json:"mounts"`

	EnableDirectoryListing bool     `json:"enable_directory_listing,omitempty"`
	IndexFiles             []string `json:"index_files,omitempty"`
	SPAMode                bool     `json:"spa_mode,omitempty"`
	SPAFallbackFile        string   `json:"spa_fallback_file,omitempty"`
	NoCacheFiles           []string `json:"no_cache_files,omitempty"`
	CacheMillisecs         uint64   `json:"cache_millisecs,omitempty"`

	// CustomMimeTypes maps extension (without dot) -> MIME type and is
	// merged over the built-in table.
	CustomMimeTypes map[string]string `json:"custom_mime_types,omitempty"`
}

// StaticMountConfig binds a URL path prefix to a filesystem directory.
// Pointer fields inherit from the parent StaticFilesConfig when nil.
type StaticMountConfig struct {
	Path    string `json:"path"`
	RootDir string `json:"root_dir"`

	EnableDirectoryListing *bool    `json:"enable_directory_listing,omitempty"`
	IndexFiles             []string `json:"index_files,omitempty"`
	SPAMode                *bool    `json:"spa_mode,omitempty"`
	SPAFallbackFile        *string  `json:"spa_fallback_file,omitempty"`
	NoCacheFiles           []string `json:"no_cache_files,omitempty"`
	CacheMillisecs         *uint64  `json:"cache_millisecs,omitempty"`
}

// WebSocketConfig gates upgrade requests on both proxy paths.
type WebSocketConfig struct {
	Enabled            bool     `json:"enabled"`
	AllowedOrigins     []string `json:"allowed_origins,omitempty"`
	SupportedProtocols []string `json:"supported_protocols,omitempty"`
	IdleTimeoutSecs    uint64   `json:"idle_timeout_secs,omitempty"`
}

// RateLimitingConfig declares the per-IP fixed-window rules.
type RateLimitingConfig struct {
	Enabled      bool                  `json:"enabled"`
	DefaultLimit *RateLimitWindow      `json:"default_limit,omitempty"`
	Rules        []RateLimitRuleConfig `json:"rules,omitempty"`
}

// RateLimitWindow is a bare (limit, window) pair used by the default rule.
type RateLimitWindow struct {
	Limit      uint64 `json:"limit"`
	WindowSecs uint64 `json:"window_secs"`
}

// RateLimitRuleConfig is a named rule with optional path/method filters.
type RateLimitRuleConfig struct {
	ID         string   `json:"id"`
	Limit      uint64   `json:"limit"`
	WindowSecs uint64   `json:"window_secs"`
	PathPrefix string   `json:"path_prefix,omitempty"`
	Methods    []string `json:"methods,omitempty"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// MonitoringConfig configures the independent monitoring HTTP server.
type MonitoringConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr,omitempty"`

	// AccessLogPath, when set, persists per-request records to a SQLite
	// database queryable through the monitoring server.
	AccessLogPath string `json:"access_log_path,omitempty"`
}
