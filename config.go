package pwacache

import "github.com/ferro-labs/pwacache/storage"

// Config holds the configuration for the cache manager and the caching proxy.
type Config struct {
	// Site describes the origin the cache manager serves.
	Site SiteConfig `json:"site" yaml:"site" envPrefix:"SITE_"`
	// Cache names the partitions and lists the precache manifest.
	Cache CacheConfig `json:"cache" yaml:"cache" envPrefix:"CACHE_"`
	// Storage selects where partitions are persisted.
	Storage StorageConfig `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	// Network tunes outbound fetches.
	Network NetworkConfig `json:"network,omitempty" yaml:"network,omitempty" envPrefix:"NETWORK_"`
	// Notifications sets the defaults used by the push handler.
	Notifications NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty" envPrefix:"NOTIFICATIONS_"`
	// Server configures the HTTP listener (cmd/pwacached only).
	Server ServerConfig `json:"server,omitempty" yaml:"server,omitempty" envPrefix:"SERVER_"`
}

// SiteConfig identifies the site origin.
type SiteConfig struct {
	// Origin is the public origin (scheme://host[:port]) used to classify
	// requests as same- or cross-origin.
	Origin string `json:"origin" yaml:"origin" env:"ORIGIN"`
	// Upstream is where network fetches are sent. Defaults to Origin.
	Upstream string `json:"upstream,omitempty" yaml:"upstream,omitempty" env:"UPSTREAM"`
}

// CacheConfig names the two recognized partitions.
type CacheConfig struct {
	// Version is the deploy version tag embedded in both partition names.
	Version string `json:"version" yaml:"version" env:"VERSION"`
	// Prefix is the first component of derived partition names.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty" env:"PREFIX"`
	// PrecacheName overrides the derived precache partition name.
	PrecacheName string `json:"precache_name,omitempty" yaml:"precache_name,omitempty" env:"PRECACHE_NAME"`
	// RuntimeName overrides the derived runtime partition name.
	RuntimeName string `json:"runtime_name,omitempty" yaml:"runtime_name,omitempty" env:"RUNTIME_NAME"`
	// Precache is the ordered list of origin-relative paths fetched at install.
	Precache []string `json:"precache,omitempty" yaml:"precache,omitempty" env:"PRECACHE" envSeparator:","`
}

// StorageDriver selects a storage backend.
type StorageDriver string

// StorageDriver constants define the supported storage backends.
const (
	DriverMemory   StorageDriver = storage.DriverMemory
	DriverSQLite   StorageDriver = storage.DriverSQLite
	DriverPostgres StorageDriver = storage.DriverPostgres
)

// StorageConfig selects the partition backend.
type StorageConfig struct {
	Driver StorageDriver `json:"driver,omitempty" yaml:"driver,omitempty" env:"DRIVER"`
	DSN    string        `json:"dsn,omitempty" yaml:"dsn,omitempty" env:"DSN"`
}

// NetworkConfig tunes outbound fetches.
type NetworkConfig struct {
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" env:"TIMEOUT_SECONDS"`
	MaxBodyBytes   int64                `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty" env:"MAX_BODY_BYTES"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig configures the origin circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
	FailureThreshold int  `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int  `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty" env:"SUCCESS_THRESHOLD"`
	CooldownSeconds  int  `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty" env:"COOLDOWN_SECONDS"`
}

// NotificationConfig holds push notification defaults.
type NotificationConfig struct {
	Title   string `json:"title,omitempty" yaml:"title,omitempty" env:"TITLE"`
	Body    string `json:"body,omitempty" yaml:"body,omitempty" env:"BODY"`
	Icon    string `json:"icon,omitempty" yaml:"icon,omitempty" env:"ICON"`
	Badge   string `json:"badge,omitempty" yaml:"badge,omitempty" env:"BADGE"`
	Vibrate []int  `json:"vibrate,omitempty" yaml:"vibrate,omitempty" env:"VIBRATE" envSeparator:","`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" env:"ADDR"`
	// AdminToken enables the admin API when non-empty.
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty" env:"ADMIN_TOKEN"`
	// ReadOnlyToken grants access to the read-only admin endpoints.
	ReadOnlyToken string `json:"read_only_token,omitempty" yaml:"read_only_token,omitempty" env:"READ_ONLY_TOKEN"`
	// RetrySeconds is the delay between failed install attempts at startup.
	RetrySeconds int `json:"retry_seconds,omitempty" yaml:"retry_seconds,omitempty" env:"RETRY_SECONDS"`
	// AdminRatePerMinute limits lifecycle, sync and push triggers per token.
	AdminRatePerMinute int `json:"admin_rate_per_minute,omitempty" yaml:"admin_rate_per_minute,omitempty" env:"ADMIN_RATE_PER_MINUTE"`
}

// Defaults matching the site's service worker.
const (
	DefaultVersion           = "v1"
	DefaultPrefix            = "site"
	DefaultNotificationTitle = "New Update"
	DefaultNotificationBody  = "Check out what's new!"
	DefaultNotificationIcon  = "/android-chrome-192x192.png"
	DefaultNotificationBadge = "/badge-72x72.png"
	DefaultAddr              = ":8080"
)

// DefaultAdminRatePerMinute bounds admin triggers per token.
const DefaultAdminRatePerMinute = 30

// DefaultPrecache is the precache manifest used when none is configured.
var DefaultPrecache = []string{"/", "/manifest.json"}

// DefaultVibrate is the vibration pattern used when none is configured.
var DefaultVibrate = []int{100, 50, 100}

// DefaultConfig returns a config with every default applied except the
// site origin, which has no sensible default outside development.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Cache.Version == "" {
		c.Cache.Version = DefaultVersion
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = DefaultPrefix
	}
	if c.Cache.Precache == nil {
		c.Cache.Precache = append([]string(nil), DefaultPrecache...)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Notifications.Title == "" {
		c.Notifications.Title = DefaultNotificationTitle
	}
	if c.Notifications.Body == "" {
		c.Notifications.Body = DefaultNotificationBody
	}
	if c.Notifications.Icon == "" {
		c.Notifications.Icon = DefaultNotificationIcon
	}
	if c.Notifications.Badge == "" {
		c.Notifications.Badge = DefaultNotificationBadge
	}
	if c.Notifications.Vibrate == nil {
		c.Notifications.Vibrate = append([]int(nil), DefaultVibrate...)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.RetrySeconds <= 0 {
		c.Server.RetrySeconds = 30
	}
	if c.Server.AdminRatePerMinute <= 0 {
		c.Server.AdminRatePerMinute = DefaultAdminRatePerMinute
	}
}

// Names returns the precache and runtime partition names: the explicit
// overrides when set, otherwise <prefix>-precache-<version> and
// <prefix>-runtime-<version>.
func (c CacheConfig) Names() (precache, runtime string) {
	prefix, version := c.Prefix, c.Version
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if version == "" {
		version = DefaultVersion
	}
	precache, runtime = c.PrecacheName, c.RuntimeName
	if precache == "" {
		precache = prefix + "-precache-" + version
	}
	if runtime == "" {
		runtime = prefix + "-runtime-" + version
	}
	return precache, runtime
}
