// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"9001"`
	// Local forces the in-memory cache backend and debug logging.
	Local bool `env:"LOCAL" envDefault:"false"`

	// Upstream contest site (UCS)
	UCSBaseURL string `env:"UCS_BASE_URL" envDefault:"https://www.onlinecontest.org/olc-3.0/"`
	// UCSDefaultUser/Password are fallback credentials for health probes.
	UCSDefaultUser     string `env:"UCS_DEFAULT_USER"`
	UCSDefaultPassword string `env:"UCS_DEFAULT_PASSWORD"`
	// ProxyURL enables retry/timeout fallback through an HTTP proxy.
	// Empty disables proxy fallback.
	ProxyURL string `env:"PROXY_URL"`

	// Downstream flight-logging service (DFS)
	DFSBaseURL     string `env:"DFS_BASE_URL" envDefault:"https://api.weglide.org/v1/"`
	DFSClientID    string `env:"DFS_CLIENT_ID"`
	UserAgentEmail string `env:"USER_AGENT_EMAIL"`
	DFSUploadSlots int64  `env:"DFS_UPLOAD_SLOTS" envDefault:"2"`

	// Result cache
	CacheBackend string `env:"CACHE_BACKEND" envDefault:"memory"` // memory|remote
	CacheHost    string `env:"CACHE_HOST" envDefault:"localhost"`
	CachePort    int    `env:"CACHE_PORT" envDefault:"6379"`

	// Scheduler
	SchedulerCapFloor   int `env:"SCHEDULER_CAP_FLOOR" envDefault:"4"`
	SchedulerCapCeiling int `env:"SCHEDULER_CAP_CEILING" envDefault:"32"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"flightbridge"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return c.Local || strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// CacheAddr returns the host:port of the remote cache backend.
func (c Config) CacheAddr() string { return fmt.Sprintf("%s:%d", c.CacheHost, c.CachePort) }

// UseMemoryCache reports whether the in-memory cache backend should be used.
// LOCAL overrides CACHE_BACKEND.
func (c Config) UseMemoryCache() bool {
	return c.Local || strings.ToLower(c.CacheBackend) != "remote"
}
