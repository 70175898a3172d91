package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the bugshot server.
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Store          StoreConfig
	RateLimit      RateLimitConfig
	Events         EventsConfig
	Notify         NotifyConfig
	Replay         ReplayConfig
	CORS           CORSConfig
	MigrationsPath string

	// TrustedProxies may set the client address via X-Forwarded-For or
	// X-Real-IP. Empty means those headers are ignored.
	TrustedProxies []netip.Prefix
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StoreConfig struct {
	Backend string
}

type RateLimitConfig struct {
	Backend         string
	CredentialLimit int
	OriginLimit     int
	Window          time.Duration
}

type EventsConfig struct {
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
}

type NotifyConfig struct {
	Timeout         time.Duration
	Concurrency     int
	FrontendBaseURL string
	SMTP            SMTPConfig
	Telegram        TelegramConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type TelegramConfig struct {
	APIBaseURL string
	RatePerSec float64
}

type ReplayConfig struct {
	StoragePath string
}

type CORSConfig struct {
	AllowedOrigins []string
}

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

var defaults = map[string]any{
	"bugshot_port":                  8080,
	"bugshot_env":                   "development",
	"database_max_open_conns":       25,
	"database_max_idle_conns":       5,
	"database_conn_max_lifetime":    5 * time.Minute,
	"store_backend":                 BackendPostgres,
	"rate_limit_backend":            BackendRedis,
	"rate_limit_credential_per_min": 100,
	"rate_limit_origin_per_min":     20,
	"rate_limit_window":             time.Minute,
	"event_workers":                 4,
	"event_queue_size":              1024,
	"event_handler_timeout":         30 * time.Second,
	"notify_timeout":                10 * time.Second,
	"notify_concurrency":            4,
	"frontend_base_url":             "http://localhost:3000",
	"smtp_port":                     587,
	"telegram_api_base_url":         "https://api.telegram.org",
	"telegram_rate_per_sec":         25.0,
	"replay_storage_path":           "./data/replays",
	"cors_allowed_origins":          "*",
	"trusted_proxies":               "",
	"migrations_path":               "migrations",
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an optional YAML or JSON file underneath the
// environment. Keys in the file use the lower-case environment names,
// e.g. database_url. Environment variables always win.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	for _, k := range []string{"database_url", "redis_url", "smtp_host", "smtp_username", "smtp_password", "smtp_from"} {
		v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("bugshot_port"),
			Env:  v.GetString("bugshot_env"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database_url"),
			MaxOpenConns:    v.GetInt("database_max_open_conns"),
			MaxIdleConns:    v.GetInt("database_max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database_conn_max_lifetime"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis_url"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("store_backend")),
		},
		RateLimit: RateLimitConfig{
			Backend:         strings.ToLower(v.GetString("rate_limit_backend")),
			CredentialLimit: v.GetInt("rate_limit_credential_per_min"),
			OriginLimit:     v.GetInt("rate_limit_origin_per_min"),
			Window:          v.GetDuration("rate_limit_window"),
		},
		Events: EventsConfig{
			Workers:        v.GetInt("event_workers"),
			QueueSize:      v.GetInt("event_queue_size"),
			HandlerTimeout: v.GetDuration("event_handler_timeout"),
		},
		Notify: NotifyConfig{
			Timeout:         v.GetDuration("notify_timeout"),
			Concurrency:     v.GetInt("notify_concurrency"),
			FrontendBaseURL: strings.TrimRight(v.GetString("frontend_base_url"), "/"),
			SMTP: SMTPConfig{
				Host:     v.GetString("smtp_host"),
				Port:     v.GetInt("smtp_port"),
				Username: v.GetString("smtp_username"),
				Password: v.GetString("smtp_password"),
				From:     v.GetString("smtp_from"),
			},
			Telegram: TelegramConfig{
				APIBaseURL: strings.TrimRight(v.GetString("telegram_api_base_url"), "/"),
				RatePerSec: v.GetFloat64("telegram_rate_per_sec"),
			},
		},
		Replay: ReplayConfig{
			StoragePath: v.GetString("replay_storage_path"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		},
		MigrationsPath: v.GetString("migrations_path"),
	}

	proxies, err := parsePrefixes(splitList(v.GetString("trusted_proxies")))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Store.Backend)
	}

	switch c.RateLimit.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND is redis")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of redis, memory; got %q", c.RateLimit.Backend)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("BUGSHOT_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.RateLimit.CredentialLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT_CREDENTIAL_PER_MIN must be positive, got %d", c.RateLimit.CredentialLimit)
	}
	if c.RateLimit.OriginLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT_ORIGIN_PER_MIN must be positive, got %d", c.RateLimit.OriginLimit)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be a positive duration")
	}
	if c.Events.Workers <= 0 {
		return fmt.Errorf("EVENT_WORKERS must be positive, got %d", c.Events.Workers)
	}
	if c.Events.QueueSize < 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must not be negative, got %d", c.Events.QueueSize)
	}
	if c.Notify.Concurrency <= 0 {
		return fmt.Errorf("NOTIFY_CONCURRENCY must be positive, got %d", c.Notify.Concurrency)
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be a positive duration")
	}
	if !strings.HasPrefix(c.Notify.Telegram.APIBaseURL, "http://") && !strings.HasPrefix(c.Notify.Telegram.APIBaseURL, "https://") {
		return fmt.Errorf("TELEGRAM_API_BASE_URL must start with http:// or https://, got %q", c.Notify.Telegram.APIBaseURL)
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePrefixes accepts CIDRs and bare addresses, the latter as single-host
// prefixes.
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", e, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
