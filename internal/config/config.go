// Package config loads the service configuration from defaults, an optional
// YAML file, an optional dotenv file and the process environment, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnvVar overrides the YAML config path.
const ConfigPathEnvVar = "GAUSHALA_CONFIG"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/gaushala/config.yaml",
}

// Store backends.
const (
	StoreSupabase = "supabase"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Supabase  SupabaseConfig  `yaml:"supabase"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string        `yaml:"host" env:"SERVER_HOST"`
	Port           int           `yaml:"port" env:"PORT"`
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	UploadsDir     string        `yaml:"uploads_dir" env:"UPLOADS_DIR"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

// SupabaseConfig configures the hosted platform client.
type SupabaseConfig struct {
	URL             string        `yaml:"url" env:"SUPABASE_URL"`
	AnonKey         string        `yaml:"anon_key" env:"SUPABASE_ANON_KEY"`
	ServiceRoleKey  string        `yaml:"service_role_key" env:"SUPABASE_SERVICE_ROLE_KEY"`
	JWTSecret       string        `yaml:"jwt_secret" env:"SUPABASE_JWT_SECRET"`
	Bucket          string        `yaml:"bucket" env:"SUPABASE_BUCKET"`
	Timeout         time.Duration `yaml:"timeout" env:"SUPABASE_TIMEOUT"`
	MaxRetries      int           `yaml:"max_retries" env:"SUPABASE_MAX_RETRIES"`
	BreakerFailures int           `yaml:"breaker_failures" env:"SUPABASE_BREAKER_FAILURES"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" env:"SUPABASE_BREAKER_TIMEOUT"`
}

// AuthConfig configures login, cookies and the bootstrap admin account.
type AuthConfig struct {
	AdminEmail       string `yaml:"admin_email" env:"ADMIN_EMAIL"`
	AdminPassword    string `yaml:"admin_password" env:"ADMIN_PASSWORD"`
	AdminName        string `yaml:"admin_name" env:"ADMIN_NAME"`
	SelfHealAdmin    bool   `yaml:"self_heal_admin" env:"SELF_HEAL_ADMIN"`
	SessionSecret    string `yaml:"session_secret" env:"SESSION_SECRET"`
	SetupToken       string `yaml:"setup_token" env:"SETUP_TOKEN"`
	CookieSecure     bool   `yaml:"cookie_secure" env:"COOKIE_SECURE"`
	CookieDomain     string `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	LoginRatePerMin  int    `yaml:"login_rate_per_min" env:"LOGIN_RATE_PER_MIN"`
	UploadRatePerMin int    `yaml:"upload_rate_per_min" env:"UPLOAD_RATE_PER_MIN"`
}

// DatabaseConfig configures the optional direct Postgres connection.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	ConnMaxIdle  time.Duration `yaml:"conn_max_idle" env:"DATABASE_CONN_MAX_IDLE"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Kind string `yaml:"kind" env:"STORE_KIND"`
}

// CacheConfig configures the aggregate cache.
type CacheConfig struct {
	Kind          string        `yaml:"kind" env:"CACHE_KIND"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" env:"CACHE_TTL"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// SchedulerConfig configures background jobs.
type SchedulerConfig struct {
	Enabled          bool   `yaml:"enabled" env:"SCHEDULER_ENABLED"`
	CacheWarmSpec    string `yaml:"cache_warm_spec" env:"SCHEDULER_CACHE_WARM_SPEC"`
	LimiterCleanSpec string `yaml:"limiter_clean_spec" env:"SCHEDULER_LIMITER_CLEAN_SPEC"`
	CachePurgeSpec   string `yaml:"cache_purge_spec" env:"SCHEDULER_CACHE_PURGE_SPEC"`
	AdminCheckSpec   string `yaml:"admin_check_spec" env:"SCHEDULER_ADMIN_CHECK_SPEC"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			BaseURL:        "http://localhost:8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			UploadsDir:     "./uploads",
			MaxUploadBytes: 10 << 20,
		},
		Supabase: SupabaseConfig{
			Bucket:          "cow-images",
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Auth: AuthConfig{
			AdminName:        "Admin User",
			CookieSecure:     true,
			LoginRatePerMin:  10,
			UploadRatePerMin: 30,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			ConnMaxIdle:  5 * time.Minute,
		},
		Store: StoreConfig{Kind: StoreSupabase},
		Cache: CacheConfig{
			Kind: CacheMemory,
			TTL:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			CacheWarmSpec:    "@every 30s",
			LimiterCleanSpec: "@every 10m",
			CachePurgeSpec:   "@every 10m",
			AdminCheckSpec:   "@daily",
		},
	}
}

// LoadOptions controls where Load looks for input.
type LoadOptions struct {
	// ConfigPath is an explicit YAML file. Empty searches DefaultConfigPaths.
	ConfigPath string
	// EnvFile is a dotenv file loaded into the environment if it exists.
	EnvFile string
}

// Load builds a validated Config.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	path := opts.ConfigPath
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	explicit := path != ""
	if !explicit {
		path = findConfigFile()
	}
	if path != "" {
		if err := loadYAML(cfg, path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, candidate := range DefaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Supabase.URL = strings.TrimRight(strings.TrimSpace(c.Supabase.URL), "/")
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	c.Auth.AdminEmail = strings.ToLower(strings.TrimSpace(c.Auth.AdminEmail))
	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	c.Cache.Kind = strings.ToLower(strings.TrimSpace(c.Cache.Kind))
	if c.Auth.SessionSecret == "" {
		c.Auth.SessionSecret = c.Supabase.JWTSecret
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	switch c.Store.Kind {
	case StoreSupabase:
		if c.Supabase.URL == "" {
			return fmt.Errorf("supabase.url is required for the supabase store")
		}
		if c.Supabase.AnonKey == "" {
			return fmt.Errorf("supabase.anon_key is required for the supabase store")
		}
	case StorePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}

	if c.Supabase.URL != "" {
		u, err := url.Parse(c.Supabase.URL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("supabase.url must be an http(s) URL")
		}
	}

	switch c.Cache.Kind {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache kind %q", c.Cache.Kind)
	}

	if c.Auth.SelfHealAdmin && (c.Auth.AdminEmail == "" || c.Auth.AdminPassword == "") {
		return fmt.Errorf("auth.self_heal_admin requires admin_email and admin_password")
	}
	return nil
}

// HasServiceRole reports whether admin operations are possible.
func (c *Config) HasServiceRole() bool {
	return c.Supabase.ServiceRoleKey != ""
}
