// Package config loads the session-filestore YAML configuration.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/session-filestore/pkg/session/codec"
)

// Backend names.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Log formats.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Defaults.
const (
	DefaultAddress           = ":8080"
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultMaxOpenConns      = 25
	DefaultLockTimeout       = 5 * time.Second
	DefaultCookieName        = "id"
	DefaultCookiePath        = "/"
	DefaultSessionTTL        = 24 * time.Hour
	DefaultMetricsPath       = "/metrics"
	DefaultFileMode          = 0o600
)

// Config holds the complete configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// StoreConfig selects and configures the session backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	File     FileConfig     `yaml:"file"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Locking  LockingConfig  `yaml:"locking"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Dir          string `yaml:"dir"`
	Prefix       string `yaml:"prefix"`
	Suffix       string `yaml:"suffix"`
	Codec        string `yaml:"codec"`
	DirectWrites bool   `yaml:"direct_writes"`
	FileMode     uint32 `yaml:"file_mode"`
}

// Mode returns FileMode as an fs.FileMode.
func (f FileConfig) Mode() fs.FileMode {
	return fs.FileMode(f.FileMode)
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Migrate      *bool  `yaml:"migrate"` // defaults to true
}

// ShouldMigrate reports whether migrations run at startup.
func (p PostgresConfig) ShouldMigrate() bool {
	return p.Migrate == nil || *p.Migrate
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LockingConfig configures the per-ID lock wrapper.
type LockingConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"` // empty keeps locks in-process
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig configures the HTTP session layer.
type SessionConfig struct {
	CookieName string        `yaml:"cookie_name"`
	CookiePath string        `yaml:"cookie_path"`
	TTL        time.Duration `yaml:"ttl"`
	Secure     bool          `yaml:"secure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // defaults to true
	Path    string `yaml:"path"`
}

// IsEnabled reports whether metrics are exposed.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with every default applied and the file
// backend rooted at dir.
func Default(dir string) *Config {
	cfg := &Config{Store: StoreConfig{File: FileConfig{Dir: dir}}}
	applyDefaults(cfg)
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultAddress
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatJSON
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendFile
	}
	if cfg.Store.File.Codec == "" {
		cfg.Store.File.Codec = codec.NameJSON
	}
	if cfg.Store.File.FileMode == 0 {
		cfg.Store.File.FileMode = DefaultFileMode
	}
	if cfg.Store.Postgres.MaxOpenConns == 0 {
		cfg.Store.Postgres.MaxOpenConns = DefaultMaxOpenConns
	}
	if cfg.Store.Locking.Timeout == 0 {
		cfg.Store.Locking.Timeout = DefaultLockTimeout
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = DefaultCookieName
	}
	if cfg.Session.CookiePath == "" {
		cfg.Session.CookiePath = DefaultCookiePath
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = DefaultSessionTTL
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case BackendFile:
		errs = append(errs, c.Store.File.validate()...)
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, "store.postgres.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of file, memory, postgres, redis", c.Store.Backend))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Store.Locking.Timeout < 0 {
		errs = append(errs, "store.locking.timeout must not be negative")
	}
	if c.Logging.Format != LogFormatJSON && c.Logging.Format != LogFormatText {
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of json, text", c.Logging.Format))
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (f FileConfig) validate() []string {
	var errs []string
	if f.Dir == "" {
		errs = append(errs, "store.file.dir is required for the file backend")
	} else if len(f.Dir) > 1 && (strings.HasSuffix(f.Dir, "/") || strings.HasSuffix(f.Dir, string(os.PathSeparator))) {
		// The store joins dir and file name with a separator of its own.
		errs = append(errs, "store.file.dir must not end with a path separator")
	}
	if _, err := codec.ByName(f.Codec); err != nil {
		errs = append(errs, fmt.Sprintf("store.file.codec: %v", err))
	}
	if f.FileMode&^0o777 != 0 {
		errs = append(errs, fmt.Sprintf("store.file.file_mode %#o has bits outside 0777", f.FileMode))
	}
	return errs
}
