// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// TokenBackendFile keeps tokens in a JSON file.
	TokenBackendFile = "file"
	// TokenBackendPostgres keeps tokens in a Postgres table.
	TokenBackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tokens   TokensConfig   `mapstructure:"tokens"`
	Clusters ClustersConfig `mapstructure:"clusters"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Files    FilesConfig    `mapstructure:"files"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int `mapstructure:"port"`
	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// AuthConfig selects the authentication strategies, tried in order.
type AuthConfig struct {
	Strategies        []string `mapstructure:"strategies"`
	TrustedUserHeader string   `mapstructure:"trusted_user_header"`
	// Principal is the identity a valid bearer token acts as.
	Principal string `mapstructure:"principal"`
}

// TokensConfig picks and configures the token store.
type TokensConfig struct {
	Backend  string         `mapstructure:"backend"`
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the token database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ClustersConfig points at the cluster definition directory.
type ClustersConfig struct {
	Dir string `mapstructure:"dir"`
}

// JobsConfig paces calls into each cluster's scheduler. BackendRPS <= 0
// disables pacing.
type JobsConfig struct {
	BackendRPS   float64 `mapstructure:"backend_rps"`
	BackendBurst int     `mapstructure:"backend_burst"`
}

// FilesConfig sets the sandbox home and transfer limits.
type FilesConfig struct {
	Home          string `mapstructure:"home"`
	MaxReadBytes  int64  `mapstructure:"max_read_bytes"`
	MaxWriteBytes int64  `mapstructure:"max_write_bytes"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry request spans.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HPCGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, name := currentUser()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("auth.strategies", []string{"bearer"})
	v.SetDefault("auth.trusted_user_header", "X-Remote-User")
	v.SetDefault("auth.principal", name)
	v.SetDefault("tokens.backend", TokenBackendFile)
	v.SetDefault("tokens.path", filepath.Join(home, ".config", "hpc-gateway", "tokens.json"))
	v.SetDefault("tokens.postgres.dsn", "")
	v.SetDefault("tokens.postgres.table", "api_tokens")
	v.SetDefault("tokens.postgres.max_conns", 4)
	v.SetDefault("clusters.dir", "/etc/hpc-gateway/clusters.d")
	v.SetDefault("jobs.backend_rps", 0)
	v.SetDefault("jobs.backend_burst", 5)
	v.SetDefault("files.home", home)
	v.SetDefault("files.max_read_bytes", 10<<20)
	v.SetDefault("files.max_write_bytes", 50<<20)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "hpc-gateway")
}

func currentUser() (home, name string) {
	home, _ = os.UserHomeDir()
	if u, err := user.Current(); err == nil {
		name = u.Username
		if home == "" {
			home = u.HomeDir
		}
	}
	return home, name
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		return fmt.Errorf("server.read_header_timeout_seconds must be > 0")
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be > 0")
	}
	if len(c.Auth.Strategies) == 0 {
		return fmt.Errorf("auth.strategies must list at least one strategy")
	}
	for _, s := range c.Auth.Strategies {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "delegated":
			if strings.TrimSpace(c.Auth.TrustedUserHeader) == "" {
				return fmt.Errorf("auth.trusted_user_header must be set for delegated auth")
			}
		case "bearer":
			if strings.TrimSpace(c.Auth.Principal) == "" {
				return fmt.Errorf("auth.principal must be set for bearer auth")
			}
		default:
			return fmt.Errorf("auth.strategies: unknown strategy %q", s)
		}
	}
	switch c.Tokens.Backend {
	case TokenBackendFile:
		if c.Tokens.Path == "" {
			return fmt.Errorf("tokens.path must be set for the file backend")
		}
	case TokenBackendPostgres:
		if c.Tokens.Postgres.DSN == "" {
			return fmt.Errorf("tokens.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("tokens.backend must be %q or %q", TokenBackendFile, TokenBackendPostgres)
	}
	if c.Jobs.BackendRPS < 0 {
		return fmt.Errorf("jobs.backend_rps must be >= 0")
	}
	if c.Files.Home == "" || !filepath.IsAbs(c.Files.Home) {
		return fmt.Errorf("files.home must be an absolute path")
	}
	if c.Files.MaxReadBytes <= 0 {
		return fmt.Errorf("files.max_read_bytes must be > 0")
	}
	if c.Files.MaxWriteBytes <= 0 {
		return fmt.Errorf("files.max_write_bytes must be > 0")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.ServiceName) == "" {
		return fmt.Errorf("tracing.service_name must be set when tracing is enabled")
	}
	return nil
}

// ReadHeaderTimeout converts the configured seconds to a duration.
func (c Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.Server.ReadHeaderTimeoutSeconds) * time.Second
}

// ShutdownTimeout converts the configured seconds to a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
