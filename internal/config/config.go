// Package config loads service configuration from defaults, an
// optional YAML file and EXECGATE_* environment overrides.
package config

import (
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Store    StoreConfig    `mapstructure:"store"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	// JWTSecret signs session tokens. Required for serving.
	JWTSecret string `mapstructure:"jwt_secret"`

	// TokenTTL is the session token lifetime.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type StoreConfig struct {
	// Path is the SQLite database location; ":memory:" for ephemeral.
	Path string `mapstructure:"path"`
}

type DispatchConfig struct {
	BlockingCeiling  time.Duration `mapstructure:"blocking_ceiling"`
	ExecutionCeiling time.Duration `mapstructure:"execution_ceiling"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SubmitRetries    int           `mapstructure:"submit_retries"`
}

type ArchiveConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}
