// Package config loads faktura configuration from an optional YAML file and
// FAKTURA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // numbering.timezone must resolve on minimal images

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"faktura/internal/core/numerator"
)

// Database drivers.
const (
	DriverPgx          = "pgx"
	DriverGormPostgres = "gorm-postgres"
	DriverGormSQLite   = "gorm-sqlite"
)

// Configuration is the full application configuration.
type Configuration struct {
	Log       LogConfig       `mapstructure:"log" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Numbering NumberingConfig `mapstructure:"numbering" validate:"required"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver" validate:"required,oneof=pgx gorm-postgres gorm-sqlite"`
	DSN              string        `mapstructure:"dsn" validate:"required"`
	MaxConns         int32         `mapstructure:"max_conns" validate:"gte=1"`
	MinConns         int32         `mapstructure:"min_conns" validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout" validate:"gte=0"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout" validate:"gte=0"`
	LogLevel         string        `mapstructure:"log_level" validate:"omitempty,oneof=silent error warn info"`
	Tracing          bool          `mapstructure:"tracing"`
}

// NumberingConfig configures the numbering service.
type NumberingConfig struct {
	DefaultPrefix        string        `mapstructure:"default_prefix" validate:"required,alpha,max=16"`
	Timezone             string        `mapstructure:"timezone" validate:"required"`
	MaxAttempts          int           `mapstructure:"max_attempts" validate:"gte=1,lte=100"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval" validate:"gtefield=RetryInitialInterval"`
	PrefixCacheTTL       time.Duration `mapstructure:"prefix_cache_ttl" validate:"gte=0"`
	// Prefixes maps organization ids to prefixes, for deployments without an organizations table.
	Prefixes map[string]string `mapstructure:"prefixes" validate:"dive,keys,uuid,endkeys,alpha,max=16"`
}

// Options controls where Load looks.
type Options struct {
	// ConfigFile is an explicit path; when empty faktura.yaml is searched in
	// the working directory, ./config and /etc/faktura.
	ConfigFile string
}

// Load reads configuration. A missing config file is not an error.
func Load(opts Options) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("faktura")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/faktura")
	}

	v.SetEnvPrefix("FAKTURA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := numerator.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", DriverPgx)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.statement_timeout", 30*time.Second)
	v.SetDefault("database.lock_timeout", 5*time.Second)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.tracing", false)

	v.SetDefault("numbering.default_prefix", defaults.DefaultPrefix)
	v.SetDefault("numbering.timezone", "UTC")
	v.SetDefault("numbering.max_attempts", defaults.MaxAttempts)
	v.SetDefault("numbering.retry_initial_interval", defaults.RetryInitialInterval)
	v.SetDefault("numbering.retry_max_interval", defaults.RetryMaxInterval)
	v.SetDefault("numbering.prefix_cache_ttl", 5*time.Minute)
}

// Validate checks field constraints and the timezone.
func (c *Configuration) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Numbering.Timezone); err != nil {
		return fmt.Errorf("invalid config: numbering.timezone: %w", err)
	}
	return nil
}

// NumeratorConfig converts the numbering section for the service.
func (c *Configuration) NumeratorConfig() (numerator.Config, error) {
	loc, err := time.LoadLocation(c.Numbering.Timezone)
	if err != nil {
		return numerator.Config{}, fmt.Errorf("load timezone %q: %w", c.Numbering.Timezone, err)
	}
	return numerator.Config{
		DefaultPrefix:        c.Numbering.DefaultPrefix,
		Location:             loc,
		MaxAttempts:          c.Numbering.MaxAttempts,
		RetryInitialInterval: c.Numbering.RetryInitialInterval,
		RetryMaxInterval:     c.Numbering.RetryMaxInterval,
	}, nil
}
