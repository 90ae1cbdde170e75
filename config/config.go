// Package config reads the settings of a migration run: a YAML file, then MIGRATE_* environment
// variables over it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// Database is the MySQL database or the PostgreSQL schema holding the migrations table.
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	LockName string `yaml:"lock_name"`

	StepTimeout       time.Duration `yaml:"step_timeout"`
	LockRetries       uint64        `yaml:"lock_retries"`
	LockRetryInterval time.Duration `yaml:"lock_retry_interval"`
	SkipValidation    bool          `yaml:"skip_validation"`

	Log Log `yaml:"log"`

	MetricsTextfile string `yaml:"metrics_textfile"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func Default() Config {
	return Config{
		Table:             "schema_migrations",
		LockName:          "schema_migrations",
		LockRetries:       5,
		LockRetryInterval: 200 * time.Millisecond,
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads path, when given, over the defaults and applies the environment over both.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(contents))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	vars := map[string]*string{
		"MIGRATE_DRIVER":           &cfg.Driver,
		"MIGRATE_DSN":              &cfg.DSN,
		"MIGRATE_DATABASE":         &cfg.Database,
		"MIGRATE_TABLE":            &cfg.Table,
		"MIGRATE_LOCK_NAME":        &cfg.LockName,
		"MIGRATE_LOG_LEVEL":        &cfg.Log.Level,
		"MIGRATE_METRICS_TEXTFILE": &cfg.MetricsTextfile,
	}
	for key, target := range vars {
		if value, ok := lookup(key); ok {
			*target = value
		}
	}

	if value, ok := lookup("MIGRATE_LOG_JSON"); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: MIGRATE_LOG_JSON: %v", ErrInvalidConfig, err)
		}
		cfg.Log.JSON = b
	}

	if value, ok := lookup("MIGRATE_STEP_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: MIGRATE_STEP_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.StepTimeout = d
	}

	return nil
}

func (cfg *Config) Validate() error {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	case "":
		return fmt.Errorf("%w: driver is not set", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown driver \"%s\"", ErrInvalidConfig, cfg.Driver)
	}

	if cfg.DSN == "" {
		return fmt.Errorf("%w: dsn is not set", ErrInvalidConfig)
	}
	if cfg.Table == "" {
		return fmt.Errorf("%w: migrations table name is empty", ErrInvalidConfig)
	}
	if cfg.StepTimeout < 0 {
		return fmt.Errorf("%w: step timeout is negative", ErrInvalidConfig)
	}

	return nil
}
