// Package config loads application configuration: coded defaults, overridden
// by an optional YAML file, overridden by environment variables with the
// VAPULSE prefix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Fetch    FetchConfig    `yaml:"fetch" envconfig:"FETCH"`
	Rollup   RollupConfig   `yaml:"rollup" envconfig:"ROLLUP"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	JobQueueDepth   int           `yaml:"job_queue_depth" envconfig:"JOB_QUEUE_DEPTH"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
}

// FetchConfig controls the report download client.
type FetchConfig struct {
	URLTemplate string        `yaml:"url_template" envconfig:"URL_TEMPLATE"`
	Pause       time.Duration `yaml:"pause" envconfig:"PAUSE"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// RollupConfig controls which trailing windows are maintained.
type RollupConfig struct {
	IncrementalWindows []int `yaml:"incremental_windows" envconfig:"INCREMENTAL_WINDOWS"`
	FullWindows        []int `yaml:"full_windows" envconfig:"FULL_WINDOWS"`
	MarginDays         int   `yaml:"margin_days" envconfig:"MARGIN_DAYS"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Default returns the coded defaults every load starts from.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			JobQueueDepth:   8,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "vapulse.db",
		},
		Fetch: FetchConfig{
			URLTemplate: "https://www.accesstopwt.va.gov/APIGateway/FacilityDataExcel?stationNumber=%s",
			Pause:       10 * time.Second,
			Timeout:     60 * time.Second,
		},
		Rollup: RollupConfig{
			IncrementalWindows: []int{7, 28},
			FullWindows:        []int{7, 28, 90},
			MarginDays:         20,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/vapulse.log",
		},
	}
}

// Load builds the configuration. The YAML file named by VAPULSE_CONFIG_FILE
// (config.yaml when unset) overrides the defaults where present; environment
// variables override both.
func Load() (*Config, error) {
	cfg := Default()

	configFile := os.Getenv("VAPULSE_CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}

	// No default tags on the fields: unset variables leave the YAML and
	// coded values alone.
	if err := envconfig.Process("VAPULSE", &cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if !strings.Contains(c.Fetch.URLTemplate, "%s") {
		return fmt.Errorf("fetch url_template must contain a %%s station placeholder")
	}
	if len(c.Rollup.IncrementalWindows) == 0 || len(c.Rollup.FullWindows) == 0 {
		return fmt.Errorf("rollup windows must not be empty")
	}
	for _, w := range append(append([]int{}, c.Rollup.IncrementalWindows...), c.Rollup.FullWindows...) {
		if w < 1 {
			return fmt.Errorf("rollup window %d must be positive", w)
		}
	}
	if c.Rollup.MarginDays < 0 {
		return fmt.Errorf("rollup margin_days must not be negative")
	}
	return nil
}
