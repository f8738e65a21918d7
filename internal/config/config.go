// Package config loads the YAML configuration for workerbus.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Bus struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"bus"`

	Worker struct {
		MaxInFlight int `yaml:"max_in_flight"`
	} `yaml:"worker"`

	RPC struct {
		// CallTimeout of 0 disables the timeout.
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"rpc"`

	Scheduler struct {
		Tick                    string `yaml:"tick"`
		NotificationsPurgeEvery int    `yaml:"notifications_purge_every"`
		ExportsPurgeEvery       int    `yaml:"exports_purge_every"`
	} `yaml:"scheduler"`

	Export struct {
		Dir       string        `yaml:"dir"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"export"`

	Notifications struct {
		DefaultTTL time.Duration `yaml:"default_ttl"`
	} `yaml:"notifications"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.RPC.CallTimeout = 30 * time.Second
	c.Log.Pretty = true
	c.applyDefaults()
	return c
}

// Load reads path and fills unset fields with defaults. An empty path yields
// Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// rpc.call_timeout is kept as 0 when the file sets it explicitly
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "workerbus.db"
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = 256
	}
	if c.Worker.MaxInFlight == 0 {
		c.Worker.MaxInFlight = 32
	}
	if c.Scheduler.Tick == "" {
		c.Scheduler.Tick = "@every 1m"
	}
	if c.Scheduler.NotificationsPurgeEvery == 0 {
		c.Scheduler.NotificationsPurgeEvery = 5
	}
	if c.Scheduler.ExportsPurgeEvery == 0 {
		c.Scheduler.ExportsPurgeEvery = 60
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "exports"
	}
	if c.Export.Retention == 0 {
		c.Export.Retention = 24 * time.Hour
	}
	if c.Notifications.DefaultTTL == 0 {
		c.Notifications.DefaultTTL = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Bus.BufferSize < 0 {
		errs = append(errs, errors.New("bus.buffer_size must not be negative"))
	}
	if c.Worker.MaxInFlight < 0 {
		errs = append(errs, errors.New("worker.max_in_flight must not be negative"))
	}
	if c.RPC.CallTimeout < 0 {
		errs = append(errs, errors.New("rpc.call_timeout must not be negative"))
	}
	if c.Scheduler.NotificationsPurgeEvery < 1 || c.Scheduler.ExportsPurgeEvery < 1 {
		errs = append(errs, errors.New("scheduler purge intervals must be at least 1"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ParseLevel converts a log level string to a zerolog level, defaulting to
// info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
