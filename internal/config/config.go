package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the agent configuration, read from YAML and overridden by env
type Config struct {
	Env         string `yaml:"env" env:"PAYNOTIFY_ENV" env-default:"local"`
	StoragePath string `yaml:"storage_path" env:"PAYNOTIFY_STORAGE_PATH" env-default:"./paynotify.db"`

	Log       LogConfig       `yaml:"log"`
	Device    DeviceConfig    `yaml:"device"`
	Collector CollectorConfig `yaml:"collector"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Capture   CaptureConfig   `yaml:"capture"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"PAYNOTIFY_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"PAYNOTIFY_LOG_FORMAT" env-default:"json"`
}

type DeviceConfig struct {
	ID   string `yaml:"id" env:"PAYNOTIFY_DEVICE_ID"`
	Name string `yaml:"name" env:"PAYNOTIFY_DEVICE_NAME"`
}

// CollectorConfig points at the remote collection API
type CollectorConfig struct {
	BaseURL        string        `yaml:"base_url" env:"PAYNOTIFY_COLLECTOR_URL" env-default:"https://paynotify-api.yumi.net.pe"`
	Path           string        `yaml:"path" env:"PAYNOTIFY_COLLECTOR_PATH" env-default:"/api/notifications"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"PAYNOTIFY_CONNECT_TIMEOUT" env-default:"10s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"PAYNOTIFY_READ_TIMEOUT" env-default:"10s"`
}

// DeliveryConfig tunes the immediate lane and the retry scheduler
type DeliveryConfig struct {
	BatchSize     int           `yaml:"batch_size" env:"PAYNOTIFY_BATCH_SIZE" env-default:"25"`
	MaxAttempts   int           `yaml:"max_attempts" env:"PAYNOTIFY_MAX_ATTEMPTS" env-default:"20"`
	BaseDelay     time.Duration `yaml:"base_delay" env:"PAYNOTIFY_BASE_DELAY" env-default:"30s"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"PAYNOTIFY_MAX_DELAY" env-default:"6h"`
	CapExponent   int           `yaml:"cap_exponent" env:"PAYNOTIFY_CAP_EXPONENT" env-default:"16"`
	DrainInterval time.Duration `yaml:"drain_interval" env:"PAYNOTIFY_DRAIN_INTERVAL" env-default:"15m"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" env:"PAYNOTIFY_LEASE_TTL" env-default:"2m"`
	LaneSize      int           `yaml:"lane_size" env:"PAYNOTIFY_LANE_SIZE" env-default:"256"`
}

type WatchdogConfig struct {
	Interval       time.Duration `yaml:"interval" env:"PAYNOTIFY_WATCHDOG_INTERVAL" env-default:"15m"`
	StartupDelay   time.Duration `yaml:"startup_delay" env:"PAYNOTIFY_WATCHDOG_STARTUP_DELAY" env-default:"1m"`
	StaleThreshold time.Duration `yaml:"stale_threshold" env:"PAYNOTIFY_WATCHDOG_STALE" env-default:"30m"`
	RepairCooldown time.Duration `yaml:"repair_cooldown" env:"PAYNOTIFY_WATCHDOG_COOLDOWN" env-default:"10m"`
}

// CaptureConfig describes how to reach the capture source
type CaptureConfig struct {
	// ControlURL is the capture source's control endpoint; empty means the
	// watchdog treats the listener permission as off.
	ControlURL    string `yaml:"control_url" env:"PAYNOTIFY_CAPTURE_CONTROL_URL"`
	DefaultSource string `yaml:"default_source" env:"PAYNOTIFY_DEFAULT_SOURCE" env-default:"com.bcp.innovacxion.yapeapp"`
	TimeZone      string `yaml:"time_zone" env:"PAYNOTIFY_TIME_ZONE" env-default:"Local"`
}

type ServerConfig struct {
	Enabled bool `yaml:"enabled" env:"PAYNOTIFY_SERVER_ENABLED" env-default:"true"`
	Port    int  `yaml:"port" env:"PAYNOTIFY_SERVER_PORT" env-default:"8765"`
}

type AuthConfig struct {
	TokenFile string `yaml:"token_file" env:"PAYNOTIFY_TOKEN_FILE"`
}

// LoadConfig reads the YAML file at path; a missing file falls back to env and defaults
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from env: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the delivery loop cannot run with
func (c *Config) Validate() error {
	if c.Collector.BaseURL == "" {
		return fmt.Errorf("collector.base_url is required")
	}
	if c.Delivery.BatchSize <= 0 {
		return fmt.Errorf("delivery.batch_size must be positive, got %d", c.Delivery.BatchSize)
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be positive, got %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		return fmt.Errorf("delivery delays invalid: base=%s max=%s", c.Delivery.BaseDelay, c.Delivery.MaxDelay)
	}
	if c.Delivery.DrainInterval <= 0 || c.Watchdog.Interval <= 0 {
		return fmt.Errorf("periodic intervals must be positive")
	}
	return nil
}

// Location resolves the zone used to render receivedAt
func (c *Config) Location() *time.Location {
	if c.Capture.TimeZone == "" || c.Capture.TimeZone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Capture.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}
