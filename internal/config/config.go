// Package config loads the snipewatch YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SnipeMillisecondsKey is the settings key for the global snipe offset.
const SnipeMillisecondsKey = "snipemilliseconds"

const defaultSnipeOffset = 30 * time.Second

type Config struct {
	Addr     string `yaml:"addr"`
	DB       string `yaml:"db"`
	LogLevel string `yaml:"log_level"`

	Workers       int    `yaml:"workers"`
	CheckInterval string `yaml:"check_interval"`
	SaveSchedule  string `yaml:"save_schedule"`

	// FetchRate limits page refreshes per second across all auctions.
	FetchRate  float64 `yaml:"fetch_rate"`
	FetchBurst int     `yaml:"fetch_burst"`

	Server ServerConfig `yaml:"server"`

	// Settings holds free-form string keys such as snipemilliseconds.
	Settings map[string]string `yaml:"settings"`
}

type ServerConfig struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	UserID     string `yaml:"user_id"`
	BidCommand string `yaml:"bid_command"`
	Timeout    string `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Addr:          ":8080",
		DB:            "snipewatch.db",
		LogLevel:      "info",
		Workers:       4,
		CheckInterval: "1s",
		SaveSchedule:  "@every 5m",
		FetchRate:     2,
		FetchBurst:    4,
		Server: ServerConfig{
			Name:    "default",
			Timeout: "15s",
		},
		Settings: map[string]string{},
	}
}

// Parse decodes b over the defaults. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Settings == nil {
		cfg.Settings = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers: must be > 0, got %d", c.Workers)
	}
	if _, err := ParseDurationField("check_interval", c.CheckInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("server.timeout", c.Server.Timeout); err != nil {
		return err
	}
	if c.FetchRate < 0 {
		return fmt.Errorf("fetch_rate: must be >= 0")
	}
	if c.FetchRate > 0 && c.FetchBurst < 1 {
		return fmt.Errorf("fetch_burst: must be >= 1 when fetch_rate is set")
	}
	return nil
}

func (c *Config) CheckEvery() time.Duration {
	d, _ := ParseDurationOrDefault("check_interval", c.CheckInterval, time.Second)
	return d
}

func (c *Config) ServerTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("server.timeout", c.Server.Timeout, 15*time.Second)
	return d
}

// Setting returns a settings value, or def when it is absent or blank.
func (c *Config) Setting(key, def string) string {
	if v, ok := c.Settings[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// SnipeOffset is the global default for how long before the end a snipe
// fires. It falls back to 30s when snipemilliseconds is unset or unusable.
func (c *Config) SnipeOffset() time.Duration {
	raw := c.Setting(SnipeMillisecondsKey, "")
	if raw == "" {
		return defaultSnipeOffset
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return defaultSnipeOffset
	}
	return time.Duration(ms) * time.Millisecond
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
