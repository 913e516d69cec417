// Package config loads service configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// PublicURL is where the service is reachable from browsers; OAuth
	// redirect URIs are built from it.
	PublicURL string `yaml:"public_url"`
	// DryRun formats and logs posts without calling any provider.
	DryRun bool `yaml:"dry_run"`

	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Verses   VersesConfig   `yaml:"verses"`
	Mastodon MastodonConfig `yaml:"mastodon"`
	X        XConfig        `yaml:"x"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, postgres
	DSN    string `yaml:"dsn"`
}

type ScheduleConfig struct {
	PostTime    string `yaml:"post_time"` // HH:MM, local to Timezone
	Timezone    string `yaml:"timezone"`
	Concurrency int    `yaml:"concurrency"`
	PostTimeout string `yaml:"post_timeout"`
}

type VersesConfig struct {
	Path string `yaml:"path"` // empty: built-in list
}

type MastodonConfig struct {
	AppName     string `yaml:"app_name"`
	Scopes      string `yaml:"scopes"`
	HTTPTimeout string `yaml:"http_timeout"`
}

type XConfig struct {
	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
}

// Enabled reports whether X linking and posting are configured.
func (x XConfig) Enabled() bool { return x.ConsumerKey != "" && x.ConsumerSecret != "" }

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Listen:    ":5000",
		PublicURL: "http://localhost:5000",
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Schedule: ScheduleConfig{
			PostTime:    "05:00",
			Timezone:    "Local",
			Concurrency: 4,
			PostTimeout: "30s",
		},
		Mastodon: MastodonConfig{
			AppName:     "Wird - Quran Verse Poster",
			Scopes:      "read write",
			HTTPTimeout: "20s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	c.Listen = envOr("WIRD_LISTEN", c.Listen)
	c.PublicURL = envOr("WIRD_PUBLIC_URL", c.PublicURL)
	c.Database.Driver = envOr("WIRD_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envOr("WIRD_DB_DSN", c.Database.DSN)
	c.Schedule.PostTime = envOr("WIRD_POST_TIME", c.Schedule.PostTime)
	c.Schedule.Timezone = envOr("WIRD_TIMEZONE", c.Schedule.Timezone)
	c.Verses.Path = envOr("WIRD_VERSES", c.Verses.Path)
	c.Logging.Level = envOr("WIRD_LOG_LEVEL", c.Logging.Level)
	c.X.ConsumerKey = envOr("X_CONSUMER_KEY", c.X.ConsumerKey)
	c.X.ConsumerSecret = envOr("X_CONSUMER_SECRET", c.X.ConsumerSecret)
	if os.Getenv("DRY_RUN") == "1" {
		c.DryRun = true
	}
	if v := os.Getenv("WIRD_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("WIRD_CONCURRENCY %q: want an integer", v)
		}
		c.Schedule.Concurrency = n
	}
	return nil
}

// Validate checks the fields that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if _, _, err := c.Schedule.Clock(); err != nil {
		return err
	}
	if _, err := c.Schedule.Location(); err != nil {
		return err
	}
	if c.Schedule.Concurrency < 1 {
		return fmt.Errorf("schedule.concurrency must be at least 1, got %d", c.Schedule.Concurrency)
	}
	if _, err := c.Schedule.Timeout(); err != nil {
		return err
	}
	if _, err := parseDuration("mastodon.http_timeout", c.Mastodon.HTTPTimeout); err != nil {
		return err
	}
	return nil
}

// Clock splits PostTime into hour and minute.
func (s ScheduleConfig) Clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s.PostTime))
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.post_time %q: want HH:MM", s.PostTime)
	}
	return t.Hour(), t.Minute(), nil
}

func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

func (s ScheduleConfig) Timeout() (time.Duration, error) {
	return parseDuration("schedule.post_timeout", s.PostTimeout)
}

func (m MastodonConfig) Timeout() time.Duration {
	d, _ := parseDuration("mastodon.http_timeout", m.HTTPTimeout)
	return d
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s %q: want a positive duration", field, v)
	}
	return d, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
