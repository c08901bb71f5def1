// Package config loads service configuration from an optional YAML file with
// environment variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// Timezone is the default availability timezone for blocks that do not
	// set their own.
	Timezone string `yaml:"timezone"`
	// HorizonDays bounds how far ahead calendar snapshots are fetched.
	HorizonDays int `yaml:"horizon_days"`
	// ResyncCron is the schedule for the periodic full re-sync backstop.
	ResyncCron string `yaml:"resync_cron"`
	// LockTTL caps how long a webhook sync may hold its channel lock.
	LockTTL time.Duration `yaml:"lock_ttl"`

	Database DatabaseConfig `yaml:"database"`
	Google   OAuthConfig    `yaml:"google"`
	Outlook  OAuthConfig    `yaml:"outlook"`
	CalDAV   CalDAVConfig   `yaml:"caldav"`
}

type DatabaseConfig struct {
	// DSN is a Postgres connection string. Empty selects the in-memory store.
	DSN string `yaml:"dsn"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenDir     string `yaml:"token_dir"`
}

type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Listen:      ":8080",
		Timezone:    "UTC",
		HorizonDays: 60,
		ResyncCron:  "0 */6 * * *",
		LockTTL:     2 * time.Minute,
		Google:      OAuthConfig{TokenDir: "tokens"},
		CalDAV:      CalDAVConfig{Endpoint: "https://caldav.icloud.com/"},
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides and normalizes the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.Google.ClientSecret = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_ID"); v != "" {
		c.Outlook.ClientID = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_SECRET"); v != "" {
		c.Outlook.ClientSecret = v
	}
	if v := os.Getenv("CALDAV_USERNAME"); v != "" {
		c.CalDAV.Username = v
	}
	if v := os.Getenv("CALDAV_PASSWORD"); v != "" {
		c.CalDAV.Password = v
	}
	if v := os.Getenv("HORIZON_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HorizonDays = n
		}
	}
}

// Normalize fills gaps with defaults and rejects invalid values.
func (c *Config) Normalize() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 60
	}
	if c.ResyncCron == "" {
		c.ResyncCron = "0 */6 * * *"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.CalDAV.Endpoint == "" {
		c.CalDAV.Endpoint = "https://caldav.icloud.com/"
	}
	if c.Google.TokenDir == "" {
		c.Google.TokenDir = "tokens"
	}
	if c.Outlook.TokenDir == "" {
		c.Outlook.TokenDir = "tokens"
	}
	return nil
}

// Horizon converts HorizonDays into a duration.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}
