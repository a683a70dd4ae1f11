package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	defaultListen        = "127.0.0.1:8080"
	defaultTimezone      = "UTC"
	defaultDataPath      = "./data/records.yaml"
	defaultICSCacheDir   = "./var/ics-cache"
	defaultHorizonMonths = 3
	defaultWindowDays    = 7
	defaultReminderCron  = "0 8 * * *"
	defaultLogLevel      = "info"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ReminderConfig controls the periodic upcoming-items job.
type ReminderConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Cron is a 5-field cron expression or descriptor ("@daily").
	Cron string `yaml:"cron" json:"cron"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	JSON  bool   `yaml:"json" json:"json"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone in which record dates without an
	// explicit offset are read and calendar days are evaluated.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataPath points at the YAML file holding patients, appointments and
	// prescriptions.
	DataPath string `yaml:"data_path" json:"data_path"`

	// WatchData reloads DataPath when it changes on disk.
	WatchData bool `yaml:"watch_data" json:"watch_data"`

	// ICSCacheDir stores conditional-GET metadata for imported calendars.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	// HorizonMonths is how far ahead schedules are expanded.
	HorizonMonths int `yaml:"horizon_months" json:"horizon_months"`

	// WindowDays is the length of the dashboard "upcoming" window.
	WindowDays int `yaml:"window_days" json:"window_days"`

	Reminders ReminderConfig `yaml:"reminders" json:"reminders"`

	Log LogConfig `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Timezone:      defaultTimezone,
		DataPath:      defaultDataPath,
		WatchData:     true,
		ICSCacheDir:   defaultICSCacheDir,
		HorizonMonths: defaultHorizonMonths,
		WindowDays:    defaultWindowDays,
		Reminders: ReminderConfig{
			Enabled: false,
			Cron:    defaultReminderCron,
		},
		Log:       LogConfig{Level: defaultLogLevel},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.DataPath == "" {
		c.DataPath = defaultDataPath
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultICSCacheDir
	}
	if c.HorizonMonths <= 0 {
		c.HorizonMonths = defaultHorizonMonths
	}
	if c.WindowDays <= 0 {
		c.WindowDays = defaultWindowDays
	}
	if c.Reminders.Cron == "" {
		c.Reminders.Cron = defaultReminderCron
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

// Location resolves Timezone. An unknown zone falls back to UTC and is
// reported through the error.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions, creating the parent
// directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".carecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
