package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the backend section, so the anon key
// does not have to live in the config file.
const (
	EnvSupabaseURL     = "LONGING_SUPABASE_URL"
	EnvSupabaseAnonKey = "LONGING_SUPABASE_ANON_KEY"
)

// Config holds all application configuration.
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	BLE         BLEConfig         `yaml:"ble"`
	Partnership PartnershipConfig `yaml:"partnership"`
	Touch       TouchConfig       `yaml:"touch"`
	StorePath   string            `yaml:"store_path"`
	LogLevel    string            `yaml:"log_level"`
}

// BackendConfig points at the hosted Supabase project.
type BackendConfig struct {
	URL         string `yaml:"url"`
	AnonKey     string `yaml:"anon_key"`
	RedirectURL string `yaml:"redirect_url"` // used in sign-up and password reset emails
}

// BLEConfig holds bracelet radio settings.
type BLEConfig struct {
	Mode           string        `yaml:"mode"` // "auto", "native" or "simulated"
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	SimulatedDelay time.Duration `yaml:"simulated_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PartnershipConfig controls how a new partnership starts out.
type PartnershipConfig struct {
	// RequireAcceptance leaves new partnerships pending until the invited
	// account accepts. When false they are accepted on creation.
	RequireAcceptance bool `yaml:"require_acceptance"`
}

// TouchConfig holds touch history settings.
type TouchConfig struct {
	HistoryLimit     int `yaml:"history_limit"`
	DefaultIntensity int `yaml:"default_intensity"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "longing")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "longing", "session.db")

	return &Config{
		BLE: BLEConfig{
			Mode:           "auto",
			ScanTimeout:    10 * time.Second,
			SimulatedDelay: time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		Touch: TouchConfig{
			HistoryLimit:     50,
			DefaultIntensity: 3,
		},
		StorePath: storePath,
		LogLevel:  "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, environment overrides are applied and a leading ~ in
// store_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StorePath = expandTilde(cfg.StorePath)
	cfg.ApplyEnv()

	return cfg, nil
}

// ApplyEnv overrides backend settings from the environment when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvSupabaseURL); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv(EnvSupabaseAnonKey); v != "" {
		c.Backend.AnonKey = v
	}
}

// Validate checks the config for invalid values. An empty backend section
// is allowed here; commands that talk to the backend check for it.
func (c *Config) Validate() error {
	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend.url must be an absolute URL, got %q", c.Backend.URL)
		}
	}

	switch c.BLE.Mode {
	case "auto", "native", "simulated":
	default:
		return fmt.Errorf("ble.mode must be \"auto\", \"native\" or \"simulated\", got %q", c.BLE.Mode)
	}

	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.SimulatedDelay < 0 {
		return fmt.Errorf("ble.simulated_delay must be >= 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	if c.Touch.HistoryLimit <= 0 {
		return fmt.Errorf("touch.history_limit must be > 0")
	}
	if c.Touch.DefaultIntensity < 1 || c.Touch.DefaultIntensity > 5 {
		return fmt.Errorf("touch.default_intensity must be between 1 and 5, got %d", c.Touch.DefaultIntensity)
	}

	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// RequireBackend reports an error when the backend section is incomplete.
func (c *Config) RequireBackend() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is not set (config file or %s)", EnvSupabaseURL)
	}
	if c.Backend.AnonKey == "" {
		return fmt.Errorf("backend.anon_key is not set (config file or %s)", EnvSupabaseAnonKey)
	}
	return nil
}

// ParseLogLevel maps a config log level to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# longing configuration
#
# backend.url and backend.anon_key come from the Supabase dashboard
# (Settings > API). They can also be supplied through
# LONGING_SUPABASE_URL and LONGING_SUPABASE_ANON_KEY.
#
# ble.mode: auto falls back to simulated devices when no radio is present.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
