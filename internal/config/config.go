package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all nbpilot configuration.
type Config struct {
	// Root for all persisted state (registry, auth states, profiles, logs)
	DataDir string `yaml:"data_dir"`

	Target   TargetConfig   `yaml:"target"`
	Accounts AccountsConfig `yaml:"accounts"`
	Browser  BrowserConfig  `yaml:"browser"`
	Sessions SessionsConfig `yaml:"sessions"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TargetConfig describes the automated application and its identity provider.
type TargetConfig struct {
	AppURL     string `yaml:"app_url"`
	SignInHost string `yaml:"sign_in_host"`
	LoginURL   string `yaml:"login_url"`
}

// AccountsConfig configures rotation and automated login.
type AccountsConfig struct {
	Strategy            string `yaml:"strategy"` // least_used, round_robin, failover, random
	QuotaLimit          int    `yaml:"quota_limit"`
	QuotaWindow         string `yaml:"quota_window"`
	AutoLogin           bool   `yaml:"auto_login"`
	ManualLoginFallback bool   `yaml:"manual_login_fallback"`
	LoginTimeout        string `yaml:"login_timeout"`
	ManualLoginTimeout  string `yaml:"manual_login_timeout"`
}

// BrowserConfig configures the automation browser.
type BrowserConfig struct {
	Headless          bool   `yaml:"headless"`
	ChromeBin         string `yaml:"chrome_bin"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	ProbeSettle       string `yaml:"probe_settle"`
	ProbeTimeout      string `yaml:"probe_timeout"`
}

// SessionsConfig configures the session pool.
type SessionsConfig struct {
	MaxSessions    int    `yaml:"max_sessions"`
	SessionTimeout string `yaml:"session_timeout"`
	SweepInterval  string `yaml:"sweep_interval"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultDataDir returns ~/.nbpilot, falling back to ./.nbpilot.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nbpilot"
	}
	return filepath.Join(home, ".nbpilot")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),

		Target: TargetConfig{
			AppURL:     "https://notebooklm.google.com/",
			SignInHost: "accounts.google.com",
			LoginURL:   "https://accounts.google.com/ServiceLogin?continue=https%3A%2F%2Fnotebooklm.google.com%2F",
		},

		Accounts: AccountsConfig{
			Strategy:            "least_used",
			QuotaLimit:          50,
			QuotaWindow:         "24h",
			AutoLogin:           true,
			ManualLoginFallback: true,
			LoginTimeout:        "2m",
			ManualLoginTimeout:  "10m",
		},

		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1024,
			ViewportHeight:    768,
			NavigationTimeout: "30s",
			ProbeSettle:       "3s",
			ProbeTimeout:      "45s",
		},

		Sessions: SessionsConfig{
			MaxSessions:    10,
			SessionTimeout: "15m",
			SweepInterval:  "1m",
		},

		Server: ServerConfig{
			Addr: "127.0.0.1:3000",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the config file location inside a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("NBPILOT_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if v := os.Getenv("NBPILOT_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("NBPILOT_STRATEGY"); v != "" {
		c.Accounts.Strategy = v
	}
	if v := os.Getenv("NBPILOT_CHROME_BIN"); v != "" {
		c.Browser.ChromeBin = v
	}
	if v := os.Getenv("NBPILOT_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sessions.MaxSessions = n
		}
	}
}

// ValidStrategies lists all supported rotation strategies.
var ValidStrategies = []string{"least_used", "round_robin", "failover", "random"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir not configured")
	}
	if c.Target.AppURL == "" || c.Target.SignInHost == "" {
		return fmt.Errorf("target.app_url and target.sign_in_host are required")
	}

	valid := false
	for _, s := range ValidStrategies {
		if c.Accounts.Strategy == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid rotation strategy: %s (valid: %v)", c.Accounts.Strategy, ValidStrategies)
	}

	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.max_sessions must be positive, got %d", c.Sessions.MaxSessions)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetQuotaWindow returns the quota reset window.
func (c *Config) GetQuotaWindow() time.Duration {
	return parseDuration(c.Accounts.QuotaWindow, 24*time.Hour)
}

// GetLoginTimeout returns the automated login timeout.
func (c *Config) GetLoginTimeout() time.Duration {
	return parseDuration(c.Accounts.LoginTimeout, 2*time.Minute)
}

// GetManualLoginTimeout returns how long a visible manual login may take.
func (c *Config) GetManualLoginTimeout() time.Duration {
	return parseDuration(c.Accounts.ManualLoginTimeout, 10*time.Minute)
}

// GetNavigationTimeout returns the per-navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetProbeSettle returns how long the live probe waits for redirects.
func (c *Config) GetProbeSettle() time.Duration {
	return parseDuration(c.Browser.ProbeSettle, 3*time.Second)
}

// GetProbeTimeout returns the overall live probe budget.
func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Browser.ProbeTimeout, 45*time.Second)
}

// GetSessionTimeout returns the idle timeout for pooled sessions.
func (c *Config) GetSessionTimeout() time.Duration {
	return parseDuration(c.Sessions.SessionTimeout, 15*time.Minute)
}

// GetSweepInterval returns the idle sweep interval.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Sessions.SweepInterval, time.Minute)
}

// RegistryPath returns the account registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "accounts.json")
}

// AuthStateDir returns the per-account auth state directory.
func (c *Config) AuthStateDir() string {
	return filepath.Join(c.DataDir, "auth")
}

// ProfilesDir returns the per-account browser profile directory root.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "profiles")
}

// MasterKeyPath returns the credential master key file.
func (c *Config) MasterKeyPath() string {
	return filepath.Join(c.DataDir, "master.key")
}

// LegacyStatePath returns the single-account auth state used before rotation existed.
func (c *Config) LegacyStatePath() string {
	return filepath.Join(c.DataDir, "browser_state", "state.json")
}
