package config_manager

import (
	"encoding/json"
	"os"
	"time"
)

// CurrentConfigVersion is written into every config file saved by this build.
const CurrentConfigVersion = "v0.2.0"

// Config represents the main configuration for the portal-keeper service.
type Config struct {
	ConfigVersion    string         `json:"config_version"`
	LogLevel         string         `json:"log_level"`
	Username         string         `json:"username"`
	Password         string         `json:"password"`
	RememberPassword bool           `json:"remember_password"`
	AutoLogin        bool           `json:"auto_login"`
	PortalURL        string         `json:"portal_url"`
	ISP              string         `json:"isp"`
	Probe            ProbeConfig    `json:"probe"`
	Retry            RetryConfig    `json:"retry"`
	Executor         ExecutorConfig `json:"executor"`
	EventLogCapacity int            `json:"event_log_capacity"`
	CLISocketPath    string         `json:"cli_socket_path"`
	StatusListenAddr string         `json:"status_listen_addr"`
}

// ProbeConfig holds configuration for connectivity probing and the monitor loop
type ProbeConfig struct {
	Targets          []string `json:"targets"`
	IntervalSeconds  int      `json:"interval_seconds"`
	TimeoutMs        int      `json:"timeout_ms"`
	ScanSpacingMs    int      `json:"scan_spacing_ms"`
	FallbackPorts    []int    `json:"fallback_ports"`
	WatchInterfaces  bool     `json:"watch_interfaces"`
	IgnoreInterfaces []string `json:"ignore_interfaces"`
	OnlyInterfaces   []string `json:"only_interfaces"`
}

// RetryConfig holds the reauthentication retry policy
type RetryConfig struct {
	MaxAttemptsBeforeCooldown int    `json:"max_attempts_before_cooldown"`
	BaseBackoffSeconds        int    `json:"base_backoff_seconds"`
	BackoffMultiplier         string `json:"backoff_multiplier"` // "constant", "linear", "exponential"
	MaxBackoffSeconds         int    `json:"max_backoff_seconds"`
	CooldownSeconds           int    `json:"cooldown_seconds"`
	AttemptTimeoutSeconds     int    `json:"attempt_timeout_seconds"`
	CancelCheckMs             int    `json:"cancel_check_ms"`
}

// ExecutorConfig selects and configures the login/logout executor
type ExecutorConfig struct {
	Kind               string   `json:"kind"` // "http" or "command"
	EportalURL         string   `json:"eportal_url"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify"`
	Command            string   `json:"command"`
	Args               []string `json:"args"`
	LogoutRepeat       int      `json:"logout_repeat"`
	IPDiscoveryRetries int      `json:"ip_discovery_retries"`
}

// LoadConfig loads and parses config.json. Fields missing from the file keep
// their default values.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Return nil config if file does not exist
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil // Return nil config if file is empty
	}
	config := NewDefaultConfig()
	config.ConfigVersion = ""
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}
	config.normalize()
	config.applyRememberPassword()
	return config, nil
}

// SaveConfig saves config.json. A config that does not remember the password
// is stored without it and with auto login disabled.
func SaveConfig(filePath string, config *Config) error {
	config.applyRememberPassword()
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	// Credentials live in this file, keep it private to the service user.
	return os.WriteFile(filePath, data, 0600)
}

// NewDefaultConfig creates a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		ConfigVersion:    CurrentConfigVersion,
		LogLevel:         "info",
		RememberPassword: true,
		AutoLogin:        true,
		PortalURL:        "http://10.1.1.1",
		ISP:              "campus",
		Probe: ProbeConfig{
			Targets: []string{
				"www.baidu.com",
				"www.opendns.com",
				"1.1.1.1",
				"114.114.114.114",
				"8.8.8.8",
				"223.5.5.5",
			},
			IntervalSeconds:  30,
			TimeoutMs:        1500,
			ScanSpacingMs:    100,
			FallbackPorts:    []int{443, 53},
			WatchInterfaces:  true,
			IgnoreInterfaces: []string{"lo"},
			OnlyInterfaces:   []string{},
		},
		Retry: RetryConfig{
			MaxAttemptsBeforeCooldown: 3,
			BaseBackoffSeconds:        30,
			BackoffMultiplier:         "constant",
			MaxBackoffSeconds:         0,
			CooldownSeconds:           120,
			AttemptTimeoutSeconds:     180,
			CancelCheckMs:             500,
		},
		Executor: ExecutorConfig{
			Kind:               "http",
			EportalURL:         "https://portal.csu.edu.cn:802/eportal/portal",
			InsecureSkipVerify: true,
			Args:               []string{},
			LogoutRepeat:       2,
			IPDiscoveryRetries: 3,
		},
		EventLogCapacity: 100,
		CLISocketPath:    "/var/run/portal-keeper.sock",
		StatusListenAddr: "127.0.0.1:8642",
	}
}

// applyRememberPassword enforces that a forgotten password never drives auto login.
func (c *Config) applyRememberPassword() {
	if !c.RememberPassword {
		c.Password = ""
		c.AutoLogin = false
	}
}

// normalize replaces out-of-range numeric settings with defaults.
func (c *Config) normalize() {
	def := NewDefaultConfig()
	if len(c.Probe.Targets) == 0 {
		logger.Warn("No probe targets configured, using defaults")
		c.Probe.Targets = def.Probe.Targets
	}
	if c.Probe.IntervalSeconds <= 0 {
		c.Probe.IntervalSeconds = def.Probe.IntervalSeconds
	}
	if c.Probe.TimeoutMs <= 0 {
		c.Probe.TimeoutMs = def.Probe.TimeoutMs
	}
	if c.Probe.ScanSpacingMs < 0 {
		c.Probe.ScanSpacingMs = def.Probe.ScanSpacingMs
	}
	if c.Retry.MaxAttemptsBeforeCooldown <= 0 {
		c.Retry.MaxAttemptsBeforeCooldown = def.Retry.MaxAttemptsBeforeCooldown
	}
	if c.Retry.BaseBackoffSeconds <= 0 {
		c.Retry.BaseBackoffSeconds = def.Retry.BaseBackoffSeconds
	}
	if c.Retry.BackoffMultiplier == "" {
		c.Retry.BackoffMultiplier = def.Retry.BackoffMultiplier
	}
	if c.Retry.MaxBackoffSeconds < 0 {
		c.Retry.MaxBackoffSeconds = 0
	}
	if c.Retry.CooldownSeconds <= 0 {
		c.Retry.CooldownSeconds = def.Retry.CooldownSeconds
	}
	if c.Retry.AttemptTimeoutSeconds <= 0 {
		c.Retry.AttemptTimeoutSeconds = def.Retry.AttemptTimeoutSeconds
	}
	if c.Retry.CancelCheckMs <= 0 {
		c.Retry.CancelCheckMs = def.Retry.CancelCheckMs
	}
	if c.Executor.Kind == "" {
		c.Executor.Kind = def.Executor.Kind
	}
	if c.Executor.LogoutRepeat <= 0 {
		c.Executor.LogoutRepeat = 1
	}
	if c.Executor.IPDiscoveryRetries < 0 {
		c.Executor.IPDiscoveryRetries = 0
	}
	if c.EventLogCapacity <= 0 {
		c.EventLogCapacity = def.EventLogCapacity
	}
}

// PollInterval is the standing monitor period.
func (p ProbeConfig) PollInterval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Timeout is the per-target reachability timeout.
func (p ProbeConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// ScanSpacing is the gap between targets during a diagnostic scan.
func (p ProbeConfig) ScanSpacing() time.Duration {
	return time.Duration(p.ScanSpacingMs) * time.Millisecond
}

func (r RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffSeconds) * time.Second
}

func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSeconds) * time.Second
}

func (r RetryConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

func (r RetryConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.AttemptTimeoutSeconds) * time.Second
}

func (r RetryConfig) CancelCheckInterval() time.Duration {
	return time.Duration(r.CancelCheckMs) * time.Millisecond
}
