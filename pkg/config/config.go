// Package config loads mayor's configuration from YAML with environment
// variable overrides. Defaults are defined in code so a bare `mayor serve`
// works without any config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for mayor.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Agent     AgentConfig     `yaml:"agent"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Notify    NotifyConfig    `yaml:"notify"`
	NATS      NATSConfig      `yaml:"nats"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig configures the git-backed bead store.
type StoreConfig struct {
	// RepoPath is the git repository root holding the metadata directory.
	RepoPath string `yaml:"repo_path"`
	// MetadataDir is the directory under RepoPath holding bead files.
	MetadataDir string `yaml:"metadata_dir"`
	// IDPrefix seeds generated bead ids (prefix-001, prefix-002, ...).
	IDPrefix string `yaml:"id_prefix"`
	// UseBeads enables the store; when false mayor runs store-less.
	UseBeads bool `yaml:"use_beads"`
	// Watch enables the fsnotify watcher over the metadata directory.
	Watch bool `yaml:"watch"`
}

// AgentConfig configures worker spawning and supervision.
type AgentConfig struct {
	// CommandTemplate is the worker command line. {workdir} and
	// {prompt_file} are substituted; if {prompt_file} never appears the
	// prompt path is appended as the final argument.
	CommandTemplate []string `yaml:"command_template"`
	WorkDir         string   `yaml:"work_dir"`
	MemoryLimitGB   int      `yaml:"memory_limit_gb"`
	TimeoutMinutes  int      `yaml:"timeout_minutes"`
	MaxRetries      int      `yaml:"max_retries"`
	// PromptMaxBytes caps the generated prompt file size.
	PromptMaxBytes int `yaml:"prompt_max_bytes"`
}

// Timeout returns the wall-clock limit for one worker run.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// WatchdogConfig configures the stall watchdog.
type WatchdogConfig struct {
	SweepSeconds int `yaml:"sweep_seconds"`
	StallSeconds int `yaml:"stall_seconds"`
}

// SweepInterval returns the watchdog sweep cadence.
func (w WatchdogConfig) SweepInterval() time.Duration {
	return time.Duration(w.SweepSeconds) * time.Second
}

// StallThreshold returns the no-output duration that triggers a kill.
func (w WatchdogConfig) StallThreshold() time.Duration {
	return time.Duration(w.StallSeconds) * time.Second
}

// NotifyConfig configures the outbound webhook sink.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// NATSConfig configures the optional event bridge.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig configures the log manager.
type LoggingConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// PostgresDSN enables the SQL log archive when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures the OTLP exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8766,
		},
		Store: StoreConfig{
			RepoPath:    ".",
			MetadataDir: ".mayor/beads",
			IDPrefix:    "bead",
			UseBeads:    true,
			Watch:       false,
		},
		Agent: AgentConfig{
			CommandTemplate: nil,
			WorkDir:         ".",
			MemoryLimitGB:   4,
			TimeoutMinutes:  30,
			MaxRetries:      3,
			PromptMaxBytes:  32 * 1024,
		},
		Watchdog: WatchdogConfig{
			SweepSeconds: 60,
			StallSeconds: 300,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "mayor.events",
		},
		Logging: LoggingConfig{
			BufferSize: 10000,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "mayor",
		},
	}
}

// LoadConfig reads a YAML config file, falls back to defaults for missing
// fields, and applies environment overrides last. A missing file is not an
// error: defaults plus environment apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the recognized environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if v, ok := envInt("MEMORY_LIMIT_GB"); ok {
		c.Agent.MemoryLimitGB = v
	}
	if v, ok := envInt("TIMEOUT_MINUTES"); ok {
		c.Agent.TimeoutMinutes = v
	}
	if v, ok := envInt("MAX_RETRIES"); ok {
		c.Agent.MaxRetries = v
	}
	if v, ok := envInt("STALL_SECONDS"); ok {
		c.Watchdog.StallSeconds = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("USE_BEADS"); v != "" {
		c.Store.UseBeads = parseBool(v)
	}
	if v := os.Getenv("MAYOR_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("MAYOR_POSTGRES_DSN"); v != "" {
		c.Logging.PostgresDSN = v
	}
	if v := os.Getenv("MAYOR_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate checks for configuration values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.Agent.MaxRetries)
	}
	if c.Watchdog.StallSeconds <= 0 {
		return fmt.Errorf("stall_seconds must be > 0, got %d", c.Watchdog.StallSeconds)
	}
	if c.Watchdog.SweepSeconds <= 0 {
		return fmt.Errorf("sweep_seconds must be > 0, got %d", c.Watchdog.SweepSeconds)
	}
	return nil
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseBool(v string) bool {
	switch v {
	case "0", "false", "no", "off", "":
		return false
	}
	return true
}
