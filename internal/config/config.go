// ABOUTME: Configuration loading and parsing for the yoda runtime
// ABOUTME: YAML or TOML files with ${VAR} expansion, YODA_* env overrides, and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "YODA_"

// Config represents the complete yoda configuration
type Config struct {
	Comms   CommsConfig   `yaml:"comms" toml:"comms" envPrefix:"COMMS_"`
	LLM     LLMConfig     `yaml:"llm" toml:"llm" envPrefix:"LLM_"`
	Bus     BusConfig     `yaml:"bus" toml:"bus" envPrefix:"BUS_"`
	Journal JournalConfig `yaml:"journal" toml:"journal" envPrefix:"JOURNAL_"`
	Logging LoggingConfig `yaml:"logging" toml:"logging" envPrefix:"LOG_"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// CommsConfig holds the TLS listener settings
type CommsConfig struct {
	Host         string `yaml:"host" toml:"host" env:"HOST"`
	Port         int    `yaml:"port" toml:"port" env:"PORT"`
	CertFile     string `yaml:"cert_file" toml:"cert_file" env:"CERT_FILE"`
	KeyFile      string `yaml:"key_file" toml:"key_file" env:"KEY_FILE"`
	MaxFrameSize int    `yaml:"max_frame_size" toml:"max_frame_size" env:"MAX_FRAME_SIZE"`

	WriteTimeout     time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for file and env parsing
	WriteTimeoutRaw     string `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
}

// LLMConfig holds the model runtime health-check settings
type LLMConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	BaseURL    string `yaml:"base_url" toml:"base_url" env:"BASE_URL"`
	HealthPath string `yaml:"health_path" toml:"health_path" env:"HEALTH_PATH"`

	PollInterval   time.Duration `yaml:"-" toml:"-"`
	SetupTimeout   time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw   string `yaml:"poll_interval" toml:"poll_interval" env:"POLL_INTERVAL"`
	SetupTimeoutRaw   string `yaml:"setup_timeout" toml:"setup_timeout" env:"SETUP_TIMEOUT"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// BusConfig holds event bus settings
type BusConfig struct {
	Workers     int    `yaml:"workers" toml:"workers" env:"WORKERS"`
	HistorySize int    `yaml:"history_size" toml:"history_size" env:"HISTORY_SIZE"`
	DumpPath    string `yaml:"dump_path" toml:"dump_path" env:"DUMP_PATH"`
}

// JournalConfig holds the optional SQLite event archive settings.
// An empty path disables the journal.
type JournalConfig struct {
	Path string `yaml:"path" toml:"path" env:"PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Comms: CommsConfig{
			Host:                "localhost",
			Port:                1234,
			CertFile:            "server.crt",
			KeyFile:             "server.key",
			MaxFrameSize:        64 * 1024,
			WriteTimeoutRaw:     "5s",
			HandshakeTimeoutRaw: "10s",
		},
		LLM: LLMConfig{
			Enabled:           true,
			BaseURL:           "http://localhost:11434",
			HealthPath:        "/api/version",
			PollIntervalRaw:   "500ms",
			SetupTimeoutRaw:   "30s",
			RequestTimeoutRaw: "2s",
		},
		Bus: BusConfig{
			Workers:  5,
			DumpPath: "temp/AppEventStream_history.log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		ShutdownTimeoutRaw: "10s",
	}
}

// ResolvePath picks the config file: the explicit flag value, then
// YODA_CONFIG, then $XDG_CONFIG_HOME/yoda/config.yaml (~/.config when unset).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("YODA_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "yoda", "config.yaml")
}

// Load reads the configuration file at path over the defaults, applies
// YODA_* environment overrides, parses durations, and validates the result.
// A missing file (or empty path) yields the defaults.
// Environment variables in the format ${VAR_NAME} are expanded in the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// decode picks the format from the file extension; anything but .toml is YAML.
func decode(path, data string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(data, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(data), cfg)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Comms.Host == "" {
		return fmt.Errorf("comms.host is required")
	}
	if c.Comms.Port < 0 || c.Comms.Port > 65535 {
		return fmt.Errorf("comms.port %d is out of range", c.Comms.Port)
	}
	if c.Comms.CertFile == "" || c.Comms.KeyFile == "" {
		return fmt.Errorf("comms.cert_file and comms.key_file are required")
	}
	if c.Comms.MaxFrameSize <= 0 {
		return fmt.Errorf("comms.max_frame_size must be positive")
	}

	if c.LLM.Enabled {
		u, err := url.Parse(c.LLM.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("llm.base_url %q must be an http(s) URL", c.LLM.BaseURL)
		}
		if c.LLM.PollInterval <= 0 || c.LLM.SetupTimeout <= 0 || c.LLM.RequestTimeout <= 0 {
			return fmt.Errorf("llm poll_interval, setup_timeout and request_timeout must be positive")
		}
	}

	if c.Bus.Workers <= 0 {
		return fmt.Errorf("bus.workers must be positive")
	}
	if c.Bus.HistorySize < 0 {
		return fmt.Errorf("bus.history_size must not be negative")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"comms.write_timeout", cfg.Comms.WriteTimeoutRaw, &cfg.Comms.WriteTimeout},
		{"comms.handshake_timeout", cfg.Comms.HandshakeTimeoutRaw, &cfg.Comms.HandshakeTimeout},
		{"llm.poll_interval", cfg.LLM.PollIntervalRaw, &cfg.LLM.PollInterval},
		{"llm.setup_timeout", cfg.LLM.SetupTimeoutRaw, &cfg.LLM.SetupTimeout},
		{"llm.request_timeout", cfg.LLM.RequestTimeoutRaw, &cfg.LLM.RequestTimeout},
		{"shutdown_timeout", cfg.ShutdownTimeoutRaw, &cfg.ShutdownTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
