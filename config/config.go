package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds everything a dei client or server needs.
type Config struct {
	// User is this client's identity. Generated when empty.
	User string `yaml:"user"`

	// Capacity is the number of slots in one cycle.
	Capacity int `yaml:"capacity"`

	Server  ServerConfig  `yaml:"server"`
	Commit  CommitConfig  `yaml:"commit"`
	Orbit   OrbitConfig   `yaml:"orbit"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig locates the ring server.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"` // used by clients
	WSPath  string `yaml:"ws_path"`
	Listen  string `yaml:"listen"` // used by `dei serve`
}

// CommitConfig tunes the placement protocol.
type CommitConfig struct {
	// ConfirmTimeout bounds how long a sent placement waits for its echo.
	// "0" disables the timeout.
	ConfirmTimeout string `yaml:"confirm_timeout"`
	RequestTimeout string `yaml:"request_timeout"`
	// AutoSpeculate picks the next slot as soon as a placement is confirmed.
	AutoSpeculate bool `yaml:"auto_speculate"`
}

// OrbitConfig shapes the rendered orbit.
type OrbitConfig struct {
	Radius  float64  `yaml:"radius"`
	Scale   float64  `yaml:"scale"`
	Palette []string `yaml:"palette"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the settings of the installation.
func DefaultConfig() *Config {
	return &Config{
		Capacity: 71,
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
			WSPath:  "/ws-rings",
			Listen:  ":8080",
		},
		Commit: CommitConfig{
			ConfirmTimeout: "30s",
			RequestTimeout: "10s",
			AutoSpeculate:  true,
		},
		Orbit: OrbitConfig{
			Radius:  1,
			Scale:   1,
			Palette: []string{"#e60012", "#f39800", "#fff100", "#009944", "#0068b7", "#1d2088", "#920783"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults, applies env overrides and
// fills in a user id. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if cfg.User == "" {
		cfg.User = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if url := os.Getenv("DEI_SERVER_URL"); url != "" {
		c.Server.BaseURL = url
	}
	if user := os.Getenv("DEI_USER"); user != "" {
		c.User = user
	}
	if capacity := os.Getenv("DEI_CAPACITY"); capacity != "" {
		n, err := strconv.Atoi(capacity)
		if err != nil {
			return fmt.Errorf("DEI_CAPACITY: %w", err)
		}
		c.Capacity = n
	}
	return nil
}

// GetConfirmTimeout parses Commit.ConfirmTimeout. Zero disables it.
func (c *Config) GetConfirmTimeout() time.Duration {
	return parseDuration(c.Commit.ConfirmTimeout, 30*time.Second)
}

// GetRequestTimeout parses Commit.RequestTimeout, falling back to 10s.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Commit.RequestTimeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate checks the settings that would break the protocol.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with '/', got %q", c.Server.WSPath)
	}
	for name, v := range map[string]string{
		"commit.confirm_timeout": c.Commit.ConfirmTimeout,
		"commit.request_timeout": c.Commit.RequestTimeout,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
