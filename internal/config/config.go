package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	IdleTimeoutMS  int         `yaml:"idle_timeout_ms"`
	DeviceSelector string      `yaml:"device_selector"`
	SocketPath     string      `yaml:"socket_path"`
	Nudge          NudgeConfig `yaml:"nudge"`
}

type NudgeConfig struct {
	SocketPath  string              `yaml:"socket_path"`
	Timers      map[string]Interval `yaml:"timers"`
	Inactivity  InactivityConfig    `yaml:"inactivity"`
	Notify      NotifyConfig        `yaml:"notify"`
	HistoryPath string              `yaml:"history_path"`
}

type InactivityConfig struct {
	// Pause stops reminder timers once the user has been idle this
	// long past the detector's own timeout.
	Pause Interval `yaml:"pause"`
	// Reset zeroes all timers after a real break of this length.
	Reset Interval `yaml:"reset"`
}

type NotifyConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MinInterval Interval `yaml:"min_interval"`
}

func Default() *Config {
	return &Config{
		IdleTimeoutMS:  300000,
		DeviceSelector: "all",
		SocketPath:     filepath.Join(RuntimeDir(), "vigild.sock"),
		Nudge: NudgeConfig{
			SocketPath: filepath.Join(RuntimeDir(), "nudged.sock"),
			Timers: map[string]Interval{
				"move":  Interval(10 * time.Minute),
				"break": Interval(2 * time.Hour),
			},
			Inactivity: InactivityConfig{
				Pause: Interval(10 * time.Second),
				Reset: Interval(5 * time.Minute),
			},
			Notify: NotifyConfig{
				Enabled:     true,
				MinInterval: Interval(30 * time.Second),
			},
			HistoryPath: filepath.Join(StateDir(), "history.db"),
		},
	}
}

// Load reads path over the defaults, so a partial file only overrides
// what it names.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault returns the defaults when no config file exists.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.IdleTimeoutMS <= 0 {
		return fmt.Errorf("idle_timeout_ms must be positive, got %d", c.IdleTimeoutMS)
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	if c.Nudge.SocketPath == "" {
		return fmt.Errorf("nudge.socket_path must not be empty")
	}
	for name, iv := range c.Nudge.Timers {
		if iv <= 0 {
			return fmt.Errorf("nudge.timers.%s must be positive, got %s", name, iv)
		}
	}
	if c.Nudge.Inactivity.Pause <= 0 || c.Nudge.Inactivity.Reset <= 0 {
		return fmt.Errorf("nudge.inactivity values must be positive")
	}
	if c.Nudge.Inactivity.Pause >= c.Nudge.Inactivity.Reset {
		return fmt.Errorf("nudge.inactivity.pause (%s) must be shorter than reset (%s)",
			c.Nudge.Inactivity.Pause, c.Nudge.Inactivity.Reset)
	}
	return nil
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// RuntimeDir is where sockets and pidfiles live.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "vigil")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("vigil-%d", os.Getuid()))
}

// PIDPath is where the named daemon records its process id.
func PIDPath(daemon string) string {
	return filepath.Join(RuntimeDir(), daemon+".pid")
}

// StateDir is where the transition history database lives.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "vigil")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vigil-state")
	}
	return filepath.Join(home, ".local", "state", "vigil")
}

// DefaultPath is the config file location when -config is not given.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "vigil", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "vigil", "config.yaml")
}
