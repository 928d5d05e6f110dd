package core

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Runner names accepted by engine.privileged_runner.
const (
	RunnerService = "service"
	RunnerTask    = "task"
)

const (
	// DefaultController is the engine's control API address.
	DefaultController = "127.0.0.1:9090"
	// DefaultSubscriptionInterval is the poll interval in minutes (12 hours).
	DefaultSubscriptionInterval = 12 * 60
	defaultHomePath             = "clash-home"
)

// EngineConfig describes the external engine binary and how to run it.
type EngineConfig struct {
	ExePath  string `yaml:"exe_path"`
	HomePath string `yaml:"home_path"`
	// EnableTUN requires elevated mode and appends the TUN overlay to the active config.
	EnableTUN   bool `yaml:"enable_tun,omitempty"`
	ShowConsole bool `yaml:"show_console,omitempty"`
	// PrivilegedRunner selects the elevated mechanism: "service" or "task".
	PrivilegedRunner string `yaml:"privileged_runner,omitempty"`
	Controller       string `yaml:"controller,omitempty"`
}

// SubscriptionConfig describes the optional remote config document.
type SubscriptionConfig struct {
	URL string `yaml:"url,omitempty"`
	// Interval between polls, in minutes.
	Interval int `yaml:"interval,omitempty"`
}

// IntervalDuration returns the poll interval as a duration.
func (s SubscriptionConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Minute
}

// MetricsConfig configures the optional local status endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Engine       EngineConfig       `yaml:"engine"`
	Subscription SubscriptionConfig `yaml:"subscription,omitempty"`
	Logging      LogConfig          `yaml:"logging,omitempty"`
	Metrics      MetricsConfig      `yaml:"metrics,omitempty"`
}

// DefaultConfig returns the configuration used when no settings file exists.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func defaultExePath() string {
	if runtime.GOOS == "windows" {
		return "clash-windows-amd64.exe"
	}
	return "clash"
}

func (c *Config) applyDefaults() {
	if c.Engine.ExePath == "" {
		c.Engine.ExePath = defaultExePath()
	}
	if c.Engine.HomePath == "" {
		c.Engine.HomePath = defaultHomePath
	}
	if c.Engine.PrivilegedRunner == "" {
		c.Engine.PrivilegedRunner = RunnerService
	}
	if c.Engine.Controller == "" {
		c.Engine.Controller = DefaultController
	}
	if c.Subscription.Interval == 0 {
		c.Subscription.Interval = DefaultSubscriptionInterval
	}
}

// Validate checks option ranges.
func (c Config) Validate() error {
	switch c.Engine.PrivilegedRunner {
	case RunnerService, RunnerTask:
	default:
		return fmt.Errorf("engine.privileged_runner: unknown runner %q", c.Engine.PrivilegedRunner)
	}
	if c.Subscription.Interval < 1 {
		return fmt.Errorf("subscription.interval: must be at least 1 minute, got %d", c.Subscription.Interval)
	}
	if c.Subscription.URL != "" {
		u, err := url.Parse(c.Subscription.URL)
		if err != nil {
			return fmt.Errorf("subscription.url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("subscription.url: %q is not an absolute http(s) URL", c.Subscription.URL)
		}
	}
	return nil
}

// Resolve makes relative engine paths absolute against baseDir.
func (c Config) Resolve(baseDir string) Config {
	if !filepath.IsAbs(c.Engine.HomePath) {
		c.Engine.HomePath = filepath.Join(baseDir, c.Engine.HomePath)
	}
	c.Engine.ExePath = resolveExe(c.Engine.ExePath, baseDir)
	if c.Logging.File != "" && !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(baseDir, c.Logging.File)
	}
	return c
}

// resolveExe places a relative engine path under baseDir. A bare command
// name that is not present there is looked up on PATH.
func resolveExe(exe, baseDir string) string {
	if filepath.IsAbs(exe) {
		return exe
	}
	local := filepath.Join(baseDir, exe)
	if strings.ContainsAny(exe, `/\`) {
		return local
	}
	if _, err := os.Stat(local); err == nil {
		return local
	}
	found, err := exec.LookPath(exe)
	if err != nil {
		return local
	}
	if abs, err := filepath.Abs(found); err == nil {
		return abs
	}
	return found
}

// LoadConfig reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", path)
			cfg := DefaultConfig()
			if saveErr := SaveConfig(path, cfg); saveErr != nil {
				return Config{}, fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return cfg, nil
		}
		return Config{}, fmt.Errorf("[Core] failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("[Core] invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to disk.
func SaveConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", path, err)
	}

	return nil
}
