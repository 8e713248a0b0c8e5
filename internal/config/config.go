// Package config provides configuration management for fabriclab.
//
// The config file describes where the fabric artifacts live (the canonical
// net file and the manager config file), which external binaries to drive,
// and the supervisor's timing. Everything has a default, so a missing
// config file is not an error.
//
// Config file locations (priority order):
//  1. $FABRICLAB_CONFIG
//  2. ./fabriclab.yaml
//  3. ~/.config/fabriclab/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath overrides the config file lookup entirely.
	EnvConfigPath = "FABRICLAB_CONFIG"
	// EnvConfigDir overrides the directory holding the net and manager
	// config files, matching the simulator tooling's own convention.
	EnvConfigDir = "FABRICLAB_CONFIG_DIR"

	ConfigFileName = "fabriclab.yaml"
	ConfigDirName  = "fabriclab"

	// Canonical artifact names inside the config dir. The net file name is
	// fixed by the simulator's tooling.
	netFileName     = "net"
	managerConfName = "opensm.conf"
)

// Config is the root configuration.
type Config struct {
	Version int `yaml:"version"`

	// ConfigDir holds the canonical net file and the manager config file.
	ConfigDir string `yaml:"config_dir"`

	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Manager   ManagerConfig   `yaml:"manager"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures the run-history store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SimulatorConfig configures the external simulator process.
type SimulatorConfig struct {
	Binary        string   `yaml:"binary"`
	StartupSettle Duration `yaml:"startup_settle"`
}

// ManagerConfig configures the external subnet-manager processes.
type ManagerConfig struct {
	Binary      string   `yaml:"binary"`
	ShimPath    string   `yaml:"shim_path"`
	GracePeriod Duration `yaml:"grace_period"`
	KillWait    Duration `yaml:"kill_wait"`
}

// Duration is a time.Duration that marshals as a string ("5s", "200ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration converts to the stdlib type.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		cfg := DefaultConfig()
		cfg.applyEnv()
		return cfg, "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, path, nil
}

// Save writes config to the specified path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// FindConfigPath locates the config file, or returns "" if none exists.
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path
		}
	}

	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}

	if home := os.Getenv("HOME"); home != "" {
		path := filepath.Join(home, ".config", ConfigDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	return ""
}

// DefaultConfig returns sensible defaults for a new installation.
func DefaultConfig() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.ConfigDir == "" {
		c.ConfigDir = "."
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3000"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./fabriclab.db"
	}
	if c.Simulator.Binary == "" {
		c.Simulator.Binary = "ibsim"
	}
	if c.Simulator.StartupSettle == 0 {
		c.Simulator.StartupSettle = Duration(200 * time.Millisecond)
	}
	if c.Manager.Binary == "" {
		c.Manager.Binary = "opensm"
	}
	if c.Manager.ShimPath == "" {
		c.Manager.ShimPath = "/usr/lib/umad2sim/libumad2sim.so"
	}
	if c.Manager.GracePeriod == 0 {
		c.Manager.GracePeriod = Duration(5 * time.Second)
	}
	if c.Manager.KillWait == 0 {
		c.Manager.KillWait = Duration(2 * time.Second)
	}
}

// applyEnv lets the environment override the config dir, the same knob the
// simulator tooling honors.
func (c *Config) applyEnv() {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		c.ConfigDir = dir
	}
}

// NetFilePath is the canonical topology file consumed by the simulator.
func (c *Config) NetFilePath() string {
	return filepath.Join(c.ConfigDir, netFileName)
}

// ManagerConfPath is the opaque config file handed to manager processes.
func (c *Config) ManagerConfPath() string {
	return filepath.Join(c.ConfigDir, managerConfName)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
