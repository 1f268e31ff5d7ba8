// Package config loads and persists the papert-claw configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/azharlabs/papert-claw/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Version    string           `mapstructure:"version" yaml:"version"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Workspaces WorkspacesConfig `mapstructure:"workspaces" yaml:"workspaces"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log        logger.Config    `mapstructure:"log" yaml:"log"`
}

// AgentConfig configures the external agent runtime CLI.
type AgentConfig struct {
	Command        string   `mapstructure:"command" yaml:"command"`                 // agent CLI binary
	Model          string   `mapstructure:"model" yaml:"model,omitempty"`           // model name passed through
	PermissionMode string   `mapstructure:"permission_mode" yaml:"permission_mode"` // e.g. bypassPermissions
	AllowedTools   []string `mapstructure:"allowed_tools" yaml:"allowed_tools,omitempty"`
	UploadTool     string   `mapstructure:"upload_tool" yaml:"upload_tool"` // tool required for file return
	MinVersion     string   `mapstructure:"min_version" yaml:"min_version,omitempty"`
	Timeout        string   `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// RunTimeout parses the per-run timeout, defaulting to 15 minutes.
func (c *AgentConfig) RunTimeout() time.Duration {
	if c.Timeout == "" {
		return 15 * time.Minute
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// WorkspacesConfig configures workspace placement.
type WorkspacesConfig struct {
	Root string `mapstructure:"root" yaml:"root"` // parent directory of all workspaces
}

// SchedulerConfig configures the scheduler bridge.
type SchedulerConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	SyncSchedule string `mapstructure:"sync_schedule" yaml:"sync_schedule"` // cron expression for periodic re-sync
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig configures the run-history database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // sqlite file path
}

// Load reads configuration from the given path, applying defaults for
// unset keys. A missing file yields the pure default configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration to disk as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.Workspaces.Root, err = ExpandPath(c.Workspaces.Root); err != nil {
		return fmt.Errorf("expand workspaces root: %w", err)
	}
	if c.Storage.Path, err = ExpandPath(c.Storage.Path); err != nil {
		return fmt.Errorf("expand storage path: %w", err)
	}
	if c.Log.File != "" {
		if c.Log.File, err = ExpandPath(c.Log.File); err != nil {
			return fmt.Errorf("expand log file: %w", err)
		}
	}
	return nil
}
