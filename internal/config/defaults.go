package config

import "github.com/spf13/viper"

// Default values applied for unset configuration keys.
const (
	DefaultAgentCommand   = "claude"
	DefaultPermissionMode = "bypassPermissions"
	DefaultUploadTool     = "papert_upload"
	DefaultSyncSchedule   = "*/5 * * * *"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1")

	v.SetDefault("agent.command", DefaultAgentCommand)
	v.SetDefault("agent.permission_mode", DefaultPermissionMode)
	v.SetDefault("agent.upload_tool", DefaultUploadTool)
	v.SetDefault("agent.timeout", "15m")

	v.SetDefault("workspaces.root", "~/.papert-claw/workspaces")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sync_schedule", DefaultSyncSchedule)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8377)

	v.SetDefault("storage.path", "~/.papert-claw/papert.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	_ = cfg.expandPaths()
	return &cfg
}
