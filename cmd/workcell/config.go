package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the manager process configuration.
// Priority: WORKCELL_* env vars > config file > defaults.
type Config struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	WorkcellFile     string        `mapstructure:"workcell_file"`
	ArchivePath      string        `mapstructure:"archive_path"`
	UploadDir        string        `mapstructure:"upload_dir"`
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
	RedisPrefix      string        `mapstructure:"redis_prefix"`
	NodeTimeout      time.Duration `mapstructure:"node_timeout"`
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	// MCPHTTP mounts the MCP streamable HTTP transport at /mcp.
	MCPHTTP bool `mapstructure:"mcp_http"`
}

func workcellDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".workcell"
	}
	return filepath.Join(home, ".workcell")
}

func setDefaults(v *viper.Viper) {
	dir := workcellDir()
	v.SetDefault("listen_addr", ":8005")
	v.SetDefault("workcell_file", "")
	v.SetDefault("archive_path", filepath.Join(dir, "archive.db"))
	v.SetDefault("upload_dir", filepath.Join(dir, "uploads"))
	v.SetDefault("max_upload_bytes", 256<<20)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("redis_prefix", "workcell")
	v.SetDefault("node_timeout", 5*time.Second)
	v.SetDefault("schedule_interval", 30*time.Second)
	v.SetDefault("mcp_http", false)
}

// newViper builds the config source. An explicit file must exist; without
// one, settings.yaml in the working directory or ~/.workcell is optional.
func newViper(file string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WORKCELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		return v, nil
	}

	v.SetConfigName("settings")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(workcellDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	MCPHTTPChanged  bool
	RestartNeeded   []string // fields that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.MCPHTTP != new.MCPHTTP {
		d.MCPHTTPChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.WorkcellFile != new.WorkcellFile {
		d.RestartNeeded = append(d.RestartNeeded, "workcell_file")
	}
	if old.ArchivePath != new.ArchivePath {
		d.RestartNeeded = append(d.RestartNeeded, "archive_path")
	}
	if old.UploadDir != new.UploadDir {
		d.RestartNeeded = append(d.RestartNeeded, "upload_dir")
	}
	if old.RedisPrefix != new.RedisPrefix {
		d.RestartNeeded = append(d.RestartNeeded, "redis_prefix")
	}
	if old.ScheduleInterval != new.ScheduleInterval {
		d.RestartNeeded = append(d.RestartNeeded, "schedule_interval")
	}
	return d
}
