// Package config aggregates the settings of every component into one tree,
// loadable from a YAML file, environment variables, and command-line flags,
// in ascending priority.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/client"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/server"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/store"
)

const envPrefix = "TODOSYNC"

// Config is the full configuration tree of the daemon.
type Config struct {
	// DataDir is where the database and the instance lock live.
	DataDir string `mapstructure:"data-dir"`

	// LogLevel is the textual zap level: debug, info, warn, error.
	LogLevel string `mapstructure:"log-level"`

	// MetricsListen is the address of the metrics endpoint. Empty disables it.
	MetricsListen string `mapstructure:"metrics-listen"`

	Store  store.Config  `mapstructure:"store"`
	Server server.Config `mapstructure:"server"`
	Client client.Config `mapstructure:"client"`
}

// Default returns the daemon's default configuration.
func Default() Config {
	return Config{
		DataDir:       "data",
		LogLevel:      "info",
		MetricsListen: ":7601",
		Store:         store.DefaultConfig(),
		Server:        server.DefaultConfig(),
		Client:        client.DefaultConfig(),
	}
}

// Load builds the configuration from the optional YAML file at path, the
// environment, and the given flag set. Flags override environment values,
// which override the file, which overrides defaults.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	vip := viper.New()
	if err := setDefaults(vip, Default()); err != nil {
		return Config{}, err
	}
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vip.AutomaticEnv()

	if path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		if err := vip.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers the default tree with viper so environment-only
// overrides are visible to Unmarshal.
func setDefaults(vip *viper.Viper, cfg Config) error {
	var tree map[string]any
	if err := mapstructure.Decode(cfg, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	for key, value := range tree {
		vip.SetDefault(key, value)
	}
	return nil
}
