// Package config provides a reusable loader for mesh configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/interplaynetary/mesh/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a mesh node.
type Config struct {
	Store struct {
		File  string `mapstructure:"file" json:"file"`
		Size  int    `mapstructure:"size" json:"size"`
		Batch int    `mapstructure:"batch" json:"batch"`
		Write int    `mapstructure:"write_ms" json:"write_ms"`
		Cache bool   `mapstructure:"cache" json:"cache"`
	} `mapstructure:"store" json:"store"`

	Dup struct {
		MaxAgeMS int `mapstructure:"max_age_ms" json:"max_age_ms"`
	} `mapstructure:"dup" json:"dup"`

	Wire struct {
		MaxQueueLength int  `mapstructure:"max_queue_length" json:"max_queue_length"`
		Secure         bool `mapstructure:"secure" json:"secure"`
		WaitMS         int  `mapstructure:"wait_ms" json:"wait_ms"`
	} `mapstructure:"wire" json:"wire"`

	Network struct {
		Peers         []string `mapstructure:"peers" json:"peers"`
		Port          int      `mapstructure:"port" json:"port"`
		Server        bool     `mapstructure:"server" json:"server"`
		SelfID        string   `mapstructure:"self_id" json:"self_id"`
		MetricsListen string   `mapstructure:"metrics_listen" json:"metrics_listen"`
	} `mapstructure:"network" json:"network"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// WriteInterval returns the configured batch idle interval as a duration,
// defaulting to 1ms when unset.
func (c *Config) WriteInterval() time.Duration {
	if c.Store.Write <= 0 {
		return time.Millisecond
	}
	return time.Duration(c.Store.Write) * time.Millisecond
}

// DupMaxAge returns the configured Dup retention window, defaulting to the
// spec's 9s when unset.
func (c *Config) DupMaxAge() time.Duration {
	if c.Dup.MaxAgeMS <= 0 {
		return 9 * time.Second
	}
	return time.Duration(c.Dup.MaxAgeMS) * time.Millisecond
}

// Wait returns the configured default GET timeout / deferred-retry ceiling,
// defaulting to 100ms when unset.
func (c *Config) Wait() time.Duration {
	if c.Wire.WaitMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.Wire.WaitMS) * time.Millisecond
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func defaults(v *viper.Viper) {
	v.SetDefault("store.size", 1<<20)
	v.SetDefault("store.batch", 1<<16)
	v.SetDefault("store.write_ms", 1)
	v.SetDefault("store.cache", true)
	v.SetDefault("dup.max_age_ms", 9000)
	v.SetDefault("wire.max_queue_length", 1000)
	v.SetDefault("wire.wait_ms", 100)
	v.SetDefault("network.metrics_listen", ":9090")
	v.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	v := viper.GetViper()
	defaults(v)

	v.SetConfigName("mesh")
	v.AddConfigPath("cmd/meshd/config")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.SetEnvPrefix("MESH")
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESH_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESH_ENV", ""))
}
