package config

// Package config provides a reusable loader for rdb's server and client
// configuration, backed by environment variables and optional YAML files.
//
// Version: v0.1.0

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/rdbkv/rdb/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for both cmd/rdbserver and cmd/rdb.
type Config struct {
	Server struct {
		Port    int    `mapstructure:"port" json:"port"`
		Backend string `mapstructure:"backend" json:"backend"` // "bolt", "memcache", or "chain"
		LogJSON bool   `mapstructure:"log_json" json:"log_json"`
	} `mapstructure:"server" json:"server"`

	Bolt struct {
		BaseDir string `mapstructure:"basedir" json:"basedir"`
		ShmKey  int    `mapstructure:"shmkey" json:"shmkey"`
	} `mapstructure:"bolt" json:"bolt"`

	Memcache struct {
		Servers []string `mapstructure:"servers" json:"servers"`
	} `mapstructure:"memcache" json:"memcache"`

	LRU struct {
		Size int `mapstructure:"size" json:"size"`
	} `mapstructure:"lru" json:"lru"`

	Client struct {
		ServerSpec         string `mapstructure:"server_spec" json:"server_spec"`
		PerNodeConcurrency int    `mapstructure:"per_node_concurrency" json:"per_node_concurrency"`
	} `mapstructure:"client" json:"client"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("server.port", 6552)
	viper.SetDefault("server.backend", "bolt")
	viper.SetDefault("server.log_json", false)
	viper.SetDefault("bolt.basedir", ".")
	viper.SetDefault("bolt.shmkey", 1)
	viper.SetDefault("lru.size", 10000)
	viper.SetDefault("client.per_node_concurrency", 5)
}

// Load reads configuration files (if present under cmd/config or config)
// and merges any environment-specific overrides, then applies environment
// variable overrides on top. The resulting configuration is stored in
// AppConfig and returned. If env is empty, only defaults and environment
// variables apply.
func Load(env string) (*Config, error) {
	setDefaults()
	viper.SetEnvPrefix("RDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the RDB_ENV environment variable to
// select an optional overlay file, falling back to defaults and environment
// variables alone when it is unset.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("RDB_ENV", ""))
}
