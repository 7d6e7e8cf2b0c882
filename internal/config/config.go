// Package config loads the configuration of the redis gateway.
//
// Values come from, in increasing priority: defaults, an optional config file
// and KEPHAS_ prefixed environment variables (KEPHAS_TOKEN, KEPHAS_SHARD_IDS=0,1,2).
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/gateway"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "KEPHAS"

// Config is the redis gateway configuration.
type Config struct {
	Token       string `mapstructure:"token"`
	Intents     int    `mapstructure:"intents"`
	ShardCount  int    `mapstructure:"shard_count"`
	ShardIDs    []int  `mapstructure:"shard_ids"`
	Compression string `mapstructure:"compression"`
	Version     string `mapstructure:"version"`
	APIBaseURL  string `mapstructure:"api_base_url"`

	HelloTimeout     time.Duration `mapstructure:"hello_timeout"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
	IdentifyCooldown time.Duration `mapstructure:"identify_cooldown"`

	RedisNetwork string        `mapstructure:"redis_network"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogJSON     bool   `mapstructure:"log_json"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	def := gateway.DefaultOptions()

	v.SetDefault("token", "")
	v.SetDefault("intents", 0)
	v.SetDefault("shard_count", 0)
	v.SetDefault("shard_ids", []int{})
	v.SetDefault("compression", def.Compression.String())
	v.SetDefault("version", def.Version)
	v.SetDefault("api_base_url", "")

	v.SetDefault("hello_timeout", def.HelloTimeout)
	v.SetDefault("ready_timeout", def.ReadyTimeout)
	v.SetDefault("identify_cooldown", def.IdentifyCooldown)

	v.SetDefault("redis_network", "tcp")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_prefix", "kephasgate")
	v.SetDefault("session_ttl", 0)

	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Load reads the configuration from v. The config file, if any, must be set on
// v before calling Load.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, cfg.Validate()
}

// Validate reports the first invalid value.
func (c *Config) Validate() error {
	if c.Token == "" {
		return kephasgate.ErrMissingToken
	}
	if _, err := protocol.ParseCompression(c.Compression); err != nil {
		return err
	}
	if c.ShardCount < 0 {
		return errors.Wrapf(kephasgate.ErrInvalidShardCount, "shard count %d", c.ShardCount)
	}
	for _, id := range c.ShardIDs {
		if id < 0 || (c.ShardCount > 0 && id >= c.ShardCount) {
			return errors.Wrapf(kephasgate.ErrInvalidShardCount, "shard id %d out of range for %d shards", id, c.ShardCount)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log level")
	}
	if c.RedisAddr == "" {
		return errors.New("redis address is required")
	}
	return nil
}

// ManagerOptions converts the configuration into manager options. The session
// store and REST client are left to the caller.
func (c *Config) ManagerOptions() (gateway.Options, error) {
	compression, err := protocol.ParseCompression(c.Compression)
	if err != nil {
		return gateway.Options{}, err
	}

	opts := gateway.DefaultOptions()
	opts.Token = c.Token
	opts.Intents = c.Intents
	opts.Compression = compression
	opts.Version = c.Version
	opts.HelloTimeout = c.HelloTimeout
	opts.ReadyTimeout = c.ReadyTimeout
	opts.IdentifyCooldown = c.IdentifyCooldown
	opts.ShardCount = c.ShardCount
	opts.ShardIDs = c.ShardIDs
	return opts, nil
}
