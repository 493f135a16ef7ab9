package persist

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the YAML configuration consumed by the adapter constructors.
type Config struct {
	Filesystem struct {
		RootDir       string        `mapstructure:"root_dir"`
		Alias         string        `mapstructure:"alias"`
		Watch         bool          `mapstructure:"watch"`
		LockRetry     time.Duration `mapstructure:"lock_retry"`
		LockStaleness time.Duration `mapstructure:"lock_staleness"`
	} `mapstructure:"filesystem"`

	Postgres struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"postgres"`

	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// LoadConfig reads a YAML config file into a Config, applying defaults for
// the filesystem lock timings.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("filesystem.alias", "default")
	v.SetDefault("filesystem.lock_retry", defaultLockRetry)
	v.SetDefault("filesystem.lock_staleness", defaultLockStaleness)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
