// Package config contains go-spacedb node configuration definitions.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/spacemeshos/go-spacedb/filesystem"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/metrics"
	"github.com/spacemeshos/go-spacedb/p2p"
	"github.com/spacemeshos/go-spacedb/pipeline"
	"github.com/spacemeshos/go-spacedb/replication"
)

const (
	defaultConfigFileName = "./config.toml"
	defaultDataDirName    = "spacedb"
)

var (
	defaultHomeDir = filesystem.GetUserHomeDirectory()
	defaultDataDir = filepath.Join(defaultHomeDir, defaultDataDirName, "/")
)

// Config defines the top level configuration for a spacedb node.
type Config struct {
	BaseConfig  `mapstructure:"main"`
	Pipeline    pipeline.Config    `mapstructure:"pipeline"`
	Replication replication.Config `mapstructure:"replication"`
	P2P         p2p.Config         `mapstructure:"p2p"`
	LOGGING     LoggerConfig       `mapstructure:"logging"`
}

// DataDir returns the absolute path to use for the node's data. This is the tilde-expanded
// path given in the config.
func (cfg *Config) DataDir() string {
	return filesystem.GetCanonicalPath(cfg.DataDirParent)
}

// BaseConfig defines the default configuration options for spacedb app.
type BaseConfig struct {
	DataDirParent string `mapstructure:"data-folder"`
	FileLock      string `mapstructure:"filelock"`

	ConfigFile string `mapstructure:"config"`

	CollectMetrics bool               `mapstructure:"metrics"`
	MetricsPort    int                `mapstructure:"metrics-port"`
	MetricsPush    metrics.PushConfig `mapstructure:"metrics-push"`

	DatabaseConnections     int  `mapstructure:"db-connections"`
	DatabaseLatencyMetering bool `mapstructure:"db-latency-metering"`

	// FeedCacheSize is the number of feed messages kept in memory.
	FeedCacheSize int `mapstructure:"feed-cache-size"`

	// DisplayName is published to the HALO on start if it differs from the current profile.
	DisplayName string `mapstructure:"display-name"`
}

// DefaultConfig returns the default configuration for a spacedb node.
func DefaultConfig() Config {
	return Config{
		BaseConfig:  defaultBaseConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Replication: replication.DefaultConfig(),
		P2P:         p2p.DefaultConfig(),
		LOGGING:     defaultLoggingConfig(),
	}
}

func defaultBaseConfig() BaseConfig {
	return BaseConfig{
		DataDirParent:       defaultDataDir,
		FileLock:            filepath.Join(defaultDataDir, "LOCK"),
		ConfigFile:          defaultConfigFileName,
		MetricsPort:         1010,
		MetricsPush:         metrics.PushConfig{Period: time.Minute},
		DatabaseConnections: 16,
		FeedCacheSize:       1 << 14,
	}
}

// LoadConfig loads the config file into vip.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		fileLocation = defaultConfigFileName
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %w", err)
	}
	return nil
}

// Load overwrites values of conf with the ones set in the config file at path.
func Load(path string, conf *Config) error {
	vip := viper.New()
	if err := LoadConfig(path, vip); err != nil {
		return err
	}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(conf, viper.DecodeHook(hook)); err != nil {
		return log.ErrMalformedConfig(err)
	}
	return nil
}
