package config

import (
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/log"
)

const defaultLoggingLevel = zapcore.InfoLevel

// LoggerConfig holds the logging level for each module.
type LoggerConfig struct {
	Encoder                string `mapstructure:"log-encoder"`
	AppLoggerLevel         string `mapstructure:"app"`
	P2PLoggerLevel         string `mapstructure:"p2p"`
	DatabaseLoggerLevel    string `mapstructure:"db"`
	FeedLoggerLevel        string `mapstructure:"feed"`
	PipelineLoggerLevel    string `mapstructure:"pipeline"`
	ReplicationLoggerLevel string `mapstructure:"replication"`
	SpaceLoggerLevel       string `mapstructure:"space"`
	IdentityLoggerLevel    string `mapstructure:"identity"`
}

func defaultLoggingConfig() LoggerConfig {
	return LoggerConfig{
		Encoder:                log.ConsoleEncoder,
		AppLoggerLevel:         defaultLoggingLevel.String(),
		P2PLoggerLevel:         zapcore.WarnLevel.String(),
		DatabaseLoggerLevel:    defaultLoggingLevel.String(),
		FeedLoggerLevel:        defaultLoggingLevel.String(),
		PipelineLoggerLevel:    defaultLoggingLevel.String(),
		ReplicationLoggerLevel: defaultLoggingLevel.String(),
		SpaceLoggerLevel:       defaultLoggingLevel.String(),
		IdentityLoggerLevel:    defaultLoggingLevel.String(),
	}
}
