package cmd

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/spacemeshos/go-spacedb/config"
	"github.com/spacemeshos/go-spacedb/config/presets"
)

// AddFlags adds the node flags to flagSet and binds them to cfg. It returns the
// locations of the config file and preset flags.
func AddFlags(flagSet *pflag.FlagSet, cfg *config.Config) (configPath, preset *string) {
	preset = flagSet.StringP("preset", "p", "",
		fmt.Sprintf("preset overwrites default values of the config. options %+s", presets.Options()))
	configPath = flagSet.StringP("config", "c", "", "load configuration from file")

	/** ======================== BaseConfig Flags ========================== **/
	flagSet.StringVarP(&cfg.DataDirParent, "data-folder", "d",
		cfg.DataDirParent, "specify data directory for spacedb")
	flagSet.StringVar(&cfg.FileLock, "filelock",
		cfg.FileLock, "filesystem lock to prevent running more than one instance")
	flagSet.StringVar(&cfg.LOGGING.Encoder, "log-encoder",
		cfg.LOGGING.Encoder, "log encoder, console or json")
	flagSet.BoolVar(&cfg.CollectMetrics, "metrics",
		cfg.CollectMetrics, "collect node metrics")
	flagSet.IntVar(&cfg.MetricsPort, "metrics-port",
		cfg.MetricsPort, "metric server port")
	flagSet.StringVar(&cfg.MetricsPush.URL, "metrics-push",
		cfg.MetricsPush.URL, "push metrics to url")
	flagSet.DurationVar(&cfg.MetricsPush.Period, "metrics-push-period",
		cfg.MetricsPush.Period, "push period")
	flagSet.IntVar(&cfg.DatabaseConnections, "db-connections",
		cfg.DatabaseConnections, "number of database connections")
	flagSet.BoolVar(&cfg.DatabaseLatencyMetering, "db-latency-metering",
		cfg.DatabaseLatencyMetering, "if enabled collect latency histogram for every database query")
	flagSet.StringVar(&cfg.DisplayName, "display-name",
		cfg.DisplayName, "display name published in the identity profile")

	/** ======================== P2P Flags ========================== **/
	flagSet.StringVar(&cfg.P2P.Listen, "listen",
		cfg.P2P.Listen, "address for listening")
	flagSet.StringSliceVar(&cfg.P2P.Bootnodes, "bootnodes",
		cfg.P2P.Bootnodes, "entrypoints into the network")
	flagSet.IntVar(&cfg.P2P.LowPeers, "low-peers",
		cfg.P2P.LowPeers, "low watermark for the number of connections")
	flagSet.IntVar(&cfg.P2P.HighPeers, "high-peers",
		cfg.P2P.HighPeers,
		"high watermark for the number of connections; once reached, connections are pruned until low watermark remains")

	/** ======================== Pipeline Flags ========================== **/
	flagSet.DurationVar(&cfg.Pipeline.StallTimeout, "stall-timeout",
		cfg.Pipeline.StallTimeout, "how long a space waits for replication progress before reporting a stall")
	flagSet.IntVar(&cfg.Pipeline.ChainRetryBudget, "chain-retry-budget",
		cfg.Pipeline.ChainRetryBudget, "number of retries for credentials with an incomplete authorization chain")

	/** ======================== Replication Flags ========================== **/
	flagSet.Float64Var(&cfg.Replication.SendRate, "send-rate",
		cfg.Replication.SendRate, "feed messages sent per second to a single peer")
	flagSet.DurationVar(&cfg.Replication.AuthTimeout, "auth-timeout",
		cfg.Replication.AuthTimeout, "how long a peer may stay unauthorized in a space before it is disconnected")
	return configPath, preset
}
