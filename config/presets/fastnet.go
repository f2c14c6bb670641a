package presets

import (
	"time"

	"github.com/spacemeshos/go-spacedb/config"
)

func init() {
	register("fastnet", fastnet())
}

func fastnet() config.Config {
	conf := config.DefaultConfig()

	conf.P2P.HandshakeTimeout = 2 * time.Second
	conf.P2P.LowPeers = 4
	conf.P2P.HighPeers = 8

	conf.Pipeline.StallTimeout = 2 * time.Second
	conf.Pipeline.RetryInterval = 100 * time.Millisecond
	conf.Pipeline.ChainRetryBudget = 50

	conf.Replication.SendRate = 10_000
	conf.Replication.SendBurst = 1_000
	conf.Replication.AuthTimeout = 10 * time.Second

	conf.MetricsPush.Period = 10 * time.Second
	return conf
}
