package presets

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spacemeshos/go-spacedb/config"
)

func init() {
	register("standalone", standalone())
}

// standalone runs a single node that listens only on the loopback interface.
func standalone() config.Config {
	conf := config.DefaultConfig()
	conf.DataDirParent = filepath.Join(os.TempDir(), "spacedb")
	conf.FileLock = filepath.Join(conf.DataDirParent, "LOCK")

	conf.P2P.Listen = "/ip4/127.0.0.1/tcp/0"
	conf.P2P.Bootnodes = nil

	conf.Pipeline.StallTimeout = 5 * time.Second
	return conf
}
