package presets

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/config"
)

func TestGet(t *testing.T) {
	require.Equal(t, []string{"fastnet", "standalone"}, Options())

	conf, err := Get("standalone")
	require.NoError(t, err)
	require.Empty(t, conf.P2P.Bootnodes)
	require.Equal(t, "/ip4/127.0.0.1/tcp/0", conf.P2P.Listen)

	fast, err := Get("fastnet")
	require.NoError(t, err)
	require.Less(t, fast.Pipeline.StallTimeout, config.DefaultConfig().Pipeline.StallTimeout)

	_, err = Get("mainnet")
	require.ErrorContains(t, err, "not registered")
}

func TestRegisterTwice(t *testing.T) {
	require.Panics(t, func() { register("fastnet", fastnet()) })
}
