package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
)

func TestGater(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(4)
	require.NoError(t, err)
	t.Cleanup(func() { mesh.Close() })
	hosts := mesh.Hosts()
	bootnode := hosts[1].ID()
	stranger := hosts[2].ID()

	cfg := DefaultConfig()
	cfg.HighPeers = 3
	cfg.Bootnodes = []string{"/ip4/127.0.0.1/tcp/7613/p2p/" + bootnode.String()}
	g, err := newGater(cfg)
	require.NoError(t, err)
	require.True(t, g.InterceptAddrDial(stranger, nil), "allowed before the host is set")

	g.setHost(hosts[0])
	require.False(t, g.InterceptAddrDial(stranger, nil))
	require.False(t, g.InterceptSecured(network.DirInbound, stranger, nil))
	require.True(t, g.InterceptSecured(network.DirOutbound, stranger, nil))
	require.True(t, g.InterceptAddrDial(bootnode, nil))
	require.True(t, g.InterceptSecured(network.DirInbound, bootnode, nil))

	g.max = 4
	require.True(t, g.InterceptAddrDial(stranger, nil))

	t.Run("invalid bootnode", func(t *testing.T) {
		cfg.Bootnodes = []string{"not an address"}
		_, err := newGater(cfg)
		require.Error(t, err)
	})
}
