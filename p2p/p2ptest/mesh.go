// Package p2ptest runs Hosts over an in-process libp2p mock network.
package p2ptest

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/p2p"
)

// Mesh connects every added host to all hosts added before it.
type Mesh struct {
	mu    sync.Mutex
	net   mocknet.Mocknet
	peers []peer.ID
}

// New creates an empty mesh that is closed with the test.
func New(tb testing.TB) *Mesh {
	m := &Mesh{net: mocknet.New()}
	tb.Cleanup(func() { m.net.Close() })
	return m
}

// Host adds a peer identified by the device key. A nil key generates a random
// identity.
func (m *Mesh) Host(tb testing.TB, device ed25519.PrivateKey, opts ...p2p.Opt) *p2p.Host {
	tb.Helper()
	var (
		key crypto.PrivKey
		err error
	)
	if device == nil {
		key, _, err = crypto.GenerateEd25519Key(nil)
	} else {
		key, err = p2p.HostKey(device)
	}
	require.NoError(tb, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	addr := multiaddr.StringCast(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", 7000+len(m.peers)))
	h, err := m.net.AddPeer(key, addr)
	require.NoError(tb, err)
	fh, err := p2p.Upgrade(h, opts...)
	require.NoError(tb, err)
	tb.Cleanup(func() { fh.Close() })

	require.NoError(tb, m.net.LinkAll())
	for _, other := range m.peers {
		_, err := m.net.ConnectPeers(h.ID(), other)
		require.NoError(tb, err)
	}
	m.peers = append(m.peers, h.ID())
	return fh
}
