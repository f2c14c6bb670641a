package p2p

import (
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// gater refuses new connections once the host is connected to max peers.
// Bootnodes are always allowed.
type gater struct {
	h         atomic.Pointer[host.Host]
	max       int
	bootnodes map[peer.ID]struct{}
}

func newGater(cfg Config) (*gater, error) {
	g := &gater{max: cfg.HighPeers, bootnodes: map[peer.ID]struct{}{}}
	for _, addr := range cfg.Bootnodes {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return nil, err
		}
		g.bootnodes[info.ID] = struct{}{}
	}
	return g, nil
}

func (g *gater) setHost(h host.Host) {
	g.h.Store(&h)
}

func (g *gater) allow(pid peer.ID) bool {
	if _, exist := g.bootnodes[pid]; exist {
		return true
	}
	h := g.h.Load()
	if h == nil || g.max == 0 {
		return true
	}
	return len((*h).Network().Peers()) < g.max
}

func (*gater) InterceptPeerDial(_ peer.ID) bool {
	return true
}

func (g *gater) InterceptAddrDial(pid peer.ID, _ multiaddr.Multiaddr) bool {
	return g.allow(pid)
}

// InterceptAccept lets the connection through, inbound peers are checked once
// their identity is known.
func (*gater) InterceptAccept(_ network.ConnMultiaddrs) bool {
	return true
}

func (g *gater) InterceptSecured(dir network.Direction, pid peer.ID, _ network.ConnMultiaddrs) bool {
	if dir == network.DirOutbound {
		return true
	}
	return g.allow(pid)
}

func (*gater) InterceptUpgraded(_ network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}
