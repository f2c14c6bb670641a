package p2p

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/go-spacedb/common/types"
)

type received struct {
	local, remote types.PublicKey
	msg           []byte
}

func echoHandler(ctx context.Context, local types.PublicKey, out chan<- received) func(Conn) {
	return func(c Conn) {
		if err := c.Send(ctx, local.Bytes()); err != nil {
			return
		}
		msg, err := c.Receive(ctx)
		if err != nil {
			return
		}
		out <- received{local: local, remote: c.RemotePeer(), msg: msg}
		<-ctx.Done()
	}
}

func upgradeAll(tb testing.TB, mesh mocknet.Mocknet) []*Host {
	tb.Helper()
	var hosts []*Host
	for _, h := range mesh.Hosts() {
		fh, err := Upgrade(h, WithLogger(zaptest.NewLogger(tb)))
		require.NoError(tb, err)
		tb.Cleanup(func() { fh.Close() })
		hosts = append(hosts, fh)
	}
	return hosts
}

func TestHostTopicStreams(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(3)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	topic := types.PublicKey{1}
	out := make(chan received, 16)
	hosts := upgradeAll(t, mesh)
	for _, fh := range hosts {
		leave, err := fh.Join(ctx, topic, echoHandler(ctx, fh.ID(), out))
		require.NoError(t, err)
		t.Cleanup(leave)
	}

	// duplicate streams may be closed before delivering, every pair must get through
	seen := map[[2]types.PublicKey]struct{}{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 6 {
		select {
		case r := <-out:
			require.Equal(t, r.remote.Bytes(), r.msg)
			seen[[2]types.PublicKey{r.local, r.remote}] = struct{}{}
		case <-timeout:
			require.FailNow(t, "timed out", "received from %d pairs", len(seen))
		}
	}
}

func TestHostRejectsUnjoinedTopic(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := mesh.Hosts()
	first, err := Upgrade(hosts[0])
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })
	second, err := Upgrade(hosts[1])
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	_, err = first.openStream(context.Background(), types.PublicKey{7}, second.PeerID())
	require.Error(t, err)
}

func TestHostJoinTwice(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)
	fh := upgradeAll(t, mesh)[0]
	leave, err := fh.Join(context.Background(), types.PublicKey{2}, func(Conn) {})
	require.NoError(t, err)
	defer leave()
	_, err = fh.Join(context.Background(), types.PublicKey{2}, func(Conn) {})
	require.ErrorIs(t, err, ErrTopicJoined)
}

func TestHostLeaveClosesConns(t *testing.T) {
	mesh, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hosts := upgradeAll(t, mesh)
	topic := types.PublicKey{1}

	closed := make(chan error, 4)
	leave, err := hosts[0].Join(ctx, topic, func(c Conn) {
		_, err := c.Receive(ctx)
		closed <- err
	})
	require.NoError(t, err)
	defer leave()

	connected := make(chan Conn, 4)
	leaveSecond, err := hosts[1].Join(ctx, topic, func(c Conn) {
		connected <- c
		<-ctx.Done()
	})
	require.NoError(t, err)
	var conn Conn
	select {
	case conn = <-connected:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "not connected")
	}
	leaveSecond()

	select {
	case err := <-closed:
		require.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "receive wasn't interrupted")
	}
	require.ErrorIs(t, conn.Send(ctx, []byte("late")), ErrConnClosed)
}

func TestHostKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key, err := HostKey(priv)
	require.NoError(t, err)
	fh, err := Upgrade(mustHost(t, key))
	require.NoError(t, err)
	t.Cleanup(func() { fh.Close() })
	require.Equal(t, types.BytesToPublicKey(pub), fh.ID())

	_, err = HostKey(priv[:ed25519.SeedSize])
	require.Error(t, err)
}

func mustHost(tb testing.TB, key crypto.PrivKey) host.Host {
	tb.Helper()
	mesh := mocknet.New()
	tb.Cleanup(func() { mesh.Close() })
	h, err := mesh.AddPeer(key, multiaddr.StringCast("/ip4/127.0.0.1/tcp/7613"))
	require.NoError(tb, err)
	return h
}
