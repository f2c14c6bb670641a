package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/transport"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/log"
)

// ReplicationProtocol is the libp2p protocol of topic streams.
const ReplicationProtocol = "/spacedb/replication/1.0.0"

const (
	ackRejected byte = 0
	ackAccepted byte = 1

	receiveQueueSize = 16
)

// Opt configures Host.
type Opt func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithConfig overwrites the default config.
func WithConfig(cfg Config) Opt {
	return func(h *Host) {
		h.cfg = cfg
	}
}

// New creates a libp2p host listening on cfg.Listen and upgrades it.
func New(ctx context.Context, logger *zap.Logger, cfg Config, key crypto.PrivKey) (*Host, error) {
	cm, err := connmgr.NewConnManager(cfg.LowPeers, cfg.HighPeers, connmgr.WithGracePeriod(cfg.GracePeriod))
	if err != nil {
		return nil, fmt.Errorf("p2p create conn mgr: %w", err)
	}
	ps, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("p2p create peerstore: %w", err)
	}
	g, err := newGater(cfg)
	if err != nil {
		return nil, fmt.Errorf("p2p parse bootnodes: %w", err)
	}
	streamer := *yamux.DefaultTransport
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.Listen),
		libp2p.UserAgent("go-spacedb"),
		libp2p.Transport(func(upgrader transport.Upgrader, rcmgr network.ResourceManager) (transport.Transport, error) {
			var opts []tcp.Option
			if cfg.DisableReusePort {
				opts = append(opts, tcp.DisableReuseport())
			}
			return tcp.NewTCPTransport(upgrader, rcmgr, opts...)
		}),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, &streamer),
		libp2p.ConnectionManager(cm),
		libp2p.Peerstore(ps),
		libp2p.ConnectionGater(g),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p create host: %w", err)
	}
	g.setHost(h)
	logger.Info("local node identity", zap.Stringer("identity", h.ID()))
	return Upgrade(h, WithLogger(logger), WithConfig(cfg))
}

// Host implements Network on top of a libp2p host. Every joined topic gets a single
// stream per remote peer.
type Host struct {
	logger *zap.Logger
	cfg    Config
	h      host.Host
	id     types.PublicKey
	notify *network.NotifyBundle

	mu     sync.Mutex
	topics map[types.PublicKey]*hostTopic
}

type hostTopic struct {
	ctx     context.Context
	handler func(Conn)
	conns   map[peer.ID]*streamConn
	dialing map[peer.ID]struct{}
}

var _ Network = (*Host)(nil)

// Upgrade an existing libp2p host.
func Upgrade(h host.Host, opts ...Opt) (*Host, error) {
	id, err := PeerKey(h.ID())
	if err != nil {
		return nil, err
	}
	fh := &Host{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		h:      h,
		id:     id,
		topics: map[types.PublicKey]*hostTopic{},
	}
	for _, opt := range opts {
		opt(fh)
	}
	h.SetStreamHandler(protocol.ID(ReplicationProtocol), fh.handleStream)
	fh.notify = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			remote := conn.RemotePeer()
			// the larger peer dials on Join
			if remote < h.ID() {
				return
			}
			go fh.dialTopics(remote)
		},
	}
	h.Network().Notify(fh.notify)
	return fh, nil
}

// PeerKey returns the public key a peer is known by. Ed25519 identities map to
// their raw key, other key types to the hash of the peer id.
func PeerKey(id peer.ID) (types.PublicKey, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return types.EmptyPublicKey, fmt.Errorf("extract key of %s: %w", id, err)
	}
	if pub.Type() == crypto.Ed25519 {
		raw, err := pub.Raw()
		if err != nil {
			return types.EmptyPublicKey, err
		}
		return types.BytesToPublicKey(raw), nil
	}
	return types.PublicKey(types.CalcHash32([]byte(id))), nil
}

// ID of the local peer.
func (fh *Host) ID() types.PublicKey {
	return fh.id
}

// PeerID of the underlying libp2p host.
func (fh *Host) PeerID() peer.ID {
	return fh.h.ID()
}

// Bootstrap connects to configured bootnodes.
func (fh *Host) Bootstrap(ctx context.Context) error {
	var errs []error
	for _, addr := range fh.cfg.Bootnodes {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return fmt.Errorf("parse bootnode %s: %w", addr, err)
		}
		if info.ID == fh.h.ID() {
			continue
		}
		if err := fh.h.Connect(ctx, *info); err != nil {
			fh.logger.Warn("failed to connect to bootnode",
				zap.String("address", addr),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
	}
	if len(errs) > 0 && len(errs) == len(fh.cfg.Bootnodes) {
		return fmt.Errorf("no bootnodes reachable: %w", errors.Join(errs...))
	}
	return nil
}

// Join topic. Streams are dialed to all connected peers, and accepted from peers
// that joined the same topic.
func (fh *Host) Join(ctx context.Context, topic types.PublicKey, handler func(Conn)) (func(), error) {
	fh.mu.Lock()
	if _, ok := fh.topics[topic]; ok {
		fh.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTopicJoined, topic.ShortString())
	}
	fh.topics[topic] = &hostTopic{
		ctx:     ctx,
		handler: handler,
		conns:   map[peer.ID]*streamConn{},
		dialing: map[peer.ID]struct{}{},
	}
	fh.mu.Unlock()

	for _, pid := range fh.h.Network().Peers() {
		go fh.dial(topic, pid)
	}
	var once sync.Once
	return func() {
		once.Do(func() { fh.leave(topic) })
	}, nil
}

func (fh *Host) leave(topic types.PublicKey) {
	fh.mu.Lock()
	t, ok := fh.topics[topic]
	delete(fh.topics, topic)
	fh.mu.Unlock()
	if !ok {
		return
	}
	for _, conn := range t.conns {
		conn.Close()
	}
}

func (fh *Host) dialTopics(pid peer.ID) {
	fh.mu.Lock()
	topics := make([]types.PublicKey, 0, len(fh.topics))
	for topic := range fh.topics {
		topics = append(topics, topic)
	}
	fh.mu.Unlock()
	for _, topic := range topics {
		fh.dial(topic, pid)
	}
}

func (fh *Host) dial(topic types.PublicKey, pid peer.ID) {
	fh.mu.Lock()
	t, ok := fh.topics[topic]
	if !ok {
		fh.mu.Unlock()
		return
	}
	if existing := t.conns[pid]; existing != nil && fh.preferred(existing) {
		fh.mu.Unlock()
		return
	}
	if _, ok := t.dialing[pid]; ok {
		fh.mu.Unlock()
		return
	}
	t.dialing[pid] = struct{}{}
	fh.mu.Unlock()

	conn, err := fh.openStream(t.ctx, topic, pid)
	fh.mu.Lock()
	delete(t.dialing, pid)
	fh.mu.Unlock()
	if err != nil {
		fh.logger.Debug("topic stream not opened",
			log.ZShortStringer("topic", topic),
			zap.Stringer("peer", pid),
			zap.Error(err),
		)
		return
	}
	fh.start(topic, t, conn)
}

// preferred is true for the stream dialed by the peer with the smaller id. When
// both peers dial each other, both keep the preferred stream.
func (fh *Host) preferred(conn *streamConn) bool {
	if conn.outbound {
		return fh.h.ID() < conn.pid
	}
	return conn.pid < fh.h.ID()
}

func (fh *Host) openStream(ctx context.Context, topic types.PublicKey, pid peer.ID) (*streamConn, error) {
	ctx, cancel := context.WithTimeout(ctx, fh.cfg.HandshakeTimeout)
	defer cancel()
	stream, err := fh.h.NewStream(network.WithNoDial(ctx, "existing connection"), pid, protocol.ID(ReplicationProtocol))
	if err != nil {
		return nil, err
	}
	_ = stream.SetDeadline(time.Now().Add(fh.cfg.HandshakeTimeout))
	wr := bufio.NewWriter(stream)
	if _, err := wr.Write(varint.ToUvarint(uint64(len(topic)))); err != nil {
		stream.Reset()
		return nil, err
	}
	if _, err := wr.Write(topic[:]); err != nil {
		stream.Reset()
		return nil, err
	}
	if err := wr.Flush(); err != nil {
		stream.Reset()
		return nil, err
	}
	var ack [1]byte
	if _, err := io.ReadFull(stream, ack[:]); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if ack[0] != ackAccepted {
		stream.Close()
		return nil, errors.New("topic not joined by peer")
	}
	_ = stream.SetDeadline(time.Time{})
	return newStreamConn(fh, topic, stream, true)
}

func (fh *Host) handleStream(stream network.Stream) {
	_ = stream.SetDeadline(time.Now().Add(fh.cfg.HandshakeTimeout))
	rd := bufio.NewReader(stream)
	size, err := varint.ReadUvarint(rd)
	if err != nil || size != types.PublicKeySize {
		fh.logger.Debug("invalid topic header", zap.Stringer("peer", stream.Conn().RemotePeer()), zap.Error(err))
		stream.Reset()
		return
	}
	var topic types.PublicKey
	if _, err := io.ReadFull(rd, topic[:]); err != nil {
		stream.Reset()
		return
	}
	pid := stream.Conn().RemotePeer()

	fh.mu.Lock()
	t, accept := fh.topics[topic]
	if accept {
		if existing := t.conns[pid]; existing != nil && fh.preferred(existing) {
			accept = false
		}
	}
	fh.mu.Unlock()

	if !accept {
		stream.Write([]byte{ackRejected})
		stream.Close()
		return
	}
	if _, err := stream.Write([]byte{ackAccepted}); err != nil {
		stream.Reset()
		return
	}
	_ = stream.SetDeadline(time.Time{})
	conn, err := newStreamConn(fh, topic, stream, false)
	if err != nil {
		stream.Reset()
		return
	}
	fh.start(topic, t, conn)
}

func (fh *Host) start(topic types.PublicKey, t *hostTopic, conn *streamConn) {
	fh.mu.Lock()
	if fh.topics[topic] != t {
		fh.mu.Unlock()
		conn.Close()
		return
	}
	existing := t.conns[conn.pid]
	if existing != nil && fh.preferred(existing) {
		fh.mu.Unlock()
		conn.Close()
		return
	}
	t.conns[conn.pid] = conn
	fh.mu.Unlock()
	if existing != nil {
		existing.Close()
	}

	fh.logger.Debug("topic stream established",
		log.ZShortStringer("topic", topic),
		log.ZShortStringer("peer", conn.remote),
	)
	go func() {
		defer func() {
			conn.Close()
			fh.mu.Lock()
			if t.conns[conn.pid] == conn {
				delete(t.conns, conn.pid)
			}
			fh.mu.Unlock()
		}()
		t.handler(conn)
	}()
}

// Close the underlying libp2p host.
func (fh *Host) Close() error {
	fh.h.Network().StopNotify(fh.notify)
	fh.h.RemoveStreamHandler(protocol.ID(ReplicationProtocol))
	fh.mu.Lock()
	topics := make([]types.PublicKey, 0, len(fh.topics))
	for topic := range fh.topics {
		topics = append(topics, topic)
	}
	fh.mu.Unlock()
	for _, topic := range topics {
		fh.leave(topic)
	}
	return fh.h.Close()
}

type streamConn struct {
	pid      peer.ID
	outbound bool
	remote   types.PublicKey
	topic    types.PublicKey
	stream   network.Stream

	wmu sync.Mutex
	wr  msgio.WriteCloser
	max int

	in     chan []byte
	once   sync.Once
	closed chan struct{}
}

func newStreamConn(fh *Host, topic types.PublicKey, stream network.Stream, outbound bool) (*streamConn, error) {
	pid := stream.Conn().RemotePeer()
	remote, err := PeerKey(pid)
	if err != nil {
		return nil, err
	}
	c := &streamConn{
		pid:      pid,
		outbound: outbound,
		remote:   remote,
		topic:    topic,
		stream:   stream,
		wr:       msgio.NewVarintWriter(stream),
		max:      fh.cfg.MaxMessageSize,
		in:       make(chan []byte, receiveQueueSize),
		closed:   make(chan struct{}),
	}
	go c.readLoop(msgio.NewVarintReaderSize(stream, fh.cfg.MaxMessageSize))
	return c, nil
}

func (c *streamConn) readLoop(rd msgio.ReadCloser) {
	defer c.Close()
	for {
		msg, err := rd.ReadMsg()
		if err != nil {
			return
		}
		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *streamConn) RemotePeer() types.PublicKey {
	return c.remote
}

func (c *streamConn) Topic() types.PublicKey {
	return c.topic
}

func (c *streamConn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > c.max {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(msg), c.max)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.wr.WriteMsg(msg); err != nil {
		c.Close()
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return nil
}

func (c *streamConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.stream.Close()
	})
	return nil
}
