// Package replication exchanges feed messages of a space between peers that joined
// the space topic.
//
// A session sends nothing until the remote peer is an authorized device of the
// space. Peers that aren't authorized within the auth timeout are disconnected.
// A session starts with both peers sending Hello: the feeds they store with their
// lengths, and the timeframes consumed by their pipelines. Each side then pushes the
// messages the other side is missing, in feed order, for as long as the connection
// lives. Feeds admitted later are announced with Have.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/p2p"
)

// Space is the part of a space replication needs.
type Space interface {
	Key() types.PublicKey
	// Feeds returns keys of feeds that are replicated within the space.
	Feeds() []types.PublicKey
	// OnFeedAdded registers fn to be called for feeds admitted later.
	OnFeedAdded(fn func(types.PublicKey)) (cancel func())
	Consumed() Targets
	SetTargets(Targets)
	// IsAuthorized returns true if the device may receive messages of the space.
	IsAuthorized(device types.PublicKey) bool
	// OnAuthorized registers fn to be called with devices authorized later.
	OnAuthorized(fn func(types.PublicKey)) (cancel func())
}

// ErrUnauthorized is returned when the remote peer wasn't authorized in time.
var ErrUnauthorized = errors.New("replication: peer not authorized")

// Config for replication sessions.
type Config struct {
	// SendRate limits feed messages sent per second in a single session.
	SendRate  float64 `mapstructure:"send-rate"`
	SendBurst int     `mapstructure:"send-burst"`
	// AuthTimeout is how long a session waits for the remote device to be
	// authorized in the space before disconnecting.
	AuthTimeout time.Duration `mapstructure:"auth-timeout"`
}

// DefaultConfig for replication.
func DefaultConfig() Config {
	return Config{
		SendRate:    2000,
		SendBurst:   200,
		AuthTimeout: 30 * time.Second,
	}
}

// Opt configures Replicator.
type Opt func(*Replicator)

// WithLogger sets the replicator logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(r *Replicator) {
		r.logger = logger
	}
}

// WithClock sets the clock that measures the auth timeout.
func WithClock(clock clockwork.Clock) Opt {
	return func(r *Replicator) {
		r.clock = clock
	}
}

// WithConfig overwrites the default config.
func WithConfig(cfg Config) Opt {
	return func(r *Replicator) {
		r.cfg = cfg
	}
}

// Replicator runs replication sessions for spaces over a network.
type Replicator struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	cfg     Config
	network p2p.Network
	store   *feed.Store
}

// New creates a Replicator.
func New(network p2p.Network, store *feed.Store, opts ...Opt) *Replicator {
	r := &Replicator{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		cfg:     DefaultConfig(),
		network: network,
		store:   store,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replicate joins the space topic and runs a session with every peer in it until
// stop is called or ctx is done.
func (r *Replicator) Replicate(ctx context.Context, space Space) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	logger := r.logger.With(log.ZShortStringer("space", space.Key()))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	)
	leave, err := r.network.Join(ctx, space.Key(), func(conn p2p.Conn) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		wg.Add(1)
		mu.Unlock()
		defer wg.Done()
		s := newSession(logger, r.store, space, conn, rate.NewLimiter(rate.Limit(r.cfg.SendRate), r.cfg.SendBurst))
		s.clock, s.authTimeout = r.clock, r.cfg.AuthTimeout
		activeSessions.Inc()
		defer activeSessions.Dec()
		err := s.run(ctx)
		switch {
		case errors.Is(err, ErrUnauthorized):
			logger.Info("disconnected unauthorized peer", log.ZShortStringer("peer", conn.RemotePeer()))
			unauthorizedSessions.Inc()
		case err != nil:
			logger.Warn("replication session failed",
				log.ZShortStringer("peer", conn.RemotePeer()),
				zap.Error(err),
			)
			failedSessions.Inc()
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("join space %s: %w", space.Key().ShortString(), err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			leave()
			mu.Lock()
			stopped = true
			mu.Unlock()
			wg.Wait()
		})
	}, nil
}
