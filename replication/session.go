package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/p2p"
)

// pushBatch is the number of messages pushed from a single feed before other feeds
// get their turn.
const pushBatch = 64

type localFeed struct {
	feed      *feed.Feed
	unwatch   func()
	announced bool
}

type session struct {
	logger  *zap.Logger
	store   *feed.Store
	space   Space
	conn    p2p.Conn
	limiter *rate.Limiter
	wake    chan struct{}

	clock       clockwork.Clock
	authTimeout time.Duration

	mu      sync.Mutex
	pending map[types.PublicKey]struct{}
	local   map[types.PublicKey]*localFeed
	// next seq to push for every feed the peer stores
	remote map[types.PublicKey]uint64
	hello  bool
	// targets of an unauthorized peer are applied once it is authorized
	authorized bool
	targets    *Targets
}

func newSession(logger *zap.Logger, store *feed.Store, space Space, conn p2p.Conn, limiter *rate.Limiter) *session {
	return &session{
		logger:  logger.With(log.ZShortStringer("peer", conn.RemotePeer())),
		store:   store,
		space:   space,
		conn:    conn,
		limiter: limiter,
		wake:    make(chan struct{}, 1),

		clock:       clockwork.NewRealClock(),
		authTimeout: DefaultConfig().AuthTimeout,

		pending: map[types.PublicKey]struct{}{},
		local:   map[types.PublicKey]*localFeed{},
		remote:  map[types.PublicKey]uint64{},
	}
}

func (s *session) run(ctx context.Context) error {
	defer s.close()
	cancel := s.space.OnFeedAdded(s.addFeed)
	defer cancel()
	for _, key := range s.space.Feeds() {
		s.addFeed(key)
	}
	if err := s.openPending(ctx); err != nil {
		return err
	}
	s.logger.Debug("replication session started")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.send(ctx)
	})
	eg.Go(func() error {
		return s.receive(ctx)
	})
	err := eg.Wait()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, p2p.ErrConnClosed):
		s.logger.Debug("replication session closed")
		return nil
	case err != nil:
		return err
	}
	return nil
}

func (s *session) addFeed(key types.PublicKey) {
	s.mu.Lock()
	if _, ok := s.local[key]; !ok {
		s.pending[key] = struct{}{}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lf := range s.local {
		lf.unwatch()
	}
}

func (s *session) openPending(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]types.PublicKey, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	for _, key := range keys {
		f, err := s.store.OpenFeed(ctx, key, false)
		if err != nil {
			return fmt.Errorf("open feed %s: %w", key.ShortString(), err)
		}
		s.mu.Lock()
		delete(s.pending, key)
		if _, ok := s.local[key]; !ok {
			s.local[key] = &localFeed{feed: f, unwatch: f.Watch(s.wake)}
		}
		s.mu.Unlock()
	}
	return nil
}

// unannounced returns heads of local feeds that weren't announced to the peer yet
// and marks them as announced.
func (s *session) unannounced() []Head {
	s.mu.Lock()
	defer s.mu.Unlock()
	var heads []Head
	for key, lf := range s.local {
		if lf.announced {
			continue
		}
		lf.announced = true
		heads = append(heads, Head{Feed: key, Length: lf.feed.Length()})
	}
	return heads
}

func (s *session) write(ctx context.Context, kind messageKind, body codec.Encodable) error {
	buf, err := encodeMessage(kind, body)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, buf)
}

// authorize blocks until the remote device is authorized in the space.
func (s *session) authorize(ctx context.Context) error {
	remote := s.conn.RemotePeer()
	authorized := make(chan struct{}, 1)
	cancel := s.space.OnAuthorized(func(device types.PublicKey) {
		if device != remote {
			return
		}
		select {
		case authorized <- struct{}{}:
		default:
		}
	})
	defer cancel()
	if !s.space.IsAuthorized(remote) {
		s.logger.Debug("waiting for peer authorization", zap.Duration("timeout", s.authTimeout))
		timer := s.clock.NewTimer(s.authTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			return fmt.Errorf("%w: %s", ErrUnauthorized, remote.ShortString())
		case <-authorized:
		}
	}
	s.mu.Lock()
	s.authorized = true
	targets := s.targets
	s.targets = nil
	s.mu.Unlock()
	if targets != nil {
		s.space.SetTargets(*targets)
	}
	return nil
}

func (s *session) send(ctx context.Context) error {
	if err := s.authorize(ctx); err != nil {
		return err
	}
	hello := &Hello{Targets: s.space.Consumed(), Heads: s.unannounced()}
	if err := s.write(ctx, kindHello, hello); err != nil {
		return err
	}
	for {
		if err := s.openPending(ctx); err != nil {
			return err
		}
		if heads := s.unannounced(); len(heads) > 0 {
			if err := s.write(ctx, kindHave, &Have{Heads: heads}); err != nil {
				return err
			}
		}
		pushed, err := s.push(ctx)
		if err != nil {
			return err
		}
		if pushed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

type pushable struct {
	feed *feed.Feed
	next uint64
}

func (s *session) push(ctx context.Context) (int, error) {
	s.mu.Lock()
	var feeds []pushable
	for key, next := range s.remote {
		lf, ok := s.local[key]
		if ok && next < lf.feed.Length() {
			feeds = append(feeds, pushable{feed: lf.feed, next: next})
		}
	}
	s.mu.Unlock()

	pushed := 0
	for _, p := range feeds {
		end := min(p.feed.Length(), p.next+pushBatch)
		for seq := p.next; seq < end; seq++ {
			msg, err := p.feed.Get(ctx, seq)
			if err != nil {
				return pushed, err
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return pushed, err
			}
			if err := s.write(ctx, kindFeedMessage, msg); err != nil {
				return pushed, err
			}
			sentMessages.Inc()
			s.advanceRemote(msg.Feed, seq+1)
			pushed++
		}
	}
	return pushed, nil
}

// advanceRemote must not rewind: heads announced by the peer may be stale.
func (s *session) advanceRemote(key types.PublicKey, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.remote[key]; !ok || length > current {
		s.remote[key] = length
	}
}

func (s *session) receive(ctx context.Context) error {
	for {
		buf, err := s.conn.Receive(ctx)
		if err != nil {
			return err
		}
		body, err := decodeMessage(buf)
		if err != nil {
			return err
		}
		switch msg := body.(type) {
		case *Hello:
			if err := s.onHello(msg); err != nil {
				return err
			}
		case *Have:
			if err := s.onHave(msg); err != nil {
				return err
			}
		case *feed.Message:
			if err := s.onMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *session) onHello(hello *Hello) error {
	s.mu.Lock()
	repeated := s.hello
	s.hello = true
	authorized := s.authorized
	if !repeated && !authorized {
		s.targets = &hello.Targets
	}
	s.mu.Unlock()
	if repeated {
		return fmt.Errorf("%w: repeated hello", ErrProtocol)
	}
	if authorized {
		s.space.SetTargets(hello.Targets)
	}
	s.logger.Debug("received hello",
		zap.Object("control", hello.Targets.Control),
		zap.Object("data", hello.Targets.Data),
		zap.Int("feeds", len(hello.Heads)),
	)
	s.updateHeads(hello.Heads)
	return nil
}

func (s *session) onHave(have *Have) error {
	s.mu.Lock()
	hello := s.hello
	s.mu.Unlock()
	if !hello {
		return fmt.Errorf("%w: have before hello", ErrProtocol)
	}
	s.updateHeads(have.Heads)
	return nil
}

func (s *session) updateHeads(heads []Head) {
	for _, head := range heads {
		s.advanceRemote(head.Feed, head.Length)
	}
	s.notify()
}

func (s *session) onMessage(ctx context.Context, msg *feed.Message) error {
	s.mu.Lock()
	lf, ok := s.local[msg.Feed]
	s.mu.Unlock()
	if !ok {
		receivedIgnored.Inc()
		s.logger.Debug("message for unknown feed", zap.Object("message", msg))
		return nil
	}
	stored, err := lf.feed.Write(ctx, msg)
	switch {
	case errors.Is(err, feed.ErrInvalidSignature), errors.Is(err, feed.ErrForked):
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	case errors.Is(err, feed.ErrOutOfOrder):
		receivedIgnored.Inc()
		s.logger.Debug("message out of order", zap.Object("message", msg), zap.Error(err))
		return nil
	case err != nil:
		return err
	}
	if stored {
		receivedStored.Inc()
	} else {
		receivedDuplicate.Inc()
	}
	s.advanceRemote(msg.Feed, msg.Seq+1)
	return nil
}
