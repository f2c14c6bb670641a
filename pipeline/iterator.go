package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

// delivery is a message whose causal dependencies were consumed.
type delivery struct {
	msg *feed.Message
	env *Envelope
}

type iteratedFeed struct {
	feed   *feed.Feed
	reader *feed.Reader
	head   *delivery
	unwatch func()
}

// feedSetIterator merges a growing set of feeds into a single sequence consistent
// with causality: a message is returned only once every frame of its envelope
// timeframe was consumed. Feeds are visited round robin in the order they were added,
// so that a busy feed doesn't starve the others.
type feedSetIterator struct {
	logger *zap.Logger

	mu       sync.Mutex
	feeds    []*iteratedFeed
	index    map[types.PublicKey]*iteratedFeed
	consumed timeframe.Timeframe
	next     int

	wake chan struct{}
}

func newFeedSetIterator(logger *zap.Logger, consumed timeframe.Timeframe) *feedSetIterator {
	if consumed == nil {
		consumed = timeframe.New()
	}
	return &feedSetIterator{
		logger:   logger,
		index:    map[types.PublicKey]*iteratedFeed{},
		consumed: consumed.Clone(),
		wake:     make(chan struct{}, 1),
	}
}

// AddFeed starts iterating f after the last consumed message. Adding a feed twice
// is a noop.
func (it *feedSetIterator) AddFeed(f *feed.Feed) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if _, ok := it.index[f.Key()]; ok {
		return false
	}
	state := &iteratedFeed{
		feed:    f,
		reader:  f.NewReader(it.consumed.Length(f.Key())),
		unwatch: f.Watch(it.wake),
	}
	it.feeds = append(it.feeds, state)
	it.index[f.Key()] = state
	it.Wake()
	return true
}

// Has returns true if the feed was added.
func (it *feedSetIterator) Has(key types.PublicKey) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	_, ok := it.index[key]
	return ok
}

// Wake makes the next receive from Woken return immediately.
func (it *feedSetIterator) Wake() {
	select {
	case it.wake <- struct{}{}:
	default:
	}
}

// Woken is notified when a feed was appended or added.
func (it *feedSetIterator) Woken() <-chan struct{} {
	return it.wake
}

// Consumed returns a copy of the consumed timeframe.
func (it *feedSetIterator) Consumed() timeframe.Timeframe {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.consumed.Clone()
}

// TryNext returns the next deliverable message or nil if none is available.
// Messages that can't be decoded are consumed and skipped. Errors are storage errors.
func (it *feedSetIterator) TryNext(ctx context.Context) (*delivery, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	for range len(it.feeds) {
		i := it.next % len(it.feeds)
		it.next = i + 1
		state := it.feeds[i]
		for state.head == nil && state.reader.Available() {
			msg, err := state.reader.Next(ctx)
			if err != nil {
				return nil, err
			}
			env, err := DecodeEnvelope(msg.Payload)
			if err != nil {
				it.logger.Warn("skipping malformed message",
					log.ZShortStringer("feed", msg.Feed),
					zap.Uint64("seq", msg.Seq),
					zap.Error(err),
				)
				it.consumed.Set(msg.Feed, msg.Seq)
				continue
			}
			state.head = &delivery{msg: msg, env: env}
		}
		if state.head == nil || !timeframe.IsTargetReached(it.consumed, state.head.env.Timeframe) {
			continue
		}
		next := state.head
		state.head = nil
		it.consumed.Set(next.msg.Feed, next.msg.Seq)
		return next, nil
	}
	return nil, nil
}

// Blocked returns the frames the heads of feeds are waiting for.
func (it *feedSetIterator) Blocked() timeframe.Timeframe {
	it.mu.Lock()
	defer it.mu.Unlock()
	blocked := timeframe.New()
	for _, state := range it.feeds {
		if state.head != nil {
			blocked = timeframe.Merge(blocked, timeframe.Dependencies(state.head.env.Timeframe, it.consumed))
		}
	}
	return blocked
}

// Close stops watching feeds.
func (it *feedSetIterator) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()
	for _, state := range it.feeds {
		state.unwatch()
	}
}
