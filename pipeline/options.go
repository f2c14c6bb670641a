package pipeline

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/objects"
)

type options struct {
	logger   *zap.Logger
	clock    clockwork.Clock
	cfg      Config
	snapshot *objects.Snapshot
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		cfg:    DefaultConfig(),
	}
}

// Opt modifies pipelines.
type Opt func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for stall detection and retries.
func WithClock(clock clockwork.Clock) Opt {
	return func(o *options) {
		o.clock = clock
	}
}

// WithConfig overwrites the default config.
func WithConfig(cfg Config) Opt {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithSnapshot starts the data pipeline from a snapshot. Ignored by the control pipeline.
func WithSnapshot(snapshot *objects.Snapshot) Opt {
	return func(o *options) {
		o.snapshot = snapshot
	}
}

// admissions collects feeds admitted by the credential state machine until the
// pipeline goroutine adds them to its iterator.
type admissions struct {
	designation credentials.Designation
	iterator    *feedSetIterator
	unsubscribe func()

	mu      sync.Mutex
	pending []types.PublicKey
}

func newAdmissions(sm *credentials.StateMachine, designation credentials.Designation, iterator *feedSetIterator) *admissions {
	a := &admissions{designation: designation, iterator: iterator}
	a.unsubscribe = sm.OnFeedAdmitted(func(info credentials.FeedInfo) {
		if info.Designation == designation {
			a.push(info.Key)
		}
	})
	for _, info := range sm.Feeds(designation) {
		a.push(info.Key)
	}
	return a
}

func (a *admissions) push(key types.PublicKey) {
	a.mu.Lock()
	a.pending = append(a.pending, key)
	a.mu.Unlock()
	a.iterator.Wake()
}

// open adds pending feeds to the iterator.
func (a *admissions) open(ctx context.Context, store *feed.Store) error {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	for _, key := range pending {
		if a.iterator.Has(key) {
			continue
		}
		f, err := store.OpenFeed(ctx, key, false)
		if err != nil {
			return err
		}
		a.iterator.AddFeed(f)
	}
	return nil
}

func (a *admissions) close() {
	a.unsubscribe()
}
