// Package pipeline turns feed messages into ordered, idempotent updates of the
// credential state machine (control pipeline) and of the object store (data pipeline).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

type deferredCredential struct {
	cred     *credentials.Credential
	source   types.PublicKey
	seq      uint64
	attempts int
}

// ControlPipeline feeds credentials from the genesis feed and admitted CONTROL feeds
// into the credential state machine.
type ControlPipeline struct {
	logger *zap.Logger
	clock  clockwork.Clock
	cfg    Config

	store      *feed.Store
	sm         *credentials.StateMachine
	iterator   *feedSetIterator
	state      *State
	admissions *admissions

	// deferred is owned by the Run goroutine.
	deferred []*deferredCredential

	mu     sync.Mutex
	writer *ControlWriter
}

// NewControlPipeline creates a pipeline that starts reading from the genesis feed.
func NewControlPipeline(
	ctx context.Context,
	store *feed.Store,
	sm *credentials.StateMachine,
	genesisFeed types.PublicKey,
	opts ...Opt,
) (*ControlPipeline, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	genesis, err := store.OpenFeed(ctx, genesisFeed, false)
	if err != nil {
		return nil, fmt.Errorf("open genesis feed: %w", err)
	}
	logger := o.logger.With(log.ZShortStringer("space", sm.Space()))
	iterator := newFeedSetIterator(logger, timeframe.New())
	iterator.AddFeed(genesis)
	return &ControlPipeline{
		logger:     logger,
		clock:      o.clock,
		cfg:        o.cfg,
		store:      store,
		sm:         sm,
		iterator:   iterator,
		state:      newState(o.clock, o.cfg.StallTimeout, timeframe.New()),
		admissions: newAdmissions(sm, credentials.CONTROL, iterator),
	}, nil
}

// State returns the progress of the pipeline.
func (p *ControlPipeline) State() *State {
	return p.state
}

// StateMachine returns the credential state machine driven by the pipeline.
func (p *ControlPipeline) StateMachine() *credentials.StateMachine {
	return p.sm
}

// SetWriteFeed sets the feed the Writer appends to.
func (p *ControlPipeline) SetWriteFeed(f *feed.Feed) error {
	if !f.Writable() {
		return fmt.Errorf("%w: %s", feed.ErrNotWritable, f.Key().ShortString())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = &ControlWriter{feed: f, state: p.state}
	return nil
}

// Writer returns the writer for the local control feed, or nil if it wasn't set.
func (p *ControlPipeline) Writer() *ControlWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer
}

// Run processes credentials until ctx is done. It returns an error only if the
// underlying storage failed.
func (p *ControlPipeline) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		if err := p.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.iterator.Woken():
		case <-ticker.Chan():
			p.retry(true)
		}
	}
}

func (p *ControlPipeline) tick(ctx context.Context) error {
	if err := p.admissions.open(ctx, p.store); err != nil {
		return err
	}
	processed := 0
	for processed < p.cfg.BatchSize {
		next, err := p.iterator.TryNext(ctx)
		if err != nil {
			return err
		}
		if next == nil {
			break
		}
		processed++
		p.process(next)
		// admitted feeds may unblock the rest of the batch
		if err := p.admissions.open(ctx, p.store); err != nil {
			return err
		}
	}
	if processed > 0 {
		p.retry(false)
	}
	if processed == p.cfg.BatchSize {
		p.iterator.Wake()
	}
	p.state.update(p.applied())
	return nil
}

// applied returns the consumed timeframe without the deferred credentials: a feed is
// reported up to the message before its first deferred credential.
func (p *ControlPipeline) applied() timeframe.Timeframe {
	tf := p.iterator.Consumed()
	for _, d := range p.deferred {
		seq, ok := tf[d.source]
		switch {
		case !ok || d.seq > seq:
		case d.seq == 0:
			delete(tf, d.source)
		default:
			tf[d.source] = d.seq - 1
		}
	}
	return tf
}

func (p *ControlPipeline) process(next *delivery) {
	cred := next.env.Credential
	if cred == nil {
		p.logger.Warn("data message in control feed",
			zap.Object("message", next.msg),
		)
		return
	}
	err := p.sm.Process(cred, next.msg.Feed)
	switch {
	case err == nil:
		processedOk.Inc()
	case errors.Is(err, credentials.ErrChainPending):
		processedDeferred.Inc()
		p.logger.Debug("deferred credential", zap.Object("credential", cred), zap.Error(err))
		p.deferred = append(p.deferred, &deferredCredential{cred: cred, source: next.msg.Feed, seq: next.msg.Seq})
	default:
		processedDropped.Inc()
		p.logger.Warn("dropped credential", zap.Object("credential", cred), zap.Error(err))
	}
}

// retry processes deferred credentials until none of them makes progress. On a
// retry tick the first pass is charged to the retry budget of every credential
// that is still pending.
func (p *ControlPipeline) retry(tick bool) {
	charge := tick
	for len(p.deferred) > 0 {
		progress := false
		remaining := p.deferred[:0]
		for _, d := range p.deferred {
			err := p.sm.Process(d.cred, d.source)
			switch {
			case err == nil:
				processedOk.Inc()
				progress = true
			case errors.Is(err, credentials.ErrChainPending):
				if charge {
					d.attempts++
				}
				if d.attempts >= p.cfg.ChainRetryBudget {
					processedDropped.Inc()
					p.logger.Warn("dropped credential",
						zap.Object("credential", d.cred),
						zap.Int("attempts", d.attempts),
						zap.Error(fmt.Errorf("%w: %w", credentials.ErrInvalidChain, err)),
					)
					continue
				}
				remaining = append(remaining, d)
			default:
				processedDropped.Inc()
				p.logger.Warn("dropped credential", zap.Object("credential", d.cred), zap.Error(err))
			}
		}
		clear(p.deferred[len(remaining):])
		p.deferred = remaining
		charge = false
		if !progress {
			return
		}
	}
}

// Close stops tracking feeds. Must be called after Run returned.
func (p *ControlPipeline) Close() {
	p.admissions.close()
	p.iterator.Close()
}

// ControlWriter appends credentials to the local control feed.
type ControlWriter struct {
	feed  *feed.Feed
	state *State
}

// Key of the control feed.
func (w *ControlWriter) Key() types.PublicKey {
	return w.feed.Key()
}

// WriteCredential appends cred with the consumed control timeframe as its dependencies.
func (w *ControlWriter) WriteCredential(ctx context.Context, cred *credentials.Credential) (timeframe.Frame, error) {
	return appendEnvelope(ctx, w.feed, &Envelope{Timeframe: w.state.Timeframe(), Credential: cred})
}

// WriteCredentials appends credentials that don't depend on other messages, such as
// the genesis of a space, to a writable control feed.
func WriteCredentials(ctx context.Context, f *feed.Feed, creds ...*credentials.Credential) (timeframe.Frame, error) {
	var last timeframe.Frame
	for _, cred := range creds {
		frame, err := appendEnvelope(ctx, f, &Envelope{Timeframe: timeframe.New(), Credential: cred})
		if err != nil {
			return last, err
		}
		last = frame
	}
	return last, nil
}

func appendEnvelope(ctx context.Context, f *feed.Feed, env *Envelope) (timeframe.Frame, error) {
	buf, err := codec.Encode(env)
	if err != nil {
		return timeframe.Frame{}, fmt.Errorf("encode envelope: %w", err)
	}
	seq, err := f.Append(ctx, buf)
	if err != nil {
		return timeframe.Frame{}, err
	}
	return timeframe.Frame{Feed: f.Key(), Seq: seq}, nil
}
