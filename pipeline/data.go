package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/model"
	"github.com/spacemeshos/go-spacedb/objects"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

// ErrUnknownObject is returned by the writer for objects it can't find a model for.
var ErrUnknownObject = errors.New("pipeline: unknown object")

// DataPipeline applies data messages from admitted DATA feeds to the object store.
type DataPipeline struct {
	logger *zap.Logger
	clock  clockwork.Clock
	cfg    Config

	store      *feed.Store
	factory    *model.Factory
	objects    *objects.Store
	iterator   *feedSetIterator
	state      *State
	admissions *admissions

	mu     sync.Mutex
	writer *DataWriter
}

// NewDataPipeline creates a data pipeline for the feeds admitted by sm. With
// WithSnapshot the object store starts from the snapshot and only messages beyond
// the snapshot timeframe are applied.
func NewDataPipeline(sm *credentials.StateMachine, store *feed.Store, factory *model.Factory, opts ...Opt) (*DataPipeline, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(log.ZShortStringer("space", sm.Space()))
	objs := objects.NewStore(factory, objects.WithLogger(logger))
	initial := timeframe.New()
	if o.snapshot != nil {
		if err := objs.LoadSnapshot(o.snapshot); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		initial = objs.View().Timeframe()
	}
	iterator := newFeedSetIterator(logger, initial)
	return &DataPipeline{
		logger:     logger,
		clock:      o.clock,
		cfg:        o.cfg,
		store:      store,
		factory:    factory,
		objects:    objs,
		iterator:   iterator,
		state:      newState(o.clock, o.cfg.StallTimeout, initial),
		admissions: newAdmissions(sm, credentials.DATA, iterator),
	}, nil
}

// State returns the progress of the pipeline.
func (p *DataPipeline) State() *State {
	return p.state
}

// Objects returns the object store.
func (p *DataPipeline) Objects() *objects.Store {
	return p.objects
}

// Snapshot encodes the committed state of the object store.
func (p *DataPipeline) Snapshot() (*objects.Snapshot, error) {
	return p.objects.Snapshot()
}

// SetWriteFeed sets the feed the Writer appends to.
func (p *DataPipeline) SetWriteFeed(f *feed.Feed) error {
	if !f.Writable() {
		return fmt.Errorf("%w: %s", feed.ErrNotWritable, f.Key().ShortString())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = &DataWriter{
		feed:    f,
		state:   p.state,
		objects: p.objects,
		factory: p.factory,
		created: map[types.ObjectID]string{},
	}
	return nil
}

// Writer returns the writer for the local data feed, or nil if it wasn't set.
func (p *DataPipeline) Writer() *DataWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer
}

// Run applies data messages until ctx is done. It returns an error only if the
// underlying storage failed.
func (p *DataPipeline) Run(ctx context.Context) error {
	for {
		if err := p.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.iterator.Woken():
		}
	}
}

func (p *DataPipeline) tick(ctx context.Context) error {
	if err := p.admissions.open(ctx, p.store); err != nil {
		return err
	}
	applied := 0
	for applied < p.cfg.BatchSize {
		next, err := p.iterator.TryNext(ctx)
		if err != nil {
			p.objects.Discard()
			return err
		}
		if next == nil {
			break
		}
		applied++
		p.apply(next)
	}
	if applied == p.cfg.BatchSize {
		p.iterator.Wake()
	}
	consumed := p.iterator.Consumed()
	if !consumed.Equal(p.objects.View().Timeframe()) {
		update := p.objects.Commit(consumed)
		if len(update.IDs) > 0 {
			p.logger.Debug("committed objects",
				zap.Int("objects", len(update.IDs)),
				zap.Object("timeframe", consumed),
			)
		}
	}
	p.state.update(consumed)
	return nil
}

func (p *DataPipeline) apply(next *delivery) {
	msg := next.env.Data
	if msg == nil {
		dataDropped.Inc()
		p.logger.Warn("credential in data feed", zap.Object("message", next.msg))
		return
	}
	meta := model.Meta{
		Object: msg.Object,
		Stamp: model.Stamp{
			Lamport: timeframe.Total(next.env.Timeframe),
			Feed:    next.msg.Feed,
			Seq:     next.msg.Seq,
		},
	}
	var err error
	switch msg.Kind {
	case Genesis:
		err = p.objects.Genesis(msg.Object, msg.ObjectType, msg.ModelType, msg.Parent, meta)
	case Mutation:
		err = p.objects.Mutate(msg.Object, msg.Mutation, meta)
	case Delete:
		err = p.objects.Delete(msg.Object, meta)
	case Restore:
		err = p.objects.Restore(msg.Object, meta)
	default:
		err = fmt.Errorf("unknown data kind %d", msg.Kind)
	}
	if err != nil {
		dataDropped.Inc()
		p.logger.Warn("dropped data message",
			zap.Object("data", msg),
			zap.Object("stamp", meta.Stamp),
			zap.Error(err),
		)
		return
	}
	dataApplied.Inc()
}

// Close stops tracking feeds and drops object store observers. Must be called after
// Run returned.
func (p *DataPipeline) Close() {
	p.admissions.close()
	p.iterator.Close()
	p.objects.Close()
}

// DataWriter appends data messages to the local data feed. Every message depends on
// the timeframe the data pipeline consumed when it was written.
type DataWriter struct {
	feed    *feed.Feed
	state   *State
	objects *objects.Store
	factory *model.Factory

	mu      sync.Mutex
	created map[types.ObjectID]string
}

// Key of the data feed.
func (w *DataWriter) Key() types.PublicKey {
	return w.feed.Key()
}

// Written returns the timeframe that covers every message written so far.
func (w *DataWriter) Written() timeframe.Timeframe {
	length := w.feed.Length()
	if length == 0 {
		return timeframe.New()
	}
	return timeframe.New(timeframe.Frame{Feed: w.feed.Key(), Seq: length - 1})
}

// CreateObject writes the genesis of a new object. Parent may be EmptyObjectID.
func (w *DataWriter) CreateObject(
	ctx context.Context,
	objectType, modelType string,
	parent types.ObjectID,
) (types.ObjectID, error) {
	if _, err := w.factory.Get(modelType); err != nil {
		return types.EmptyObjectID, err
	}
	id := types.NewObjectID()
	if _, err := w.append(ctx, &DataMessage{
		Object:     id,
		Kind:       Genesis,
		ModelType:  modelType,
		ObjectType: objectType,
		Parent:     parent,
	}); err != nil {
		return types.EmptyObjectID, err
	}
	w.mu.Lock()
	w.created[id] = modelType
	w.mu.Unlock()
	return id, nil
}

// Mutate encodes mutation with the model of the object and writes it.
func (w *DataWriter) Mutate(ctx context.Context, id types.ObjectID, mutation model.Mutation) error {
	m, err := w.model(id)
	if err != nil {
		return err
	}
	buf, err := m.Encode(mutation)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	_, err = w.append(ctx, &DataMessage{Object: id, Kind: Mutation, Mutation: buf})
	return err
}

// Delete writes a tombstone for the object.
func (w *DataWriter) Delete(ctx context.Context, id types.ObjectID) error {
	_, err := w.append(ctx, &DataMessage{Object: id, Kind: Delete})
	return err
}

// Restore reverts a delete of the object.
func (w *DataWriter) Restore(ctx context.Context, id types.ObjectID) error {
	_, err := w.append(ctx, &DataMessage{Object: id, Kind: Restore})
	return err
}

func (w *DataWriter) model(id types.ObjectID) (model.Model, error) {
	if item, ok := w.objects.View().Get(id); ok {
		return w.factory.Get(item.ModelType)
	}
	w.mu.Lock()
	modelType, ok := w.created[id]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	return w.factory.Get(modelType)
}

func (w *DataWriter) append(ctx context.Context, msg *DataMessage) (timeframe.Frame, error) {
	return appendEnvelope(ctx, w.feed, &Envelope{Timeframe: w.state.Timeframe(), Data: msg})
}
