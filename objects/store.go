// Package objects materializes model states into an in-memory object store and
// serves cached queries over it.
//
// The data pipeline is the only writer. It stages changes with Genesis, Mutate,
// Delete and Restore and publishes them with Commit, readers only ever observe
// committed views.
package objects

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/events"
	"github.com/spacemeshos/go-spacedb/model"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

var (
	// ErrObjectExists is returned by Genesis for an id that is already used.
	ErrObjectExists = errors.New("objects: object exists")
	// ErrObjectNotFound is returned when a change references an unknown object.
	ErrObjectNotFound = errors.New("objects: object not found")
	// ErrInvalidMutation is returned when a mutation can't be decoded by its model.
	ErrInvalidMutation = errors.New("objects: invalid mutation")
)

// Update is a batch of objects changed by one commit.
type Update struct {
	IDs       []types.ObjectID
	Timeframe timeframe.Timeframe
}

// Opt for configuring Store.
type Opt func(*Store)

// WithLogger specifies logger for Store.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store keeps items of a single space.
type Store struct {
	logger  *zap.Logger
	factory *model.Factory

	view atomic.Pointer[View]

	mu      sync.Mutex
	pending map[types.ObjectID]*Item
	order   []types.ObjectID
	queries map[*Query]struct{}

	// orphans maps a parent that wasn't seen yet to its committed children.
	orphans map[types.ObjectID][]types.ObjectID
	// staged orphans and adopted parents are applied to orphans on commit.
	stagedOrphans map[types.ObjectID][]types.ObjectID
	adopted       map[types.ObjectID]struct{}

	updates     events.Event[Update]
	updatesChan *events.Bus[Update]
}

// NewStore creates an empty store.
func NewStore(factory *model.Factory, opts ...Opt) *Store {
	s := &Store{
		logger:  zap.NewNop(),
		factory: factory,
		pending: map[types.ObjectID]*Item{},
		queries: map[*Query]struct{}{},

		orphans:       map[types.ObjectID][]types.ObjectID{},
		stagedOrphans: map[types.ObjectID][]types.ObjectID{},
		adopted:       map[types.ObjectID]struct{}{},

		updatesChan: events.NewBus[Update](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.view.Store(emptyView)
	return s
}

// View returns the last committed view.
func (s *Store) View() *View {
	return s.view.Load()
}

// OnUpdate registers fn for every non empty commit.
func (s *Store) OnUpdate(fn func(Update)) func() {
	return s.updates.Subscribe(fn)
}

// OnUpdateChan delivers commits to a buffered channel, dropping them when it is full.
// The channel is closed after cancel or Close.
func (s *Store) OnUpdateChan(size int) (<-chan Update, func()) {
	return s.updatesChan.Subscribe(size)
}

// Close unregisters all observers.
func (s *Store) Close() {
	s.updates.Close()
	s.updatesChan.Close()
	s.mu.Lock()
	queries := maps.Clone(s.queries)
	s.mu.Unlock()
	for q := range queries {
		q.Close()
	}
}

// working returns a staged copy of the item. Must be called with mu held.
func (s *Store) working(id types.ObjectID) (*Item, bool) {
	if item, ok := s.pending[id]; ok {
		return item, true
	}
	item, ok := s.View().Get(id)
	if !ok {
		return nil, false
	}
	item = item.clone()
	s.stage(item)
	return item, true
}

func (s *Store) exists(id types.ObjectID) bool {
	if _, ok := s.pending[id]; ok {
		return true
	}
	_, ok := s.View().Get(id)
	return ok
}

func (s *Store) stage(item *Item) {
	if _, ok := s.pending[item.ID]; !ok {
		s.order = append(s.order, item.ID)
	}
	s.pending[item.ID] = item
}

// Genesis stages a new object.
func (s *Store) Genesis(id types.ObjectID, typ, modelType string, parent types.ObjectID, meta model.Meta) error {
	m, err := s.factory.Get(modelType)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists(id) {
		return fmt.Errorf("%w: %s", ErrObjectExists, id)
	}
	item := &Item{
		ID:        id,
		Type:      typ,
		ModelType: modelType,
		Parent:    parent,
		State:     m.Initial(),
		Created:   meta.Stamp,
		Updated:   meta.Stamp,
	}
	// children may have been created before the parent was seen
	for _, child := range s.orphans[id] {
		item.addChild(child)
	}
	for _, child := range s.stagedOrphans[id] {
		item.addChild(child)
	}
	delete(s.stagedOrphans, id)
	s.adopted[id] = struct{}{}
	s.stage(item)
	if parent != types.EmptyObjectID {
		if p, ok := s.working(parent); ok {
			p.addChild(id)
		} else {
			s.stagedOrphans[parent] = append(s.stagedOrphans[parent], id)
		}
	}
	return nil
}

// Mutate decodes mutation with the model of the object and applies it.
func (s *Store) Mutate(id types.ObjectID, mutation []byte, meta model.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.working(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	m, err := s.factory.Get(item.ModelType)
	if err != nil {
		return err
	}
	decoded, err := m.Decode(mutation)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}
	meta.Object = id
	item.State = m.Apply(item.State, decoded, meta)
	if item.Updated.Compare(meta.Stamp) < 0 {
		item.Updated = meta.Stamp
	}
	return nil
}

// Delete tombstones an object. Delete and Restore resolve by stamp, the latest wins.
func (s *Store) Delete(id types.ObjectID, meta model.Meta) error {
	return s.setDeleted(id, true, meta)
}

// Restore reverts a delete.
func (s *Store) Restore(id types.ObjectID, meta model.Meta) error {
	return s.setDeleted(id, false, meta)
}

func (s *Store) setDeleted(id types.ObjectID, deleted bool, meta model.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.working(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if item.DeletedStamp.Compare(meta.Stamp) >= 0 {
		return nil
	}
	item.Deleted = deleted
	item.DeletedStamp = meta.Stamp
	if item.Updated.Compare(meta.Stamp) < 0 {
		item.Updated = meta.Stamp
	}
	return nil
}

// Commit publishes staged changes as a new view at tf and notifies queries and observers.
// Commit with nothing staged only advances the view timeframe.
func (s *Store) Commit(tf timeframe.Timeframe) Update {
	s.mu.Lock()
	prev := s.View()
	next := &View{items: prev.items, timeframe: tf.Clone()}
	update := Update{IDs: s.order, Timeframe: next.timeframe.Clone()}
	if len(s.pending) > 0 {
		next.items = maps.Clone(prev.items)
		maps.Copy(next.items, s.pending)
		s.pending = map[types.ObjectID]*Item{}
		s.order = nil
	}
	for id := range s.adopted {
		delete(s.orphans, id)
	}
	for parent, children := range s.stagedOrphans {
		s.orphans[parent] = append(s.orphans[parent], children...)
	}
	s.resetStaged()
	s.view.Store(next)
	queries := make([]*Query, 0, len(s.queries))
	for q := range s.queries {
		queries = append(queries, q)
	}
	s.mu.Unlock()

	if len(update.IDs) == 0 {
		return update
	}
	for _, q := range queries {
		q.update(next, update.IDs)
	}
	s.updates.Emit(update)
	s.updatesChan.Emit(update)
	return update
}

// Discard drops staged changes.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = map[types.ObjectID]*Item{}
	s.order = nil
	s.resetStaged()
}

// resetStaged must be called with mu held.
func (s *Store) resetStaged() {
	clear(s.stagedOrphans)
	clear(s.adopted)
}

// Query creates a query bound to the store. It must be closed when no longer used.
func (s *Store) Query(filter Filter) *Query {
	q := &Query{store: s, filter: filter}
	s.mu.Lock()
	s.queries[q] = struct{}{}
	s.mu.Unlock()
	return q
}

func (s *Store) removeQuery(q *Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queries, q)
}
