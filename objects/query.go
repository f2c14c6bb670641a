package objects

import (
	"slices"
	"sync"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/events"
)

// Filter selects items. Zero fields match everything, deleted items are excluded
// unless IncludeDeleted is set.
type Filter struct {
	Type string
	// Properties are compared with == against the values exposed by the model state.
	Properties     map[string]any
	Predicate      func(*Item) bool
	IncludeDeleted bool
}

// Match returns true if item is selected by the filter.
func (f *Filter) Match(item *Item) bool {
	if item.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Type != "" && item.Type != f.Type {
		return false
	}
	for key, expected := range f.Properties {
		value, ok := item.Property(key)
		if !ok || value != expected {
			return false
		}
	}
	return f.Predicate == nil || f.Predicate(item)
}

// Query is a filtered result set over the committed store state. The result is
// computed on first use and recomputed only after a commit changed an item that
// matches the filter now or was part of the previous result.
type Query struct {
	store  *Store
	filter Filter

	mu          sync.Mutex
	valid       bool
	result      []*Item
	ids         map[types.ObjectID]struct{}
	subscribers int
	closed      bool

	changed events.Event[[]*Item]
}

// Result returns matching items sorted by id.
func (q *Query) Result() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.valid {
		q.run(q.store.View())
	}
	return slices.Clone(q.result)
}

func (q *Query) run(view *View) {
	q.result = q.result[:0]
	q.ids = map[types.ObjectID]struct{}{}
	for _, item := range view.Items() {
		if q.filter.Match(item) {
			q.result = append(q.result, item)
			q.ids[item.ID] = struct{}{}
		}
	}
	q.valid = true
	queryRuns.Inc()
}

// Subscribe calls fn with the new result every time it changes. The result is
// computed eagerly while there are subscribers.
func (q *Query) Subscribe(fn func([]*Item)) func() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return func() {}
	}
	q.subscribers++
	if !q.valid {
		q.run(q.store.View())
	}
	q.mu.Unlock()

	cancel := q.changed.Subscribe(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			q.mu.Lock()
			q.subscribers--
			q.mu.Unlock()
		})
	}
}

// Close detaches the query from the store and drops subscribers.
func (q *Query) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.changed.Close()
	q.store.removeQuery(q)
}

func (q *Query) update(view *View, ids []types.ObjectID) {
	q.mu.Lock()
	if !q.valid || !q.affected(view, ids) {
		q.mu.Unlock()
		return
	}
	q.valid = false
	queryInvalidations.Inc()
	if q.subscribers == 0 {
		q.mu.Unlock()
		return
	}
	q.run(view)
	result := slices.Clone(q.result)
	q.mu.Unlock()
	q.changed.Emit(result)
}

func (q *Query) affected(view *View, ids []types.ObjectID) bool {
	for _, id := range ids {
		if _, ok := q.ids[id]; ok {
			return true
		}
		if item, ok := view.Get(id); ok && q.filter.Match(item) {
			return true
		}
	}
	return false
}
