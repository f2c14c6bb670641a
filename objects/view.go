package objects

import (
	"slices"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

// View is an immutable committed state of the store.
type View struct {
	items     map[types.ObjectID]*Item
	timeframe timeframe.Timeframe
}

var emptyView = &View{items: map[types.ObjectID]*Item{}, timeframe: timeframe.New()}

// Get returns an item, including deleted ones.
func (v *View) Get(id types.ObjectID) (*Item, bool) {
	item, ok := v.items[id]
	return item, ok
}

// Len returns the number of items, including deleted ones.
func (v *View) Len() int {
	return len(v.items)
}

// Items returns all items sorted by id.
func (v *View) Items() []*Item {
	items := make([]*Item, 0, len(v.items))
	for _, item := range v.items {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b *Item) int { return compareIDs(a.ID, b.ID) })
	return items
}

// Children returns the items referenced as children of id.
func (v *View) Children(id types.ObjectID) []*Item {
	parent, ok := v.items[id]
	if !ok {
		return nil
	}
	children := make([]*Item, 0, len(parent.Children))
	for _, child := range parent.Children {
		if item, ok := v.items[child]; ok {
			children = append(children, item)
		}
	}
	return children
}

// Timeframe the view was committed at.
func (v *View) Timeframe() timeframe.Timeframe {
	return v.timeframe.Clone()
}
