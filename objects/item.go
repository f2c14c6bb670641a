package objects

import (
	"slices"

	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/model"
)

// PropertyReader is implemented by model states that expose named properties to queries.
type PropertyReader interface {
	Property(key string) (any, bool)
}

// Item is a materialized object. Items reachable from a View are never modified.
type Item struct {
	ID        types.ObjectID
	Type      string
	ModelType string
	// Parent is EmptyObjectID for root objects.
	Parent   types.ObjectID
	Children []types.ObjectID

	Deleted      bool
	DeletedStamp model.Stamp

	State   model.State
	Created model.Stamp
	Updated model.Stamp
}

// Property reads a property from the model state.
func (i *Item) Property(key string) (any, bool) {
	reader, ok := i.State.(PropertyReader)
	if !ok {
		return nil, false
	}
	return reader.Property(key)
}

func (i *Item) clone() *Item {
	c := *i
	c.Children = slices.Clone(i.Children)
	return &c
}

func (i *Item) addChild(id types.ObjectID) {
	idx, found := slices.BinarySearchFunc(i.Children, id, compareIDs)
	if !found {
		i.Children = slices.Insert(i.Children, idx, id)
	}
}

// MarshalLogObject implements logging encoder for Item.
func (i *Item) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("id", i.ID.String())
	encoder.AddString("type", i.Type)
	encoder.AddString("model", i.ModelType)
	encoder.AddBool("deleted", i.Deleted)
	return nil
}

func compareIDs(a, b types.ObjectID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
