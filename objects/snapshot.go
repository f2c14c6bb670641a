package objects

import (
	"fmt"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/model"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

const (
	maxTypeSize      = 256
	maxStateSize     = 1 << 20
	maxSnapshotItems = 1 << 20
)

// SnapshotItem is an encoded Item.
type SnapshotItem struct {
	ID           types.ObjectID
	Type         string
	ModelType    string
	Parent       types.ObjectID
	Deleted      bool
	DeletedStamp model.Stamp
	Created      model.Stamp
	Updated      model.Stamp
	State        []byte
}

// EncodeScale implements scale codec interface.
func (i *SnapshotItem) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := i.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, i.Type, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, i.ModelType, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := i.Parent.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeBool(enc, i.Deleted)
		if err != nil {
			return total, err
		}
		total += n
	}
	for _, stamp := range []*model.Stamp{&i.DeletedStamp, &i.Created, &i.Updated} {
		n, err := stamp.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, i.State, maxStateSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (i *SnapshotItem) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := i.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
		i.Type = field
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
		i.ModelType = field
	}
	{
		n, err := i.Parent.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		i.Deleted = field
	}
	for _, stamp := range []*model.Stamp{&i.DeletedStamp, &i.Created, &i.Updated} {
		n, err := stamp.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, maxStateSize)
		if err != nil {
			return total, err
		}
		total += n
		i.State = field
	}
	return total, nil
}

// Snapshot is the state of a store at a timeframe.
type Snapshot struct {
	Timeframe timeframe.Timeframe
	Items     []SnapshotItem
}

// EncodeScale implements scale codec interface.
func (s *Snapshot) EncodeScale(e *scale.Encoder) (int, error) {
	total, err := s.Timeframe.EncodeScale(e)
	if err != nil {
		return total, err
	}
	n, err := scale.EncodeStructSliceWithLimit(e, s.Items, maxSnapshotItems)
	return total + n, err
}

// DecodeScale implements scale codec interface.
func (s *Snapshot) DecodeScale(d *scale.Decoder) (int, error) {
	total, err := s.Timeframe.DecodeScale(d)
	if err != nil {
		return total, err
	}
	items, n, err := scale.DecodeStructSliceWithLimit[SnapshotItem](d, maxSnapshotItems)
	s.Items = items
	return total + n, err
}

// Snapshot encodes the committed view.
func (s *Store) Snapshot() (*Snapshot, error) {
	view := s.View()
	snap := &Snapshot{Timeframe: view.Timeframe()}
	for _, item := range view.Items() {
		m, err := s.factory.Get(item.ModelType)
		if err != nil {
			return nil, err
		}
		state, err := m.EncodeState(item.State)
		if err != nil {
			return nil, fmt.Errorf("encode state of %s: %w", item.ID, err)
		}
		snap.Items = append(snap.Items, SnapshotItem{
			ID:           item.ID,
			Type:         item.Type,
			ModelType:    item.ModelType,
			Parent:       item.Parent,
			Deleted:      item.Deleted,
			DeletedStamp: item.DeletedStamp,
			Created:      item.Created,
			Updated:      item.Updated,
			State:        state,
		})
	}
	return snap, nil
}

// LoadSnapshot replaces the committed view with the snapshot contents. Staged
// changes are dropped.
func (s *Store) LoadSnapshot(snap *Snapshot) error {
	items := make(map[types.ObjectID]*Item, len(snap.Items))
	for _, encoded := range snap.Items {
		m, err := s.factory.Get(encoded.ModelType)
		if err != nil {
			return err
		}
		state, err := m.DecodeState(encoded.State)
		if err != nil {
			return fmt.Errorf("decode state of %s: %w", encoded.ID, err)
		}
		items[encoded.ID] = &Item{
			ID:           encoded.ID,
			Type:         encoded.Type,
			ModelType:    encoded.ModelType,
			Parent:       encoded.Parent,
			Deleted:      encoded.Deleted,
			DeletedStamp: encoded.DeletedStamp,
			State:        state,
			Created:      encoded.Created,
			Updated:      encoded.Updated,
		}
	}
	orphans := map[types.ObjectID][]types.ObjectID{}
	for _, item := range items {
		if item.Parent == types.EmptyObjectID {
			continue
		}
		if parent, ok := items[item.Parent]; ok {
			parent.addChild(item.ID)
		} else {
			orphans[item.Parent] = append(orphans[item.Parent], item.ID)
		}
	}
	tf := snap.Timeframe
	if tf == nil {
		tf = timeframe.New()
	}
	s.mu.Lock()
	s.pending = map[types.ObjectID]*Item{}
	s.order = nil
	s.orphans = orphans
	s.resetStaged()
	s.view.Store(&View{items: items, timeframe: tf.Clone()})
	s.mu.Unlock()
	s.logger.Debug("loaded snapshot",
		zap.Int("items", len(items)),
		zap.Object("timeframe", tf),
	)
	return nil
}
