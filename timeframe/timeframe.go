// Package timeframe implements the vector clock used to order messages across feeds.
//
// A timeframe maps a feed key to the highest sequence number observed on that feed.
// A feed that is absent from the timeframe has no observed messages.
package timeframe

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/common/types"
)

// MaxFrames bounds the number of frames accepted when decoding.
const MaxFrames = 1 << 16

// Frame is a single (feed, seq) pair of a timeframe.
type Frame struct {
	Feed types.PublicKey
	Seq  uint64
}

// EncodeScale implements scale codec interface.
func (f *Frame) EncodeScale(e *scale.Encoder) (int, error) {
	total := 0
	n, err := f.Feed.EncodeScale(e)
	if err != nil {
		return total, err
	}
	total += n
	n, err = scale.EncodeCompact64(e, f.Seq)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

// DecodeScale implements scale codec interface.
func (f *Frame) DecodeScale(d *scale.Decoder) (int, error) {
	total := 0
	n, err := f.Feed.DecodeScale(d)
	if err != nil {
		return total, err
	}
	total += n
	seq, n, err := scale.DecodeCompact64(d)
	if err != nil {
		return total, err
	}
	f.Seq = seq
	return total + n, nil
}

// Timeframe is a vector clock keyed by feed.
type Timeframe map[types.PublicKey]uint64

// New builds a timeframe from frames. Repeated feeds keep the highest seq.
func New(frames ...Frame) Timeframe {
	tf := make(Timeframe, len(frames))
	for _, f := range frames {
		if seq, ok := tf[f.Feed]; !ok || f.Seq > seq {
			tf[f.Feed] = f.Seq
		}
	}
	return tf
}

// Merge returns the pointwise maximum of all timeframes over the union of their feeds.
func Merge(tfs ...Timeframe) Timeframe {
	rst := Timeframe{}
	for _, tf := range tfs {
		for feed, seq := range tf {
			if current, ok := rst[feed]; !ok || seq > current {
				rst[feed] = seq
			}
		}
	}
	return rst
}

// IsTargetReached returns true if every feed of target has been consumed in current
// up to at least the target seq. Feeds known only to current are ignored.
func IsTargetReached(current, target Timeframe) bool {
	for feed, seq := range target {
		have, ok := current[feed]
		if !ok || have < seq {
			return false
		}
	}
	return true
}

// Dependencies returns the part of want that is not covered by have.
func Dependencies(want, have Timeframe) Timeframe {
	rst := Timeframe{}
	for feed, seq := range want {
		if current, ok := have[feed]; !ok || current < seq {
			rst[feed] = seq
		}
	}
	return rst
}

// Total returns the number of messages covered by the timeframe.
func Total(tf Timeframe) uint64 {
	var total uint64
	for _, seq := range tf {
		total += seq + 1
	}
	return total
}

// Get returns the seq for feed and whether any message of feed was seen.
func (tf Timeframe) Get(feed types.PublicKey) (uint64, bool) {
	seq, ok := tf[feed]
	return seq, ok
}

// Length returns the number of messages of feed covered by the timeframe.
func (tf Timeframe) Length(feed types.PublicKey) uint64 {
	seq, ok := tf[feed]
	if !ok {
		return 0
	}
	return seq + 1
}

// Set records seq for feed if it is higher than the existing one.
func (tf Timeframe) Set(feed types.PublicKey, seq uint64) {
	if current, ok := tf[feed]; !ok || seq > current {
		tf[feed] = seq
	}
}

// Clone returns a deep copy.
func (tf Timeframe) Clone() Timeframe {
	if tf == nil {
		return Timeframe{}
	}
	return maps.Clone(tf)
}

// Equal compares two timeframes, nil and empty are equal.
func (tf Timeframe) Equal(other Timeframe) bool {
	return maps.Equal(tf, other)
}

// IsEmpty returns true if no feed has any seen message.
func (tf Timeframe) IsEmpty() bool {
	return len(tf) == 0
}

// Keys returns feeds in the timeframe in ascending order.
func (tf Timeframe) Keys() []types.PublicKey {
	keys := slices.Collect(maps.Keys(tf))
	types.SortPublicKeys(keys)
	return keys
}

// Frames returns frames sorted by feed.
func (tf Timeframe) Frames() []Frame {
	frames := make([]Frame, 0, len(tf))
	for _, feed := range tf.Keys() {
		frames = append(frames, Frame{Feed: feed, Seq: tf[feed]})
	}
	return frames
}

func (tf Timeframe) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, frame := range tf.Frames() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s:%d", frame.Feed.ShortString(), frame.Seq)
	}
	sb.WriteByte(']')
	return sb.String()
}

// MarshalLogObject implements logging encoder for Timeframe.
func (tf Timeframe) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	for feed, seq := range tf {
		encoder.AddUint64(feed.ShortString(), seq)
	}
	return nil
}

// EncodeScale implements scale codec interface. Frames are written in feed order
// so that equal timeframes have equal encodings.
func (tf *Timeframe) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeStructSliceWithLimit(e, tf.Frames(), MaxFrames)
}

// DecodeScale implements scale codec interface.
func (tf *Timeframe) DecodeScale(d *scale.Decoder) (int, error) {
	frames, n, err := scale.DecodeStructSliceWithLimit[Frame](d, MaxFrames)
	if err != nil {
		return n, err
	}
	*tf = New(frames...)
	return n, nil
}
