package replication

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

// ErrProtocol is returned when a peer violates the replication protocol.
var ErrProtocol = errors.New("replication: protocol violation")

const maxHeads = 1 << 12

type messageKind uint8

const (
	kindHello messageKind = iota + 1
	kindHave
	kindFeedMessage
)

func (k messageKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindHave:
		return "have"
	case kindFeedMessage:
		return "feed message"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Targets are the timeframes consumed by the control and data pipelines of a space.
// Timeframes advertised by a peer become the targets of the local pipelines.
type Targets struct {
	Control timeframe.Timeframe
	Data    timeframe.Timeframe
}

// EncodeScale implements scale codec interface.
func (t *Targets) EncodeScale(e *scale.Encoder) (int, error) {
	total := 0
	{
		n, err := t.Control.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := t.Data.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (t *Targets) DecodeScale(d *scale.Decoder) (int, error) {
	total := 0
	{
		n, err := t.Control.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := t.Data.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Head is the number of messages a peer stores for a feed.
type Head struct {
	Feed   types.PublicKey
	Length uint64
}

// EncodeScale implements scale codec interface.
func (h *Head) EncodeScale(e *scale.Encoder) (int, error) {
	total := 0
	{
		n, err := h.Feed.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(e, h.Length)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (h *Head) DecodeScale(d *scale.Decoder) (int, error) {
	total := 0
	{
		n, err := h.Feed.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeCompact64(d)
		if err != nil {
			return total, err
		}
		total += n
		h.Length = field
	}
	return total, nil
}

// Hello opens a session. Heads list every feed of the space the sender stores.
type Hello struct {
	Targets Targets
	Heads   []Head
}

// EncodeScale implements scale codec interface.
func (h *Hello) EncodeScale(e *scale.Encoder) (int, error) {
	total := 0
	{
		n, err := h.Targets.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(e, h.Heads, maxHeads)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (h *Hello) DecodeScale(d *scale.Decoder) (int, error) {
	total := 0
	{
		n, err := h.Targets.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[Head](d, maxHeads)
		if err != nil {
			return total, err
		}
		total += n
		h.Heads = field
	}
	return total, nil
}

// Have announces feeds the sender started to store after Hello.
type Have struct {
	Heads []Head
}

// EncodeScale implements scale codec interface.
func (h *Have) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeStructSliceWithLimit(e, h.Heads, maxHeads)
}

// DecodeScale implements scale codec interface.
func (h *Have) DecodeScale(d *scale.Decoder) (int, error) {
	heads, n, err := scale.DecodeStructSliceWithLimit[Head](d, maxHeads)
	if err != nil {
		return n, err
	}
	h.Heads = heads
	return n, nil
}

func encodeMessage(kind messageKind, body codec.Encodable) ([]byte, error) {
	buf, err := codec.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return append([]byte{byte(kind)}, buf...), nil
}

// decodeMessage returns one of *Hello, *Have or *feed.Message.
func decodeMessage(buf []byte) (any, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrProtocol)
	}
	kind := messageKind(buf[0])
	var body codec.Decodable
	switch kind {
	case kindHello:
		body = &Hello{}
	case kindHave:
		body = &Have{}
	case kindFeedMessage:
		body = &feed.Message{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrProtocol, kind)
	}
	if err := codec.Decode(buf[1:], body); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocol, kind, err)
	}
	return body, nil
}
