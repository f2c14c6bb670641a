package feed

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/sql"
)

// Feed is an append-only log of messages signed by a single key.
// Messages are numbered from 0 without gaps and never change once stored.
type Feed struct {
	store *Store
	key   types.PublicKey

	mu       sync.Mutex
	signer   *signing.EdSigner
	length   uint64
	watchers map[int]chan<- struct{}
	watchID  int
}

// Key returns the feed public key.
func (f *Feed) Key() types.PublicKey {
	return f.key
}

// Writable returns true if the private key of the feed is available.
func (f *Feed) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signer != nil
}

func (f *Feed) setSigner(signer *signing.EdSigner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signer = signer
}

// Length returns the number of stored messages.
func (f *Feed) Length() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.length
}

// Append signs payload and stores it as the next message. The message is durable
// when Append returns.
func (f *Feed) Append(ctx context.Context, payload []byte) (uint64, error) {
	if len(payload) > MaxPayloadSize {
		return 0, fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signer == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotWritable, f.key.ShortString())
	}
	msg := &Message{
		Feed:    f.key,
		Seq:     f.length,
		Payload: payload,
	}
	msg.Signature = f.signer.Sign(signing.FEED, msg.SignedBytes())
	if err := f.store.put(ctx, msg); err != nil {
		return 0, fmt.Errorf("append to %s: %w", f.key.ShortString(), err)
	}
	f.advance()
	appended.WithLabelValues(sourceLocal).Inc()
	return msg.Seq, nil
}

// Write stores a message received from another peer. It returns false if an
// identical message is already stored.
func (f *Feed) Write(ctx context.Context, msg *Message) (bool, error) {
	if msg.Feed != f.key {
		return false, fmt.Errorf("message of %s written to %s", msg.Feed.ShortString(), f.key.ShortString())
	}
	if !msg.Verify(f.store.verifier) {
		return false, fmt.Errorf("%w: %s/%d", ErrInvalidSignature, f.key.ShortString(), msg.Seq)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case msg.Seq > f.length:
		return false, fmt.Errorf("%w: %s has %d messages, got %d", ErrOutOfOrder, f.key.ShortString(), f.length, msg.Seq)
	case msg.Seq < f.length:
		stored, err := f.store.get(f.key, msg.Seq)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(stored.Payload, msg.Payload) || stored.Signature != msg.Signature {
			f.store.logger.Warn("conflicting message for feed",
				log.ZShortStringer("feed", f.key),
				zap.Uint64("seq", msg.Seq),
			)
			return false, fmt.Errorf("%w: %s/%d", ErrForked, f.key.ShortString(), msg.Seq)
		}
		return false, nil
	}
	if err := f.store.put(ctx, msg); err != nil {
		return false, fmt.Errorf("write to %s: %w", f.key.ShortString(), err)
	}
	f.advance()
	appended.WithLabelValues(sourceRemote).Inc()
	return true, nil
}

// advance must be called with mu held.
func (f *Feed) advance() {
	f.length++
	for _, ch := range f.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Get returns the message at seq.
func (f *Feed) Get(ctx context.Context, seq uint64) (*Message, error) {
	if seq >= f.Length() {
		return nil, fmt.Errorf("message %s/%d: %w", f.key.ShortString(), seq, sql.ErrNotFound)
	}
	return f.store.get(f.key, seq)
}

// Watch registers ch to be notified after every appended message. Notifications
// never block: ch should be buffered, a pending notification coalesces later ones.
// The returned function unregisters ch.
func (f *Feed) Watch(ch chan<- struct{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.watchID
	f.watchID++
	f.watchers[id] = ch
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

// NewReader returns a reader positioned at seq from.
func (f *Feed) NewReader(from uint64) *Reader {
	return &Reader{feed: f, next: from}
}

// Reader iterates over feed messages, waiting for new ones at the end of the feed.
type Reader struct {
	feed *Feed
	next uint64
}

// Seq returns the seq of the message that will be returned by Next.
func (r *Reader) Seq() uint64 {
	return r.next
}

// Seek moves the reader to seq. Seeking backwards restarts reading from that message.
func (r *Reader) Seek(seq uint64) {
	r.next = seq
}

// Available returns true if Next won't block.
func (r *Reader) Available() bool {
	return r.next < r.feed.Length()
}

// Next returns the next message, blocking until it is appended or ctx is done.
func (r *Reader) Next(ctx context.Context) (*Message, error) {
	if !r.Available() {
		wake := make(chan struct{}, 1)
		cancel := r.feed.Watch(wake)
		defer cancel()
		for !r.Available() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wake:
			}
		}
	}
	msg, err := r.feed.Get(ctx, r.next)
	if err != nil {
		return nil, fmt.Errorf("read %s/%d: %w", r.feed.key.ShortString(), r.next, err)
	}
	r.next++
	return msg, nil
}
