// Package feed implements append-only signed logs, one per writer.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/sql"
	"github.com/spacemeshos/go-spacedb/sql/feeds"
)

var (
	// ErrNotWritable is returned when appending to a feed without its private key.
	ErrNotWritable = errors.New("feed: not writable")
	// ErrOutOfOrder is returned when a replicated message would leave a gap.
	ErrOutOfOrder = errors.New("feed: message out of order")
	// ErrForked is returned when a replicated message conflicts with a stored one.
	ErrForked = errors.New("feed: conflicting message")
	// ErrInvalidSignature is returned for messages not signed by the feed key.
	ErrInvalidSignature = errors.New("feed: invalid signature")
)

const defaultCacheSize = 4096

type cacheKey struct {
	feed types.PublicKey
	seq  uint64
}

// Opt modifies Store.
type Opt func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCacheSize sets the number of messages kept in memory.
func WithCacheSize(size int) Opt {
	return func(s *Store) {
		s.cacheSize = size
	}
}

// WithClock sets the clock used to timestamp new feeds.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Store) {
		s.clock = clock
	}
}

// Store opens feeds backed by the database. Every feed key maps to a single *Feed
// instance for the lifetime of the store.
type Store struct {
	logger    *zap.Logger
	db        *sql.Database
	keyring   *signing.Keyring
	verifier  signing.Verifier
	clock     clockwork.Clock
	cacheSize int
	cache     *lru.Cache[cacheKey, *Message]

	mu    sync.Mutex
	feeds map[types.PublicKey]*Feed
}

// NewStore creates a feed store.
func NewStore(db *sql.Database, keyring *signing.Keyring, verifier signing.Verifier, opts ...Opt) (*Store, error) {
	s := &Store{
		logger:    zap.NewNop(),
		db:        db,
		keyring:   keyring,
		verifier:  verifier,
		clock:     clockwork.NewRealClock(),
		cacheSize: defaultCacheSize,
		feeds:     map[types.PublicKey]*Feed{},
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[cacheKey, *Message](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create message cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// CreateFeed generates a new key in the keyring and opens a writable feed for it.
func (s *Store) CreateFeed(ctx context.Context) (*Feed, error) {
	signer, err := s.keyring.Create()
	if err != nil {
		return nil, fmt.Errorf("create feed key: %w", err)
	}
	return s.OpenFeed(ctx, signer.PublicKey(), true)
}

// OpenFeed opens the feed for key. A writable feed requires the private key in the
// keyring, otherwise ErrNotWritable is returned. A feed opened read-only can later be
// reopened as writable.
func (s *Store) OpenFeed(ctx context.Context, key types.PublicKey, writable bool) (*Feed, error) {
	var signer *signing.EdSigner
	if writable {
		var err error
		signer, err = s.keyring.Get(key)
		if errors.Is(err, signing.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotWritable, key.ShortString())
		} else if err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.feeds[key]; ok {
		if signer != nil {
			f.setSigner(signer)
		}
		return f, nil
	}
	if err := feeds.Add(s.db, key, s.clock.Now()); err != nil {
		return nil, err
	}
	length, err := feeds.Length(s.db, key)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		store:    s,
		key:      key,
		signer:   signer,
		length:   length,
		watchers: map[int]chan<- struct{}{},
	}
	s.feeds[key] = f
	s.logger.Debug("opened feed",
		log.ZShortStringer("feed", key),
		zap.Bool("writable", writable),
		zap.Uint64("length", length),
	)
	return f, nil
}

// Feeds returns keys of all feeds known to the database.
func (s *Store) Feeds() ([]types.PublicKey, error) {
	return feeds.All(s.db)
}

func (s *Store) get(key types.PublicKey, seq uint64) (*Message, error) {
	if msg, ok := s.cache.Get(cacheKey{key, seq}); ok {
		return msg, nil
	}
	payload, sig, err := feeds.GetMessage(s.db, key, seq)
	if err != nil {
		return nil, err
	}
	msg := &Message{Feed: key, Seq: seq, Payload: payload, Signature: sig}
	s.cache.Add(cacheKey{key, seq}, msg)
	return msg, nil
}

func (s *Store) put(ctx context.Context, msg *Message) error {
	if err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return feeds.AddMessage(tx, msg.Feed, msg.Seq, msg.Payload, msg.Signature)
	}); err != nil {
		return err
	}
	s.cache.Add(cacheKey{msg.Feed, msg.Seq}, msg)
	return nil
}
