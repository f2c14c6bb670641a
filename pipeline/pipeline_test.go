package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log/logtest"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/sql"
)

const waitTimeout = 5 * time.Second

func newFeedStore(tb testing.TB) *feed.Store {
	tb.Helper()
	verifier, err := signing.NewEdVerifier()
	require.NoError(tb, err)
	store, err := feed.NewStore(sql.InMemory(), signing.NewMemKeyring(), verifier, feed.WithLogger(logtest.New(tb)))
	require.NoError(tb, err)
	return store
}

func newEdSigner(tb testing.TB) *signing.EdSigner {
	tb.Helper()
	signer, err := signing.NewEdSigner()
	require.NoError(tb, err)
	return signer
}

func createFeed(tb testing.TB, store *feed.Store) *feed.Feed {
	tb.Helper()
	f, err := store.CreateFeed(context.Background())
	require.NoError(tb, err)
	return f
}

func writeCredentials(tb testing.TB, f *feed.Feed, creds ...*credentials.Credential) {
	tb.Helper()
	_, err := WriteCredentials(context.Background(), f, creds...)
	require.NoError(tb, err)
}

// copyFeed replicates messages of key that to is missing.
func copyFeed(tb testing.TB, from, to *feed.Store, key types.PublicKey) {
	tb.Helper()
	ctx := context.Background()
	src, err := from.OpenFeed(ctx, key, false)
	require.NoError(tb, err)
	dst, err := to.OpenFeed(ctx, key, false)
	require.NoError(tb, err)
	for seq := dst.Length(); seq < src.Length(); seq++ {
		msg, err := src.Get(ctx, seq)
		require.NoError(tb, err)
		_, err = dst.Write(ctx, msg)
		require.NoError(tb, err)
	}
}

// runAll runs fns until the test ends.
func runAll(tb testing.TB, fns ...func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		eg.Go(func() error { return fn(ctx) })
	}
	tb.Cleanup(func() {
		cancel()
		require.NoError(tb, eg.Wait())
	})
}

func waitCtx(tb testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	tb.Cleanup(cancel)
	return ctx
}
