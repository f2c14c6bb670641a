package space

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log/logtest"
	"github.com/spacemeshos/go-spacedb/model"
	"github.com/spacemeshos/go-spacedb/model/counter"
	"github.com/spacemeshos/go-spacedb/model/object"
	"github.com/spacemeshos/go-spacedb/objects"
	"github.com/spacemeshos/go-spacedb/p2p"
	"github.com/spacemeshos/go-spacedb/p2p/p2ptest"
	"github.com/spacemeshos/go-spacedb/replication"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/sql"
	"github.com/spacemeshos/go-spacedb/sql/snapshots"
	"github.com/spacemeshos/go-spacedb/sql/spaces"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

const waitTimeout = 10 * time.Second

type testMember struct {
	identity *signing.EdSigner
	device   *signing.EdSigner
}

func newTestMember(tb testing.TB) *testMember {
	tb.Helper()
	identity, err := signing.NewEdSigner()
	require.NoError(tb, err)
	device, err := signing.NewEdSigner()
	require.NoError(tb, err)
	return &testMember{identity: identity, device: device}
}

func (m *testMember) Identity() types.PublicKey { return m.identity.PublicKey() }

func (m *testMember) Device() types.PublicKey { return m.device.PublicKey() }

func (m *testMember) Signer() *credentials.Signer { return credentials.NewSigner(m.identity) }

type testNode struct {
	member   *testMember
	db       *sql.Database
	keyring  *signing.Keyring
	verifier signing.Verifier
	store    *feed.Store
	manager  *Manager
}

func newTestNode(tb testing.TB, mesh *p2ptest.Mesh) *testNode {
	tb.Helper()
	node := &testNode{
		member:  newTestMember(tb),
		db:      sql.InMemory(),
		keyring: signing.NewMemKeyring(),
	}
	verifier, err := signing.NewEdVerifier()
	require.NoError(tb, err)
	node.verifier = verifier
	node.manager = node.start(tb, mesh)
	return node
}

// start creates a manager over the node database.
func (n *testNode) start(tb testing.TB, mesh *p2ptest.Mesh) *Manager {
	tb.Helper()
	logger := logtest.New(tb)
	store, err := feed.NewStore(n.db, n.keyring, n.verifier, feed.WithLogger(logger))
	require.NoError(tb, err)
	n.store = store
	opts := []Opt{WithLogger(logger)}
	if mesh != nil {
		host := mesh.Host(tb, n.member.device.PrivateKey(), p2p.WithLogger(logger))
		replicator := replication.New(host, store, replication.WithLogger(logger))
		opts = append(opts, WithReplicator(replicator))
	}
	manager := NewManager(n.db, store, n.keyring, n.verifier,
		model.NewFactory(object.Model{}, counter.Model{}), n.member, opts...)
	tb.Cleanup(func() { require.NoError(tb, manager.Close()) })
	return manager
}

func waitCtx(tb testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	tb.Cleanup(cancel)
	return ctx
}

func createObject(tb testing.TB, s *Space, title string) types.ObjectID {
	tb.Helper()
	ctx := waitCtx(tb)
	w := s.DataPipeline().Writer()
	id, err := w.CreateObject(ctx, "doc", object.Type, types.EmptyObjectID)
	require.NoError(tb, err)
	require.NoError(tb, w.Mutate(ctx, id, object.Set("title", object.String(title))))
	require.NoError(tb, s.DataPipeline().State().WaitUntilTimeframe(ctx, w.Written()))
	return id
}

func requireTitle(tb testing.TB, s *Space, id types.ObjectID, title string) {
	tb.Helper()
	require.Eventually(tb, func() bool {
		store, err := s.Objects()
		if err != nil {
			return false
		}
		item, ok := store.View().Get(id)
		if !ok {
			return false
		}
		value, ok := item.Property("title")
		return ok && value == object.String(title)
	}, waitTimeout, 10*time.Millisecond)
}

func join(tb testing.TB, owner, joiner *testNode, s *Space) *Space {
	tb.Helper()
	ctx := waitCtx(tb)
	joined, req, err := joiner.manager.PrepareJoin(ctx, s.Key(), s.GenesisFeed())
	require.NoError(tb, err)
	require.Len(tb, req.Credentials, 3)
	require.NoError(tb, owner.manager.Admit(ctx, s.Key(), req))
	require.NoError(tb, joined.WaitUntilReady(ctx))
	return joined
}

func TestCreateSpace(t *testing.T) {
	node := newTestNode(t, nil)
	s, err := node.manager.CreateSpace(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, Ready, s.State())

	members := s.Members()
	require.Len(t, members, 1)
	require.Equal(t, node.member.Identity(), members[0].Identity)

	record, err := spaces.Get(node.db, s.Key())
	require.NoError(t, err)
	require.Equal(t, spaces.Active, record.State)
	require.Equal(t, s.GenesisFeed(), record.ControlFeed)
	require.False(t, record.DataFeed.Empty())
	require.ElementsMatch(t, []types.PublicKey{record.ControlFeed, record.DataFeed}, s.Feeds())

	id := createObject(t, s, "hello")
	requireTitle(t, s, id, "hello")

	got, err := node.manager.Space(s.Key())
	require.NoError(t, err)
	require.Same(t, s, got)
	_, err = node.manager.Space(types.PublicKey{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJoinReplicatesObjects(t *testing.T) {
	mesh := p2ptest.New(t)
	alice := newTestNode(t, mesh)
	bob := newTestNode(t, mesh)

	s, err := alice.manager.CreateSpace(waitCtx(t))
	require.NoError(t, err)
	before := createObject(t, s, "before")
	joined := join(t, alice, bob, s)
	requireTitle(t, joined, before, "before")

	id := createObject(t, s, "x")
	requireTitle(t, joined, id, "x")

	require.Eventually(t, func() bool {
		return len(joined.Members()) == 2 && len(s.Members()) == 2
	}, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		members, err := spaces.Members(bob.db, s.Key())
		return err == nil && len(members) == 2
	}, waitTimeout, 10*time.Millisecond)

	t.Run("written by joined member", func(t *testing.T) {
		id := createObject(t, joined, "from bob")
		requireTitle(t, s, id, "from bob")
	})
	t.Run("join twice", func(t *testing.T) {
		_, _, err := bob.manager.PrepareJoin(waitCtx(t), s.Key(), s.GenesisFeed())
		require.ErrorIs(t, err, sql.ErrObjectExists)
	})
}

func TestNonMemberReceivesNothing(t *testing.T) {
	mesh := p2ptest.New(t)
	alice := newTestNode(t, mesh)
	mallory := newTestNode(t, mesh)

	s, err := alice.manager.CreateSpace(waitCtx(t))
	require.NoError(t, err)
	createObject(t, s, "secret")
	record, err := spaces.Get(alice.db, s.Key())
	require.NoError(t, err)

	// mallory knows the space and its genesis feed but is never admitted
	_, _, err = mallory.manager.PrepareJoin(waitCtx(t), s.Key(), s.GenesisFeed())
	require.NoError(t, err)
	lengths := func() uint64 {
		var total uint64
		for _, key := range []types.PublicKey{s.GenesisFeed(), record.DataFeed} {
			f, err := mallory.store.OpenFeed(context.Background(), key, false)
			if err == nil {
				total += f.Length()
			}
		}
		return total
	}
	require.Never(t, func() bool {
		return lengths() > 0
	}, time.Second, 20*time.Millisecond)
	require.False(t, s.StateMachine().IsMember(mallory.member.Identity()))

	// an admitted member on the same mesh still replicates
	bob := newTestNode(t, mesh)
	joined := join(t, alice, bob, s)
	require.Eventually(t, func() bool {
		return len(joined.Members()) == 2
	}, waitTimeout, 10*time.Millisecond)
	require.Zero(t, lengths())
}

func TestConcurrentWritesConverge(t *testing.T) {
	mesh := p2ptest.New(t)
	alice := newTestNode(t, mesh)
	bob := newTestNode(t, mesh)

	s, err := alice.manager.CreateSpace(waitCtx(t))
	require.NoError(t, err)
	joined := join(t, alice, bob, s)

	const n = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[types.ObjectID]string{}
	)
	ctx := waitCtx(t)
	for title, space := range map[string]*Space{"alice": s, "bob": joined} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := space.DataPipeline().Writer()
			for i := 0; i < n; i++ {
				id, err := w.CreateObject(ctx, "doc", object.Type, types.EmptyObjectID)
				if err != nil {
					return
				}
				if err := w.Mutate(ctx, id, object.Set("title", object.String(title))); err != nil {
					return
				}
				mu.Lock()
				ids[id] = title
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, ids, 2*n)

	for _, space := range []*Space{s, joined} {
		for id, title := range ids {
			requireTitle(t, space, id, title)
		}
	}
	alicesView, err := s.Objects()
	require.NoError(t, err)
	bobsView, err := joined.Objects()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return alicesView.View().Len() == bobsView.View().Len()
	}, waitTimeout, 10*time.Millisecond)
}

func TestInvalidTransitions(t *testing.T) {
	node := newTestNode(t, nil)
	ctx := waitCtx(t)
	s, err := node.manager.CreateSpace(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, s.InitializeDataPipeline(ctx), ErrInvalidStateTransition)
	require.ErrorIs(t, s.Activate(ctx, ScopeDevice), ErrInvalidStateTransition)

	require.NoError(t, s.Deactivate(ctx, ScopeDevice))
	require.Equal(t, Inactive, s.State())
	require.ErrorIs(t, s.Deactivate(ctx, ScopeDevice), ErrInvalidStateTransition)
	_, err = s.Objects()
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	states, cancel := s.OnStateChangedChan(4)
	defer cancel()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, Closed, s.State())
	require.Equal(t, Closed, <-states)
	_, open := <-states
	require.False(t, open, "closed space closes subscriptions")
	require.ErrorIs(t, s.InitializeDataPipeline(ctx), ErrClosed)
	require.ErrorIs(t, s.WaitUntilReady(ctx), ErrClosed)
}

func TestOpenReleasesPipelineOnReplicationError(t *testing.T) {
	node := newTestNode(t, nil)
	ctx := waitCtx(t)
	created, err := node.manager.CreateSpace(ctx)
	require.NoError(t, err)
	record, err := spaces.Get(node.db, created.Key())
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	network := p2p.NewMockNetwork(ctrl)
	errJoin := errors.New("topic unavailable")
	left := make(chan struct{})
	gomock.InOrder(
		network.EXPECT().Join(gomock.Any(), created.Key(), gomock.Any()).Return(nil, errJoin),
		network.EXPECT().Join(gomock.Any(), created.Key(), gomock.Any()).Return(func() { close(left) }, nil),
	)
	d := *node.manager.deps
	d.replicator = replication.New(network, node.store, replication.WithLogger(logtest.New(t)))

	s := newSpace(&d, record)
	require.ErrorIs(t, s.open(ctx), errJoin)
	require.Equal(t, Closed, s.State())
	require.Nil(t, s.StateMachine())
	require.Nil(t, s.ControlPipeline())
	require.NoError(t, s.Close())

	// nothing leaked from the failed attempt, so the space can be opened again
	require.NoError(t, s.open(ctx))
	require.Equal(t, Inactive, s.State())
	require.NotNil(t, s.ControlPipeline())
	require.NoError(t, s.Close())
	select {
	case <-left:
	case <-time.After(waitTimeout):
		require.FailNow(t, "topic not left on close")
	}
}

func TestDeactivateKeepsSnapshot(t *testing.T) {
	node := newTestNode(t, nil)
	ctx := waitCtx(t)
	s, err := node.manager.CreateSpace(ctx)
	require.NoError(t, err)

	w := s.DataPipeline().Writer()
	id, err := w.CreateObject(ctx, "count", counter.Type, types.EmptyObjectID)
	require.NoError(t, err)
	require.NoError(t, w.Mutate(ctx, id, counter.Add(7)))
	require.NoError(t, s.DataPipeline().State().WaitUntilTimeframe(ctx, w.Written()))

	states, cancel := s.OnStateChangedChan(4)
	defer cancel()
	require.NoError(t, s.Deactivate(ctx, ScopeGlobal))
	require.Equal(t, Inactive, <-states)
	require.Nil(t, s.DataPipeline())

	tf, _, err := snapshots.Get(node.db, s.Key())
	require.NoError(t, err)
	require.True(t, timeframe.IsTargetReached(tf, w.Written()))
	record, err := spaces.Get(node.db, s.Key())
	require.NoError(t, err)
	require.Equal(t, spaces.Inactive, record.State)
	requireActive(t, s, node.member.Identity(), false)

	require.NoError(t, s.Activate(ctx, ScopeGlobal))
	require.Equal(t, Initializing, <-states)
	require.Equal(t, Ready, <-states)
	store, err := s.Objects()
	require.NoError(t, err)
	item, ok := store.View().Get(id)
	require.True(t, ok)
	require.Equal(t, int64(7), item.State.(*counter.State).Value)
	requireActive(t, s, node.member.Identity(), true)
}

func requireActive(tb testing.TB, s *Space, identity types.PublicKey, active bool) {
	tb.Helper()
	require.Eventually(tb, func() bool {
		for _, member := range s.Members() {
			if member.Identity == identity {
				return member.Active == active
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
}

func TestReadyCallbacks(t *testing.T) {
	node := newTestNode(t, nil)
	ctx := waitCtx(t)
	s, err := node.manager.CreateSpace(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Deactivate(ctx, ScopeDevice))

	var order []string
	s.BeforeReady(func(_ context.Context, s *Space) error {
		require.Equal(t, Initializing, s.State())
		order = append(order, "before")
		return nil
	})
	s.AfterReady(func(_ context.Context, s *Space) error {
		require.Equal(t, Ready, s.State())
		order = append(order, "after")
		return nil
	})
	require.NoError(t, s.Activate(ctx, ScopeDevice))
	require.Equal(t, []string{"before", "after"}, order)

	t.Run("failing before ready", func(t *testing.T) {
		require.NoError(t, s.Deactivate(ctx, ScopeDevice))
		cancel := s.BeforeReady(func(context.Context, *Space) error {
			return context.DeadlineExceeded
		})
		require.ErrorIs(t, s.Activate(ctx, ScopeDevice), context.DeadlineExceeded)
		require.Equal(t, Inactive, s.State())
		cancel()
		require.NoError(t, s.Activate(ctx, ScopeDevice))
	})
}

func TestManagerReopen(t *testing.T) {
	node := newTestNode(t, nil)
	s, err := node.manager.CreateSpace(waitCtx(t))
	require.NoError(t, err)
	id := createObject(t, s, "persisted")
	key := s.Key()
	require.NoError(t, node.manager.Close())

	manager := node.start(t, nil)
	require.NoError(t, manager.Open(waitCtx(t)))
	reopened, err := manager.Space(key)
	require.NoError(t, err)
	require.NoError(t, reopened.WaitUntilReady(waitCtx(t)))
	requireTitle(t, reopened, id, "persisted")
	require.Len(t, manager.Spaces(), 1)
}

func TestAdmitInvalidRequest(t *testing.T) {
	node := newTestNode(t, nil)
	ctx := waitCtx(t)
	s, err := node.manager.CreateSpace(ctx)
	require.NoError(t, err)

	other := newTestMember(t)
	forged := newTestMember(t)
	for _, tc := range []struct {
		desc string
		req  *JoinRequest
	}{
		{
			desc: "no credentials from other identity",
			req:  &JoinRequest{Identity: other.Identity(), Device: other.Device()},
		},
		{
			desc: "credentials of another issuer",
			req: &JoinRequest{
				Identity:    other.Identity(),
				Device:      other.Device(),
				Credentials: []*credentials.Credential{credentials.AuthorizeDevice(forged.Signer(), other.Device())},
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.ErrorIs(t, node.manager.Admit(ctx, s.Key(), tc.req), ErrInvalidJoinRequest)
		})
	}
	require.False(t, s.StateMachine().IsMember(other.Identity()))
	require.ErrorIs(t, node.manager.Admit(ctx, types.PublicKey{1}, &JoinRequest{}), ErrNotFound)
}

func TestQueryAfterReady(t *testing.T) {
	node := newTestNode(t, nil)
	s, err := node.manager.CreateSpace(waitCtx(t))
	require.NoError(t, err)
	store, err := s.Objects()
	require.NoError(t, err)
	docs := store.Query(objects.Filter{Type: "doc"})
	defer docs.Close()

	createObject(t, s, "first")
	createObject(t, s, "second")
	require.Len(t, docs.Result(), 2)
}
