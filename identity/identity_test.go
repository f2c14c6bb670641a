package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log/logtest"
	"github.com/spacemeshos/go-spacedb/model"
	"github.com/spacemeshos/go-spacedb/model/object"
	"github.com/spacemeshos/go-spacedb/p2p"
	"github.com/spacemeshos/go-spacedb/p2p/p2ptest"
	"github.com/spacemeshos/go-spacedb/replication"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/space"
	"github.com/spacemeshos/go-spacedb/sql"
)

const waitTimeout = 10 * time.Second

func waitCtx(tb testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	tb.Cleanup(cancel)
	return ctx
}

type testDevice struct {
	db       *sql.Database
	keyring  *signing.Keyring
	identity *Identity
	manager  *space.Manager
}

func newDevice(tb testing.TB, mesh *p2ptest.Mesh, create func(*sql.Database, *signing.Keyring) (*Identity, error)) *testDevice {
	tb.Helper()
	d := &testDevice{db: sql.InMemory(), keyring: signing.NewMemKeyring()}
	identity, err := create(d.db, d.keyring)
	require.NoError(tb, err)
	d.identity = identity

	logger := logtest.New(tb)
	verifier, err := signing.NewEdVerifier()
	require.NoError(tb, err)
	store, err := feed.NewStore(d.db, d.keyring, verifier, feed.WithLogger(logger))
	require.NoError(tb, err)
	device, err := d.keyring.Get(identity.Device())
	require.NoError(tb, err)
	host := mesh.Host(tb, device.PrivateKey(), p2p.WithLogger(logger))
	replicator := replication.New(host, store, replication.WithLogger(logger))
	d.manager = space.NewManager(d.db, store, d.keyring, verifier, model.NewFactory(object.Model{}), identity,
		space.WithLogger(logger),
		space.WithReplicator(replicator),
	)
	tb.Cleanup(func() { require.NoError(tb, d.manager.Close()) })
	return d
}

func TestFirstDevice(t *testing.T) {
	mesh := p2ptest.New(t)
	d := newDevice(t, mesh, func(db *sql.Database, keyring *signing.Keyring) (*Identity, error) {
		return Create(db, keyring, WithLogger(logtest.New(t)))
	})
	ctx := waitCtx(t)

	require.ErrorIs(t, d.identity.Ready(ctx), ErrNotStarted)
	require.NoError(t, d.identity.Start(ctx, d.manager))
	require.NoError(t, d.identity.Ready(ctx))
	require.Equal(t, []types.PublicKey{d.identity.Device()}, d.identity.AuthorizedDeviceKeys())

	// signs with the device key once the device is authorized
	signer := d.identity.Signer()
	require.NotNil(t, signer)
	require.Equal(t, d.identity.Identity(), signer.Issuer())

	require.NoError(t, d.identity.UpdateProfile(ctx, "alice"))
	require.Eventually(t, func() bool {
		profile, ok := d.identity.Profile()
		return ok && profile.DisplayName == "alice"
	}, waitTimeout, 10*time.Millisecond)

	t.Run("persisted", func(t *testing.T) {
		loaded, err := Load(d.db, d.keyring)
		require.NoError(t, err)
		require.Equal(t, d.identity.Identity(), loaded.Identity())
		require.Equal(t, d.identity.Device(), loaded.Device())
		halo, genesis := loaded.Halo()
		expected, expectedGenesis := d.identity.Halo()
		require.Equal(t, expected, halo)
		require.Equal(t, expectedGenesis, genesis)
	})
	t.Run("create twice", func(t *testing.T) {
		_, err := Create(d.db, d.keyring)
		require.ErrorIs(t, err, ErrExists)
	})
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(sql.InMemory(), signing.NewMemKeyring())
	require.ErrorIs(t, err, sql.ErrNotFound)
}

func TestSecondDevice(t *testing.T) {
	mesh := p2ptest.New(t)
	first := newDevice(t, mesh, func(db *sql.Database, keyring *signing.Keyring) (*Identity, error) {
		return Create(db, keyring)
	})
	ctx := waitCtx(t)
	require.NoError(t, first.identity.Start(ctx, first.manager))
	require.NoError(t, first.identity.Ready(ctx))

	second := newDevice(t, mesh, func(db *sql.Database, keyring *signing.Keyring) (*Identity, error) {
		return NewDevice(db, keyring, first.identity.Identity())
	})
	require.Nil(t, second.identity.Signer(), "identity key is kept on the first device")

	halo, genesis := first.identity.Halo()
	req, err := second.identity.JoinHalo(ctx, second.manager, halo, genesis)
	require.NoError(t, err)
	require.Empty(t, req.Credentials)
	require.NoError(t, first.identity.AdmitDevice(ctx, first.manager, req))
	require.NoError(t, second.identity.Ready(ctx))

	devices := []types.PublicKey{first.identity.Device(), second.identity.Device()}
	types.SortPublicKeys(devices)
	require.Eventually(t, func() bool {
		return len(first.identity.AuthorizedDeviceKeys()) == 2
	}, waitTimeout, 10*time.Millisecond)
	require.Equal(t, devices, first.identity.AuthorizedDeviceKeys())
	require.Equal(t, devices, second.identity.AuthorizedDeviceKeys())

	// the second device signs for the identity through its authorization chain
	signer := second.identity.Signer()
	require.NotNil(t, signer)
	require.NoError(t, second.identity.UpdateProfile(ctx, "from second"))
	require.Eventually(t, func() bool {
		profile, ok := first.identity.Profile()
		return ok && profile.DisplayName == "from second"
	}, waitTimeout, 10*time.Millisecond)

	t.Run("other identity", func(t *testing.T) {
		stranger := newDevice(t, mesh, func(db *sql.Database, keyring *signing.Keyring) (*Identity, error) {
			return Create(db, keyring)
		})
		require.NoError(t, stranger.identity.Start(ctx, stranger.manager))
		err := first.identity.AdmitDevice(ctx, first.manager, &space.JoinRequest{
			Identity: stranger.identity.Identity(),
			Device:   stranger.identity.Device(),
		})
		require.ErrorIs(t, err, space.ErrInvalidJoinRequest)
	})
}
