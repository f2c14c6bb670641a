package credentials

import (
	"bytes"
	"testing"

	"github.com/spacemeshos/go-scale"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/log/logtest"
	"github.com/spacemeshos/go-spacedb/signing"
)

type testSpace struct {
	space    *Signer
	identity *Signer
	device   *signing.EdSigner
	control  types.PublicKey
	data     types.PublicKey
	verifier *signing.EdVerifier
}

func newSigner(tb testing.TB) *signing.EdSigner {
	tb.Helper()
	signer, err := signing.NewEdSigner()
	require.NoError(tb, err)
	return signer
}

func newTestSpace(tb testing.TB) *testSpace {
	verifier, err := signing.NewEdVerifier()
	require.NoError(tb, err)
	return &testSpace{
		space:    NewSigner(newSigner(tb)),
		identity: NewSigner(newSigner(tb)),
		device:   newSigner(tb),
		control:  types.PublicKey{0xc},
		data:     types.PublicKey{0xd},
		verifier: verifier,
	}
}

func (ts *testSpace) key() types.PublicKey {
	return ts.space.Issuer()
}

func (ts *testSpace) genesis() []*Credential {
	return CreateSpaceGenesis(ts.space, ts.identity, ts.device.PublicKey(), ts.control)
}

func (ts *testSpace) stateMachine(tb testing.TB) *StateMachine {
	return NewStateMachine(ts.key(), ts.verifier,
		WithLogger(logtest.New(tb)),
		WithLocalDevice(ts.identity.Issuer(), ts.device.PublicKey()),
	)
}

func processAll(tb testing.TB, sm *StateMachine, creds ...*Credential) {
	tb.Helper()
	for _, cred := range creds {
		require.NoError(tb, sm.Process(cred, types.PublicKey{}))
	}
}

func TestDeviceChainReady(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t)

	var admitted []FeedInfo
	sm.OnFeedAdmitted(func(info FeedInfo) { admitted = append(admitted, info) })

	processAll(t, sm, ts.genesis()...)
	require.False(t, sm.Device().DeviceChainReady().Resolved())
	require.Equal(t, DeviceAuthorized, sm.IdentityState(ts.identity.Issuer()))

	processAll(t, sm, AdmitFeed(ts.identity, ts.key(), ts.device.PublicKey(), ts.data, DATA))
	require.True(t, sm.Device().DeviceChainReady().Resolved())
	require.Equal(t, FeedAdmitted, sm.IdentityState(ts.identity.Issuer()))
	require.Equal(t, []types.PublicKey{ts.device.PublicKey()}, sm.AuthorizedDeviceKeys())
	require.NotNil(t, sm.Device().Credential())

	require.Len(t, admitted, 2)
	require.Equal(t, CONTROL, admitted[0].Designation)
	require.Equal(t, ts.control, admitted[0].Key)
	require.Equal(t, DATA, admitted[1].Designation)
	require.Len(t, sm.Feeds(DATA), 1)
	require.Equal(t, []Member{{Identity: ts.identity.Issuer(), Active: true}}, sm.Members())
}

func TestProcessIdempotent(t *testing.T) {
	ts := newTestSpace(t)
	once := ts.stateMachine(t)
	twice := ts.stateMachine(t)

	creds := append(ts.genesis(), AdmitFeed(ts.identity, ts.key(), ts.device.PublicKey(), ts.data, DATA))
	processAll(t, once, creds...)

	admitted := 0
	twice.OnFeedAdmitted(func(FeedInfo) { admitted++ })
	processAll(t, twice, creds...)
	processAll(t, twice, creds...)

	require.Equal(t, 2, admitted)
	require.Equal(t, once.AuthorizedDeviceKeys(), twice.AuthorizedDeviceKeys())
	require.Equal(t, once.Feeds(CONTROL), twice.Feeds(CONTROL))
	require.Equal(t, once.Feeds(DATA), twice.Feeds(DATA))
	require.Equal(t, once.Members(), twice.Members())
	require.Len(t, twice.Credentials(), len(creds))
}

func TestChainSigner(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t)
	genesis := ts.genesis()
	processAll(t, sm, genesis...)

	deviceCredential := genesis[2]
	deviceSigner := NewChainSigner(ts.identity.Issuer(), ts.device, deviceCredential)
	processAll(t, sm, AdmitFeed(deviceSigner, ts.key(), ts.device.PublicKey(), ts.data, DATA))
	require.True(t, sm.Device().DeviceChainReady().Resolved())

	t.Run("signer not authorized by chain", func(t *testing.T) {
		other := newSigner(t)
		forged := NewChainSigner(ts.identity.Issuer(), other, deviceCredential)
		err := sm.Process(UpdateProfile(forged, "mallory"), types.PublicKey{})
		require.ErrorIs(t, err, ErrInvalidChain)
	})
	t.Run("missing chain", func(t *testing.T) {
		cred := UpdateProfile(deviceSigner, "alice")
		cred.Chain = nil
		require.ErrorIs(t, sm.Process(cred, types.PublicKey{}), ErrInvalidChain)
	})
}

func TestChainPending(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t)
	genesis := ts.genesis()
	processAll(t, sm, genesis...)

	// second device authorized by the first one, its credential carries no chain
	// so it can only be trusted after the link is processed.
	deviceSigner := NewChainSigner(ts.identity.Issuer(), ts.device, genesis[2])
	second := newSigner(t)
	secondAuth := AuthorizeDevice(deviceSigner, second.PublicKey())
	stripped := *secondAuth
	stripped.Chain = nil

	secondSigner := NewChainSigner(ts.identity.Issuer(), second, &stripped)
	profile := UpdateProfile(secondSigner, "second")

	require.ErrorIs(t, sm.Process(profile, types.PublicKey{}), ErrChainPending)
	processAll(t, sm, secondAuth)
	require.NoError(t, sm.Process(profile, types.PublicKey{}))
	require.Equal(t, "second", sm.Members()[0].DisplayName)

	t.Run("admission before device authorization is pending", func(t *testing.T) {
		third := newSigner(t)
		cred := AdmitFeed(ts.identity, ts.key(), third.PublicKey(), types.PublicKey{0xf}, DATA)
		require.ErrorIs(t, sm.Process(cred, types.PublicKey{}), ErrChainPending)
		processAll(t, sm, AuthorizeDevice(ts.identity, third.PublicKey()))
		require.NoError(t, sm.Process(cred, types.PublicKey{}))
	})
}

func TestDeviceAuthorized(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t)
	var authorized []types.PublicKey
	sm.OnDeviceAuthorized(func(device types.PublicKey) { authorized = append(authorized, device) })
	processAll(t, sm, ts.genesis()...)
	require.Equal(t, []types.PublicKey{ts.device.PublicKey()}, authorized)
	require.True(t, sm.IsAuthorizedDevice(ts.device.PublicKey()))

	// identity that was never admitted can't authorize devices
	outsider := NewSigner(newSigner(t))
	device := newSigner(t).PublicKey()
	require.ErrorIs(t, sm.Process(AuthorizeDevice(outsider, device), types.PublicKey{}), ErrUnauthorized)
	require.False(t, sm.IsAuthorizedDevice(device))

	member := NewSigner(newSigner(t))
	processAll(t, sm,
		AdmitMember(ts.identity, ts.key(), member.Issuer()),
		AuthorizeDevice(member, device),
	)
	require.True(t, sm.IsAuthorizedDevice(device))
	require.Equal(t, []types.PublicKey{ts.device.PublicKey(), device}, authorized)
}

func TestUnauthorized(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t)
	genesis := ts.genesis()

	outsider := NewSigner(newSigner(t))
	require.ErrorIs(t, sm.Process(genesis[1], types.PublicKey{}), ErrUnauthorized, "before genesis")
	processAll(t, sm, genesis...)

	for _, tc := range []struct {
		desc string
		cred *Credential
	}{
		{"second genesis", outsider.Create(outsider.Issuer(), &SpaceGenesis{Space: outsider.Issuer()})},
		{"member by outsider", AdmitMember(outsider, ts.key(), outsider.Issuer())},
		{"device of non member", AuthorizeDevice(outsider, types.PublicKey{1})},
		{"feed by non member", AdmitFeed(outsider, ts.key(), types.PublicKey{1}, types.PublicKey{2}, DATA)},
		{"feed of other space", AdmitFeed(ts.identity, types.PublicKey{9}, ts.device.PublicKey(), types.PublicKey{2}, DATA)},
		{"feed admitted twice", AdmitFeed(ts.identity, ts.key(), ts.device.PublicKey(), ts.control, DATA)},
		{"activity of other identity", outsider.Create(ts.key(), &SpaceActivity{Space: ts.key(), Identity: ts.identity.Issuer()})},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.ErrorIs(t, sm.Process(tc.cred, types.PublicKey{}), ErrUnauthorized)
		})
	}

	t.Run("invalid signature", func(t *testing.T) {
		cred := UpdateProfile(ts.identity, "alice")
		cred.Proof.Signature[0] ^= 0xff
		require.ErrorIs(t, sm.Process(cred, types.PublicKey{}), ErrInvalidSignature)
	})
	t.Run("member admitted by member", func(t *testing.T) {
		processAll(t, sm, AdmitMember(ts.identity, ts.key(), outsider.Issuer()))
		require.True(t, sm.IsMember(outsider.Issuer()))
		require.Equal(t, Pending, sm.IdentityState(outsider.Issuer()))
	})
}

func TestSpaceActivity(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t)
	processAll(t, sm, ts.genesis()...)

	var updates []Member
	sm.OnMemberUpdated(func(m Member) { updates = append(updates, m) })
	processAll(t, sm, SetActivity(ts.identity, ts.key(), false))
	require.Len(t, updates, 1)
	require.False(t, updates[0].Active)
	require.False(t, sm.Members()[0].Active)

	sm.Close()
	processAll(t, sm, SetActivity(ts.identity, ts.key(), true))
	require.Len(t, updates, 1, "observers are dropped on close")
}

func TestCredentialCodec(t *testing.T) {
	ts := newTestSpace(t)
	genesis := ts.genesis()
	deviceSigner := NewChainSigner(ts.identity.Issuer(), ts.device, genesis[2])
	cred := AdmitFeed(deviceSigner, ts.key(), ts.device.PublicKey(), ts.data, DATA)

	var decoded Credential
	require.NoError(t, codec.Decode(cred.Encode(), &decoded))
	require.Equal(t, cred.ID(), decoded.ID())
	require.Equal(t, cred.Assertion, decoded.Assertion)
	require.Equal(t, cred.Proof, decoded.Proof)
	require.Len(t, decoded.Chain, 1)
	require.Equal(t, genesis[2].ID(), decoded.Chain[0].ID())
	require.True(t, decoded.Verify(ts.verifier))

	t.Run("unknown assertion", func(t *testing.T) {
		var buf bytes.Buffer
		enc := scale.NewEncoder(&buf)
		_, err := encodeAll(enc, &cred.Issuer, &cred.Subject)
		require.NoError(t, err)
		_, err = scale.EncodeCompact64(enc, 1)
		require.NoError(t, err)
		_, err = scale.EncodeCompact8(enc, 63)
		require.NoError(t, err)

		var broken Credential
		require.ErrorIs(t, codec.Decode(buf.Bytes(), &broken), ErrUnknownAssertion)
	})
}
