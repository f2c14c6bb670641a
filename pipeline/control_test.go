package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

type testSpace struct {
	space    *credentials.Signer
	identity *credentials.Signer
	device   *signing.EdSigner
	store    *feed.Store
	control  *feed.Feed
	data     *feed.Feed
}

// newTestSpace creates a space whose genesis is written to the control feed of device.
func newTestSpace(tb testing.TB) *testSpace {
	tb.Helper()
	ts := &testSpace{
		space:    credentials.NewSigner(newEdSigner(tb)),
		identity: credentials.NewSigner(newEdSigner(tb)),
		device:   newEdSigner(tb),
		store:    newFeedStore(tb),
	}
	ts.control = createFeed(tb, ts.store)
	ts.data = createFeed(tb, ts.store)
	writeCredentials(tb, ts.control, credentials.CreateSpaceGenesis(
		ts.space, ts.identity, ts.device.PublicKey(), ts.control.Key())...)
	return ts
}

func (ts *testSpace) key() types.PublicKey {
	return ts.space.Issuer()
}

func (ts *testSpace) stateMachine(tb testing.TB, device *signing.EdSigner) *credentials.StateMachine {
	verifier, err := signing.NewEdVerifier()
	require.NoError(tb, err)
	return credentials.NewStateMachine(ts.key(), verifier,
		credentials.WithLocalDevice(ts.identity.Issuer(), device.PublicKey()),
	)
}

func TestControlPipelineDeviceChainReady(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t, ts.device)
	control, err := NewControlPipeline(context.Background(), ts.store, sm, ts.control.Key())
	require.NoError(t, err)
	require.NoError(t, control.SetWriteFeed(ts.control))
	t.Cleanup(control.Close)
	runAll(t, control.Run)

	frame, err := control.Writer().WriteCredential(context.Background(), credentials.AdmitFeed(
		ts.identity, ts.key(), ts.device.PublicKey(), ts.data.Key(), credentials.DATA))
	require.NoError(t, err)
	require.Equal(t, uint64(4), frame.Seq)

	ctx := waitCtx(t)
	require.NoError(t, control.State().WaitUntilTimeframe(ctx, timeframe.New(frame)))
	require.NoError(t, sm.Device().DeviceChainReady().Wait(ctx))
	info, ok := sm.Feed(ts.data.Key())
	require.True(t, ok)
	require.Equal(t, credentials.DATA, info.Designation)
	require.Equal(t, ts.control.Key(), info.Source)
}

func TestControlPipelineNotWritable(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t, ts.device)
	control, err := NewControlPipeline(context.Background(), ts.store, sm, ts.control.Key())
	require.NoError(t, err)
	defer control.Close()
	require.Nil(t, control.Writer())

	other := newFeedStore(t)
	readonly, err := other.OpenFeed(context.Background(), ts.control.Key(), false)
	require.NoError(t, err)
	require.ErrorIs(t, control.SetWriteFeed(readonly), feed.ErrNotWritable)
	require.Nil(t, control.Writer())
}

func TestControlPipelineDefersPendingChain(t *testing.T) {
	ts := newTestSpace(t)
	core, logs := observer.New(zapcore.WarnLevel)
	sm := ts.stateMachine(t, ts.device)
	cfg := DefaultConfig()
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.ChainRetryBudget = 3
	control, err := NewControlPipeline(context.Background(), ts.store, sm, ts.control.Key(),
		WithLogger(zap.New(core)),
		WithConfig(cfg),
	)
	require.NoError(t, err)

	laptop := newEdSigner(t)
	phone := newEdSigner(t)
	laptopFeed := createFeed(t, ts.store)
	phoneFeed := createFeed(t, ts.store)
	writeCredentials(t, ts.control,
		// admitted before the device is authorized
		credentials.AdmitFeed(ts.identity, ts.key(), laptop.PublicKey(), laptopFeed.Key(), credentials.DATA),
		// never authorized
		credentials.AdmitFeed(ts.identity, ts.key(), phone.PublicKey(), phoneFeed.Key(), credentials.DATA),
		credentials.AuthorizeDevice(ts.identity, laptop.PublicKey()),
	)
	t.Cleanup(control.Close)
	runAll(t, control.Run)

	require.Eventually(t, func() bool {
		_, ok := sm.Feed(laptopFeed.Key())
		return ok
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("dropped credential").Len() == 1
	}, waitTimeout, 10*time.Millisecond)
	entry := logs.FilterMessage("dropped credential").All()[0]
	require.True(t, strings.Contains(entry.ContextMap()["error"].(string), credentials.ErrInvalidChain.Error()))
	_, ok := sm.Feed(phoneFeed.Key())
	require.False(t, ok)
}

func TestControlPipelineDropsUnauthorized(t *testing.T) {
	ts := newTestSpace(t)
	core, logs := observer.New(zapcore.WarnLevel)
	sm := ts.stateMachine(t, ts.device)
	control, err := NewControlPipeline(context.Background(), ts.store, sm, ts.control.Key(),
		WithLogger(zap.New(core)),
	)
	require.NoError(t, err)

	stranger := credentials.NewSigner(newEdSigner(t))
	writeCredentials(t, ts.control,
		credentials.AdmitMember(stranger, ts.key(), stranger.Issuer()),
		credentials.UpdateProfile(ts.identity, "alice"),
	)
	t.Cleanup(control.Close)
	runAll(t, control.Run)

	require.NoError(t, control.State().WaitUntilTimeframe(waitCtx(t), timeframe.New(
		timeframe.Frame{Feed: ts.control.Key(), Seq: 5},
	)))
	require.Equal(t, 1, logs.FilterMessage("dropped credential").Len())
	require.False(t, sm.IsMember(stranger.Issuer()))

	members := sm.Members()
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].DisplayName)
}

func TestControlPipelineDeferredNotConsumed(t *testing.T) {
	ts := newTestSpace(t)
	sm := ts.stateMachine(t, ts.device)
	control, err := NewControlPipeline(context.Background(), ts.store, sm, ts.control.Key(),
		WithClock(clockwork.NewFakeClock()),
	)
	require.NoError(t, err)

	phone := newEdSigner(t)
	phoneFeed := createFeed(t, ts.store)
	writeCredentials(t, ts.control,
		credentials.AdmitFeed(ts.identity, ts.key(), phone.PublicKey(), phoneFeed.Key(), credentials.DATA),
		credentials.UpdateProfile(ts.identity, "alice"),
	)
	t.Cleanup(control.Close)
	runAll(t, control.Run)

	consumed := func() (uint64, bool) {
		return control.State().Timeframe().Get(ts.control.Key())
	}
	// the admission at 4 waits for the phone, the profile at 5 is applied
	require.Eventually(t, func() bool {
		members := sm.Members()
		seq, ok := consumed()
		return len(members) == 1 && members[0].DisplayName == "alice" && ok && seq == 3
	}, waitTimeout, 10*time.Millisecond)
	require.Never(t, func() bool {
		seq, _ := consumed()
		return seq > 3
	}, 100*time.Millisecond, 10*time.Millisecond)

	writeCredentials(t, ts.control, credentials.AuthorizeDevice(ts.identity, phone.PublicKey()))
	require.NoError(t, control.State().WaitUntilTimeframe(waitCtx(t), timeframe.New(
		timeframe.Frame{Feed: ts.control.Key(), Seq: 6},
	)))
	_, ok := sm.Feed(phoneFeed.Key())
	require.True(t, ok)
}

func TestControlPipelineChargesRetryTicksOnly(t *testing.T) {
	ts := newTestSpace(t)
	core, logs := observer.New(zapcore.WarnLevel)
	sm := ts.stateMachine(t, ts.device)
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.ChainRetryBudget = 3
	cfg.BatchSize = 1
	control, err := NewControlPipeline(context.Background(), ts.store, sm, ts.control.Key(),
		WithLogger(zap.New(core)),
		WithClock(clock),
		WithConfig(cfg),
	)
	require.NoError(t, err)

	phone := newEdSigner(t)
	phoneFeed := createFeed(t, ts.store)
	creds := []*credentials.Credential{
		credentials.AdmitFeed(ts.identity, ts.key(), phone.PublicKey(), phoneFeed.Key(), credentials.DATA),
	}
	for i := range 10 {
		creds = append(creds, credentials.UpdateProfile(ts.identity, fmt.Sprintf("alice-%d", i)))
	}
	writeCredentials(t, ts.control, creds...)
	t.Cleanup(control.Close)
	runAll(t, control.Run)

	// every batch of one message retries the admission without spending the budget
	require.Eventually(t, func() bool {
		members := sm.Members()
		return len(members) == 1 && members[0].DisplayName == "alice-9"
	}, waitTimeout, 10*time.Millisecond)
	require.Zero(t, logs.FilterMessage("dropped credential").Len())

	clock.BlockUntil(1)
	require.Eventually(t, func() bool {
		clock.Advance(cfg.RetryInterval)
		return logs.FilterMessage("dropped credential").Len() == 1
	}, waitTimeout, 10*time.Millisecond)
	entry := logs.FilterMessage("dropped credential").All()[0]
	require.EqualValues(t, cfg.ChainRetryBudget, entry.ContextMap()["attempts"])
	_, ok := sm.Feed(phoneFeed.Key())
	require.False(t, ok)
}
