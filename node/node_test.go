package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/config"
	"github.com/spacemeshos/go-spacedb/config/presets"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/log/logtest"
	"github.com/spacemeshos/go-spacedb/space"
)

const startTimeout = 20 * time.Second

func testConfig(tb testing.TB) *config.Config {
	tb.Helper()
	conf, err := presets.Get("standalone")
	require.NoError(tb, err)
	conf.DataDirParent = tb.TempDir()
	conf.FileLock = filepath.Join(conf.DataDirParent, "LOCK")
	conf.P2P.Listen = "/ip4/127.0.0.1/tcp/0"
	conf.P2P.DisableReusePort = true
	conf.DatabaseConnections = 4
	return &conf
}

type running struct {
	app    *App
	cancel context.CancelFunc
	done   chan error
}

func start(tb testing.TB, conf *config.Config) *running {
	tb.Helper()
	app := New(WithConfig(conf), WithLog(logtest.New(tb)))
	require.NoError(tb, app.Lock())

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: app, cancel: cancel, done: make(chan error, 1)}
	go func() {
		r.done <- app.Start(ctx)
	}()
	select {
	case <-app.Started():
	case <-time.After(startTimeout):
		require.FailNow(tb, "app didn't start in time")
	}
	return r
}

func (r *running) stop(tb testing.TB) {
	tb.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(tb, err)
	case <-time.After(startTimeout):
		require.FailNow(tb, "app didn't stop in time")
	}
	r.app.Cleanup(context.Background())
	r.app.Unlock()
}

func TestNodeRestart(t *testing.T) {
	conf := testConfig(t)
	r := start(t, conf)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	require.NoError(t, r.app.Identity().Ready(ctx))
	identity := r.app.Identity().Identity()
	// peers authenticate with the device key
	require.Equal(t, r.app.Identity().Device(), r.app.Host().ID())
	halo, _ := r.app.Identity().Halo()
	require.False(t, halo.Empty())

	s, err := r.app.Manager().CreateSpace(ctx)
	require.NoError(t, err)
	require.Equal(t, space.Ready, s.State())
	created := s.Key()
	r.stop(t)

	r = start(t, conf)
	defer r.stop(t)
	require.Equal(t, identity, r.app.Identity().Identity())
	restored, _ := r.app.Identity().Halo()
	require.Equal(t, halo, restored)
	require.NoError(t, r.app.Identity().Ready(ctx))

	reopened, err := r.app.Manager().Space(created)
	require.NoError(t, err)
	require.NoError(t, reopened.WaitUntilReady(ctx))

	keys := []types.PublicKey{}
	for _, s := range r.app.Manager().Spaces() {
		keys = append(keys, s.Key())
	}
	require.ElementsMatch(t, []types.PublicKey{halo, created}, keys)
}

func TestLockedDataDir(t *testing.T) {
	conf := testConfig(t)
	first := New(WithConfig(conf))
	require.NoError(t, first.Lock())
	defer first.Unlock()

	second := New(WithConfig(conf))
	err := second.Lock()
	var fatal *log.FatalError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, "ERR_LOCK_DATA_DIR", fatal.Code)
}

func TestMalformedConfig(t *testing.T) {
	conf := testConfig(t)
	conf.LOGGING.SpaceLoggerLevel = "loud"
	app := New(WithConfig(conf), WithLog(logtest.New(t, zapcore.DebugLevel)))
	require.Panics(t, func() { app.addLogger(SpaceLogger) })
}

func TestSetLogLevel(t *testing.T) {
	conf := testConfig(t)
	conf.LOGGING.ReplicationLoggerLevel = zapcore.WarnLevel.String()
	app := New(WithConfig(conf), WithLog(logtest.New(t, zapcore.DebugLevel)))

	logger := app.addLogger(ReplicationLogger)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.NoError(t, app.SetLogLevel(ReplicationLogger, "debug"))
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.Error(t, app.SetLogLevel("unknown", "debug"))
}
