// Package node contains the main executable for a go-spacedb node
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-spacedb/cmd"
	"github.com/spacemeshos/go-spacedb/config"
	"github.com/spacemeshos/go-spacedb/config/presets"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/filesystem"
	"github.com/spacemeshos/go-spacedb/identity"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/metrics"
	"github.com/spacemeshos/go-spacedb/model"
	"github.com/spacemeshos/go-spacedb/model/counter"
	"github.com/spacemeshos/go-spacedb/model/object"
	"github.com/spacemeshos/go-spacedb/p2p"
	"github.com/spacemeshos/go-spacedb/replication"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/space"
	"github.com/spacemeshos/go-spacedb/sql"
)

const (
	dbFile     = "state.sql"
	keysDir    = "keys"
	cleanupMax = 30 * time.Second
)

// Logger names for modules, they match the fields of config.LoggerConfig.
const (
	AppLogger         = "app"
	P2PLogger         = "p2p"
	DatabaseLogger    = "db"
	FeedLogger        = "feed"
	PipelineLogger    = "pipeline"
	ReplicationLogger = "replication"
	SpaceLogger       = "space"
	IdentityLogger    = "identity"
)

// GetCommand returns the command that starts a node.
func GetCommand() *cobra.Command {
	conf := config.DefaultConfig()
	var (
		configPath *string
		preset     *string
	)
	c := &cobra.Command{
		Use:   "node",
		Short: "start node",
		RunE: func(c *cobra.Command, args []string) error {
			if err := configure(c, *preset, *configPath, &conf); err != nil {
				return err
			}
			encoder, err := log.Encoder(conf.LOGGING.Encoder)
			if err != nil {
				return log.ErrMalformedConfig(err)
			}
			app := New(
				WithConfig(&conf),
				// must be the lowest level so that module loggers can be set to any level
				WithLog(log.NewWithLevel("node", zap.NewAtomicLevelAt(zap.DebugLevel), encoder)),
			)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := app.Lock(); err != nil {
				return fmt.Errorf("getting exclusive file lock: %w", err)
			}
			defer app.Unlock()

			// Don't print usage on error from this point forward
			c.SilenceUsage = true

			err = app.Start(ctx)
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupMax)
			defer cleanupCancel()
			done := make(chan struct{})
			go func() {
				app.Cleanup(cleanupCtx)
				close(done)
			}()
			select {
			case <-done:
			case <-cleanupCtx.Done():
				app.log.Error("app failed to clean up in time")
			}
			return err
		},
	}
	configPath, preset = cmd.AddFlags(c.PersistentFlags(), &conf)

	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(c *cobra.Command, args []string) {
			fmt.Println(cmd.Version)
		},
	})
	return c
}

// configure loads the preset, then the config file, and finally applies the flags
// that were set on the command line.
func configure(c *cobra.Command, preset, configPath string, conf *config.Config) error {
	if preset != "" {
		p, err := presets.Get(preset)
		if err != nil {
			return err
		}
		*conf = p
	}
	if configPath != "" {
		if err := config.Load(configPath, conf); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if err := c.ParseFlags(os.Args[1:]); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}
	return nil
}

// Option to modify an App instance.
type Option func(app *App)

// WithLog enables logger for an App.
func WithLog(logger *zap.Logger) Option {
	return func(app *App) {
		app.log = logger
	}
}

// WithConfig overwrites default App config.
func WithConfig(conf *config.Config) Option {
	return func(app *App) {
		app.Config = conf
	}
}

// New creates an instance of the spacedb app.
func New(opts ...Option) *App {
	defaultConfig := config.DefaultConfig()
	app := &App{
		Config:  &defaultConfig,
		log:     zap.NewNop(),
		loggers: make(map[string]*zap.AtomicLevel),
		started: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// App is the cli app singleton.
type App struct {
	Config   *config.Config
	log      *zap.Logger
	fileLock *flock.Flock

	db         *sql.Database
	keyring    *signing.Keyring
	store      *feed.Store
	host       *p2p.Host
	replicator *replication.Replicator
	manager    *space.Manager
	identity   *identity.Identity

	loggers map[string]*zap.AtomicLevel
	started chan struct{} // closed once the app has finished starting
	errCh   chan error
	eg      errgroup.Group
}

// Started is closed when Start is done initializing services.
func (app *App) Started() <-chan struct{} {
	return app.started
}

// Lock locks the app for exclusive use. It returns an error if the app is already locked.
func (app *App) Lock() error {
	lockDir := filepath.Dir(app.Config.FileLock)
	if err := filesystem.ExistOrCreate(lockDir); err != nil {
		return fmt.Errorf("creating dir %s for lock %s: %w", lockDir, app.Config.FileLock, err)
	}
	fl := flock.New(app.Config.FileLock)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", app.Config.FileLock, err)
	} else if !locked {
		return log.ErrLockDataDir(fl.Path())
	}
	app.fileLock = fl
	return nil
}

// Unlock unlocks the app. It is a no-op if the app is not locked.
func (app *App) Unlock() {
	if app.fileLock == nil {
		return
	}
	if err := app.fileLock.Unlock(); err != nil {
		app.log.Error("failed to unlock file",
			zap.String("path", app.fileLock.Path()),
			zap.Error(err),
		)
	}
}

// Manager of the spaces opened by the node. Set once Started is closed.
func (app *App) Manager() *space.Manager {
	return app.manager
}

// Identity of the node. Set once Started is closed.
func (app *App) Identity() *identity.Identity {
	return app.identity
}

// Host returns the libp2p host used for replication.
func (app *App) Host() *p2p.Host {
	return app.host
}

// addLogger creates a logger for a module with the level set in the logging config.
func (app *App) addLogger(name string) *zap.Logger {
	lvl, err := decodeLoggerLevel(app.Config, name)
	if err != nil {
		app.log.Panic("unable to decode loggers into map[string]string", zap.Error(err))
	}
	app.loggers[name] = &lvl
	return app.log.Named(name).WithOptions(zap.IncreaseLevel(lvl))
}

// SetLogLevel updates the log level of an existing logger.
func (app *App) SetLogLevel(name, loglevel string) error {
	lvl, ok := app.loggers[name]
	if !ok {
		return fmt.Errorf("cannot find logger %v", name)
	}
	if err := lvl.UnmarshalText([]byte(loglevel)); err != nil {
		return fmt.Errorf("unmarshal text: %w", err)
	}
	return nil
}

// Start starts the node and blocks until ctx is done or a service fails.
func (app *App) Start(ctx context.Context) error {
	if err := app.startSynchronous(ctx); err != nil {
		app.log.Error("failed to start App", zap.Error(err))
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-app.errCh:
		return err
	}
}

func (app *App) startSynchronous(ctx context.Context) error {
	defer close(app.started)
	logger := app.addLogger(AppLogger)
	logger.Info("starting spacedb",
		zap.String("version", cmd.Version),
		zap.String("commit", cmd.Commit),
		zap.String("go", runtime.Version()),
		zap.String("data-dir", app.Config.DataDir()),
	)
	app.errCh = make(chan error, 8)

	if err := filesystem.ExistOrCreate(app.Config.DataDir()); err != nil {
		return log.ErrEnsureDataDir(app.Config.DataDir(), err)
	}
	if err := app.setupDBs(); err != nil {
		return err
	}
	verifier, err := signing.NewEdVerifier()
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	app.store, err = feed.NewStore(app.db, app.keyring, verifier,
		feed.WithLogger(app.addLogger(FeedLogger)),
		feed.WithCacheSize(app.Config.FeedCacheSize),
	)
	if err != nil {
		return fmt.Errorf("open feed store: %w", err)
	}

	if err := app.loadIdentity(); err != nil {
		return log.ErrLoadIdentity(err)
	}
	device, err := app.keyring.Get(app.identity.Device())
	if err != nil {
		return log.ErrLoadIdentity(err)
	}
	key, err := p2p.HostKey(device.PrivateKey())
	if err != nil {
		return log.ErrLoadIdentity(err)
	}

	logger.Info("initializing p2p services")
	app.host, err = p2p.New(ctx, app.addLogger(P2PLogger), app.Config.P2P, key)
	if err != nil {
		return fmt.Errorf("initialize p2p host: %w", err)
	}
	if err := app.host.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed, waiting for inbound peers", zap.Error(err))
	}
	app.replicator = replication.New(app.host, app.store,
		replication.WithLogger(app.addLogger(ReplicationLogger)),
		replication.WithConfig(app.Config.Replication),
	)

	spaceLogger := app.addLogger(SpaceLogger)
	app.manager = space.NewManager(
		app.db, app.store, app.keyring, verifier,
		model.NewFactory(object.Model{}, counter.Model{}),
		app.identity,
		space.WithLogger(spaceLogger),
		space.WithConfig(app.Config.Pipeline),
		space.WithReplicator(app.replicator),
	)
	if err := app.manager.Open(ctx); err != nil {
		return fmt.Errorf("open spaces: %w", err)
	}
	if err := app.identity.Start(ctx, app.manager); err != nil {
		return fmt.Errorf("start identity: %w", err)
	}
	if name := app.Config.DisplayName; name != "" {
		app.eg.Go(func() error {
			app.publishProfile(ctx, logger, name)
			return nil
		})
	}

	if app.Config.CollectMetrics {
		server := metrics.NewServer(fmt.Sprintf(":%d", app.Config.MetricsPort), logger)
		app.eg.Go(func() error {
			if err := server.Run(ctx); err != nil {
				app.errCh <- err
			}
			return nil
		})
	}
	if app.Config.MetricsPush.URL != "" {
		app.eg.Go(func() error {
			metrics.Push(ctx, logger, app.Config.MetricsPush, app.host.ID().ShortString())
			return nil
		})
	}
	logger.Info("app started",
		log.ZShortStringer("identity", app.identity.Identity()),
		log.ZShortStringer("device", app.identity.Device()),
	)
	return nil
}

func (app *App) setupDBs() error {
	dbLogger := app.addLogger(DatabaseLogger)
	db, err := sql.Open("file:"+filepath.Join(app.Config.DataDir(), dbFile),
		sql.WithLogger(dbLogger),
		sql.WithConnections(app.Config.DatabaseConnections),
		sql.WithLatencyMetering(app.Config.DatabaseLatencyMetering),
	)
	if err != nil {
		return log.ErrOpenDatabase(err)
	}
	app.db = db
	app.keyring, err = signing.NewKeyring(afero.NewOsFs(), filepath.Join(app.Config.DataDir(), keysDir))
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	return nil
}

func (app *App) loadIdentity() error {
	logger := app.addLogger(IdentityLogger)
	id, err := identity.Load(app.db, app.keyring, identity.WithLogger(logger))
	if errors.Is(err, sql.ErrNotFound) {
		logger.Info("identity not found, creating new identity")
		id, err = identity.Create(app.db, app.keyring, identity.WithLogger(logger))
	}
	if err != nil {
		return err
	}
	app.identity = id
	return nil
}

func (app *App) publishProfile(ctx context.Context, logger *zap.Logger, name string) {
	if err := app.identity.Ready(ctx); err != nil {
		return
	}
	if profile, ok := app.identity.Profile(); ok && profile.DisplayName == name {
		return
	}
	if err := app.identity.UpdateProfile(ctx, name); err != nil && ctx.Err() == nil {
		logger.Warn("failed to publish profile", zap.Error(err))
	}
}

// Cleanup stops all app services.
func (app *App) Cleanup(ctx context.Context) {
	app.log.Info("app cleanup starting...")
	if app.manager != nil {
		if err := app.manager.Close(); err != nil {
			app.log.Warn("failed to close spaces", zap.Error(err))
		}
	}
	if app.host != nil {
		if err := app.host.Close(); err != nil {
			app.log.Warn("failed to close p2p host", zap.Error(err))
		}
	}
	app.eg.Wait()
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.log.Warn("failed to close database", zap.Error(err))
		}
	}
	app.log.Info("app cleanup completed")
}

func decodeLoggerLevel(cfg *config.Config, name string) (zap.AtomicLevel, error) {
	loggers := map[string]string{}
	if err := mapstructure.Decode(cfg.LOGGING, &loggers); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("error decoding mapstructure: %w", err)
	}
	level, ok := loggers[name]
	if !ok {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	return log.ParseLevel(level)
}
