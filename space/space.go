// Package space runs the lifecycle of spaces: the control pipeline and replication of
// an open space, and the data pipeline with its object store once it is activated.
package space

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/events"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/objects"
	"github.com/spacemeshos/go-spacedb/pipeline"
	"github.com/spacemeshos/go-spacedb/replication"
	"github.com/spacemeshos/go-spacedb/sql"
	"github.com/spacemeshos/go-spacedb/sql/snapshots"
	"github.com/spacemeshos/go-spacedb/sql/spaces"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

// Callback is called during the transition to Ready.
type Callback func(context.Context, *Space) error

type callbacks struct {
	mu   sync.Mutex
	next int
	fns  map[int]Callback
}

func (c *callbacks) add(fn Callback) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = map[int]Callback{}
	}
	id := c.next
	c.next++
	c.fns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.fns, id)
	}
}

func (c *callbacks) run(ctx context.Context, s *Space) error {
	c.mu.Lock()
	fns := make([]Callback, 0, len(c.fns))
	for i := 0; i < c.next; i++ {
		if fn, ok := c.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		if err := fn(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Space is a single space of the local member.
type Space struct {
	*deps
	logger      *zap.Logger
	key         types.PublicKey
	genesisFeed types.PublicKey

	beforeReady  callbacks
	afterReady   callbacks
	stateChanged events.Event[State]
	states       *events.Bus[State]

	mu          sync.Mutex
	state       State
	ready       chan struct{}
	controlFeed types.PublicKey
	dataFeed    types.PublicKey
	sm          *credentials.StateMachine
	control     *pipeline.ControlPipeline
	data        *pipeline.DataPipeline
	dataTarget  timeframe.Timeframe
	unsubscribe []func()
	transitions []State
	emitMu      sync.Mutex

	runCtx          context.Context
	cancel          context.CancelFunc
	eg              *errgroup.Group
	stopReplication func()
	dataCancel      context.CancelFunc
	dataDone        chan struct{}
}

func newSpace(d *deps, record *spaces.Space) *Space {
	return &Space{
		deps:        d,
		logger:      d.logger.With(log.ZShortStringer("space", record.Key)),
		key:         record.Key,
		genesisFeed: record.GenesisFeed,
		controlFeed: record.ControlFeed,
		dataFeed:    record.DataFeed,
		ready:       make(chan struct{}),
		dataTarget:  timeframe.New(),
		states:      events.NewBus[State](),
	}
}

// Key of the space.
func (s *Space) Key() types.PublicKey {
	return s.key
}

// GenesisFeed is the control feed the space genesis was written to.
func (s *Space) GenesisFeed() types.PublicKey {
	return s.genesisFeed
}

// State returns the current lifecycle state.
func (s *Space) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChanged registers fn to be called after every state transition. Observers
// are dropped when the space is closed.
func (s *Space) OnStateChanged(fn func(State)) func() {
	return s.stateChanged.Subscribe(fn)
}

// OnStateChangedChan delivers state transitions to a buffered channel, dropping them
// when it is full. The channel is closed after cancel or once the space is closed.
func (s *Space) OnStateChangedChan(size int) (<-chan State, func()) {
	return s.states.Subscribe(size)
}

// BeforeReady registers fn to be called after the data pipeline caught up and before
// the space becomes Ready. An error fails the initialization.
func (s *Space) BeforeReady(fn Callback) func() {
	return s.beforeReady.add(fn)
}

// AfterReady registers fn to be called after the space became Ready. Errors are logged.
func (s *Space) AfterReady(fn Callback) func() {
	return s.afterReady.add(fn)
}

// StateMachine returns the credential state machine, nil if the space is closed.
func (s *Space) StateMachine() *credentials.StateMachine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm
}

// ControlPipeline returns the control pipeline, nil if the space is closed.
func (s *Space) ControlPipeline() *pipeline.ControlPipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// DataPipeline returns the data pipeline, nil unless the space is initializing or ready.
func (s *Space) DataPipeline() *pipeline.DataPipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Objects returns the object store of a Ready space.
func (s *Space) Objects() (*objects.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return nil, fmt.Errorf("%w: objects of %s space", ErrInvalidStateTransition, s.state)
	}
	return s.data.Objects(), nil
}

// Members returns the members of the space.
func (s *Space) Members() []credentials.Member {
	sm := s.StateMachine()
	if sm == nil {
		return nil
	}
	return sm.Members()
}

// WaitUntilReady blocks until the space is Ready.
func (s *Space) WaitUntilReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, ready := s.state, s.ready
		s.mu.Unlock()
		switch state {
		case Ready:
			return nil
		case Closed:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
		}
	}
}

// setState must be called with mu held.
func (s *Space) setState(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("space state changed",
		zap.Stringer("from", s.state),
		zap.Stringer("to", state),
	)
	if s.state != Closed {
		spacesByState.WithLabelValues(s.state.String()).Dec()
	}
	if state != Closed {
		spacesByState.WithLabelValues(state.String()).Inc()
	}
	s.state = state
	// wakes WaitUntilReady on every transition
	close(s.ready)
	s.ready = make(chan struct{})
	s.transitions = append(s.transitions, state)
}

// emit delivers state transitions to observers in order. Must be called without mu held.
func (s *Space) emit() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	transitions := s.transitions
	s.transitions = nil
	s.mu.Unlock()
	for _, state := range transitions {
		s.stateChanged.Emit(state)
		s.states.Emit(state)
	}
}

// open starts the control pipeline and replication. The space moves from Closed to
// Inactive.
func (s *Space) open(ctx context.Context) error {
	defer s.emit()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closed {
		return fmt.Errorf("%w: open %s space", ErrInvalidStateTransition, s.state)
	}
	sm := credentials.NewStateMachine(s.key, s.verifier,
		credentials.WithLogger(s.logger),
		credentials.WithLocalDevice(s.member.Identity(), s.member.Device()),
	)
	control, err := pipeline.NewControlPipeline(ctx, s.store, sm, s.genesisFeed, s.pipelineOpts()...)
	if err != nil {
		return err
	}
	if !s.controlFeed.Empty() {
		f, err := s.store.OpenFeed(ctx, s.controlFeed, true)
		if err == nil {
			err = control.SetWriteFeed(f)
		}
		if err != nil {
			control.Close()
			sm.Close()
			return fmt.Errorf("open control feed: %w", err)
		}
	}
	s.sm = sm
	s.control = control
	s.unsubscribe = append(s.unsubscribe, sm.OnMemberUpdated(s.persistMember))

	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.eg = &errgroup.Group{}
	s.eg.Go(func() error {
		if err := control.Run(s.runCtx); err != nil {
			s.fail(fmt.Errorf("control pipeline: %w", err))
			return err
		}
		return nil
	})
	if s.replicator != nil {
		stop, err := s.replicator.Replicate(s.runCtx, s)
		if err != nil {
			s.cancel()
			_ = s.eg.Wait()
			for _, fn := range s.unsubscribe {
				fn()
			}
			control.Close()
			sm.Close()
			s.sm, s.control, s.unsubscribe = nil, nil, nil
			return fmt.Errorf("replicate: %w", err)
		}
		s.stopReplication = stop
	}
	s.setState(Inactive)
	return nil
}

func (s *Space) pipelineOpts() []pipeline.Opt {
	return []pipeline.Opt{
		pipeline.WithLogger(s.deps.logger),
		pipeline.WithClock(s.clock),
		pipeline.WithConfig(s.cfg),
	}
}

func (s *Space) persistMember(member credentials.Member) {
	if err := spaces.AddMember(s.db, s.key, member.Identity, s.clock.Now()); err != nil {
		s.logger.Warn("failed to persist member",
			log.ZShortStringer("identity", member.Identity),
			zap.Error(err),
		)
	}
}

// fail closes the space after a storage failure in one of its pipelines.
func (s *Space) fail(err error) {
	s.logger.Error("closing space after failure", zap.Error(err))
	go s.Close()
}

// InitializeDataPipeline moves an Inactive space to Ready: it waits for the control
// pipeline to reach its target, opens the local writable feeds (admitting the data
// feed if needed), starts the data pipeline and waits for it to reach its target.
// On failure the space returns to Inactive.
func (s *Space) InitializeDataPipeline(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Inactive {
		state := s.state
		s.mu.Unlock()
		if state == Closed {
			return ErrClosed
		}
		return fmt.Errorf("%w: initialize %s space", ErrInvalidStateTransition, state)
	}
	s.setState(Initializing)
	runCtx := s.runCtx
	s.mu.Unlock()
	s.emit()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	if err := s.initialize(ctx); err != nil {
		initFailed.Inc()
		s.teardownData()
		s.mu.Lock()
		if s.state == Initializing {
			s.setState(Inactive)
		}
		s.mu.Unlock()
		s.emit()
		return err
	}
	s.mu.Lock()
	if s.state != Initializing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.setState(Ready)
	s.mu.Unlock()
	s.emit()
	initOk.Inc()
	if err := spaces.SetState(s.db, s.key, spaces.Active); err != nil {
		s.logger.Warn("failed to persist space state", zap.Error(err))
	}
	if err := s.afterReady.run(ctx, s); err != nil {
		s.logger.Warn("after ready callback failed", zap.Error(err))
	}
	s.logger.Info("space ready")
	return nil
}

func (s *Space) waitTarget(ctx context.Context, name string, state *pipeline.State) error {
	err := state.WaitUntilReachedTargetTimeframe(ctx, true)
	if errors.Is(err, pipeline.ErrStalledReplication) {
		s.logger.Warn("replication stalled, continuing with local state",
			zap.String("pipeline", name),
			zap.Object("timeframe", state.Timeframe()),
			zap.Object("target", state.TargetTimeframe()),
		)
		return nil
	}
	return err
}

func (s *Space) initialize(ctx context.Context) error {
	control := s.ControlPipeline()
	if err := s.waitTarget(ctx, "control", control.State()); err != nil {
		return err
	}
	if err := s.ensureFeeds(ctx); err != nil {
		return err
	}
	snapshot, err := s.loadSnapshot()
	if err != nil {
		return err
	}
	opts := s.pipelineOpts()
	if snapshot != nil {
		opts = append(opts, pipeline.WithSnapshot(snapshot))
	}
	data, err := pipeline.NewDataPipeline(s.StateMachine(), s.store, s.factory, opts...)
	if err != nil {
		return err
	}
	f, err := s.store.OpenFeed(ctx, s.dataFeedKey(), true)
	if err != nil {
		data.Close()
		return fmt.Errorf("open data feed: %w", err)
	}
	if err := data.SetWriteFeed(f); err != nil {
		data.Close()
		return err
	}
	if err := s.startData(data); err != nil {
		data.Close()
		return err
	}
	if err := s.waitTarget(ctx, "data", data.State()); err != nil {
		return err
	}
	return s.beforeReady.run(ctx, s)
}

func (s *Space) dataFeedKey() types.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataFeed
}

// ensureFeeds waits until the device chain of the local member is ready. A missing
// data feed is created and admitted with a credential written to the control feed;
// its key is persisted only after the admission was processed.
func (s *Space) ensureFeeds(ctx context.Context) error {
	s.mu.Lock()
	controlFeed, dataFeed, sm := s.controlFeed, s.dataFeed, s.sm
	s.mu.Unlock()
	if controlFeed.Empty() {
		return fmt.Errorf("%w: space %s has no local control feed", feed.ErrNotWritable, s.key.ShortString())
	}
	if dataFeed.Empty() {
		if err := s.admitDataFeed(ctx, controlFeed); err != nil {
			return err
		}
	}
	return sm.Device().DeviceChainReady().Wait(ctx)
}

func (s *Space) admitDataFeed(ctx context.Context, controlFeed types.PublicKey) error {
	control := s.ControlPipeline()
	if _, err := s.waitAdmitted(ctx, controlFeed); err != nil {
		return err
	}
	signer := s.member.Signer()
	if signer == nil {
		return ErrNoSigner
	}
	writer := control.Writer()
	if writer == nil {
		return fmt.Errorf("%w: control feed %s", feed.ErrNotWritable, controlFeed.ShortString())
	}
	f, err := s.store.CreateFeed(ctx)
	if err != nil {
		return err
	}
	frame, err := writer.WriteCredential(ctx, credentials.AdmitFeed(signer, s.key, s.member.Device(), f.Key(), credentials.DATA))
	if err != nil {
		return fmt.Errorf("admit data feed: %w", err)
	}
	if err := control.State().WaitUntilTimeframe(ctx, timeframe.New(frame)); err != nil {
		return err
	}
	if err := spaces.SetFeeds(s.db, s.key, controlFeed, f.Key()); err != nil {
		return fmt.Errorf("persist feeds: %w", err)
	}
	s.mu.Lock()
	s.dataFeed = f.Key()
	s.mu.Unlock()
	s.logger.Info("admitted data feed", log.ZShortStringer("feed", f.Key()))
	return nil
}

func (s *Space) waitAdmitted(ctx context.Context, key types.PublicKey) (credentials.FeedInfo, error) {
	sm := s.StateMachine()
	admitted := make(chan struct{}, 1)
	cancel := sm.OnFeedAdmitted(func(info credentials.FeedInfo) {
		if info.Key != key {
			return
		}
		select {
		case admitted <- struct{}{}:
		default:
		}
	})
	defer cancel()
	if info, ok := sm.Feed(key); ok {
		return info, nil
	}
	select {
	case <-ctx.Done():
		return credentials.FeedInfo{}, ctx.Err()
	case <-admitted:
	}
	info, _ := sm.Feed(key)
	return info, nil
}

func (s *Space) loadSnapshot() (*objects.Snapshot, error) {
	tf, buf, err := snapshots.Get(s.db, s.key)
	if errors.Is(err, sql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	items, err := codec.DecodeSlice[objects.SnapshotItem](buf)
	if err != nil {
		s.logger.Warn("dropping unreadable snapshot", zap.Error(err))
		return nil, nil
	}
	return &objects.Snapshot{Timeframe: tf, Items: items}, nil
}

func (s *Space) saveSnapshot(data *pipeline.DataPipeline) error {
	snapshot, err := data.Snapshot()
	if err != nil {
		return err
	}
	buf, err := codec.EncodeSlice(snapshot.Items)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return snapshots.Save(s.db, s.key, snapshot.Timeframe, buf, s.clock.Now())
}

// SaveSnapshot persists the committed state of the object store so that the next
// initialization replays only messages written after it.
func (s *Space) SaveSnapshot() error {
	data := s.DataPipeline()
	if data == nil {
		return fmt.Errorf("%w: snapshot of %s space", ErrInvalidStateTransition, s.State())
	}
	return s.saveSnapshot(data)
}

func (s *Space) startData(data *pipeline.DataPipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Initializing {
		return ErrClosed
	}
	data.State().SetTargetTimeframe(s.dataTarget)
	ctx, cancel := context.WithCancel(s.runCtx)
	done := make(chan struct{})
	s.data = data
	s.dataCancel = cancel
	s.dataDone = done
	go func() {
		defer close(done)
		if err := data.Run(ctx); err != nil {
			s.fail(fmt.Errorf("data pipeline: %w", err))
		}
	}()
	return nil
}

// teardownData stops the data pipeline and saves a snapshot of its objects.
func (s *Space) teardownData() {
	s.mu.Lock()
	data, cancel, done := s.data, s.dataCancel, s.dataDone
	s.data, s.dataCancel, s.dataDone = nil, nil, nil
	s.mu.Unlock()
	if data == nil {
		return
	}
	cancel()
	<-done
	if err := s.saveSnapshot(data); err != nil {
		s.logger.Warn("failed to save snapshot", zap.Error(err))
	}
	data.Close()
}

// Deactivate moves a Ready space back to Inactive. Replication and credential
// processing continue. With ScopeGlobal the change is recorded in the space.
func (s *Space) Deactivate(ctx context.Context, scope Scope) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != Ready {
		return fmt.Errorf("%w: deactivate %s space", ErrInvalidStateTransition, state)
	}
	if scope == ScopeGlobal {
		if err := s.writeActivity(ctx, false); err != nil {
			return err
		}
	}
	s.teardownData()
	s.mu.Lock()
	if s.state == Ready {
		s.setState(Inactive)
	}
	s.mu.Unlock()
	s.emit()
	if err := spaces.SetState(s.db, s.key, spaces.Inactive); err != nil {
		return fmt.Errorf("persist space state: %w", err)
	}
	return nil
}

// Activate initializes an Inactive space. With ScopeGlobal the change is recorded in
// the space.
func (s *Space) Activate(ctx context.Context, scope Scope) error {
	if state := s.State(); state != Inactive {
		return fmt.Errorf("%w: activate %s space", ErrInvalidStateTransition, state)
	}
	if scope == ScopeGlobal {
		if err := s.writeActivity(ctx, true); err != nil {
			return err
		}
	}
	return s.InitializeDataPipeline(ctx)
}

func (s *Space) writeActivity(ctx context.Context, active bool) error {
	signer := s.member.Signer()
	if signer == nil {
		return ErrNoSigner
	}
	writer := s.ControlPipeline().Writer()
	if writer == nil {
		return fmt.Errorf("%w: no control feed in space %s", feed.ErrNotWritable, s.key.ShortString())
	}
	_, err := writer.WriteCredential(ctx, credentials.SetActivity(signer, s.key, active))
	return err
}

// Close stops all pipelines and replication. A Ready space saves a snapshot of its
// objects. Closing a closed space is a noop.
func (s *Space) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.setState(Closed)
	cancel, eg, stop := s.cancel, s.eg, s.stopReplication
	s.mu.Unlock()
	s.emit()

	cancel()
	s.teardownData()
	if stop != nil {
		stop()
	}
	err := eg.Wait()

	s.mu.Lock()
	control, sm, unsubscribe := s.control, s.sm, s.unsubscribe
	s.control, s.sm, s.unsubscribe, s.stopReplication = nil, nil, nil, nil
	s.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
	control.Close()
	sm.Close()
	s.stateChanged.Close()
	s.states.Close()
	s.logger.Info("space closed")
	return err
}

// Feeds returns the genesis feed and all admitted feeds.
func (s *Space) Feeds() []types.PublicKey {
	sm := s.StateMachine()
	keys := []types.PublicKey{s.genesisFeed}
	if sm == nil {
		return keys
	}
	for _, designation := range []credentials.Designation{credentials.CONTROL, credentials.DATA} {
		for _, info := range sm.Feeds(designation) {
			if info.Key != s.genesisFeed {
				keys = append(keys, info.Key)
			}
		}
	}
	return keys
}

// OnFeedAdded registers fn to be called for every feed admitted to the space.
func (s *Space) OnFeedAdded(fn func(types.PublicKey)) func() {
	sm := s.StateMachine()
	if sm == nil {
		return func() {}
	}
	return sm.OnFeedAdmitted(func(info credentials.FeedInfo) {
		fn(info.Key)
	})
}

// Consumed returns the timeframes consumed by the pipelines.
func (s *Space) Consumed() replication.Targets {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := replication.Targets{Control: timeframe.New(), Data: timeframe.New()}
	if s.control != nil {
		targets.Control = s.control.State().Timeframe()
	}
	if s.data != nil {
		targets.Data = s.data.State().Timeframe()
	}
	return targets
}

// SetTargets merges timeframes advertised by a peer into the pipeline targets. The
// data target is kept until the data pipeline starts.
func (s *Space) SetTargets(targets replication.Targets) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control != nil {
		s.control.State().SetTargetTimeframe(targets.Control)
	}
	s.dataTarget = timeframe.Merge(s.dataTarget, targets.Data)
	if s.data != nil {
		s.data.State().SetTargetTimeframe(targets.Data)
	}
}

// IsAuthorized returns true if device was authorized by a member of the space.
func (s *Space) IsAuthorized(device types.PublicKey) bool {
	sm := s.StateMachine()
	return sm != nil && sm.IsAuthorizedDevice(device)
}

// OnAuthorized registers fn to be called for every device authorized in the space.
func (s *Space) OnAuthorized(fn func(types.PublicKey)) func() {
	sm := s.StateMachine()
	if sm == nil {
		return func() {}
	}
	return sm.OnDeviceAuthorized(fn)
}
