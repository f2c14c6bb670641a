package space

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/feed"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/model"
	"github.com/spacemeshos/go-spacedb/pipeline"
	"github.com/spacemeshos/go-spacedb/replication"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/sql"
	"github.com/spacemeshos/go-spacedb/sql/spaces"
)

// deps are shared by the manager and its spaces.
type deps struct {
	logger     *zap.Logger
	clock      clockwork.Clock
	cfg        pipeline.Config
	db         *sql.Database
	store      *feed.Store
	keyring    *signing.Keyring
	verifier   signing.Verifier
	factory    *model.Factory
	replicator *replication.Replicator
	member     Member
}

// Opt configures Manager.
type Opt func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the clock used by pipelines and for persisted timestamps.
func WithClock(clock clockwork.Clock) Opt {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithConfig overwrites the pipeline config of spaces.
func WithConfig(cfg pipeline.Config) Opt {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithReplicator enables replication of open spaces.
func WithReplicator(r *replication.Replicator) Opt {
	return func(m *Manager) {
		m.replicator = r
	}
}

// JoinRequest carries what a member needs to admit a device into a space.
// Credentials are issued by the joining identity; if they are missing the admitting
// member must be the same identity and issues them itself.
type JoinRequest struct {
	Identity    types.PublicKey
	Device      types.PublicKey
	ControlFeed types.PublicKey
	DataFeed    types.PublicKey
	Credentials []*credentials.Credential
}

// Manager keeps the spaces of the local member.
type Manager struct {
	*deps
	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group

	mu     sync.Mutex
	closed bool
	spaces map[types.PublicKey]*Space
}

// NewManager creates a manager. Persisted spaces are opened by Open.
func NewManager(
	db *sql.Database,
	store *feed.Store,
	keyring *signing.Keyring,
	verifier signing.Verifier,
	factory *model.Factory,
	member Member,
	opts ...Opt,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps: &deps{
			logger:   zap.NewNop(),
			clock:    clockwork.NewRealClock(),
			cfg:      pipeline.DefaultConfig(),
			db:       db,
			store:    store,
			keyring:  keyring,
			verifier: verifier,
			factory:  factory,
			member:   member,
		},
		ctx:    ctx,
		cancel: cancel,
		spaces: map[types.PublicKey]*Space{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open opens all persisted spaces. Spaces that were active are initialized in the
// background.
func (m *Manager) Open(ctx context.Context) error {
	records, err := spaces.List(m.db)
	if err != nil {
		return fmt.Errorf("list spaces: %w", err)
	}
	for _, record := range records {
		s, err := m.openSpace(ctx, record)
		if err != nil {
			return err
		}
		if record.State == spaces.Active {
			m.initialize(s)
		}
	}
	m.logger.Info("opened spaces", zap.Int("count", len(records)))
	return nil
}

func (m *Manager) openSpace(ctx context.Context, record *spaces.Space) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.spaces[record.Key]; ok {
		return s, nil
	}
	s := newSpace(m.deps, record)
	if err := s.open(ctx); err != nil {
		return nil, fmt.Errorf("open space %s: %w", record.Key.ShortString(), err)
	}
	m.spaces[record.Key] = s
	return s, nil
}

func (m *Manager) initialize(s *Space) {
	m.eg.Go(func() error {
		if err := s.InitializeDataPipeline(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("failed to initialize space", zap.Error(err))
		}
		return nil
	})
}

// CreateSpace creates a space with the local member as its first member and
// initializes it.
func (m *Manager) CreateSpace(ctx context.Context) (*Space, error) {
	signer := m.member.Signer()
	if signer == nil {
		return nil, ErrNoSigner
	}
	spaceKey, err := m.keyring.Create()
	if err != nil {
		return nil, fmt.Errorf("create space key: %w", err)
	}
	control, err := m.store.CreateFeed(ctx)
	if err != nil {
		return nil, err
	}
	data, err := m.store.CreateFeed(ctx)
	if err != nil {
		return nil, err
	}
	key := spaceKey.PublicKey()
	device := m.member.Device()
	creds := credentials.CreateSpaceGenesis(
		credentials.NewSigner(spaceKey, credentials.WithSignerClock(m.clock)),
		signer,
		device,
		control.Key(),
	)
	creds = append(creds, credentials.AdmitFeed(signer, key, device, data.Key(), credentials.DATA))
	if _, err := pipeline.WriteCredentials(ctx, control, creds...); err != nil {
		return nil, fmt.Errorf("write genesis: %w", err)
	}
	record := &spaces.Space{
		Key:         key,
		GenesisFeed: control.Key(),
		ControlFeed: control.Key(),
		DataFeed:    data.Key(),
		State:       spaces.Active,
		Created:     m.clock.Now(),
	}
	if err := spaces.Add(m.db, record); err != nil {
		return nil, fmt.Errorf("add space: %w", err)
	}
	s, err := m.openSpace(ctx, record)
	if err != nil {
		return nil, err
	}
	m.logger.Info("created space", log.ZShortStringer("space", key))
	if err := s.InitializeDataPipeline(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// PrepareJoin opens a space the local member was invited to, with fresh control and
// data feeds of this device. The returned request must be admitted by a member;
// the space is initialized in the background and becomes Ready after admission
// was replicated.
func (m *Manager) PrepareJoin(ctx context.Context, key, genesisFeed types.PublicKey) (*Space, *JoinRequest, error) {
	if _, err := m.Space(key); err == nil {
		return nil, nil, fmt.Errorf("join space %s: %w", key.ShortString(), sql.ErrObjectExists)
	}
	control, err := m.store.CreateFeed(ctx)
	if err != nil {
		return nil, nil, err
	}
	data, err := m.store.CreateFeed(ctx)
	if err != nil {
		return nil, nil, err
	}
	device := m.member.Device()
	req := &JoinRequest{
		Identity:    m.member.Identity(),
		Device:      device,
		ControlFeed: control.Key(),
		DataFeed:    data.Key(),
	}
	if signer := m.member.Signer(); signer != nil {
		req.Credentials = []*credentials.Credential{
			credentials.AuthorizeDevice(signer, device),
			credentials.AdmitFeed(signer, key, device, control.Key(), credentials.CONTROL),
			credentials.AdmitFeed(signer, key, device, data.Key(), credentials.DATA),
		}
	}
	record := &spaces.Space{
		Key:         key,
		GenesisFeed: genesisFeed,
		ControlFeed: control.Key(),
		DataFeed:    data.Key(),
		State:       spaces.Active,
		Created:     m.clock.Now(),
	}
	if err := spaces.Add(m.db, record); err != nil {
		return nil, nil, fmt.Errorf("add space: %w", err)
	}
	s, err := m.openSpace(ctx, record)
	if err != nil {
		return nil, nil, err
	}
	m.logger.Info("joining space",
		log.ZShortStringer("space", key),
		log.ZShortStringer("control", control.Key()),
		log.ZShortStringer("data", data.Key()),
	)
	m.initialize(s)
	return s, req, nil
}

// Admit writes the credentials of a join request to the local control feed of the
// space, admitting the identity as a member first if needed.
func (m *Manager) Admit(ctx context.Context, key types.PublicKey, req *JoinRequest) error {
	s, err := m.Space(key)
	if err != nil {
		return err
	}
	signer := m.member.Signer()
	if signer == nil {
		return ErrNoSigner
	}
	control := s.ControlPipeline()
	if control == nil {
		return ErrClosed
	}
	writer := control.Writer()
	if writer == nil {
		return fmt.Errorf("%w: no control feed in space %s", feed.ErrNotWritable, key.ShortString())
	}
	creds := req.Credentials
	if len(creds) == 0 {
		if req.Identity != m.member.Identity() {
			return fmt.Errorf("%w: no credentials from %s", ErrInvalidJoinRequest, req.Identity.ShortString())
		}
		creds = []*credentials.Credential{
			credentials.AuthorizeDevice(signer, req.Device),
			credentials.AdmitFeed(signer, key, req.Device, req.ControlFeed, credentials.CONTROL),
			credentials.AdmitFeed(signer, key, req.Device, req.DataFeed, credentials.DATA),
		}
	}
	for _, cred := range creds {
		if cred.Issuer != req.Identity {
			return fmt.Errorf("%w: credential %s issued by %s",
				ErrInvalidJoinRequest, cred.ID().ShortString(), cred.Issuer.ShortString())
		}
	}

	sm := control.StateMachine()
	if !sm.IsMember(req.Identity) {
		if _, err := writer.WriteCredential(ctx, credentials.AdmitMember(signer, key, req.Identity)); err != nil {
			return fmt.Errorf("admit member: %w", err)
		}
	}
	for _, cred := range creds {
		if sm.Processed(cred.ID()) {
			continue
		}
		if _, err := writer.WriteCredential(ctx, cred); err != nil {
			return fmt.Errorf("write join credential: %w", err)
		}
	}
	m.logger.Info("admitted device",
		log.ZShortStringer("space", key),
		log.ZShortStringer("identity", req.Identity),
		log.ZShortStringer("device", req.Device),
	)
	return nil
}

// Space returns an open space.
func (m *Manager) Space(key types.PublicKey) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spaces[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key.ShortString())
	}
	return s, nil
}

// Spaces returns open spaces ordered by key.
func (m *Manager) Spaces() []*Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	rst := make([]*Space, 0, len(m.spaces))
	for _, s := range m.spaces {
		rst = append(rst, s)
	}
	slices.SortFunc(rst, func(a, b *Space) int { return a.key.Compare(b.key) })
	return rst
}

// Close closes all spaces and waits for background initializations.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Space, 0, len(m.spaces))
	for _, s := range m.spaces {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, s := range open {
		errs = append(errs, s.Close())
	}
	errs = append(errs, m.eg.Wait())
	return errors.Join(errs...)
}
