// Package identity keeps the identity of the local user and the device it runs on.
//
// Every identity owns a HALO space. Its control feeds carry the authorizations of the
// identity devices and the identity profile, so that a device authorized in the HALO
// can issue credentials for the identity in any other space.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/signing"
	"github.com/spacemeshos/go-spacedb/space"
	"github.com/spacemeshos/go-spacedb/sql"
	"github.com/spacemeshos/go-spacedb/sql/kvstore"
)

const recordKey = "identity"

var (
	// ErrExists is returned when creating an identity on a node that already has one.
	ErrExists = errors.New("identity: exists")
	// ErrNotStarted is returned by operations that need the HALO space before it was
	// created or joined.
	ErrNotStarted = errors.New("identity: halo not started")
)

type record struct {
	Identity    types.PublicKey
	Device      types.PublicKey
	Halo        types.PublicKey
	HaloGenesis types.PublicKey
}

// EncodeScale implements scale codec interface.
func (r *record) EncodeScale(e *scale.Encoder) (int, error) {
	total := 0
	{
		n, err := r.Identity.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Device.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Halo.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.HaloGenesis.EncodeScale(e)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (r *record) DecodeScale(d *scale.Decoder) (int, error) {
	total := 0
	{
		n, err := r.Identity.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Device.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.Halo.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := r.HaloGenesis.DecodeScale(d)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Opt configures Identity.
type Opt func(*Identity)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(i *Identity) {
		i.logger = logger
	}
}

// WithClock sets the clock used for credential timestamps.
func WithClock(clock clockwork.Clock) Opt {
	return func(i *Identity) {
		i.clock = clock
	}
}

// Profile of an identity as published in its HALO.
type Profile struct {
	DisplayName string
}

// Identity is the local identity and device. It implements space.Member.
type Identity struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	db      sql.Executor
	keyring *signing.Keyring
	device  *signing.EdSigner

	mu     sync.Mutex
	record record
	halo   *space.Space
}

var _ space.Member = (*Identity)(nil)

func newIdentity(db sql.Executor, keyring *signing.Keyring, opts []Opt) *Identity {
	i := &Identity{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		db:      db,
		keyring: keyring,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Identity) save() error {
	if err := kvstore.Set(i.db, recordKey, &i.record); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (i *Identity) create(identity types.PublicKey) error {
	var existing record
	if err := kvstore.Get(i.db, recordKey, &existing); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, existing.Identity.ShortString())
	} else if !errors.Is(err, sql.ErrNotFound) {
		return err
	}
	device, err := i.keyring.Create()
	if err != nil {
		return fmt.Errorf("create device key: %w", err)
	}
	i.device = device
	i.record = record{Identity: identity, Device: device.PublicKey()}
	if err := i.save(); err != nil {
		return err
	}
	i.logger.Info("created identity",
		log.ZShortStringer("identity", identity),
		log.ZShortStringer("device", device.PublicKey()),
	)
	return nil
}

// Create generates a new identity key and the key of this device.
func Create(db sql.Executor, keyring *signing.Keyring, opts ...Opt) (*Identity, error) {
	i := newIdentity(db, keyring, opts)
	key, err := keyring.Create()
	if err != nil {
		return nil, fmt.Errorf("create identity key: %w", err)
	}
	if err := i.create(key.PublicKey()); err != nil {
		return nil, err
	}
	return i, nil
}

// NewDevice creates a device for an identity whose key is kept on another device.
// The device can issue credentials once it was admitted to the HALO, see JoinHalo.
func NewDevice(db sql.Executor, keyring *signing.Keyring, identity types.PublicKey, opts ...Opt) (*Identity, error) {
	i := newIdentity(db, keyring, opts)
	if err := i.create(identity); err != nil {
		return nil, err
	}
	return i, nil
}

// Load reads the identity persisted by Create or NewDevice.
// Returns sql.ErrNotFound if the node has no identity.
func Load(db sql.Executor, keyring *signing.Keyring, opts ...Opt) (*Identity, error) {
	i := newIdentity(db, keyring, opts)
	if err := kvstore.Get(db, recordKey, &i.record); err != nil {
		return nil, err
	}
	device, err := keyring.Get(i.record.Device)
	if err != nil {
		return nil, fmt.Errorf("device key %s: %w", i.record.Device.ShortString(), err)
	}
	i.device = device
	return i, nil
}

// Identity returns the identity key.
func (i *Identity) Identity() types.PublicKey {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.record.Identity
}

// Device returns the key of this device.
func (i *Identity) Device() types.PublicKey {
	return i.device.PublicKey()
}

// Halo returns the key and the genesis feed of the HALO space, empty before Start or
// JoinHalo.
func (i *Identity) Halo() (types.PublicKey, types.PublicKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.record.Halo, i.record.HaloGenesis
}

func (i *Identity) haloSpace() (*space.Space, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.halo == nil {
		return nil, ErrNotStarted
	}
	return i.halo, nil
}

// Signer issues credentials for the identity. Once this device is authorized in the
// HALO the device key signs with the authorization attached; before that only a
// device holding the identity key can sign. Returns nil otherwise.
func (i *Identity) Signer() *credentials.Signer {
	if halo, err := i.haloSpace(); err == nil {
		if sm := halo.StateMachine(); sm != nil {
			if cred := sm.Device().Credential(); cred != nil {
				return credentials.NewChainSigner(i.Identity(), i.device, cred, credentials.WithSignerClock(i.clock))
			}
		}
	}
	key, err := i.keyring.Get(i.Identity())
	if err != nil {
		return nil
	}
	return credentials.NewSigner(key, credentials.WithSignerClock(i.clock))
}

// Start opens the HALO space, creating it on the first start of an identity created
// with Create. Persisted spaces must be opened by the manager before.
func (i *Identity) Start(ctx context.Context, manager *space.Manager) error {
	halo, _ := i.Halo()
	if !halo.Empty() {
		s, err := manager.Space(halo)
		if err != nil {
			return fmt.Errorf("halo: %w", err)
		}
		i.mu.Lock()
		i.halo = s
		i.mu.Unlock()
		return nil
	}
	s, err := manager.CreateSpace(ctx)
	if err != nil {
		return fmt.Errorf("create halo: %w", err)
	}
	i.mu.Lock()
	i.halo = s
	i.record.Halo = s.Key()
	i.record.HaloGenesis = s.GenesisFeed()
	err = i.save()
	i.mu.Unlock()
	if err != nil {
		return err
	}
	i.logger.Info("created halo", log.ZShortStringer("halo", s.Key()))
	return nil
}

// JoinHalo joins the HALO of the identity from a new device. The returned request
// must be admitted with AdmitDevice on a device that is already authorized.
func (i *Identity) JoinHalo(ctx context.Context, manager *space.Manager, key, genesis types.PublicKey) (*space.JoinRequest, error) {
	s, req, err := manager.PrepareJoin(ctx, key, genesis)
	if err != nil {
		return nil, fmt.Errorf("join halo: %w", err)
	}
	i.mu.Lock()
	i.halo = s
	i.record.Halo = key
	i.record.HaloGenesis = genesis
	err = i.save()
	i.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return req, nil
}

// AdmitDevice authorizes the device of req for this identity and admits its feeds to
// the HALO.
func (i *Identity) AdmitDevice(ctx context.Context, manager *space.Manager, req *space.JoinRequest) error {
	halo, err := i.haloSpace()
	if err != nil {
		return err
	}
	if req.Identity != i.Identity() {
		return fmt.Errorf("%w: device of %s", space.ErrInvalidJoinRequest, req.Identity.ShortString())
	}
	return manager.Admit(ctx, halo.Key(), req)
}

// Ready waits until this device is authorized and its feeds are admitted to the HALO.
func (i *Identity) Ready(ctx context.Context) error {
	halo, err := i.haloSpace()
	if err != nil {
		return err
	}
	sm := halo.StateMachine()
	if sm == nil {
		return space.ErrClosed
	}
	return sm.Device().DeviceChainReady().Wait(ctx)
}

// AuthorizedDeviceKeys returns the devices authorized in the HALO.
func (i *Identity) AuthorizedDeviceKeys() []types.PublicKey {
	halo, err := i.haloSpace()
	if err != nil {
		return nil
	}
	sm := halo.StateMachine()
	if sm == nil {
		return nil
	}
	return sm.AuthorizedDevices(i.Identity())
}

// UpdateProfile publishes the profile in the HALO.
func (i *Identity) UpdateProfile(ctx context.Context, displayName string) error {
	halo, err := i.haloSpace()
	if err != nil {
		return err
	}
	signer := i.Signer()
	if signer == nil {
		return space.ErrNoSigner
	}
	control := halo.ControlPipeline()
	if control == nil {
		return space.ErrClosed
	}
	writer := control.Writer()
	if writer == nil {
		return fmt.Errorf("no control feed in halo %s", halo.Key().ShortString())
	}
	if _, err := writer.WriteCredential(ctx, credentials.UpdateProfile(signer, displayName)); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Profile returns the last profile processed in the HALO.
func (i *Identity) Profile() (Profile, bool) {
	halo, err := i.haloSpace()
	if err != nil {
		return Profile{}, false
	}
	identity := i.Identity()
	for _, member := range halo.Members() {
		if member.Identity == identity {
			return Profile{DisplayName: member.DisplayName}, true
		}
	}
	return Profile{}, false
}
