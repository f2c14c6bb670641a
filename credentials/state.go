package credentials

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/events"
	"github.com/spacemeshos/go-spacedb/log"
	"github.com/spacemeshos/go-spacedb/signing"
)

var (
	// ErrInvalidSignature is returned when the proof doesn't verify.
	ErrInvalidSignature = errors.New("credentials: invalid signature")
	// ErrInvalidChain is returned when the chain doesn't authorize the signer.
	ErrInvalidChain = errors.New("credentials: invalid chain")
	// ErrChainPending is returned when a credential depends on one that wasn't processed yet.
	ErrChainPending = errors.New("credentials: chain pending")
	// ErrUnauthorized is returned when the issuer is not allowed to make the assertion.
	ErrUnauthorized = errors.New("credentials: unauthorized")
)

// IdentityState is the progress of an identity within a space.
type IdentityState uint8

const (
	Unknown IdentityState = iota
	Pending
	DeviceAuthorized
	FeedAdmitted
)

func (s IdentityState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Pending:
		return "pending"
	case DeviceAuthorized:
		return "device_authorized"
	case FeedAdmitted:
		return "feed_admitted"
	default:
		return fmt.Sprintf("IdentityState(%d)", uint8(s))
	}
}

// FeedInfo describes an admitted feed.
type FeedInfo struct {
	Key         types.PublicKey
	Designation Designation
	Identity    types.PublicKey
	Device      types.PublicKey
	// Source is the control feed the admission was read from.
	Source types.PublicKey
}

// Member of a space.
type Member struct {
	Identity    types.PublicKey
	Active      bool
	DisplayName string
}

type identityRecord struct {
	member  *Member
	state   IdentityState
	devices map[types.PublicKey]*deviceRecord
}

type deviceRecord struct {
	credential types.Hash32
	control    bool
	data       bool
}

// Opt modifies StateMachine.
type Opt func(*StateMachine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(sm *StateMachine) {
		sm.logger = logger
	}
}

// WithLocalDevice tracks readiness of the local device, see DeviceStateMachine.
func WithLocalDevice(identity, device types.PublicKey) Opt {
	return func(sm *StateMachine) {
		sm.device = NewDeviceStateMachine(identity, device)
	}
}

// StateMachine derives members, authorized devices and admitted feeds of a space
// from credentials, in the order they are processed. It is driven by a single
// goroutine and can be queried concurrently.
type StateMachine struct {
	logger   *zap.Logger
	verifier signing.Verifier
	space    types.PublicKey
	device   *DeviceStateMachine

	mu         sync.RWMutex
	genesis    *Credential
	processed  map[types.Hash32]struct{}
	order      []*Credential
	identities map[types.PublicKey]*identityRecord
	feeds      map[types.PublicKey]FeedInfo

	feedAdmitted     events.Event[FeedInfo]
	memberUpdated    events.Event[Member]
	deviceAuthorized events.Event[types.PublicKey]
}

// NewStateMachine creates a state machine for the space.
func NewStateMachine(space types.PublicKey, verifier signing.Verifier, opts ...Opt) *StateMachine {
	sm := &StateMachine{
		logger:     zap.NewNop(),
		verifier:   verifier,
		space:      space,
		processed:  map[types.Hash32]struct{}{},
		identities: map[types.PublicKey]*identityRecord{},
		feeds:      map[types.PublicKey]FeedInfo{},
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Space returns the key of the space.
func (sm *StateMachine) Space() types.PublicKey {
	return sm.space
}

// Device returns the local device tracker, nil unless WithLocalDevice was used.
func (sm *StateMachine) Device() *DeviceStateMachine {
	return sm.device
}

// OnFeedAdmitted registers fn to be called after a feed is admitted.
func (sm *StateMachine) OnFeedAdmitted(fn func(FeedInfo)) func() {
	return sm.feedAdmitted.Subscribe(fn)
}

// OnMemberUpdated registers fn to be called after a member is added or changed.
func (sm *StateMachine) OnMemberUpdated(fn func(Member)) func() {
	return sm.memberUpdated.Subscribe(fn)
}

// OnDeviceAuthorized registers fn to be called with the key of every device
// authorized for a member.
func (sm *StateMachine) OnDeviceAuthorized(fn func(types.PublicKey)) func() {
	return sm.deviceAuthorized.Subscribe(fn)
}

// Close drops all registered observers.
func (sm *StateMachine) Close() {
	sm.feedAdmitted.Close()
	sm.memberUpdated.Close()
	sm.deviceAuthorized.Close()
}

// Process verifies and applies a credential read from the source feed.
// Processing a credential that was already applied is a noop.
func (sm *StateMachine) Process(cred *Credential, source types.PublicKey) error {
	id := cred.ID()
	sm.mu.RLock()
	_, done := sm.processed[id]
	sm.mu.RUnlock()
	if done {
		return nil
	}
	if !cred.Verify(sm.verifier) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, id.ShortString())
	}
	if cred.Proof.Signer != cred.Issuer {
		if err := sm.checkChain(cred, 0); err != nil {
			return err
		}
	}

	sm.mu.Lock()
	if err := sm.authorize(cred); err != nil {
		sm.mu.Unlock()
		return err
	}
	feed, member := sm.apply(cred, source)
	sm.processed[id] = struct{}{}
	sm.order = append(sm.order, cred)
	sm.mu.Unlock()

	sm.logger.Debug("processed credential", zap.Object("credential", cred), log.ZShortStringer("source", source))
	if sm.device != nil {
		sm.device.process(cred)
	}
	if feed != nil {
		sm.feedAdmitted.Emit(*feed)
	}
	if member != nil {
		sm.memberUpdated.Emit(*member)
	}
	if a, ok := cred.Assertion.(*AuthorizedDevice); ok {
		sm.deviceAuthorized.Emit(a.Device)
	}
	return nil
}

// checkChain verifies that the signer of cred was authorized by the issuer.
// A link is trusted if it was already processed or if it is signed by its issuer
// directly; a link signed by a device must be processed first.
func (sm *StateMachine) checkChain(cred *Credential, depth int) error {
	if depth >= MaxChainLength {
		return fmt.Errorf("%w: chain longer than %d", ErrInvalidChain, MaxChainLength)
	}
	if len(cred.Chain) == 0 {
		return fmt.Errorf("%w: %s signed by %s without chain",
			ErrInvalidChain, cred.Issuer.ShortString(), cred.Proof.Signer.ShortString())
	}
	link := &cred.Chain[0]
	device, ok := link.Assertion.(*AuthorizedDevice)
	if !ok || link.Issuer != device.Identity || device.Identity != cred.Issuer || device.Device != cred.Proof.Signer {
		return fmt.Errorf("%w: link doesn't authorize %s for %s",
			ErrInvalidChain, cred.Proof.Signer.ShortString(), cred.Issuer.ShortString())
	}
	sm.mu.RLock()
	_, done := sm.processed[link.ID()]
	sm.mu.RUnlock()
	if done {
		return nil
	}
	if !link.Verify(sm.verifier) {
		return fmt.Errorf("%w: invalid link signature", ErrInvalidChain)
	}
	if link.Proof.Signer == link.Issuer {
		return nil
	}
	if len(link.Chain) == 0 {
		return fmt.Errorf("%w: link %s", ErrChainPending, link.ID().ShortString())
	}
	return sm.checkChain(link, depth+1)
}

func (sm *StateMachine) isMember(identity types.PublicKey) bool {
	record, ok := sm.identities[identity]
	return ok && record.member != nil
}

func (sm *StateMachine) unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// authorize must be called with mu held.
func (sm *StateMachine) authorize(cred *Credential) error {
	if _, ok := cred.Assertion.(*SpaceGenesis); !ok && sm.genesis == nil {
		return sm.unauthorized("space %s has no genesis", sm.space.ShortString())
	}
	switch a := cred.Assertion.(type) {
	case *SpaceGenesis:
		if a.Space != sm.space || cred.Issuer != sm.space {
			return sm.unauthorized("genesis of %s issued by %s", a.Space.ShortString(), cred.Issuer.ShortString())
		}
		if sm.genesis != nil {
			return sm.unauthorized("space %s already has genesis", sm.space.ShortString())
		}
	case *SpaceMember:
		if a.Space != sm.space || a.Identity != cred.Subject {
			return sm.unauthorized("member credential for space %s", a.Space.ShortString())
		}
		if cred.Issuer != sm.space && !sm.isMember(cred.Issuer) {
			return sm.unauthorized("member admitted by non member %s", cred.Issuer.ShortString())
		}
	case *AuthorizedDevice:
		if cred.Issuer != a.Identity {
			return sm.unauthorized("device of %s authorized by %s", a.Identity.ShortString(), cred.Issuer.ShortString())
		}
		if !sm.isMember(a.Identity) {
			return sm.unauthorized("device authorized for non member %s", a.Identity.ShortString())
		}
	case *AdmittedFeed:
		if a.Space != sm.space || a.Feed != cred.Subject || a.Identity != cred.Issuer {
			return sm.unauthorized("feed %s admitted by %s", a.Feed.ShortString(), cred.Issuer.ShortString())
		}
		if !sm.isMember(a.Identity) {
			return sm.unauthorized("feed admitted by non member %s", a.Identity.ShortString())
		}
		if _, ok := sm.identities[a.Identity].devices[a.Device]; !ok {
			return fmt.Errorf("%w: device %s not authorized", ErrChainPending, a.Device.ShortString())
		}
		if existing, ok := sm.feeds[a.Feed]; ok {
			return sm.unauthorized("feed %s already admitted as %s", a.Feed.ShortString(), existing.Designation)
		}
	case *ProfileUpdate:
		if cred.Issuer != a.Identity || !sm.isMember(a.Identity) {
			return sm.unauthorized("profile of %s updated by %s", a.Identity.ShortString(), cred.Issuer.ShortString())
		}
	case *SpaceActivity:
		if a.Space != sm.space || cred.Issuer != a.Identity || !sm.isMember(a.Identity) {
			return sm.unauthorized("activity of %s set by %s", a.Identity.ShortString(), cred.Issuer.ShortString())
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownAssertion, cred.Assertion)
	}
	return nil
}

func (sm *StateMachine) record(identity types.PublicKey) *identityRecord {
	record, ok := sm.identities[identity]
	if !ok {
		record = &identityRecord{devices: map[types.PublicKey]*deviceRecord{}}
		sm.identities[identity] = record
	}
	return record
}

// apply must be called with mu held, after authorize.
func (sm *StateMachine) apply(cred *Credential, source types.PublicKey) (*FeedInfo, *Member) {
	switch a := cred.Assertion.(type) {
	case *SpaceGenesis:
		sm.genesis = cred
	case *SpaceMember:
		record := sm.record(a.Identity)
		if record.member != nil {
			return nil, nil
		}
		record.member = &Member{Identity: a.Identity, Active: true}
		record.state = max(record.state, Pending)
		member := *record.member
		return nil, &member
	case *AuthorizedDevice:
		record := sm.record(a.Identity)
		if _, ok := record.devices[a.Device]; !ok {
			record.devices[a.Device] = &deviceRecord{credential: cred.ID()}
		}
		record.state = max(record.state, DeviceAuthorized)
	case *AdmittedFeed:
		info := FeedInfo{
			Key:         a.Feed,
			Designation: a.Designation,
			Identity:    a.Identity,
			Device:      a.Device,
			Source:      source,
		}
		sm.feeds[a.Feed] = info
		record := sm.record(a.Identity)
		device := record.devices[a.Device]
		switch a.Designation {
		case CONTROL:
			device.control = true
		case DATA:
			device.data = true
		}
		if device.control && device.data {
			record.state = FeedAdmitted
		}
		return &info, nil
	case *ProfileUpdate:
		record := sm.record(a.Identity)
		record.member.DisplayName = a.DisplayName
		member := *record.member
		return nil, &member
	case *SpaceActivity:
		record := sm.record(a.Identity)
		record.member.Active = a.Active
		member := *record.member
		return nil, &member
	}
	return nil, nil
}

// Genesis returns the genesis credential or nil.
func (sm *StateMachine) Genesis() *Credential {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.genesis
}

// Processed returns true if the credential was applied.
func (sm *StateMachine) Processed(id types.Hash32) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.processed[id]
	return ok
}

// Credentials returns applied credentials in processing order.
func (sm *StateMachine) Credentials() []*Credential {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return slices.Clone(sm.order)
}

// IdentityState returns the progress of identity in the space.
func (sm *StateMachine) IdentityState(identity types.PublicKey) IdentityState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if record, ok := sm.identities[identity]; ok {
		return record.state
	}
	return Unknown
}

// IsMember returns true if identity was admitted to the space.
func (sm *StateMachine) IsMember(identity types.PublicKey) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.isMember(identity)
}

// Members returns members sorted by identity.
func (sm *StateMachine) Members() []Member {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var members []Member
	for _, record := range sm.identities {
		if record.member != nil {
			members = append(members, *record.member)
		}
	}
	slices.SortFunc(members, func(a, b Member) int {
		return a.Identity.Compare(b.Identity)
	})
	return members
}

// AuthorizedDevices returns devices authorized for identity, sorted.
func (sm *StateMachine) AuthorizedDevices(identity types.PublicKey) []types.PublicKey {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var devices []types.PublicKey
	if record, ok := sm.identities[identity]; ok {
		for device := range record.devices {
			devices = append(devices, device)
		}
	}
	types.SortPublicKeys(devices)
	return devices
}

// AuthorizedDeviceKeys returns devices of all identities, sorted.
func (sm *StateMachine) AuthorizedDeviceKeys() []types.PublicKey {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var devices []types.PublicKey
	for _, record := range sm.identities {
		for device := range record.devices {
			devices = append(devices, device)
		}
	}
	types.SortPublicKeys(devices)
	return devices
}

// IsAuthorizedDevice returns true if device was authorized by a member.
func (sm *StateMachine) IsAuthorizedDevice(device types.PublicKey) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, record := range sm.identities {
		if _, ok := record.devices[device]; ok {
			return true
		}
	}
	return false
}

// Feed returns information about an admitted feed.
func (sm *StateMachine) Feed(key types.PublicKey) (FeedInfo, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	info, ok := sm.feeds[key]
	return info, ok
}

// Feeds returns admitted feeds of the designation, sorted by key.
func (sm *StateMachine) Feeds(designation Designation) []FeedInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var feeds []FeedInfo
	for _, info := range sm.feeds {
		if info.Designation == designation {
			feeds = append(feeds, info)
		}
	}
	slices.SortFunc(feeds, func(a, b FeedInfo) int {
		return a.Key.Compare(b.Key)
	})
	return feeds
}
