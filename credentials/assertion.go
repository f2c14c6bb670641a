package credentials

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-spacedb/common/types"
)

// ErrUnknownAssertion is returned when decoding an assertion of unknown kind.
var ErrUnknownAssertion = errors.New("credentials: unknown assertion")

const maxDisplayName = 256

// Kind tags an assertion variant.
type Kind uint8

const (
	KindSpaceGenesis Kind = iota + 1
	KindSpaceMember
	KindAuthorizedDevice
	KindAdmittedFeed
	KindProfileUpdate
	KindSpaceActivity
)

func (k Kind) String() string {
	switch k {
	case KindSpaceGenesis:
		return "SpaceGenesis"
	case KindSpaceMember:
		return "SpaceMember"
	case KindAuthorizedDevice:
		return "AuthorizedDevice"
	case KindAdmittedFeed:
		return "AdmittedFeed"
	case KindProfileUpdate:
		return "ProfileUpdate"
	case KindSpaceActivity:
		return "SpaceActivity"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Designation tells which pipeline an admitted feed belongs to.
type Designation uint8

const (
	CONTROL Designation = iota + 1
	DATA
)

func (d Designation) String() string {
	switch d {
	case CONTROL:
		return "CONTROL"
	case DATA:
		return "DATA"
	default:
		return fmt.Sprintf("Designation(%d)", uint8(d))
	}
}

// Assertion is the closed set of statements a credential can make.
// Every variant is listed in newAssertion and handled by StateMachine.apply.
type Assertion interface {
	scale.Encodable
	scale.Decodable
	Kind() Kind
	assertion()
}

func newAssertion(kind Kind) (Assertion, error) {
	switch kind {
	case KindSpaceGenesis:
		return &SpaceGenesis{}, nil
	case KindSpaceMember:
		return &SpaceMember{}, nil
	case KindAuthorizedDevice:
		return &AuthorizedDevice{}, nil
	case KindAdmittedFeed:
		return &AdmittedFeed{}, nil
	case KindProfileUpdate:
		return &ProfileUpdate{}, nil
	case KindSpaceActivity:
		return &SpaceActivity{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAssertion, kind)
	}
}

func encodeAssertion(e *scale.Encoder, a Assertion) (int, error) {
	if a == nil {
		return 0, errors.New("credentials: missing assertion")
	}
	n, err := scale.EncodeCompact8(e, uint8(a.Kind()))
	if err != nil {
		return n, err
	}
	m, err := a.EncodeScale(e)
	return n + m, err
}

func decodeAssertion(d *scale.Decoder) (Assertion, int, error) {
	kind, n, err := scale.DecodeCompact8(d)
	if err != nil {
		return nil, n, err
	}
	a, err := newAssertion(Kind(kind))
	if err != nil {
		return nil, n, err
	}
	m, err := a.DecodeScale(d)
	return a, n + m, err
}

func encodeAll(e *scale.Encoder, fields ...scale.Encodable) (int, error) {
	total := 0
	for _, field := range fields {
		n, err := field.EncodeScale(e)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func decodeAll(d *scale.Decoder, fields ...scale.Decodable) (int, error) {
	total := 0
	for _, field := range fields {
		n, err := field.DecodeScale(d)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SpaceGenesis creates a space. It is issued by the space key.
type SpaceGenesis struct {
	Space types.PublicKey
}

func (*SpaceGenesis) Kind() Kind { return KindSpaceGenesis }
func (*SpaceGenesis) assertion() {}

// EncodeScale implements scale codec interface.
func (a *SpaceGenesis) EncodeScale(e *scale.Encoder) (int, error) {
	return encodeAll(e, &a.Space)
}

// DecodeScale implements scale codec interface.
func (a *SpaceGenesis) DecodeScale(d *scale.Decoder) (int, error) {
	return decodeAll(d, &a.Space)
}

// SpaceMember admits an identity to a space.
type SpaceMember struct {
	Space    types.PublicKey
	Identity types.PublicKey
}

func (*SpaceMember) Kind() Kind { return KindSpaceMember }
func (*SpaceMember) assertion() {}

// EncodeScale implements scale codec interface.
func (a *SpaceMember) EncodeScale(e *scale.Encoder) (int, error) {
	return encodeAll(e, &a.Space, &a.Identity)
}

// DecodeScale implements scale codec interface.
func (a *SpaceMember) DecodeScale(d *scale.Decoder) (int, error) {
	return decodeAll(d, &a.Space, &a.Identity)
}

// AuthorizedDevice allows a device to act on behalf of an identity.
type AuthorizedDevice struct {
	Identity types.PublicKey
	Device   types.PublicKey
}

func (*AuthorizedDevice) Kind() Kind { return KindAuthorizedDevice }
func (*AuthorizedDevice) assertion() {}

// EncodeScale implements scale codec interface.
func (a *AuthorizedDevice) EncodeScale(e *scale.Encoder) (int, error) {
	return encodeAll(e, &a.Identity, &a.Device)
}

// DecodeScale implements scale codec interface.
func (a *AuthorizedDevice) DecodeScale(d *scale.Decoder) (int, error) {
	return decodeAll(d, &a.Identity, &a.Device)
}

// AdmittedFeed admits a feed written by a device of a member identity.
type AdmittedFeed struct {
	Space       types.PublicKey
	Identity    types.PublicKey
	Device      types.PublicKey
	Feed        types.PublicKey
	Designation Designation
}

func (*AdmittedFeed) Kind() Kind { return KindAdmittedFeed }
func (*AdmittedFeed) assertion() {}

// EncodeScale implements scale codec interface.
func (a *AdmittedFeed) EncodeScale(e *scale.Encoder) (int, error) {
	total, err := encodeAll(e, &a.Space, &a.Identity, &a.Device, &a.Feed)
	if err != nil {
		return total, err
	}
	n, err := scale.EncodeCompact8(e, uint8(a.Designation))
	return total + n, err
}

// DecodeScale implements scale codec interface.
func (a *AdmittedFeed) DecodeScale(d *scale.Decoder) (int, error) {
	total, err := decodeAll(d, &a.Space, &a.Identity, &a.Device, &a.Feed)
	if err != nil {
		return total, err
	}
	designation, n, err := scale.DecodeCompact8(d)
	if err != nil {
		return total + n, err
	}
	a.Designation = Designation(designation)
	if a.Designation != CONTROL && a.Designation != DATA {
		return total + n, fmt.Errorf("invalid designation %d", designation)
	}
	return total + n, nil
}

// ProfileUpdate sets the public profile of an identity.
type ProfileUpdate struct {
	Identity    types.PublicKey
	DisplayName string
}

func (*ProfileUpdate) Kind() Kind { return KindProfileUpdate }
func (*ProfileUpdate) assertion() {}

// EncodeScale implements scale codec interface.
func (a *ProfileUpdate) EncodeScale(e *scale.Encoder) (int, error) {
	total, err := a.Identity.EncodeScale(e)
	if err != nil {
		return total, err
	}
	n, err := scale.EncodeStringWithLimit(e, a.DisplayName, maxDisplayName)
	return total + n, err
}

// DecodeScale implements scale codec interface.
func (a *ProfileUpdate) DecodeScale(d *scale.Decoder) (int, error) {
	total, err := a.Identity.DecodeScale(d)
	if err != nil {
		return total, err
	}
	name, n, err := scale.DecodeStringWithLimit(d, maxDisplayName)
	a.DisplayName = name
	return total + n, err
}

// SpaceActivity records that a member activated or deactivated a space on all its devices.
type SpaceActivity struct {
	Space    types.PublicKey
	Identity types.PublicKey
	Active   bool
}

func (*SpaceActivity) Kind() Kind { return KindSpaceActivity }
func (*SpaceActivity) assertion() {}

// EncodeScale implements scale codec interface.
func (a *SpaceActivity) EncodeScale(e *scale.Encoder) (int, error) {
	total, err := encodeAll(e, &a.Space, &a.Identity)
	if err != nil {
		return total, err
	}
	n, err := scale.EncodeBool(e, a.Active)
	return total + n, err
}

// DecodeScale implements scale codec interface.
func (a *SpaceActivity) DecodeScale(d *scale.Decoder) (int, error) {
	total, err := decodeAll(d, &a.Space, &a.Identity)
	if err != nil {
		return total, err
	}
	active, n, err := scale.DecodeBool(d)
	a.Active = active
	return total + n, err
}
