package space

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
)

var (
	// ErrInvalidStateTransition is returned when an operation is not allowed in the
	// current state of the space.
	ErrInvalidStateTransition = errors.New("space: invalid state transition")
	// ErrClosed is returned by operations on a closed space.
	ErrClosed = errors.New("space: closed")
	// ErrNotFound is returned for spaces unknown to the manager.
	ErrNotFound = errors.New("space: not found")
	// ErrInvalidJoinRequest is returned when a join request carries credentials of
	// another identity.
	ErrInvalidJoinRequest = errors.New("space: invalid join request")
	// ErrNoSigner is returned when credentials must be issued before the device
	// chain of the local identity is ready.
	ErrNoSigner = errors.New("space: no credential signer")
)

// State of the space lifecycle.
type State uint8

const (
	Closed State = iota
	// Inactive spaces replicate and process credentials, objects are not loaded.
	Inactive
	// Initializing spaces are constructing the data pipeline.
	Initializing
	// Ready spaces caught up with the targets of both pipelines.
	Ready
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Inactive:
		return "inactive"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Scope of activation changes.
type Scope uint8

const (
	// ScopeDevice changes activation on this device only.
	ScopeDevice Scope = iota
	// ScopeGlobal additionally records the change with a SpaceActivity credential.
	ScopeGlobal
)

// Member is the local identity and device spaces are opened for.
type Member interface {
	Identity() types.PublicKey
	Device() types.PublicKey
	// Signer issues credentials for the identity. It returns nil if it can't sign yet.
	Signer() *credentials.Signer
}
