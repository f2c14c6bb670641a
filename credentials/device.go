package credentials

import (
	"sync"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/common/util"
)

// DeviceStateMachine tracks credentials about the local device of an identity.
// DeviceChainReady is resolved by the state machine once the device is authorized
// and both its CONTROL and DATA feeds are admitted.
type DeviceStateMachine struct {
	identity types.PublicKey
	device   types.PublicKey
	ready    *util.Trigger

	mu         sync.Mutex
	credential *Credential
	control    bool
	data       bool
}

// NewDeviceStateMachine creates a tracker for device of identity.
func NewDeviceStateMachine(identity, device types.PublicKey) *DeviceStateMachine {
	return &DeviceStateMachine{
		identity: identity,
		device:   device,
		ready:    util.NewTrigger(),
	}
}

// DeviceChainReady is resolved once the device can write to the space.
func (d *DeviceStateMachine) DeviceChainReady() *util.Trigger {
	return d.ready
}

// Credential returns the credential authorizing the device, or nil.
func (d *DeviceStateMachine) Credential() *Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.credential
}

func (d *DeviceStateMachine) process(cred *Credential) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch a := cred.Assertion.(type) {
	case *AuthorizedDevice:
		if a.Identity == d.identity && a.Device == d.device && d.credential == nil {
			d.credential = cred
		}
	case *AdmittedFeed:
		if a.Identity == d.identity && a.Device == d.device {
			switch a.Designation {
			case CONTROL:
				d.control = true
			case DATA:
				d.data = true
			}
		}
	}
	if d.credential != nil && d.control && d.data {
		d.ready.Resolve()
	}
}
