package credentials

import (
	"github.com/spacemeshos/go-spacedb/common/types"
)

// CreateSpaceGenesis returns the credentials that start a space: the genesis and the
// creator membership issued by the space key, the authorization of the creator device,
// and the admission of the creator control feed. The control feed is also the genesis
// feed of the space.
func CreateSpaceGenesis(space, identity *Signer, device, controlFeed types.PublicKey) []*Credential {
	spaceKey := space.Issuer()
	return []*Credential{
		space.Create(spaceKey, &SpaceGenesis{Space: spaceKey}),
		AdmitMember(space, spaceKey, identity.Issuer()),
		AuthorizeDevice(identity, device),
		AdmitFeed(identity, spaceKey, device, controlFeed, CONTROL),
	}
}

// AdmitMember admits identity to the space. Issued by the space key or a member.
func AdmitMember(admitter *Signer, space, identity types.PublicKey) *Credential {
	return admitter.Create(identity, &SpaceMember{Space: space, Identity: identity})
}

// AuthorizeDevice authorizes device to act for the identity of the signer.
func AuthorizeDevice(identity *Signer, device types.PublicKey) *Credential {
	return identity.Create(device, &AuthorizedDevice{Identity: identity.Issuer(), Device: device})
}

// AdmitFeed admits a feed of device into the space.
func AdmitFeed(identity *Signer, space, device, feed types.PublicKey, designation Designation) *Credential {
	return identity.Create(feed, &AdmittedFeed{
		Space:       space,
		Identity:    identity.Issuer(),
		Device:      device,
		Feed:        feed,
		Designation: designation,
	})
}

// UpdateProfile publishes a new profile of the signer identity.
func UpdateProfile(identity *Signer, displayName string) *Credential {
	return identity.Create(identity.Issuer(), &ProfileUpdate{Identity: identity.Issuer(), DisplayName: displayName})
}

// SetActivity records whether the signer identity keeps the space active on its devices.
func SetActivity(identity *Signer, space types.PublicKey, active bool) *Credential {
	return identity.Create(space, &SpaceActivity{Space: space, Identity: identity.Issuer(), Active: active})
}
