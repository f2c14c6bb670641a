package types

import (
	"github.com/google/uuid"
	"github.com/spacemeshos/go-scale"
)

// ObjectID identifies an object in a space object store.
type ObjectID [16]byte

// EmptyObjectID is a canonical empty ObjectID.
var EmptyObjectID ObjectID

// NewObjectID generates a random object id.
func NewObjectID() ObjectID {
	return ObjectID(uuid.New())
}

// ObjectIDFromString parses the uuid representation of an id.
func ObjectIDFromString(s string) (ObjectID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return EmptyObjectID, err
	}
	return ObjectID(id), nil
}

// String returns the uuid representation of the id.
func (id ObjectID) String() string {
	return uuid.UUID(id).String()
}

// ShortString returns the first 8 characters of the id, for logging purposes.
func (id ObjectID) ShortString() string {
	return Shorten(id.String(), 8)
}

// EncodeScale implements scale codec interface.
func (id *ObjectID) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, id[:])
}

// DecodeScale implements scale codec interface.
func (id *ObjectID) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, id[:])
}
