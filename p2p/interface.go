package p2p

import (
	"context"

	"github.com/spacemeshos/go-spacedb/common/types"
)

//go:generate mockgen -typed -package=p2p -destination=./mocks.go -source=./interface.go

// Conn is a reliable ordered message channel with a peer that joined the same topic.
type Conn interface {
	// RemotePeer is the key the remote peer authenticated with.
	RemotePeer() types.PublicKey
	Topic() types.PublicKey
	Send(ctx context.Context, msg []byte) error
	// Receive blocks until a message arrives. It returns ErrConnClosed once either
	// side closed the connection.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Network connects peers that joined the same topic.
type Network interface {
	// Join calls handler, on its own goroutine, for every connection to a peer in
	// topic, until leave is called. Connections are closed when the handler returns
	// or when the topic is left.
	Join(ctx context.Context, topic types.PublicKey, handler func(Conn)) (leave func(), err error)
	ID() types.PublicKey
}
