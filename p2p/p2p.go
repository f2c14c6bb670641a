// Package p2p provides the transport used for replication: topic scoped, ordered
// message channels between authenticated peers.
package p2p

import (
	"errors"
	"time"
)

var (
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("p2p: connection closed")
	// ErrTopicJoined is returned when a topic is joined twice.
	ErrTopicJoined = errors.New("p2p: topic already joined")
	// ErrMessageTooLarge is returned by Send for messages over the configured limit.
	ErrMessageTooLarge = errors.New("p2p: message too large")
)

// Config for the libp2p host.
type Config struct {
	Listen    string   `mapstructure:"listen"`
	Bootnodes []string `mapstructure:"bootnodes"`
	// MaxMessageSize limits a single replication message.
	MaxMessageSize   int           `mapstructure:"max-message-size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	LowPeers         int           `mapstructure:"low-peers"`
	HighPeers        int           `mapstructure:"high-peers"`
	GracePeriod      time.Duration `mapstructure:"grace-period"`
	DisableReusePort bool          `mapstructure:"disable-reuseport"`
}

// DefaultConfig for the libp2p host.
func DefaultConfig() Config {
	return Config{
		Listen:           "/ip4/0.0.0.0/tcp/7613",
		MaxMessageSize:   4 << 20,
		HandshakeTimeout: 10 * time.Second,
		LowPeers:         20,
		HighPeers:        60,
		GracePeriod:      30 * time.Second,
	}
}
