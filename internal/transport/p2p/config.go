package p2p

import (
	"time"

	"github.com/quic-go/quic-go"
)

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultKeepAlive    = 15 * time.Second
	DefaultHelloTimeout = 5 * time.Second
)

// Config tunes the transport. Zero values take the defaults.
type Config struct {
	// DialTimeout bounds Connect when the caller's context has no deadline.
	DialTimeout time.Duration

	// KeepAlive is the liveness window: a silent peer is declared dead
	// after this long.
	KeepAlive time.Duration

	// MaxFrameSize caps a single payload.
	MaxFrameSize int

	// HelloTimeout bounds the PeerID exchange after the stream opens.
	HelloTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	return c
}

func (c Config) quic() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:       c.KeepAlive / 3,
		MaxIdleTimeout:        c.KeepAlive,
		HandshakeIdleTimeout:  c.DialTimeout,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}
