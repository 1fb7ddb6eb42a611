package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"

	"murmur/internal/relay"
	"murmur/internal/retry"
	sessionsvc "murmur/internal/services/session"
	"murmur/internal/transport/hybrid"
	"murmur/internal/transport/p2p"
)

// Node is the local node configuration.
type Node struct {
	// ListenAddr is the UDP address the P2P listener binds. Empty disables
	// inbound P2P.
	ListenAddr string

	// TrustDB is the bbolt file caching peer public keys. Empty keeps the
	// cache in memory for the life of the process.
	TrustDB string
}

// Relay is the relay client configuration. An empty URL disables the relay.
type Relay struct {
	URL             string
	RegisterTimeout Duration
	WriteTimeout    Duration
	PingInterval    Duration
	DialTimeout     Duration

	// MessageTTL asks the relay to drop queued payloads older than this.
	MessageTTL Duration
}

func (r *Relay) validate() error {
	orDefault(&r.RegisterTimeout, relay.DefaultRegisterTimeout)
	orDefault(&r.WriteTimeout, relay.DefaultWriteTimeout)
	orDefault(&r.PingInterval, relay.DefaultPingInterval)
	orDefault(&r.DialTimeout, relay.DefaultDialTimeout)
	if r.URL == "" {
		return nil
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("config: Relay: URL '%v' is invalid: %v", r.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: Relay: URL scheme must be ws or wss, got '%v'", u.Scheme)
	}
	return nil
}

// Handshake is the handshake configuration.
type Handshake struct {
	// StepTimeout bounds the wait for each handshake message.
	StepTimeout Duration
}

// P2P is the direct transport configuration.
type P2P struct {
	DialTimeout  Duration
	KeepAlive    Duration
	HelloTimeout Duration
	MaxFrameSize int
}

func (p *P2P) validate() error {
	orDefault(&p.DialTimeout, p2p.DefaultDialTimeout)
	orDefault(&p.KeepAlive, p2p.DefaultKeepAlive)
	orDefault(&p.HelloTimeout, p2p.DefaultHelloTimeout)
	if p.MaxFrameSize == 0 {
		p.MaxFrameSize = p2p.DefaultMaxFrameSize
	}
	if p.MaxFrameSize < 0 || p.MaxFrameSize > p2p.DefaultMaxFrameSize {
		return fmt.Errorf("config: P2P: MaxFrameSize %d out of range (1..%d)", p.MaxFrameSize, p2p.DefaultMaxFrameSize)
	}
	return nil
}

// Reconnect is the relay reconnection schedule.
type Reconnect struct {
	BaseDelay       Duration
	MaxDelay        Duration
	MaxAttempts     int
	DormantInterval Duration
	Jitter          float64
}

func (r *Reconnect) validate() error {
	orDefault(&r.BaseDelay, retry.DefaultBaseDelay)
	orDefault(&r.MaxDelay, retry.DefaultMaxDelay)
	orDefault(&r.DormantInterval, retry.DefaultDormantInterval)
	if r.MaxAttempts == 0 {
		r.MaxAttempts = retry.DefaultMaxAttempts
	}
	if r.MaxAttempts < 0 {
		return errors.New("config: Reconnect: MaxAttempts must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return errors.New("config: Reconnect: MaxDelay is below BaseDelay")
	}
	if r.Jitter == 0 {
		r.Jitter = retry.DefaultJitter
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("config: Reconnect: Jitter %v out of range (0..1)", r.Jitter)
	}
	return nil
}

// Queue is the pending queue configuration.
type Queue struct {
	Capacity      int
	RetryInterval Duration
}

// Config is the murmur client configuration.
type Config struct {
	Logging   *Logging
	Node      *Node
	Relay     *Relay
	Handshake *Handshake
	P2P       *P2P
	Reconnect *Reconnect
	Queue     *Queue
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most callers want Load, LoadFile or Default.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Node == nil {
		cfg.Node = &Node{}
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Handshake == nil {
		cfg.Handshake = &Handshake{}
	}
	if cfg.P2P == nil {
		cfg.P2P = &P2P{}
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = &Reconnect{}
	}
	if cfg.Queue == nil {
		cfg.Queue = &Queue{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.Node.ListenAddr != "" {
		if err := validateAddr("Node", "ListenAddr", cfg.Node.ListenAddr); err != nil {
			return err
		}
	}
	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	orDefault(&cfg.Handshake.StepTimeout, sessionsvc.DefaultStepTimeout)
	if err := cfg.P2P.validate(); err != nil {
		return err
	}
	if err := cfg.Reconnect.validate(); err != nil {
		return err
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = hybrid.DefaultQueueCapacity
	}
	if cfg.Queue.Capacity < 0 {
		return errors.New("config: Queue: Capacity must be positive")
	}
	orDefault(&cfg.Queue.RetryInterval, hybrid.DefaultRetryInterval)
	return nil
}

// P2PConfig returns the settings for the p2p package.
func (cfg *Config) P2PConfig() p2p.Config {
	return p2p.Config{
		DialTimeout:  cfg.P2P.DialTimeout.D(),
		KeepAlive:    cfg.P2P.KeepAlive.D(),
		HelloTimeout: cfg.P2P.HelloTimeout.D(),
		MaxFrameSize: cfg.P2P.MaxFrameSize,
	}
}

// RelayConfig returns the settings for the relay client.
func (cfg *Config) RelayConfig() relay.ClientConfig {
	return relay.ClientConfig{
		URL:             cfg.Relay.URL,
		RegisterTimeout: cfg.Relay.RegisterTimeout.D(),
		WriteTimeout:    cfg.Relay.WriteTimeout.D(),
		PingInterval:    cfg.Relay.PingInterval.D(),
		DialTimeout:     cfg.Relay.DialTimeout.D(),
		TTL:             cfg.Relay.MessageTTL.D(),
	}
}

// Backoff returns the relay reconnection schedule.
func (cfg *Config) Backoff() retry.Backoff {
	return retry.Backoff{
		BaseDelay:       cfg.Reconnect.BaseDelay.D(),
		MaxDelay:        cfg.Reconnect.MaxDelay.D(),
		MaxAttempts:     cfg.Reconnect.MaxAttempts,
		DormantInterval: cfg.Reconnect.DormantInterval.D(),
		Jitter:          cfg.Reconnect.Jitter,
	}
}

// HybridConfig returns the settings for the hybrid transport.
func (cfg *Config) HybridConfig() hybrid.Config {
	return hybrid.Config{
		QueueCapacity: cfg.Queue.Capacity,
		RetryInterval: cfg.Queue.RetryInterval.D(),
	}
}

// SessionConfig returns the settings for the handshake manager.
func (cfg *Config) SessionConfig() sessionsvc.Config {
	return sessionsvc.Config{StepTimeout: cfg.Handshake.StepTimeout.D()}
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
