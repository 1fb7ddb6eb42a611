package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"murmur/internal/relay/server"
)

const defaultRelayListen = ":8080"

// Server is the relay daemon configuration.
type Server struct {
	// ListenAddr is the TCP address of the websocket endpoint.
	ListenAddr string

	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string

	RegisterTimeout Duration
	WriteTimeout    Duration
	IdleTimeout     Duration

	// QueueCapacity bounds each recipient's mailbox.
	QueueCapacity int

	// MessageTTL is the default lifetime of a queued payload. Zero keeps
	// payloads until evicted.
	MessageTTL Duration

	// MaxTTL caps the lifetime a client may request.
	MaxTTL Duration
}

func (s *Server) validate() error {
	if s.ListenAddr == "" {
		s.ListenAddr = defaultRelayListen
	}
	if err := validateAddr("Server", "ListenAddr", s.ListenAddr); err != nil {
		return err
	}
	if s.MetricsAddr != "" {
		if err := validateAddr("Server", "MetricsAddr", s.MetricsAddr); err != nil {
			return err
		}
		if s.MetricsAddr == s.ListenAddr {
			return errors.New("config: Server: MetricsAddr must differ from ListenAddr")
		}
	}
	orDefault(&s.RegisterTimeout, server.DefaultRegisterTimeout)
	orDefault(&s.WriteTimeout, server.DefaultWriteTimeout)
	orDefault(&s.IdleTimeout, server.DefaultIdleTimeout)
	if s.QueueCapacity == 0 {
		s.QueueCapacity = server.DefaultQueueCap
	}
	if s.QueueCapacity < 0 {
		return errors.New("config: Server: QueueCapacity must be positive")
	}
	if s.MaxTTL > 0 && s.MessageTTL > s.MaxTTL {
		return errors.New("config: Server: MessageTTL exceeds MaxTTL")
	}
	return nil
}

// RelayConfig is the relay daemon configuration.
type RelayConfig struct {
	Logging *Logging
	Server  *Server
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *RelayConfig) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Server.validate()
}

// ServerConfig returns the settings for the relay server package.
func (cfg *RelayConfig) ServerConfig() server.Config {
	return server.Config{
		QueueCap:        cfg.Server.QueueCapacity,
		QueueTTL:        cfg.Server.MessageTTL.D(),
		MaxTTL:          cfg.Server.MaxTTL.D(),
		RegisterTimeout: cfg.Server.RegisterTimeout.D(),
		WriteTimeout:    cfg.Server.WriteTimeout.D(),
		IdleTimeout:     cfg.Server.IdleTimeout.D(),
	}
}

// DefaultRelay returns a validated relay configuration with every default
// applied.
func DefaultRelay() *RelayConfig {
	cfg := new(RelayConfig)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadRelay parses and validates b as a relay config file body.
func LoadRelay(b []byte) (*RelayConfig, error) {
	cfg := new(RelayConfig)
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

// LoadRelayFile loads, parses and validates a relay config file.
func LoadRelayFile(f string) (*RelayConfig, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return LoadRelay(b)
}
