package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "NOTICE", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.Handshake.StepTimeout.D())
	assert.Equal(t, 15*time.Second, cfg.P2P.KeepAlive.D())
	assert.Equal(t, 64*1024, cfg.P2P.MaxFrameSize)
	assert.Equal(t, 5*time.Second, cfg.Relay.RegisterTimeout.D())
	assert.Equal(t, 100, cfg.Queue.Capacity)

	b := cfg.Backoff()
	assert.Equal(t, time.Second, b.BaseDelay)
	assert.Equal(t, 30*time.Second, b.MaxDelay)
	assert.Equal(t, 10, b.MaxAttempts)
	assert.Equal(t, 60*time.Second, b.DormantInterval)
}

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(`
[Logging]
Level = "debug"

[Node]
ListenAddr = "127.0.0.1:7000"
TrustDB = "/var/lib/murmur/trust.db"

[Relay]
URL = "wss://relay.example.org/ws"
MessageTTL = "1h"

[Handshake]
StepTimeout = "3s"

[Reconnect]
MaxAttempts = 4
Jitter = 0.5
`))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:7000", cfg.Node.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.SessionConfig().StepTimeout)
	assert.Equal(t, time.Hour, cfg.RelayConfig().TTL)
	assert.Equal(t, "wss://relay.example.org/ws", cfg.RelayConfig().URL)
	assert.Equal(t, 4, cfg.Backoff().MaxAttempts)
	assert.Equal(t, 0.5, cfg.Backoff().Jitter)
	assert.Equal(t, 10*time.Second, cfg.P2PConfig().DialTimeout)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "[Node]\nListenAdress = \"x\"\n",
		"bad level":       "[Logging]\nLevel = \"LOUD\"\n",
		"relative log":    "[Logging]\nFile = \"murmur.log\"\n",
		"bad duration":    "[Handshake]\nStepTimeout = \"soon\"\n",
		"bad listen":      "[Node]\nListenAddr = \"7000\"\n",
		"http relay":      "[Relay]\nURL = \"http://relay/ws\"\n",
		"frame too large": "[P2P]\nMaxFrameSize = 1000000\n",
		"jitter":          "[Reconnect]\nJitter = 2.0\n",
		"max below base":  "[Reconnect]\nBaseDelay = \"1m\"\nMaxDelay = \"1s\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRelayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[Server]
ListenAddr = "0.0.0.0:9000"
MetricsAddr = "127.0.0.1:9100"
QueueCapacity = 50
MessageTTL = "10m"
MaxTTL = "1h"
`), 0o600))

	cfg, err := LoadRelayFile(path)
	require.NoError(t, err)
	sc := cfg.ServerConfig()
	assert.Equal(t, 50, sc.QueueCap)
	assert.Equal(t, 10*time.Minute, sc.QueueTTL)
	assert.Equal(t, time.Hour, sc.MaxTTL)
	assert.Equal(t, 5*time.Second, sc.RegisterTimeout)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
}

func TestRelayDefaultsAndRejects(t *testing.T) {
	cfg := DefaultRelay()
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 1000, cfg.Server.QueueCapacity)

	_, err := LoadRelay([]byte("[Server]\nListenAddr = \":9000\"\nMetricsAddr = \":9000\"\n"))
	assert.Error(t, err)
	_, err = LoadRelay([]byte("[Server]\nMessageTTL = \"2h\"\nMaxTTL = \"1h\"\n"))
	assert.Error(t, err)
}
