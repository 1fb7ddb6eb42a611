package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/config"
	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/log"
	"murmur/internal/protocol/packet"
	"murmur/internal/relay/server"
	"murmur/internal/services/identity"
	"murmur/internal/transport/loopback"
)

// tapped records every payload handed to the loopback link.
type tapped struct {
	*loopback.Transport
	mu   sync.Mutex
	sent [][]byte
}

func (t *tapped) Send(ctx context.Context, peer domain.PeerID, b []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), b...))
	t.mu.Unlock()
	return t.Transport.Send(ctx, peer, b)
}

func (t *tapped) wire() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

type eventLog struct {
	mu  sync.Mutex
	evs []domain.Event
}

func (l *eventLog) has(match func(domain.Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.evs {
		if match(ev) {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Handshake.StepTimeout = config.Duration(5 * time.Second)
	return cfg
}

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(nil)
	require.NoError(t, err)
	return id
}

func start(t *testing.T, cfg *config.Config, deps Deps) (*App, *eventLog) {
	t.Helper()
	deps.Logs = log.Discard()
	a, err := New(cfg, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	evs := &eventLog{}
	go func() {
		for {
			select {
			case ev := <-a.Events():
				evs.mu.Lock()
				evs.evs = append(evs.evs, ev)
				evs.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
	})
	return a, evs
}

func next(t *testing.T, a *App) domain.Message {
	t.Helper()
	select {
	case m, ok := <-a.Messages():
		require.True(t, ok, "messages closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return domain.Message{}
	}
}

func connect(t *testing.T, a *App, peer domain.PeerID) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Connect(ctx, peer)
}

func TestHelloOverLoopback(t *testing.T) {
	aliceID, bobID := newIdentity(t), newIdentity(t)
	la, lb := loopback.Pair(aliceID.PeerID(), bobID.PeerID())
	wire := &tapped{Transport: la}

	alice, _ := start(t, testConfig(), Deps{Identity: aliceID, Preferred: wire})
	bob, bobEvents := start(t, testConfig(), Deps{Identity: bobID, Preferred: lb})

	err := alice.Send(context.Background(), bob.Local(), []byte("too early"))
	require.ErrorIs(t, err, domain.ErrNoSession)

	require.NoError(t, connect(t, alice, bob.Local()))
	require.Eventually(t, func() bool { return bob.HasSession(alice.Local()) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Send(context.Background(), bob.Local(), []byte("hello")))
	msg := next(t, bob)
	assert.Equal(t, alice.Local(), msg.From)
	assert.Equal(t, "hello", string(msg.Plaintext))
	assert.Equal(t, domain.KindLoopback, msg.Kind)

	require.NoError(t, bob.Send(context.Background(), alice.Local(), []byte("hi back")))
	assert.Equal(t, "hi back", string(next(t, alice).Plaintext))

	for _, b := range wire.wire() {
		assert.False(t, bytes.Contains(b, []byte("hello")), "plaintext on the wire")
		assert.False(t, bytes.Contains(b, aliceID.PublicKey()), "static key in cleartext")
	}
	assert.Equal(t, []domain.PeerID{alice.Local()}, bob.Sessions())
	assert.True(t, bobEvents.has(func(ev domain.Event) bool {
		he, ok := ev.(domain.HandshakeEvent)
		return ok && he.Err == nil && he.Peer == alice.Local() && !he.Initiator
	}))
}

func TestHelloOverQUIC(t *testing.T) {
	alice, _ := start(t, testConfig(), Deps{})
	bob, _ := start(t, testConfig(), Deps{})

	addr, err := alice.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, bob.DialPeer(ctx, addr.String(), alice.Local()))
	require.NoError(t, connect(t, bob, alice.Local()))

	require.NoError(t, bob.Send(ctx, alice.Local(), []byte("hello")))
	msg := next(t, alice)
	assert.Equal(t, "hello", string(msg.Plaintext))
	assert.Equal(t, bob.Local(), msg.From)
	assert.Equal(t, domain.KindP2P, msg.Kind)
}

func TestRelayFallbackAndReconnect(t *testing.T) {
	srv := server.New(server.Config{}, log.Discard().GetLogger("relay"), nil)
	hs := httptest.NewServer(srv.Handler())
	defer func() {
		srv.Close()
		hs.Close()
	}()

	cfg := func() *config.Config {
		c := testConfig()
		c.Relay.URL = "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
		c.Reconnect.BaseDelay = config.Duration(20 * time.Millisecond)
		c.Reconnect.MaxDelay = config.Duration(100 * time.Millisecond)
		return c
	}
	alice, _ := start(t, cfg(), Deps{})
	bob, bobEvents := start(t, cfg(), Deps{})
	require.Eventually(t, func() bool {
		return srv.Connected(alice.Local()) && srv.Connected(bob.Local())
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, connect(t, alice, bob.Local()))
	require.NoError(t, alice.Send(context.Background(), bob.Local(), []byte("via relay")))
	msg := next(t, bob)
	assert.Equal(t, "via relay", string(msg.Plaintext))
	assert.Equal(t, domain.KindRelay, msg.Kind)

	require.True(t, srv.Kick(bob.Local()))
	require.NoError(t, alice.Send(context.Background(), bob.Local(), []byte("while away")))
	assert.Equal(t, "while away", string(next(t, bob).Plaintext))

	require.Eventually(t, func() bool {
		return bobEvents.has(func(ev domain.Event) bool {
			se, ok := ev.(domain.StatusEvent)
			return ok && se.Kind == domain.KindRelay && se.Status == domain.StatusDisconnected
		}) && bobEvents.has(func(ev domain.Event) bool {
			se, ok := ev.(domain.StatusEvent)
			return ok && se.Kind == domain.KindRelay && se.Status == domain.StatusReconnecting
		})
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Connected(bob.Local()) }, 5*time.Second, 10*time.Millisecond)
}

func TestIdentityChangeNeedsExplicitAcceptance(t *testing.T) {
	aliceID, bobID := newIdentity(t), newIdentity(t)
	trust := identity.NewMemoryTrustStore()

	la, lb := loopback.Pair(aliceID.PeerID(), bobID.PeerID())
	alice, _ := start(t, testConfig(), Deps{Identity: aliceID, Trust: trust, Preferred: la})
	bob, _ := start(t, testConfig(), Deps{Identity: bobID, Preferred: lb})
	require.NoError(t, connect(t, alice, bob.Local()))
	require.NoError(t, bob.Close())
	require.NoError(t, alice.Close())

	// Same PeerID on the link, different key behind it.
	impostor := newIdentity(t)
	var (
		asked    atomic.Int32
		verdicts = make(chan identity.Verdict, 4)
	)
	acceptor := func(_ context.Context, c identity.Challenge) bool {
		verdicts <- c.Verdict
		return asked.Add(1) > 1
	}
	la2, lb2 := loopback.Pair(aliceID.PeerID(), bobID.PeerID())
	alice2, aliceEvents := start(t, testConfig(), Deps{Identity: aliceID, Trust: trust, Acceptor: acceptor, Preferred: la2})
	start(t, testConfig(), Deps{Identity: impostor, Preferred: lb2})

	err := connect(t, alice2, bobID.PeerID())
	require.ErrorIs(t, err, domain.ErrHandshakeFailure)
	assert.Equal(t, identity.VerdictChanged, <-verdicts)
	assert.False(t, alice2.HasSession(bobID.PeerID()))
	assert.True(t, aliceEvents.has(func(ev domain.Event) bool {
		he, ok := ev.(domain.HandshakeEvent)
		return ok && he.Err != nil
	}))

	require.NoError(t, connect(t, alice2, bobID.PeerID()), "retry after rejection must start clean")
	assert.Equal(t, identity.VerdictChanged, <-verdicts)
	key, ok, err := trust.Lookup(bobID.PeerID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, impostor.PublicKey(), key)
}

func TestResponderRejectionLeavesNoSession(t *testing.T) {
	aliceID, bobID := newIdentity(t), newIdentity(t)
	la, lb := loopback.Pair(aliceID.PeerID(), bobID.PeerID())
	alice, aliceEvents := start(t, testConfig(), Deps{Identity: aliceID, Acceptor: identity.AcceptAll, Preferred: la})
	bob, _ := start(t, testConfig(), Deps{Identity: bobID, Acceptor: identity.RejectAll, Preferred: lb})

	// Alice finishes on sending message 3; Bob refuses her key on receipt.
	_ = connect(t, alice, bob.Local())

	require.Eventually(t, func() bool {
		return !alice.HasSession(bob.Local()) && !bob.HasSession(alice.Local())
	}, 5*time.Second, 10*time.Millisecond)
	err := alice.Send(context.Background(), bob.Local(), []byte("into the void"))
	assert.ErrorIs(t, err, domain.ErrNoSession)
	assert.True(t, aliceEvents.has(func(ev domain.Event) bool {
		he, ok := ev.(domain.HandshakeEvent)
		return ok && he.Peer == bob.Local() && errors.Is(he.Err, domain.ErrHandshakeFailure)
	}))
}

func TestSlowPromptTimesOut(t *testing.T) {
	cfg := func() *config.Config {
		c := testConfig()
		c.Handshake.StepTimeout = config.Duration(300 * time.Millisecond)
		return c
	}
	slow := func(context.Context, identity.Challenge) bool {
		time.Sleep(time.Second)
		return true
	}
	aliceID, bobID := newIdentity(t), newIdentity(t)
	la, lb := loopback.Pair(aliceID.PeerID(), bobID.PeerID())
	alice, _ := start(t, cfg(), Deps{Identity: aliceID, Acceptor: slow, Preferred: la})
	bob, _ := start(t, cfg(), Deps{Identity: bobID, Preferred: lb})

	err := connect(t, alice, bob.Local())
	require.ErrorIs(t, err, domain.ErrHandshakeFailure)

	require.Eventually(t, func() bool {
		return !alice.HasSession(bob.Local()) && !bob.HasSession(alice.Local())
	}, 5*time.Second, 10*time.Millisecond)
	_, known, err := alice.Trust().Lookup(bob.Local())
	require.NoError(t, err)
	assert.False(t, known, "an answer after the deadline must not be trusted")
}

func TestIdleHandshakeWorkersRetire(t *testing.T) {
	cfg := testConfig()
	cfg.Handshake.StepTimeout = config.Duration(100 * time.Millisecond)
	id := newIdentity(t)
	link, _ := loopback.Pair(id.PeerID(), "nobody")
	a, _ := start(t, cfg, Deps{Identity: id, Preferred: link})

	for i := 0; i < 20; i++ {
		a.dispatchHandshake(domain.PeerID(fmt.Sprintf("stranger-%d", i)), packet.TypeHandshake2, []byte("junk"))
	}
	require.Eventually(t, func() bool {
		return a.handshakeWorkers() == 0 && a.sessions.Tracked() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseReleasesEverything(t *testing.T) {
	a, err := New(testConfig(), Deps{Logs: log.Discard()})
	require.NoError(t, err)
	_, err = a.Listen("127.0.0.1:0")
	require.NoError(t, err)
	a.Start(context.Background())

	require.NoError(t, a.Close())
	_, ok := <-a.Messages()
	assert.False(t, ok)
	assert.NoError(t, a.Close())
}
