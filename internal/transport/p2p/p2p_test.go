package p2p

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/domain"
	"murmur/internal/log"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one"), DefaultMaxFrameSize))
	require.NoError(t, WriteFrame(&buf, nil, DefaultMaxFrameSize))
	require.NoError(t, WriteFrame(&buf, []byte("three"), DefaultMaxFrameSize))

	for _, want := range []string{"one", "", "three"} {
		got, err := ReadFrame(&buf, DefaultMaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := ReadFrame(&buf, DefaultMaxFrameSize)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedFrameIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.Write(make([]byte, 100))
	require.NoError(t, WriteFrame(&buf, []byte("after"), 1000))

	_, err := ReadFrame(&buf, 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	got, err := ReadFrame(&buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "after", string(got), "stream must stay in sync after a skipped frame")

	assert.ErrorIs(t, WriteFrame(io.Discard, make([]byte, 11), 10), ErrFrameTooLarge)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	buf.Write(hdr[:])
	buf.WriteString("abc")
	_, err := ReadFrame(&buf, 100)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// stalledWriter accepts n bytes of each write, then fails with err.
type stalledWriter struct {
	n   int
	err error
}

func (w stalledWriter) Write(b []byte) (int, error) {
	if w.n >= len(b) {
		return len(b), nil
	}
	return w.n, w.err
}

func TestSendFrameTimeoutKeepsStream(t *testing.T) {
	fatal, err := sendFrame(stalledWriter{n: 0, err: os.ErrDeadlineExceeded}, []byte("payload"), DefaultMaxFrameSize)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.False(t, fatal, "nothing was written, the stream is still framed")

	fatal, err = sendFrame(stalledWriter{n: 3, err: os.ErrDeadlineExceeded}, []byte("payload"), DefaultMaxFrameSize)
	require.Error(t, err)
	assert.True(t, fatal, "a partial frame desyncs the stream")

	fatal, err = sendFrame(stalledWriter{n: 0, err: io.ErrClosedPipe}, []byte("payload"), DefaultMaxFrameSize)
	require.Error(t, err)
	assert.True(t, fatal)

	fatal, err = sendFrame(io.Discard, make([]byte, 11), 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.False(t, fatal)
}

func testConfig() Config {
	return Config{DialTimeout: 5 * time.Second, KeepAlive: 3 * time.Second, HelloTimeout: 2 * time.Second}
}

// dialPair binds a listener for "bob" and connects "alice" to it.
func dialPair(t *testing.T) (alice, bob *Conn) {
	t.Helper()
	lg := log.Discard().GetLogger("p2p")
	l, err := Bind("127.0.0.1:0", "bob", testConfig(), lg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	assert.Equal(t, StateListening, l.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	alice, err = Connect(ctx, l.Addr().String(), "alice", "bob", testConfig(), lg)
	require.NoError(t, err)
	bob = <-accepted
	require.NotNil(t, bob)
	t.Cleanup(func() { _ = alice.Close(); _ = bob.Close() })
	return alice, bob
}

func TestQUICExchange(t *testing.T) {
	alice, bob := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Equal(t, domain.PeerID("alice"), bob.Remote())
	assert.True(t, alice.IsConnected("bob"))
	assert.False(t, alice.IsConnected("carol"))
	assert.Equal(t, domain.KindP2P, alice.Kind())

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, alice.Send(ctx, "bob", []byte(msg)))
	}
	for _, want := range []string{"first", "second", "third"} {
		from, got, err := bob.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.PeerID("alice"), from)
		assert.Equal(t, want, string(got))
	}

	require.NoError(t, bob.Send(ctx, "alice", []byte("back")))
	_, got, err := alice.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "back", string(got))
}

func TestSendToWrongPeerIsUnreachable(t *testing.T) {
	alice, _ := dialPair(t)
	err := alice.Send(context.Background(), "mallory", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnreachable))
}

func TestOversizedSendKeepsConnection(t *testing.T) {
	alice, bob := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := alice.Send(ctx, "bob", make([]byte, DefaultMaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.NoError(t, alice.Send(ctx, "bob", []byte("still here")))
	_, got, err := bob.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestCloseIsObserved(t *testing.T) {
	alice, bob := dialPair(t)
	require.NoError(t, alice.Close())
	assert.Equal(t, StateClosed, alice.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := bob.Recv(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	assert.False(t, bob.IsConnected("alice"))

	err = alice.Send(ctx, "bob", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestConnectChecksRemoteID(t *testing.T) {
	lg := log.Discard().GetLogger("p2p")
	l, err := Bind("127.0.0.1:0", "bob", testConfig(), lg)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _, _ = l.Accept(ctx) }()

	_, err = Connect(ctx, l.Addr().String(), "alice", "carol", testConfig(), lg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnreachable)
	assert.ErrorIs(t, err, ErrPeerMismatch)
}

func TestPoolRoutesByPeer(t *testing.T) {
	lg := log.Discard().GetLogger("p2p")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bobPool := NewPool("bob", testConfig(), lg)
	defer bobPool.Close()
	l, err := Bind("127.0.0.1:0", "bob", testConfig(), lg)
	require.NoError(t, err)
	defer l.Close()
	go func() { _ = bobPool.Serve(ctx, l) }()

	connected := make(chan domain.PeerID, 1)
	alicePool := NewPool("alice", testConfig(), lg)
	alicePool.OnConnect(func(p domain.PeerID) { connected <- p })
	defer alicePool.Close()

	require.NoError(t, alicePool.Dial(ctx, l.Addr().String(), "bob"))
	assert.Equal(t, domain.PeerID("bob"), <-connected)
	assert.Equal(t, []domain.PeerID{"bob"}, alicePool.Peers())

	err = alicePool.Send(ctx, "carol", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrUnreachable)

	require.NoError(t, alicePool.Send(ctx, "bob", []byte("via pool")))
	from, got, err := bobPool.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("alice"), from)
	assert.Equal(t, "via pool", string(got))
	assert.True(t, bobPool.IsConnected("alice"))

	alicePool.Remove("bob")
	assert.False(t, alicePool.IsConnected("bob"))
}

func TestInboundCannotDisplaceLiveConnection(t *testing.T) {
	lg := log.Discard().GetLogger("p2p")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bobPool := NewPool("bob", testConfig(), lg)
	defer bobPool.Close()
	l, err := Bind("127.0.0.1:0", "bob", testConfig(), lg)
	require.NoError(t, err)
	defer l.Close()
	go func() { _ = bobPool.Serve(ctx, l) }()

	alicePool := NewPool("alice", testConfig(), lg)
	defer alicePool.Close()
	require.NoError(t, alicePool.Dial(ctx, l.Addr().String(), "bob"))
	require.Eventually(t, func() bool { return bobPool.IsConnected("alice") }, 5*time.Second, 10*time.Millisecond)

	// A second dialer announcing the same PeerID.
	impostor, err := Connect(ctx, l.Addr().String(), "alice", "bob", testConfig(), lg)
	require.NoError(t, err)
	defer impostor.Close()
	require.Eventually(t, func() bool { return !impostor.IsConnected("bob") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, bobPool.Send(ctx, "alice", []byte("for alice")))
	from, got, err := alicePool.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("bob"), from)
	assert.Equal(t, "for alice", string(got))
	assert.True(t, alicePool.IsConnected("bob"))
}
