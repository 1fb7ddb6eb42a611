package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/domain"
)

func TestPairExchange(t *testing.T) {
	a, b := Pair("alice", "bob")
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := []byte("hello")
	require.NoError(t, a.Send(ctx, "bob", msg))
	msg[0] = 'j'

	from, got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("alice"), from)
	assert.Equal(t, "hello", string(got), "payload must be copied on send")
	assert.Equal(t, domain.KindLoopback, a.Kind())
}

func TestWrongPeerUnreachable(t *testing.T) {
	a, _ := Pair("alice", "bob")
	err := a.Send(context.Background(), "carol", []byte("x"))
	assert.True(t, errors.Is(err, domain.ErrUnreachable), "got %v", err)
	assert.False(t, a.IsConnected("carol"))
	assert.True(t, a.IsConnected("bob"))
}

func TestLinkDown(t *testing.T) {
	a, b := Pair("alice", "bob")
	b.SetUp(false)
	assert.False(t, a.IsConnected("bob"))
	err := a.Send(context.Background(), "bob", []byte("x"))
	assert.True(t, errors.Is(err, domain.ErrUnreachable), "got %v", err)

	a.SetUp(true)
	assert.NoError(t, a.Send(context.Background(), "bob", []byte("x")))
}

func TestClose(t *testing.T) {
	a, b := Pair("alice", "bob")
	require.NoError(t, b.Close())

	err := a.Send(context.Background(), "bob", []byte("x"))
	assert.True(t, errors.Is(err, domain.ErrConnectionClosed), "got %v", err)
	_, _, err = b.Recv(context.Background())
	assert.True(t, errors.Is(err, domain.ErrConnectionClosed), "got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = a.Recv(ctx)
	assert.True(t, errors.Is(err, domain.ErrTimeout), "got %v", err)
}
