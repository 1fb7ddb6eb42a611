package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportErrorIs(t *testing.T) {
	err := fmt.Errorf("send: %w", Unreachable("abc", errors.New("no route")))
	require.ErrorIs(t, err, ErrUnreachable)
	assert.NotErrorIs(t, err, ErrTimeout)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, PeerID("abc"), te.Peer)
}

func TestIODeadlineIsTimeout(t *testing.T) {
	err := IO("p", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Could not establish secure connection", Describe(fmt.Errorf("x: %w", ErrHandshakeFailure)))
	assert.Equal(t, "Disconnected — retrying", Describe(Closed("p", nil)))
	assert.Empty(t, Describe(nil))
}
