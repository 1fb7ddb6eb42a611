package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/services/identity"
)

func newService(t *testing.T, accept identity.Acceptor) *identity.Service {
	t.Helper()
	id, err := crypto.GenerateIdentity(nil)
	require.NoError(t, err)
	return identity.New(id, identity.NewMemoryTrustStore(), accept, nil)
}

func TestVerifyUnknownThenUnchanged(t *testing.T) {
	var asked []identity.Challenge
	svc := newService(t, func(_ context.Context, c identity.Challenge) bool {
		asked = append(asked, c)
		return true
	})
	key := []byte("0123456789abcdef0123456789abcdef")

	v, err := svc.Verify(context.Background(), "peer", key)
	require.NoError(t, err)
	assert.Equal(t, identity.VerdictUnknown, v)

	v, err = svc.Verify(context.Background(), "peer", key)
	require.NoError(t, err)
	assert.Equal(t, identity.VerdictUnchanged, v)

	require.Len(t, asked, 1, "unchanged keys must not prompt")
	assert.Equal(t, identity.VerdictUnknown, asked[0].Verdict)
}

func TestVerifyChangedRequiresExplicitAcceptance(t *testing.T) {
	svc := newService(t, identity.AcceptFirstUse)
	old := []byte("old-key-old-key-old-key-old-key-")
	next := []byte("new-key-new-key-new-key-new-key-")

	_, err := svc.Verify(context.Background(), "peer", old)
	require.NoError(t, err)

	v, err := svc.Verify(context.Background(), "peer", next)
	require.ErrorIs(t, err, identity.ErrRejected)
	assert.Equal(t, identity.VerdictChanged, v)

	cached, ok, err := svc.Trust().Lookup("peer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, old, cached, "rejected key must not replace the cached one")
}

func TestVerifyChangedAcceptedIsRemembered(t *testing.T) {
	var seen identity.Challenge
	svc := newService(t, func(_ context.Context, c identity.Challenge) bool {
		seen = c
		return true
	})
	_, err := svc.Verify(context.Background(), "peer", []byte("a"))
	require.NoError(t, err)
	_, err = svc.Verify(context.Background(), "peer", []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, identity.VerdictChanged, seen.Verdict)
	assert.NotEmpty(t, seen.Previous)
	assert.NotEqual(t, seen.Previous, seen.Presented)

	v, _, err := svc.Classify("peer", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, identity.VerdictUnchanged, v)
}

func TestRejectAll(t *testing.T) {
	svc := newService(t, identity.RejectAll)
	_, err := svc.Verify(context.Background(), "peer", []byte("k"))
	require.ErrorIs(t, err, identity.ErrRejected)

	entries, err := svc.Trust().List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLateAcceptanceIsRejected(t *testing.T) {
	svc := newService(t, func(ctx context.Context, _ identity.Challenge) bool {
		<-ctx.Done()
		return true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Verify(ctx, "peer", []byte("k"))
	require.ErrorIs(t, err, identity.ErrRejected)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	entries, err := svc.Trust().List()
	require.NoError(t, err)
	assert.Empty(t, entries, "a late answer must not be remembered")
}

func TestMemoryTrustStoreList(t *testing.T) {
	s := identity.NewMemoryTrustStore()
	require.NoError(t, s.Remember("b", []byte{2}))
	require.NoError(t, s.Remember("a", []byte{1}))
	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.PeerID("a"), entries[0].Peer)

	require.NoError(t, s.Forget("a"))
	_, ok, err := s.Lookup("a")
	require.NoError(t, err)
	assert.False(t, ok)
}
