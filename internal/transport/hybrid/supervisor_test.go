package hybrid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/domain"
	"murmur/internal/log"
	"murmur/internal/retry"
)

// flaky fails Reconnect a set number of times before succeeding.
type flaky struct {
	mu       sync.Mutex
	down     chan struct{}
	failures int
	attempts int
}

func newFlaky(failures int) *flaky {
	return &flaky{down: make(chan struct{}), failures: failures}
}

func (f *flaky) Disconnected() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flaky) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("relay unreachable")
	}
	f.down = make(chan struct{})
	return nil
}

func (f *flaky) Kind() domain.TransportKind { return domain.KindRelay }

func (f *flaky) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.down)
}

func (f *flaky) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func statuses(evs []domain.Event) []domain.StatusEvent {
	var out []domain.StatusEvent
	for _, ev := range evs {
		if se, ok := ev.(domain.StatusEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

func TestSupervisorBackoffThenDormant(t *testing.T) {
	r := newFlaky(4)
	rec := &recorder{}
	s := NewSupervisor(r, retry.Backoff{
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		MaxAttempts:     3,
		DormantInterval: time.Minute,
		Jitter:          -1,
	}, rec.sink, log.Discard().GetLogger("supervisor"))

	var mu sync.Mutex
	var delays []time.Duration
	s.wait = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	reconnected := make(chan struct{}, 1)
	s.OnReconnect(func(context.Context) { reconnected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	r.drop()
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never reconnected")
	}
	assert.Equal(t, 5, r.count())

	mu.Lock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Minute, time.Minute}, delays)
	mu.Unlock()

	got := statuses(rec.snapshot())
	require.Len(t, got, 6)
	assert.Equal(t, domain.StatusDisconnected, got[0].Status)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, domain.StatusReconnecting, got[i].Status)
		assert.Equal(t, i, got[i].Attempt)
		assert.Equal(t, 3, got[i].Max)
	}
	assert.Equal(t, domain.StatusReconnectFailed, got[4].Status)
	assert.Equal(t, domain.StatusConnected, got[5].Status)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSupervisorHandlesRepeatedDrops(t *testing.T) {
	r := newFlaky(0)
	s := NewSupervisor(r, retry.Backoff{Jitter: -1}, nil, log.Discard().GetLogger("supervisor"))
	s.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	reconnected := make(chan struct{}, 4)
	s.OnReconnect(func(context.Context) { reconnected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 3; i++ {
		r.drop()
		select {
		case <-reconnected:
		case <-time.After(2 * time.Second):
			t.Fatalf("drop %d not recovered", i)
		}
	}
	assert.Equal(t, 3, r.count())
}

func TestSupervisorStopsWhileWaiting(t *testing.T) {
	r := newFlaky(1000)
	s := NewSupervisor(r, retry.Backoff{}, nil, log.Discard().GetLogger("supervisor"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	r.drop()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return while backing off")
	}
	assert.Zero(t, r.count(), "first attempt waits a full base delay")
}

func TestSupervisorFlushesPendingQueue(t *testing.T) {
	f := newFixture(t, Config{RetryInterval: time.Hour})
	f.aliceP2P.SetUp(false)
	f.aliceRelay.SetUp(false)
	require.Error(t, f.alice.Send(context.Background(), "bob", []byte("first")))
	require.Error(t, f.alice.Send(context.Background(), "bob", []byte("second")))

	r := newFlaky(0)
	s := NewSupervisor(r, retry.Backoff{Jitter: -1}, nil, log.Discard().GetLogger("supervisor"))
	s.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	s.OnReconnect(func(ctx context.Context) {
		f.aliceRelay.SetUp(true)
		f.alice.Flush(ctx)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	r.drop()
	assert.Equal(t, "first", recvOn(t, f.bobRelay))
	assert.Equal(t, "second", recvOn(t, f.bobRelay))
}
