package hybrid

import (
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
	"murmur/internal/retry"
)

// Reconnector is a substrate that can lose and re-establish its session
// while callers keep the same handle. relay.Client satisfies it.
type Reconnector interface {
	// Disconnected returns a channel closed when the current session ends.
	Disconnected() <-chan struct{}

	// Reconnect establishes a fresh session.
	Reconnect(ctx context.Context) error

	Kind() domain.TransportKind
}

// Supervisor keeps a Reconnector connected.
type Supervisor struct {
	r       Reconnector
	backoff retry.Backoff
	events  domain.EventSink
	log     *logging.Logger

	onReconnect func(context.Context)

	// wait sleeps for d or until ctx is done. Tests replace it.
	wait func(ctx context.Context, d time.Duration) error
}

// NewSupervisor returns a supervisor for r. Zero backoff fields take the
// retry package defaults.
func NewSupervisor(r Reconnector, backoff retry.Backoff, events domain.EventSink, log *logging.Logger) *Supervisor {
	return &Supervisor{
		r:       r,
		backoff: backoff.WithDefaults(),
		events:  events,
		log:     log,
		wait:    sleep,
	}
}

// OnReconnect registers fn to run after every successful reconnect. Set it
// before Run.
func (s *Supervisor) OnReconnect(fn func(context.Context)) { s.onReconnect = fn }

// Run supervises until ctx is done.
//
// Steps:
//  1. Wait for the current session to end and emit StatusDisconnected.
//  2. Retry with jittered exponential backoff, emitting StatusReconnecting
//     with the attempt number before each try.
//  3. After MaxAttempts failures emit StatusReconnectFailed once and keep
//     retrying every DormantInterval.
//  4. On success emit StatusConnected, run the OnReconnect hook and go back
//     to step 1.
func (s *Supervisor) Run(ctx context.Context) {
	kind := s.r.Kind()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.r.Disconnected():
		}
		s.log.Noticef("%s session lost, reconnecting", kind)
		s.events.Emit(domain.StatusEvent{Status: domain.StatusDisconnected, Kind: kind})

		if !s.reconnect(ctx, kind) {
			return
		}
	}
}

func (s *Supervisor) reconnect(ctx context.Context, kind domain.TransportKind) bool {
	for attempt := 0; ; attempt++ {
		switch {
		case attempt < s.backoff.MaxAttempts:
			s.events.Emit(domain.StatusEvent{
				Status:  domain.StatusReconnecting,
				Kind:    kind,
				Attempt: attempt + 1,
				Max:     s.backoff.MaxAttempts,
			})
		case attempt == s.backoff.MaxAttempts:
			s.log.Warningf("%s still unreachable after %d attempts, retrying every %s",
				kind, attempt, s.backoff.DormantInterval)
			s.events.Emit(domain.StatusEvent{Status: domain.StatusReconnectFailed, Kind: kind, Max: attempt})
		}

		if err := s.wait(ctx, s.backoff.Delay(attempt)); err != nil {
			return false
		}
		err := s.r.Reconnect(ctx)
		if err == nil {
			s.log.Noticef("%s reconnected after %d attempt(s)", kind, attempt+1)
			s.events.Emit(domain.StatusEvent{Status: domain.StatusConnected, Kind: kind})
			if s.onReconnect != nil {
				s.onReconnect(ctx)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.log.Debugf("%s reconnect attempt %d failed: %v", kind, attempt+1, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
