package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/protocol/handshake"
	"murmur/internal/protocol/packet"
	psession "murmur/internal/protocol/session"
)

// DefaultStepTimeout bounds the wait for each handshake message.
const DefaultStepTimeout = 15 * time.Second

// SendFunc hands a packet to the transport. It must not queue for later
// delivery: a stale handshake message is worse than a lost one.
type SendFunc func(ctx context.Context, peer domain.PeerID, payload []byte) error

// Config tunes the Manager.
type Config struct {
	StepTimeout time.Duration
}

type slot struct {
	mu      sync.Mutex
	state   *handshake.State
	gen     uint64
	timer   *time.Timer
	waiters []chan error

	// unconfirmed is the handshake hash of a session installed as
	// initiator that has not yet carried inbound traffic.
	unconfirmed []byte
	retired     bool
}

// Manager runs handshakes and keeps the session table.
type Manager struct {
	local    *crypto.Identity
	verifier handshake.Verifier
	table    *psession.Table
	send     SendFunc
	events   domain.EventSink
	log      *logging.Logger
	timeout  time.Duration

	mu    sync.Mutex
	slots map[domain.PeerID]*slot
}

// NewManager returns a Manager. events may be nil.
func NewManager(
	cfg Config,
	local *crypto.Identity,
	verifier handshake.Verifier,
	send SendFunc,
	events domain.EventSink,
	log *logging.Logger,
) *Manager {
	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Manager{
		local:    local,
		verifier: verifier,
		table:    psession.NewTable(),
		send:     send,
		events:   events,
		log:      log,
		timeout:  timeout,
		slots:    make(map[domain.PeerID]*slot),
	}
}

// Table returns the session table.
func (m *Manager) Table() *psession.Table { return m.table }

// Session returns the established session with peer.
func (m *Manager) Session(peer domain.PeerID) (*psession.Session, error) {
	s, ok := m.table.Get(peer)
	if !ok {
		return nil, domain.ErrNoSession
	}
	return s, nil
}

func (m *Manager) slot(peer domain.PeerID) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[peer]
	if !ok {
		s = &slot{}
		m.slots[peer] = s
	}
	return s
}

// lock returns the live slot for peer with s.mu held.
func (m *Manager) lock(peer domain.PeerID) *slot {
	for {
		s := m.slot(peer)
		s.mu.Lock()
		if !s.retired {
			return s
		}
		s.mu.Unlock()
	}
}

// release retires s once nothing is pending on it. Callers hold s.mu.
func (m *Manager) release(peer domain.PeerID, s *slot) {
	m.settle(peer, s)
	if s.retired || s.state != nil || s.timer != nil || len(s.waiters) > 0 || s.unconfirmed != nil {
		return
	}
	s.retired = true
	m.mu.Lock()
	if m.slots[peer] == s {
		delete(m.slots, peer)
	}
	m.mu.Unlock()
}

// settle forgets the unconfirmed hash once the session it names has
// carried traffic or is gone. Callers hold s.mu.
func (m *Manager) settle(peer domain.PeerID, s *slot) {
	if s.unconfirmed == nil {
		return
	}
	sess, ok := m.table.Get(peer)
	if !ok || sess.Received() || !bytes.Equal(sess.HandshakeHash(), s.unconfirmed) {
		s.unconfirmed = nil
	}
}

// InProgress reports whether a handshake with peer is underway.
func (m *Manager) InProgress(peer domain.PeerID) bool {
	m.mu.Lock()
	s, ok := m.slots[peer]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != nil
}

// Tracked returns how many peers currently hold handshake bookkeeping.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Connect runs a fresh handshake with peer and waits for it to finish.
// If one is already underway, Connect waits for that one instead.
//
// Steps:
//  1. Join the in-progress attempt for peer, or start one by sending
//     message 1.
//  2. Arm the step timer.
//  3. Wait for completion, failure, or ctx.
//
// Abandoning the wait does not cancel the attempt; it still either
// completes fully or is discarded by the step timer.
func (m *Manager) Connect(ctx context.Context, peer domain.PeerID) error {
	if peer == m.local.PeerID() {
		return fmt.Errorf("%w: cannot handshake with self", domain.ErrHandshakeFailure)
	}

	wait := make(chan error, 1)

	s := m.lock(peer)
	if s.state == nil {
		st, msg1, err := handshake.Initiate(m.local, peer, m.verifier)
		if err != nil {
			m.release(peer, s)
			s.mu.Unlock()
			return err
		}
		s.state = st
		s.unconfirmed = nil
		m.arm(peer, s)
		m.log.Debugf("Handshake with %s: sent message 1", peer.Short())
		if err := m.send(ctx, peer, packet.Encode(packet.TypeHandshake1, msg1)); err != nil {
			s.waiters = append(s.waiters, wait)
			m.fail(peer, s, err, false)
			m.release(peer, s)
			s.mu.Unlock()
			return <-wait
		}
	}
	s.waiters = append(s.waiters, wait)
	s.mu.Unlock()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		m.dropWaiter(peer, s, wait)
		return ctx.Err()
	}
}

func (m *Manager) dropWaiter(peer domain.PeerID, s *slot, wait chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer m.release(peer, s)
	for i, w := range s.waiters {
		if w == wait {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// HandleInbound processes one handshake packet from peer. It blocks while
// the verifier consults the user, so callers run it off their receive loop.
// The whole step, prompt included, is bounded by the step timeout.
func (m *Manager) HandleInbound(ctx context.Context, from domain.PeerID, t packet.Type, body []byte) {
	s := m.lock(from)
	defer s.mu.Unlock()
	defer m.release(from, s)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	switch t {
	case packet.TypeHandshake1:
		m.onMessage1(ctx, from, s, body)
	case packet.TypeHandshake2, packet.TypeHandshake3:
		m.onAdvance(ctx, from, s, t, body)
	case packet.TypeAbort:
		switch {
		case s.state != nil:
			m.log.Noticef("Handshake with %s aborted by peer", from.Short())
			m.fail(from, s, handshake.ErrAborted, false)
		case s.unconfirmed != nil:
			m.revoke(from, s)
		}
	default:
		m.log.Debugf("Ignoring %s packet from %s in handshake path", t, from.Short())
	}
}

func (m *Manager) onMessage1(ctx context.Context, from domain.PeerID, s *slot, msg1 []byte) {
	if s.state != nil {
		if s.state.Role() == handshake.RoleInitiator && s.state.Step() == 1 {
			if handshake.ResolveCollision(m.local.PeerID(), from) == handshake.RoleInitiator {
				m.log.Debugf("Handshake collision with %s: keeping initiator role", from.Short())
				return
			}
			m.log.Debugf("Handshake collision with %s: switching to responder", from.Short())
		} else {
			m.log.Debugf("Handshake with %s restarted by peer", from.Short())
		}
		s.state.Discard()
		s.state = nil
		m.disarm(s)
	}
	s.unconfirmed = nil

	st, msg2, err := handshake.Respond(ctx, m.local, from, m.verifier, msg1)
	if err != nil {
		m.log.Warningf("Handshake with %s failed: %v", from.Short(), err)
		m.abort(ctx, from)
		m.finishWaiters(s, err)
		m.events.Emit(domain.HandshakeEvent{Peer: from, Err: err})
		return
	}
	s.state = st
	m.arm(from, s)
	if err := m.send(ctx, from, packet.Encode(packet.TypeHandshake2, msg2)); err != nil {
		m.fail(from, s, err, false)
	}
}

func (m *Manager) onAdvance(ctx context.Context, from domain.PeerID, s *slot, t packet.Type, body []byte) {
	if s.state == nil {
		m.log.Debugf("Dropping stale %s from %s", t, from.Short())
		return
	}
	want := packet.TypeHandshake2
	if s.state.Role() == handshake.RoleResponder {
		want = packet.TypeHandshake3
	}
	if t != want {
		m.log.Debugf("Dropping out of order %s from %s", t, from.Short())
		return
	}

	out, err := s.state.Advance(ctx, body)
	if err != nil {
		m.log.Warningf("Handshake with %s failed: %v", from.Short(), err)
		m.fail(from, s, err, true)
		return
	}
	if out != nil {
		if err := m.send(ctx, from, packet.Encode(packet.TypeHandshake3, out)); err != nil {
			m.fail(from, s, err, false)
			return
		}
	}
	if !s.state.Done() {
		m.arm(from, s)
		return
	}

	sess, err := s.state.Session()
	if err != nil {
		m.fail(from, s, err, true)
		return
	}
	initiator := s.state.Role() == handshake.RoleInitiator
	s.state = nil
	m.disarm(s)
	s.unconfirmed = nil
	if initiator {
		s.unconfirmed = sess.HandshakeHash()
	}
	m.table.Put(sess)
	m.log.Noticef("Secure session established with %s", from.Short())
	m.finishWaiters(s, nil)
	m.events.Emit(domain.HandshakeEvent{Peer: from, Initiator: initiator})
}

// revoke drops the session installed on sending message 3 when the
// responder aborts before any of its traffic has arrived on it. Callers hold
// s.mu.
func (m *Manager) revoke(peer domain.PeerID, s *slot) {
	m.settle(peer, s)
	if s.unconfirmed == nil {
		m.log.Debugf("Ignoring abort from %s: session already confirmed", peer.Short())
		return
	}
	s.unconfirmed = nil
	m.table.Remove(peer)
	m.log.Noticef("Handshake with %s aborted by peer after message 3", peer.Short())
	m.events.Emit(domain.HandshakeEvent{Peer: peer, Initiator: true, Err: handshake.ErrAborted})
}

// arm (re)starts the step timer. Callers hold s.mu.
func (m *Manager) arm(peer domain.PeerID, s *slot) {
	m.disarm(s)
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(m.timeout, func() { m.expire(peer, s, gen) })
}

func (m *Manager) disarm(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (m *Manager) expire(peer domain.PeerID, s *slot, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state == nil {
		return
	}
	m.log.Noticef("Handshake with %s timed out after step %d", peer.Short(), s.state.Step())
	m.fail(peer, s, handshake.ErrStepTimeout, true)
	m.release(peer, s)
}

// fail discards the attempt and releases waiters. Callers hold s.mu.
func (m *Manager) fail(peer domain.PeerID, s *slot, err error, notifyPeer bool) {
	if !errors.Is(err, domain.ErrHandshakeFailure) {
		err = fmt.Errorf("%w: %w", domain.ErrHandshakeFailure, err)
	}
	if s.state != nil {
		s.state.Discard()
		s.state = nil
	}
	m.disarm(s)
	if notifyPeer {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		m.abort(ctx, peer)
		cancel()
	}
	m.finishWaiters(s, err)
	m.events.Emit(domain.HandshakeEvent{Peer: peer, Err: err})
}

func (m *Manager) abort(ctx context.Context, peer domain.PeerID) {
	if err := m.send(ctx, peer, packet.Encode(packet.TypeAbort, nil)); err != nil {
		m.log.Debugf("Abort to %s not delivered: %v", peer.Short(), err)
	}
}

func (m *Manager) finishWaiters(s *slot, err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// Forget drops the session with peer.
func (m *Manager) Forget(peer domain.PeerID) {
	m.table.Remove(peer)
}

// Close fails every in-progress handshake and closes all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	slots := make(map[domain.PeerID]*slot, len(m.slots))
	for p, s := range m.slots {
		slots[p] = s
	}
	m.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		if s.state != nil {
			s.state.Discard()
			s.state = nil
		}
		m.disarm(s)
		m.finishWaiters(s, handshake.ErrDiscarded)
		s.mu.Unlock()
	}
	m.table.Close()
}
