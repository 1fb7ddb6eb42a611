package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
)

const (
	// DefaultRetryInterval spaces pending-queue flushes when nothing
	// triggers one sooner.
	DefaultRetryInterval = 30 * time.Second

	inboxDepth  = 256
	recvBackoff = 100 * time.Millisecond
)

var (
	// ErrQueued marks a Send that failed on every substrate. The payload was
	// kept in the PendingQueue for a later flush.
	ErrQueued = errors.New("hybrid: not delivered, queued for retry")

	errNoSubstrate = errors.New("hybrid: no substrate configured")
)

// Config tunes the transport. Zero values take the defaults.
type Config struct {
	QueueCapacity int
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	return c
}

type inbound struct {
	from    domain.PeerID
	payload []byte
	kind    domain.TransportKind
}

// Transport is the preferred/fallback composite. It owns both substrates and
// closes them on Close.
type Transport struct {
	cfg       Config
	preferred domain.Transport
	fallback  domain.Transport
	queue     *PendingQueue
	log       *logging.Logger
	events    domain.EventSink
	metrics   *Metrics

	last atomic.Int32

	inbox chan inbound
	kick  chan struct{}
	flush sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New composes preferred and fallback. Either may be nil for a node that only
// has one substrate. A nil metrics gets an unregistered set.
func New(preferred, fallback domain.Transport, cfg Config, log *logging.Logger, events domain.EventSink, metrics *Metrics) *Transport {
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:       cfg,
		preferred: preferred,
		fallback:  fallback,
		queue:     NewPendingQueue(cfg.QueueCapacity),
		log:       log,
		events:    events,
		metrics:   metrics,
		inbox:     make(chan inbound, inboxDepth),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, sub := range t.substrates() {
		t.wg.Add(1)
		go t.pump(sub)
	}
	return t
}

func (t *Transport) substrates() []domain.Transport {
	out := make([]domain.Transport, 0, 2)
	if t.preferred != nil {
		out = append(out, t.preferred)
	}
	if t.fallback != nil {
		out = append(out, t.fallback)
	}
	return out
}

// Queue exposes the pending queue.
func (t *Transport) Queue() *PendingQueue { return t.queue }

// Deliver tries each substrate in order and returns the kind that took the
// payload. Nothing is queued on failure.
func (t *Transport) Deliver(ctx context.Context, peer domain.PeerID, payload []byte) (domain.TransportKind, error) {
	select {
	case <-t.ctx.Done():
		return 0, domain.Closed(peer, errors.New("hybrid: closed"))
	default:
	}

	var first, last error
	failed := 0
	for _, sub := range t.substrates() {
		err := sub.Send(ctx, peer, payload)
		if err == nil {
			kind := sub.Kind()
			t.last.Store(int32(kind))
			t.metrics.sends.WithLabelValues(kind.String()).Inc()
			return kind, nil
		}
		t.log.Debugf("%s send to %s failed: %v", sub.Kind(), peer.Short(), err)
		if failed == 0 {
			first = err
		}
		last = err
		failed++
		if ctx.Err() != nil {
			break
		}
	}
	switch {
	case last == nil:
		return 0, domain.Unreachable(peer, errNoSubstrate)
	case failed > 1:
		return 0, fmt.Errorf("%w (preferred: %v)", last, first)
	default:
		return 0, last
	}
}

// SendNow is Deliver without the kind. Handshake traffic uses it: a stale
// handshake message replayed from the queue would only confuse the peer.
func (t *Transport) SendNow(ctx context.Context, peer domain.PeerID, payload []byte) error {
	_, err := t.Deliver(ctx, peer, payload)
	return err
}

// Send delivers payload or, failing that, queues a copy and returns an error
// wrapping both ErrQueued and the substrate failure.
func (t *Transport) Send(ctx context.Context, peer domain.PeerID, payload []byte) error {
	_, err := t.SendKind(ctx, peer, payload)
	return err
}

// SendKind is Send that also names the substrate that took the payload.
func (t *Transport) SendKind(ctx context.Context, peer domain.PeerID, payload []byte) (domain.TransportKind, error) {
	kind, err := t.Deliver(ctx, peer, payload)
	if err == nil {
		return kind, nil
	}
	if errors.Is(err, domain.ErrConnectionClosed) && t.ctx.Err() != nil {
		return 0, err
	}

	b := make([]byte, len(payload))
	copy(b, payload)
	if t.queue.Push(peer, b) {
		t.metrics.dropped.Inc()
		t.log.Warningf("Pending queue full, dropped oldest entry")
	}
	t.metrics.sends.WithLabelValues("queued").Inc()
	t.metrics.depth.Set(float64(t.queue.Len()))
	return 0, fmt.Errorf("%w: %w", ErrQueued, err)
}

// Flush retries every pending entry once, in FIFO order. Entries that fail
// again go back to the tail.
func (t *Transport) Flush(ctx context.Context) (sent, requeued int) {
	t.flush.Lock()
	defer t.flush.Unlock()

	items := t.queue.Drain()
	for i, p := range items {
		if ctx.Err() != nil || t.ctx.Err() != nil {
			for _, rest := range items[i:] {
				t.queue.Push(rest.Peer, rest.Payload)
			}
			requeued += len(items) - i
			break
		}
		kind, err := t.Deliver(ctx, p.Peer, p.Payload)
		if err != nil {
			if t.queue.Push(p.Peer, p.Payload) {
				t.metrics.dropped.Inc()
			}
			requeued++
			continue
		}
		sent++
		t.events.Emit(domain.DeliveryEvent{Peer: p.Peer, Status: domain.DeliverySent, Kind: kind})
	}
	t.metrics.flushes.WithLabelValues("sent").Add(float64(sent))
	t.metrics.flushes.WithLabelValues("requeued").Add(float64(requeued))
	t.metrics.depth.Set(float64(t.queue.Len()))
	if len(items) > 0 {
		t.log.Infof("Flushed pending queue: %d sent, %d requeued", sent, requeued)
	}
	return sent, requeued
}

// Trigger asks Run to flush soon. It never blocks.
func (t *Transport) Trigger() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Run flushes the pending queue every RetryInterval and on Trigger until ctx
// is done or the transport is closed.
func (t *Transport) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		case <-t.kick:
		}
		if t.queue.Len() > 0 {
			t.Flush(ctx)
		}
	}
}

func (t *Transport) pump(sub domain.Transport) {
	defer t.wg.Done()
	for {
		from, b, err := sub.Recv(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, domain.ErrConnectionClosed) {
				return
			}
			t.log.Debugf("%s receive failed: %v", sub.Kind(), err)
			select {
			case <-time.After(recvBackoff):
				continue
			case <-t.ctx.Done():
				return
			}
		}
		select {
		case t.inbox <- inbound{from: from, payload: b, kind: sub.Kind()}:
		case <-t.ctx.Done():
			return
		}
	}
}

// Recv returns the next payload from either substrate.
func (t *Transport) Recv(ctx context.Context) (domain.PeerID, []byte, error) {
	from, b, _, err := t.RecvKind(ctx)
	return from, b, err
}

// RecvKind is Recv that also names the substrate the payload arrived on.
func (t *Transport) RecvKind(ctx context.Context) (domain.PeerID, []byte, domain.TransportKind, error) {
	select {
	case in := <-t.inbox:
		return in.from, in.payload, in.kind, nil
	case <-t.ctx.Done():
		return "", nil, 0, domain.Closed("", errors.New("hybrid: closed"))
	case <-ctx.Done():
		return "", nil, 0, domain.IO("", ctx.Err())
	}
}

// IsConnected reports whether either substrate can currently reach peer.
func (t *Transport) IsConnected(peer domain.PeerID) bool {
	for _, sub := range t.substrates() {
		if sub.IsConnected(peer) {
			return true
		}
	}
	return false
}

// Kind returns the substrate of the last successful delivery, or the
// preferred one before any.
func (t *Transport) Kind() domain.TransportKind {
	if k := domain.TransportKind(t.last.Load()); k != 0 {
		return k
	}
	if t.preferred != nil {
		return t.preferred.Kind()
	}
	if t.fallback != nil {
		return t.fallback.Kind()
	}
	return 0
}

// Close stops the pumps and closes both substrates.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		var errs []error
		for _, sub := range t.substrates() {
			errs = append(errs, sub.Close())
		}
		t.wg.Wait()
		err = errors.Join(errs...)
	})
	return err
}

// Compile-time assertion that Transport implements domain.Transport.
var _ domain.Transport = (*Transport)(nil)
