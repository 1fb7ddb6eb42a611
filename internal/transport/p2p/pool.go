package p2p

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
)

type inbound struct {
	from    domain.PeerID
	payload []byte
}

// Pool multiplexes many peer connections behind one domain.Transport. A
// connection we dial replaces an older one for the same PeerID. An accepted
// connection only claims a PeerID through its hello, so it never displaces a
// live one.
type Pool struct {
	local domain.PeerID
	cfg   Config
	log   *logging.Logger

	mu    sync.RWMutex
	conns map[domain.PeerID]*Conn

	inbox  chan inbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnect func(domain.PeerID)
}

// NewPool returns an empty pool.
func NewPool(local domain.PeerID, cfg Config, log *logging.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		local:  local,
		cfg:    cfg.withDefaults(),
		log:    log,
		conns:  make(map[domain.PeerID]*Conn),
		inbox:  make(chan inbound, inboxDepth),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnConnect registers fn to run whenever a connection joins the pool. It
// must be set before the pool is used.
func (p *Pool) OnConnect(fn func(domain.PeerID)) { p.onConnect = fn }

// Add takes ownership of c, replacing any older connection to the same
// peer, and starts pumping its inbound frames.
func (p *Pool) Add(c *Conn) { p.add(c, true) }

// add installs c. Without replace, a live connection already bound to the
// same peer wins and c is closed.
func (p *Pool) add(c *Conn, replace bool) bool {
	p.mu.Lock()
	old := p.conns[c.remote]
	if !replace && old != nil && old != c && old.IsConnected(c.remote) {
		p.mu.Unlock()
		p.log.Warningf("Refused inbound connection from %s claiming %s: already connected",
			c.qc.RemoteAddr(), c.remote.Short())
		_ = c.Close()
		return false
	}
	p.conns[c.remote] = c
	p.mu.Unlock()

	if old != nil && old != c {
		p.log.Debugf("Replacing connection to %s", c.remote.Short())
		_ = old.Close()
	}

	p.wg.Add(1)
	go p.pump(c)

	if p.onConnect != nil {
		p.onConnect(c.remote)
	}
	return true
}

// Dial connects to remote at addr and adds the connection.
func (p *Pool) Dial(ctx context.Context, addr string, remote domain.PeerID) error {
	c, err := Connect(ctx, addr, p.local, remote, p.cfg, p.log)
	if err != nil {
		return err
	}
	p.Add(c)
	return nil
}

// Serve accepts connections from l until ctx is done or l is closed.
func (p *Pool) Serve(ctx context.Context, l *Listener) error {
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrConnectionClosed) {
				return nil
			}
			return err
		}
		p.add(c, false)
	}
}

func (p *Pool) pump(c *Conn) {
	defer p.wg.Done()
	defer p.remove(c)
	for {
		from, b, err := c.Recv(p.ctx)
		if err != nil {
			return
		}
		select {
		case p.inbox <- inbound{from: from, payload: b}:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) remove(c *Conn) {
	p.mu.Lock()
	if p.conns[c.remote] == c {
		delete(p.conns, c.remote)
	}
	p.mu.Unlock()
	_ = c.Close()
}

// Remove closes and drops the connection to peer.
func (p *Pool) Remove(peer domain.PeerID) {
	p.mu.Lock()
	c := p.conns[peer]
	delete(p.conns, peer)
	p.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Peers returns connected peers, sorted.
func (p *Pool) Peers() []domain.PeerID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Pool) conn(peer domain.PeerID) *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[peer]
}

// Send writes payload on the connection bound to peer.
func (p *Pool) Send(ctx context.Context, peer domain.PeerID, payload []byte) error {
	c := p.conn(peer)
	if c == nil {
		return domain.Unreachable(peer, errors.New("p2p: no connection"))
	}
	return c.Send(ctx, peer, payload)
}

// Recv returns the next payload from any connection.
func (p *Pool) Recv(ctx context.Context) (domain.PeerID, []byte, error) {
	select {
	case in := <-p.inbox:
		return in.from, in.payload, nil
	case <-p.ctx.Done():
		return "", nil, domain.Closed("", errors.New("p2p: pool closed"))
	case <-ctx.Done():
		return "", nil, domain.IO("", ctx.Err())
	}
}

// IsConnected reports whether a live connection to peer exists.
func (p *Pool) IsConnected(peer domain.PeerID) bool {
	c := p.conn(peer)
	return c != nil && c.IsConnected(peer)
}

// Kind returns domain.KindP2P.
func (p *Pool) Kind() domain.TransportKind { return domain.KindP2P }

// Close closes every connection and stops the pumps.
func (p *Pool) Close() error {
	p.cancel()
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[domain.PeerID]*Conn)
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	p.wg.Wait()
	return nil
}

// Compile-time assertion that Pool implements domain.Transport.
var _ domain.Transport = (*Pool)(nil)
