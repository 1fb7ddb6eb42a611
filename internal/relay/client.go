package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
)

// State is the client's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota + 1
	StateConnecting
	StateRegistering
	StateActive
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateRegistering:
		return "Registering"
	case StateActive:
		return "Active"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	DefaultRegisterTimeout = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultDialTimeout     = 10 * time.Second
)

// ErrClientClosed is returned once Close has been called.
var ErrClientClosed = errors.New("relay: client closed")

// ClientConfig tunes the client. Zero values take the defaults.
type ClientConfig struct {
	// URL is the relay websocket endpoint, e.g. ws://host:8080/ws.
	URL string

	RegisterTimeout time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	DialTimeout     time.Duration

	// TTL asks the relay to drop queued payloads older than this. Zero
	// leaves it to the relay.
	TTL time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// link is one websocket session with the relay.
type link struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		_ = l.ws.Close()
		close(l.done)
	})
}

type inbound struct {
	from    domain.PeerID
	payload []byte
}

// Client is the relay transport. The handle stays valid across reconnects:
// Reconnect swaps the underlying websocket, callers keep using the same
// Client and the same Recv stream.
type Client struct {
	cfg   ClientConfig
	local domain.PeerID
	log   *logging.Logger

	state atomic.Int32

	mu   sync.RWMutex
	link *link

	inbox    chan inbound
	onQueued func(to domain.PeerID, count int)

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a disconnected client.
func NewClient(cfg ClientConfig, local domain.PeerID, log *logging.Logger) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		local:  local,
		log:    log,
		inbox:  make(chan inbound, 256),
		closed: make(chan struct{}),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// Dial returns a client registered with the relay.
func Dial(ctx context.Context, cfg ClientConfig, local domain.PeerID, log *logging.Logger) (*Client, error) {
	c := NewClient(cfg, local, log)
	if err := c.Reconnect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// OnQueued registers fn to run when the relay reports a payload queued for
// an offline recipient.
func (c *Client) OnQueued(fn func(to domain.PeerID, count int)) {
	c.mu.Lock()
	c.onQueued = fn
	c.mu.Unlock()
}

// State returns the lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Disconnected returns a channel closed when the current relay session
// ends. With no session it is already closed.
func (c *Client) Disconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.link.done
}

// Reconnect replaces the current relay session with a fresh one.
//
// Steps:
//  1. Dial the websocket (Connecting).
//  2. Send Register and wait up to RegisterTimeout for Registered
//     (Registering).
//  3. Swap the link in and start its reader (Active).
func (c *Client) Reconnect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	c.mu.Lock()
	old := c.link
	c.link = nil
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	c.state.Store(int32(StateConnecting))
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, resp, err := dialer.DialContext(dctx, c.cfg.URL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if dctx.Err() != nil {
			return domain.Timeout("", err)
		}
		return domain.Unreachable("", fmt.Errorf("relay: dial %s: %w", c.cfg.URL, err))
	}
	ws.SetReadLimit(MaxFrame)
	l := &link{ws: ws, done: make(chan struct{})}

	c.state.Store(int32(StateRegistering))
	if err := c.register(l); err != nil {
		l.close()
		c.state.Store(int32(StateDisconnected))
		return err
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		l.close()
		return ErrClientClosed
	default:
	}
	c.link = l
	c.state.Store(int32(StateActive))
	c.mu.Unlock()

	go c.readLoop(l)
	go c.pingLoop(l)
	c.log.Noticef("Registered with relay %s as %s", c.cfg.URL, c.local.Short())
	return nil
}

func (c *Client) register(l *link) error {
	b, err := Encode(&Frame{Type: FrameRegister, PeerID: c.local})
	if err != nil {
		return err
	}
	if err := c.write(l, b, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return domain.IO("", err)
	}

	_ = l.ws.SetReadDeadline(time.Now().Add(c.cfg.RegisterTimeout))
	_, data, err := l.ws.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return domain.Timeout("", fmt.Errorf("relay: no Registered within %s", c.cfg.RegisterTimeout))
		}
		return domain.IO("", err)
	}
	f, err := Decode(data)
	if err != nil {
		return domain.IO("", err)
	}
	switch {
	case f.Type == FrameError:
		return domain.Unreachable("", fmt.Errorf("relay: registration refused: %s", f.Reason))
	case f.Type != FrameRegistered || f.PeerID != c.local:
		return domain.IO("", fmt.Errorf("%w: expected Registered, got %s", ErrMalformed, f.Type))
	}
	c.touch(l)
	return nil
}

// touch extends the read deadline; a relay silent for two ping intervals is
// considered gone.
func (c *Client) touch(l *link) {
	_ = l.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
}

func (c *Client) write(l *link, b []byte, deadline time.Time) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.ws.SetWriteDeadline(deadline)
	return l.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *Client) readLoop(l *link) {
	l.ws.SetPongHandler(func(string) error {
		c.touch(l)
		return nil
	})
	for {
		mt, data, err := l.ws.ReadMessage()
		if err != nil {
			c.drop(l, err)
			return
		}
		c.touch(l)
		if mt != websocket.BinaryMessage {
			c.log.Warningf("Dropped non-binary message from relay")
			continue
		}
		f, err := Decode(data)
		if err != nil {
			c.log.Warningf("Dropped malformed frame from relay: %v", err)
			continue
		}
		switch f.Type {
		case FramePayload:
			select {
			case c.inbox <- inbound{from: f.From, payload: f.Payload}:
			case <-c.closed:
				return
			}
		case FrameQueued:
			c.log.Debugf("Relay queued payload for %s (depth %d)", f.To.Short(), f.Count)
			c.mu.RLock()
			fn := c.onQueued
			c.mu.RUnlock()
			if fn != nil {
				fn(f.To, f.Count)
			}
		case FrameError:
			c.log.Warningf("Relay rejected a frame: %s", f.Reason)
		default:
			c.log.Debugf("Ignoring unexpected %s frame from relay", f.Type)
		}
	}
}

func (c *Client) pingLoop(l *link) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.wmu.Lock()
			err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			l.wmu.Unlock()
			if err != nil {
				c.drop(l, err)
				return
			}
		case <-l.done:
			return
		}
	}
}

func (c *Client) drop(l *link, err error) {
	c.mu.Lock()
	current := c.link == l
	if current {
		c.link = nil
		c.state.Store(int32(StateDisconnected))
	}
	c.mu.Unlock()
	l.close()
	if current {
		select {
		case <-c.closed:
		default:
			c.log.Noticef("Lost relay connection: %v", err)
		}
	}
}

func (c *Client) current() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

// Send hands payload to the relay for peer. Success means the relay took
// it, either forwarding or queuing; Queued is reported through OnQueued.
func (c *Client) Send(ctx context.Context, peer domain.PeerID, payload []byte) error {
	if len(payload) > MaxPayload {
		return domain.IO(peer, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload)))
	}
	l := c.current()
	if l == nil || c.State() != StateActive {
		return domain.Closed(peer, errors.New("relay: not connected"))
	}
	if err := ctx.Err(); err != nil {
		return domain.IO(peer, err)
	}
	b, err := Encode(&Frame{
		Type:    FramePayload,
		To:      peer,
		Payload: payload,
		TTL:     uint32(c.cfg.TTL / time.Second),
	})
	if err != nil {
		return domain.IO(peer, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if err := c.write(l, b, deadline); err != nil {
		c.drop(l, err)
		return domain.Closed(peer, err)
	}
	return nil
}

// Recv returns the next payload forwarded by the relay, across reconnects.
func (c *Client) Recv(ctx context.Context) (domain.PeerID, []byte, error) {
	select {
	case in := <-c.inbox:
		return in.from, in.payload, nil
	case <-c.closed:
		return "", nil, domain.Closed("", ErrClientClosed)
	case <-ctx.Done():
		return "", nil, domain.IO("", ctx.Err())
	}
}

// IsConnected reports whether the relay session is up. It says nothing about
// peer itself.
func (c *Client) IsConnected(domain.PeerID) bool { return c.State() == StateActive }

// Kind returns domain.KindRelay.
func (c *Client) Kind() domain.TransportKind { return domain.KindRelay }

// Close ends the relay session for good.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		l := c.link
		c.link = nil
		c.state.Store(int32(StateDisconnected))
		c.mu.Unlock()
		if l != nil {
			l.wmu.Lock()
			_ = l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			l.wmu.Unlock()
			l.close()
		}
	})
	return nil
}

// Compile-time assertion that Client implements domain.Transport.
var _ domain.Transport = (*Client)(nil)
