package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
)

// State is the lifecycle position of a listener or connection.
type State int32

const (
	StateBinding State = iota + 1
	StateListening
	StateDialing
	StateHandshaking
	StateConnected
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateBinding:
		return "Binding"
	case StateListening:
		return "Listening"
	case StateDialing:
		return "Dialing"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const inboxDepth = 64

// Conn is one peer connection. It implements domain.Transport for exactly
// one remote PeerID.
type Conn struct {
	local  domain.PeerID
	remote domain.PeerID
	cfg    Config
	log    *logging.Logger

	qc     *quic.Conn
	stream *quic.Stream

	state atomic.Int32
	wmu   sync.Mutex
	inbox chan []byte

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func newConn(qc *quic.Conn, stream *quic.Stream, local, remote domain.PeerID, cfg Config, log *logging.Logger) *Conn {
	c := &Conn{
		local:  local,
		remote: remote,
		cfg:    cfg,
		log:    log,
		qc:     qc,
		stream: stream,
		inbox:  make(chan []byte, inboxDepth),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnected))
	go c.readLoop()
	go c.watch()
	return c
}

// Remote returns the PeerID this connection is bound to.
func (c *Conn) Remote() domain.PeerID { return c.remote }

// State returns the lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Send writes one frame to the remote peer.
func (c *Conn) Send(ctx context.Context, peer domain.PeerID, payload []byte) error {
	if peer != c.remote {
		return domain.Unreachable(peer, fmt.Errorf("p2p: connection is bound to %s", c.remote.Short()))
	}
	if c.State() != StateConnected {
		return domain.Closed(peer, c.Err())
	}
	if err := ctx.Err(); err != nil {
		return domain.IO(peer, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.KeepAlive)
	}
	_ = c.stream.SetWriteDeadline(deadline)
	fatal, err := sendFrame(c.stream, payload, c.cfg.MaxFrameSize)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFrameTooLarge):
		return domain.IO(peer, err)
	case !fatal:
		return domain.Timeout(peer, err)
	default:
		c.closeWith(err)
		return c.classify(err)
	}
}

// sendFrame writes one frame to w. A write that times out before any byte
// went out leaves the stream in sync and is not fatal; anything else is.
func sendFrame(w io.Writer, payload []byte, max int) (fatal bool, err error) {
	cw := &countingWriter{w: w}
	err = WriteFrame(cw, payload, max)
	if err == nil || errors.Is(err, ErrFrameTooLarge) {
		return false, err
	}
	var idle *quic.IdleTimeoutError
	if errors.As(err, &idle) {
		return true, err
	}
	var ne net.Error
	if cw.n == 0 && errors.As(err, &ne) && ne.Timeout() {
		return false, err
	}
	return true, err
}

type countingWriter struct {
	w io.Writer
	n int
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	n, err := cw.w.Write(b)
	cw.n += n
	return n, err
}

// Recv returns the next payload from the remote peer.
func (c *Conn) Recv(ctx context.Context) (domain.PeerID, []byte, error) {
	select {
	case b := <-c.inbox:
		return c.remote, b, nil
	default:
	}
	select {
	case b := <-c.inbox:
		return c.remote, b, nil
	case <-c.done:
		return "", nil, domain.Closed(c.remote, c.closeErr)
	case <-ctx.Done():
		return "", nil, domain.IO(c.remote, ctx.Err())
	}
}

// IsConnected reports whether the QUIC connection to peer is alive.
func (c *Conn) IsConnected(peer domain.PeerID) bool {
	return peer == c.remote && c.State() == StateConnected && c.qc.Context().Err() == nil
}

// Kind returns domain.KindP2P.
func (c *Conn) Kind() domain.TransportKind { return domain.KindP2P }

// Close tears the connection down.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = err
		_ = c.stream.Close()
		_ = c.qc.CloseWithError(0, "closed")
		close(c.done)
		if err != nil && !errors.Is(err, io.EOF) {
			c.log.Debugf("Connection to %s closed: %v", c.remote.Short(), err)
		}
	})
}

func (c *Conn) classify(err error) error {
	var idle *quic.IdleTimeoutError
	switch {
	case errors.As(err, &idle):
		return domain.Timeout(c.remote, err)
	case errors.Is(err, io.EOF):
		return domain.Closed(c.remote, err)
	default:
		return domain.IO(c.remote, err)
	}
}

// watch notices silent peer death through QUIC's idle timeout.
func (c *Conn) watch() {
	select {
	case <-c.qc.Context().Done():
		c.closeWith(context.Cause(c.qc.Context()))
	case <-c.done:
	}
}

func (c *Conn) readLoop() {
	for {
		b, err := ReadFrame(c.stream, c.cfg.MaxFrameSize)
		if errors.Is(err, ErrFrameTooLarge) {
			c.log.Warningf("Dropped oversized frame from %s: %v", c.remote.Short(), err)
			continue
		}
		if err != nil {
			c.closeWith(err)
			return
		}
		select {
		case c.inbox <- b:
		case <-c.done:
			return
		}
	}
}

// Compile-time assertion that Conn implements domain.Transport.
var _ domain.Transport = (*Conn)(nil)
