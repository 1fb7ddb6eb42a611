package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
)

// ErrPeerMismatch is returned when the acceptor's hello names a different
// PeerID than the dialer expected.
var ErrPeerMismatch = errors.New("p2p: remote announced unexpected peer id")

// Listener accepts inbound peer connections.
type Listener struct {
	ql    *quic.Listener
	local domain.PeerID
	cfg   Config
	log   *logging.Logger
	state atomic.Int32
}

// Bind starts listening on addr ("host:port", port 0 for any).
func Bind(addr string, local domain.PeerID, cfg Config, log *logging.Logger) (*Listener, error) {
	cfg = cfg.withDefaults()
	l := &Listener{local: local, cfg: cfg, log: log}
	l.state.Store(int32(StateBinding))

	tlsConf, err := serverTLS()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, cfg.quic())
	if err != nil {
		return nil, fmt.Errorf("p2p: bind %s: %w", addr, err)
	}
	l.ql = ql
	l.state.Store(int32(StateListening))
	log.Noticef("Listening for peers on %s", ql.Addr())
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// State returns the listener state.
func (l *Listener) State() State { return State(l.state.Load()) }

// Accept waits for one inbound connection and completes the hello exchange.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		qc, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.IO("", ctx.Err())
			}
			return nil, domain.Closed("", err)
		}
		c, err := l.accept(ctx, qc)
		if err != nil {
			l.log.Debugf("Inbound connection from %s rejected: %v", qc.RemoteAddr(), err)
			continue
		}
		return c, nil
	}
}

func (l *Listener) accept(ctx context.Context, qc *quic.Conn) (*Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, l.cfg.HelloTimeout)
	defer cancel()

	stream, err := qc.AcceptStream(hctx)
	if err != nil {
		_ = qc.CloseWithError(1, "no stream")
		return nil, err
	}
	_ = stream.SetDeadline(time.Now().Add(l.cfg.HelloTimeout))
	hello, err := ReadFrame(stream, maxHello)
	if err != nil || len(hello) == 0 {
		_ = qc.CloseWithError(1, "bad hello")
		return nil, fmt.Errorf("p2p: read hello: %w", errOr(err, "empty"))
	}
	if err := WriteFrame(stream, []byte(l.local), maxHello); err != nil {
		_ = qc.CloseWithError(1, "hello")
		return nil, err
	}
	_ = stream.SetDeadline(time.Time{})

	remote := domain.PeerID(hello)
	l.log.Infof("Accepted connection from %s (%s)", remote.Short(), qc.RemoteAddr())
	return newConn(qc, stream, l.local, remote, l.cfg, l.log), nil
}

// Close stops accepting. Established connections stay open.
func (l *Listener) Close() error {
	l.state.Store(int32(StateClosed))
	return l.ql.Close()
}

const maxHello = 256

// Connect dials addr and binds the connection to remote.
//
// Steps:
//  1. QUIC dial with an unverified TLS config (Dialing).
//  2. Open the stream and swap hello frames (Handshaking).
//  3. Check the announced PeerID against remote (Connected).
func Connect(
	ctx context.Context,
	addr string,
	local, remote domain.PeerID,
	cfg Config,
	log *logging.Logger,
) (*Conn, error) {
	cfg = cfg.withDefaults()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	qc, err := quic.DialAddr(ctx, addr, clientTLS(), cfg.quic())
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.Timeout(remote, err)
		}
		return nil, domain.Unreachable(remote, err)
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "open stream")
		return nil, domain.IO(remote, err)
	}
	_ = stream.SetDeadline(time.Now().Add(cfg.HelloTimeout))
	if err := WriteFrame(stream, []byte(local), maxHello); err != nil {
		_ = qc.CloseWithError(1, "hello")
		return nil, domain.IO(remote, err)
	}
	hello, err := ReadFrame(stream, maxHello)
	if err != nil {
		_ = qc.CloseWithError(1, "hello")
		return nil, domain.IO(remote, err)
	}
	if domain.PeerID(hello) != remote {
		_ = qc.CloseWithError(2, "peer mismatch")
		return nil, domain.Unreachable(remote, fmt.Errorf("%w: %s", ErrPeerMismatch, domain.PeerID(hello).Short()))
	}
	_ = stream.SetDeadline(time.Time{})

	log.Infof("Connected to %s at %s", remote.Short(), addr)
	return newConn(qc, stream, local, remote, cfg, log), nil
}

func errOr(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
