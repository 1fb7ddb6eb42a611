package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"murmur/internal/config"
	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/log"
	"murmur/internal/protocol/packet"
	psession "murmur/internal/protocol/session"
	"murmur/internal/relay"
	"murmur/internal/services/identity"
	messagesvc "murmur/internal/services/message"
	sessionsvc "murmur/internal/services/session"
	"murmur/internal/store"
	"murmur/internal/transport/hybrid"
	"murmur/internal/transport/p2p"
)

const (
	messageDepth   = 64
	eventDepth     = 256
	handshakeDepth = 16
)

// ErrNoP2P is returned by Listen and DialPeer when the node runs without the
// P2P pool.
var ErrNoP2P = errors.New("app: p2p transport not available")

// Deps overrides parts of the wiring. Every field is optional.
type Deps struct {
	// Identity is the local identity. Nil generates a fresh one, owned and
	// destroyed by the App.
	Identity *crypto.Identity

	// Trust is the trust cache. Nil opens cfg.Node.TrustDB, or keeps the
	// cache in memory when that is empty.
	Trust domain.TrustStore

	// Acceptor decides on unknown and changed peer keys. Nil means
	// identity.AcceptFirstUse.
	Acceptor identity.Acceptor

	// Logs is the log backend. Nil opens one from cfg.Logging.
	Logs *log.Backend

	// Registerer receives the transport metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// Preferred and Fallback replace the P2P pool and the relay client.
	Preferred domain.Transport
	Fallback  domain.Transport
}

// App is a running murmur node.
type App struct {
	cfg  *config.Config
	logs *log.Backend
	log  *logging.Logger

	local    *crypto.Identity
	identity *identity.Service

	pool       *p2p.Pool
	relay      *relay.Client
	transport  *hybrid.Transport
	supervisor *hybrid.Supervisor
	sessions   *sessionsvc.Manager
	messages   *messagesvc.Service

	inbox         chan domain.Message
	events        chan domain.Event
	droppedEvents atomic.Uint64

	mu        sync.Mutex
	listeners []*p2p.Listener

	hsMu     sync.Mutex
	hsQueues map[domain.PeerID]chan handshakePacket
	hsIdle   time.Duration

	ownIdentity bool
	ownLogs     bool
	ownTrust    *store.BoltTrustStore

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a node from cfg. Nothing touches the network until Start,
// Listen or DialPeer.
func New(cfg *config.Config, deps Deps) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{
		cfg:      cfg,
		inbox:    make(chan domain.Message, messageDepth),
		events:   make(chan domain.Event, eventDepth),
		hsQueues: make(map[domain.PeerID]chan handshakePacket),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.logs = deps.Logs
	if a.logs == nil {
		b, err := cfg.Logging.NewBackend()
		if err != nil {
			return nil, err
		}
		a.logs, a.ownLogs = b, true
	}
	a.log = a.logs.GetLogger("app")

	a.local = deps.Identity
	if a.local == nil {
		id, err := crypto.GenerateIdentity(nil)
		if err != nil {
			a.release()
			return nil, err
		}
		a.local, a.ownIdentity = id, true
	}

	trust := deps.Trust
	if trust == nil && cfg.Node.TrustDB != "" {
		s, err := store.OpenTrustStore(cfg.Node.TrustDB)
		if err != nil {
			a.release()
			return nil, err
		}
		trust, a.ownTrust = s, s
	}
	a.identity = identity.New(a.local, trust, deps.Acceptor, a.logs.GetLogger("identity"))

	preferred := deps.Preferred
	if preferred == nil {
		a.pool = p2p.NewPool(a.local.PeerID(), cfg.P2PConfig(), a.logs.GetLogger("p2p"))
		a.pool.OnConnect(a.onP2PConnect)
		preferred = a.pool
	}
	fallback := deps.Fallback
	if fallback == nil && cfg.Relay.URL != "" {
		a.relay = relay.NewClient(cfg.RelayConfig(), a.local.PeerID(), a.logs.GetLogger("relay"))
		a.relay.OnQueued(a.onRelayQueued)
		fallback = a.relay
	}

	a.transport = hybrid.New(preferred, fallback, cfg.HybridConfig(),
		a.logs.GetLogger("hybrid"), a.emit, hybrid.NewMetrics("", deps.Registerer))
	if r, ok := fallback.(hybrid.Reconnector); ok {
		a.supervisor = hybrid.NewSupervisor(r, cfg.Backoff(), a.emit, a.logs.GetLogger("supervisor"))
		a.supervisor.OnReconnect(func(ctx context.Context) { a.transport.Flush(ctx) })
	}

	scfg := cfg.SessionConfig()
	a.hsIdle = scfg.StepTimeout
	if a.hsIdle <= 0 {
		a.hsIdle = sessionsvc.DefaultStepTimeout
	}
	a.sessions = sessionsvc.NewManager(scfg, a.local, a.identity,
		a.transport.SendNow, a.emit, a.logs.GetLogger("handshake"))
	a.messages = messagesvc.New(a.sessions, a.transport, a.emit, a.logs.GetLogger("message"))

	a.log.Noticef("Node %s ready", a.local.PeerID())
	return a, nil
}

// Local returns the node's PeerID.
func (a *App) Local() domain.PeerID { return a.local.PeerID() }

// Fingerprint returns the node's public key fingerprint.
func (a *App) Fingerprint() domain.Fingerprint { return a.local.Fingerprint() }

// Trust returns the trust cache.
func (a *App) Trust() domain.TrustStore { return a.identity.Trust() }

// Start launches the receive loop, the pending-queue retrier and, with a
// relay configured, the reconnection supervisor. The node stops when ctx is
// done or Close is called.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.spawn(func() {
			select {
			case <-ctx.Done():
				a.cancel()
			case <-a.ctx.Done():
			}
		})
		a.spawn(a.receive)
		a.spawn(func() { a.transport.Run(a.ctx) })
		if a.supervisor != nil {
			a.spawn(func() {
				if a.relay != nil {
					a.connectRelay()
				}
				a.supervisor.Run(a.ctx)
			})
		}
	})
}

func (a *App) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Listen accepts P2P connections on addr and returns the bound address.
func (a *App) Listen(addr string) (net.Addr, error) {
	if a.pool == nil {
		return nil, ErrNoP2P
	}
	l, err := p2p.Bind(addr, a.local.PeerID(), a.cfg.P2PConfig(), a.logs.GetLogger("p2p"))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()

	a.spawn(func() {
		if err := a.pool.Serve(a.ctx, l); err != nil {
			a.log.Warningf("P2P listener on %s stopped: %v", l.Addr(), err)
		}
	})
	a.log.Noticef("Listening for peers on %s", l.Addr())
	return l.Addr(), nil
}

// DialPeer opens a P2P connection to peer at addr.
func (a *App) DialPeer(ctx context.Context, addr string, peer domain.PeerID) error {
	if a.pool == nil {
		return ErrNoP2P
	}
	return a.pool.Dial(ctx, addr, peer)
}

// Connect runs a handshake with peer, or waits for the one in progress.
func (a *App) Connect(ctx context.Context, peer domain.PeerID) error {
	return a.sessions.Connect(ctx, peer)
}

// HasSession reports whether a secure session with peer is established.
func (a *App) HasSession(peer domain.PeerID) bool {
	_, err := a.sessions.Session(peer)
	return err == nil
}

// Sessions returns the peers with an established session.
func (a *App) Sessions() []domain.PeerID { return a.sessions.Table().Peers() }

// Forget drops the session with peer. A new Connect is needed to talk again.
func (a *App) Forget(peer domain.PeerID) { a.sessions.Forget(peer) }

// Send encrypts plaintext for peer and sends it. It needs an established
// session and never starts a handshake.
func (a *App) Send(ctx context.Context, peer domain.PeerID, plaintext []byte) error {
	return a.messages.Send(ctx, peer, plaintext)
}

// Messages delivers decrypted inbound messages. It is closed by Close.
func (a *App) Messages() <-chan domain.Message { return a.inbox }

// Events delivers status, delivery and handshake events. Events are dropped
// when nobody reads.
func (a *App) Events() <-chan domain.Event { return a.events }

// DroppedEvents returns the number of events lost to a full channel.
func (a *App) DroppedEvents() uint64 { return a.droppedEvents.Load() }

// PendingLen returns the number of payloads awaiting resend.
func (a *App) PendingLen() int { return a.transport.Queue().Len() }

func (a *App) emit(ev domain.Event) {
	select {
	case a.events <- ev:
	default:
		a.droppedEvents.Add(1)
	}
}

// connectRelay makes the first relay attempt right away; the supervisor
// owns every later one.
func (a *App) connectRelay() {
	if err := a.relay.Reconnect(a.ctx); err != nil {
		a.log.Warningf("Relay %s unavailable: %v", a.cfg.Relay.URL, err)
		return
	}
	a.emit(domain.StatusEvent{Status: domain.StatusConnected, Kind: domain.KindRelay})
}

func (a *App) onRelayQueued(to domain.PeerID, count int) {
	a.emit(domain.DeliveryEvent{Peer: to, Status: domain.DeliveryQueued, Kind: domain.KindRelay, Count: count})
}

func (a *App) onP2PConnect(peer domain.PeerID) {
	a.log.Infof("P2P link to %s up", peer.Short())
	a.emit(domain.StatusEvent{Status: domain.StatusConnected, Kind: domain.KindP2P})
	a.transport.Trigger()
}

// receive demultiplexes inbound packets: handshake traffic goes to the
// handshake manager, data packets are decrypted and delivered.
func (a *App) receive() {
	for {
		from, b, kind, err := a.transport.RecvKind(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil || errors.Is(err, domain.ErrConnectionClosed) {
				return
			}
			continue
		}
		typ, body, err := packet.Decode(b)
		if err != nil {
			a.log.Warningf("Dropped malformed packet from %s via %s", from.Short(), kind)
			continue
		}
		if typ.IsHandshake() {
			a.dispatchHandshake(from, typ, body)
			continue
		}

		msg, err := a.messages.Open(from, body)
		if err != nil {
			if errors.Is(err, domain.ErrNoSession) {
				a.log.Warningf("Dropped data from %s via %s: no session", from.Short(), kind)
			} else {
				a.log.Warningf("Dropped data from %s via %s: %s", from.Short(), kind, psession.Code(err))
			}
			continue
		}
		msg.Kind = kind
		select {
		case a.inbox <- msg:
		case <-a.ctx.Done():
			return
		}
	}
}

type handshakePacket struct {
	typ  packet.Type
	body []byte
}

// dispatchHandshake queues a handshake packet on the worker for its peer.
// Packets from one peer are handled in arrival order; a prompt waiting on
// the user for one peer never holds up another.
func (a *App) dispatchHandshake(from domain.PeerID, typ packet.Type, body []byte) {
	a.hsMu.Lock()
	defer a.hsMu.Unlock()
	q, ok := a.hsQueues[from]
	if !ok {
		q = make(chan handshakePacket, handshakeDepth)
		a.hsQueues[from] = q
		a.spawn(func() { a.handshakeWorker(from, q) })
	}

	select {
	case q <- handshakePacket{typ: typ, body: body}:
	default:
		a.log.Warningf("Dropped %s from %s: handshake backlog full", typ, from.Short())
	}
}

// handshakeWorker serves one peer's queue and exits once the queue has been
// empty for a full step timeout.
func (a *App) handshakeWorker(peer domain.PeerID, q <-chan handshakePacket) {
	idle := time.NewTimer(a.hsIdle)
	defer idle.Stop()
	for {
		select {
		case p := <-q:
			a.sessions.HandleInbound(a.ctx, peer, p.typ, p.body)
			idle.Reset(a.hsIdle)
		case <-idle.C:
			a.hsMu.Lock()
			if len(q) > 0 {
				a.hsMu.Unlock()
				idle.Reset(a.hsIdle)
				continue
			}
			delete(a.hsQueues, peer)
			a.hsMu.Unlock()
			return
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) handshakeWorkers() int {
	a.hsMu.Lock()
	defer a.hsMu.Unlock()
	return len(a.hsQueues)
}

// Close stops the node, closes every socket and wipes the identity if the
// App generated it.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		a.sessions.Close()
		err = a.transport.Close()
		a.mu.Lock()
		for _, l := range a.listeners {
			_ = l.Close()
		}
		a.mu.Unlock()
		a.wg.Wait()
		close(a.inbox)
		a.log.Noticef("Node stopped")
		a.release()
	})
	return err
}

func (a *App) release() {
	if a.ownTrust != nil {
		_ = a.ownTrust.Close()
	}
	if a.ownIdentity && a.local != nil {
		a.local.Destroy()
	}
	if a.ownLogs && a.logs != nil {
		_ = a.logs.Close()
	}
}
