package server

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
	"murmur/internal/relay"
)

const (
	DefaultQueueCap        = 1000
	DefaultRegisterTimeout = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 90 * time.Second
)

// Config tunes the relay. Zero values take the defaults.
type Config struct {
	// QueueCap bounds each recipient's mailbox.
	QueueCap int

	// QueueTTL is the default lifetime of a queued payload. Zero keeps
	// payloads until evicted by the cap.
	QueueTTL time.Duration

	// MaxTTL caps the lifetime a client may ask for.
	MaxTTL time.Duration

	// RegisterTimeout bounds the wait for the first frame.
	RegisterTimeout time.Duration

	WriteTimeout time.Duration

	// IdleTimeout drops clients that send nothing, not even a ping.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Server is the relay service.
type Server struct {
	cfg      Config
	log      *logging.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.RWMutex
	boxes map[domain.PeerID]*mailbox
	conns map[*peerConn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a relay. A nil metrics gets an unregistered set.
func New(cfg Config, log *logging.Logger, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:    time.Now,
		boxes:  make(map[domain.PeerID]*mailbox),
		conns:  make(map[*peerConn]struct{}),
		closed: make(chan struct{}),
	}
}

// Handler serves the websocket endpoint at /ws and a liveness probe at
// /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// peerConn is one registered client connection.
type peerConn struct {
	id  domain.PeerID
	ws  *websocket.Conn
	wmu sync.Mutex

	once sync.Once
}

func (pc *peerConn) write(f *relay.Frame, timeout time.Duration) error {
	b, err := relay.Encode(f)
	if err != nil {
		return err
	}
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	_ = pc.ws.SetWriteDeadline(time.Now().Add(timeout))
	return pc.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (pc *peerConn) close(code int, reason string) {
	pc.once.Do(func() {
		_ = pc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = pc.ws.Close()
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("Upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(relay.MaxFrame)

	pc, err := s.awaitRegister(ws)
	if err != nil {
		s.log.Debugf("Registration from %s failed: %v", r.RemoteAddr, err)
		s.metrics.rejected.WithLabelValues("register").Inc()
		_ = ws.Close()
		return
	}
	s.register(pc)
	s.serve(pc)
}

// awaitRegister reads the first frame, which must be Register.
func (s *Server) awaitRegister(ws *websocket.Conn) (*peerConn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.RegisterTimeout))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	pc := &peerConn{ws: ws}
	if mt != websocket.BinaryMessage {
		_ = pc.write(&relay.Frame{Type: relay.FrameError, Reason: "expected binary Register"}, s.cfg.WriteTimeout)
		return nil, errors.New("non-binary first message")
	}
	f, err := relay.Decode(data)
	if err != nil || f.Type != relay.FrameRegister {
		_ = pc.write(&relay.Frame{Type: relay.FrameError, Reason: "expected Register"}, s.cfg.WriteTimeout)
		if err == nil {
			err = errors.New("first frame was " + f.Type.String())
		}
		return nil, err
	}
	pc.id = f.PeerID
	return pc, nil
}

// register installs pc as the live connection for its PeerID, replacing and
// closing any previous one, then drains the mailbox. The mailbox lock is
// held throughout so no newer payload can overtake a queued one.
func (s *Server) register(pc *peerConn) {
	box := s.lockedMailbox(pc.id)
	defer box.mu.Unlock()

	old := box.conn
	box.conn = pc

	s.mu.Lock()
	s.conns[pc] = struct{}{}
	s.metrics.connections.Set(float64(len(s.conns)))
	s.mu.Unlock()

	if old != nil {
		s.log.Infof("Peer %s re-registered, closing previous connection", pc.id.Short())
		old.close(websocket.ClosePolicyViolation, "replaced by newer registration")
		s.forgetConn(old)
	}
	s.metrics.registrations.WithLabelValues(strconv.FormatBool(old != nil)).Inc()

	if err := pc.write(&relay.Frame{Type: relay.FrameRegistered, PeerID: pc.id}, s.cfg.WriteTimeout); err != nil {
		s.log.Debugf("Registered to %s not delivered: %v", pc.id.Short(), err)
		return
	}
	s.log.Infof("Peer %s registered (%d queued)", pc.id.Short(), len(box.queue))
	s.drainLocked(box)
}

// drainLocked forwards queued payloads in order. Callers hold box.mu.
func (s *Server) drainLocked(box *mailbox) {
	now := s.now()
	for len(box.queue) > 0 {
		e := box.queue[0]
		if e.expired(now) {
			box.pop()
			s.metrics.queueDepth.Dec()
			s.metrics.evicted.WithLabelValues("ttl").Inc()
			continue
		}
		err := box.conn.write(&relay.Frame{
			Type:    relay.FramePayload,
			From:    e.from,
			To:      box.id,
			Payload: e.payload,
		}, s.cfg.WriteTimeout)
		if err != nil {
			s.log.Debugf("Drain to %s interrupted: %v", box.id.Short(), err)
			box.conn.close(websocket.CloseInternalServerErr, "write failed")
			s.forgetConn(box.conn)
			box.conn = nil
			return
		}
		box.pop()
		s.metrics.queueDepth.Dec()
		s.metrics.forwarded.Inc()
	}
}

func (s *Server) serve(pc *peerConn) {
	defer s.unregister(pc)

	pc.ws.SetPingHandler(func(data string) error {
		_ = pc.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		pc.wmu.Lock()
		defer pc.wmu.Unlock()
		return pc.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
	})

	for {
		_ = pc.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		mt, data, err := pc.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("Connection for %s ended: %v", pc.id.Short(), err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			s.reject(pc, "binary frames only")
			continue
		}
		f, err := relay.Decode(data)
		if err != nil {
			s.log.Warningf("Malformed frame from %s: %v", pc.id.Short(), err)
			reason := "malformed frame"
			if errors.Is(err, relay.ErrPayloadTooLarge) {
				reason = "payload too large"
			}
			s.reject(pc, reason)
			continue
		}
		s.metrics.frames.WithLabelValues(f.Type.String()).Inc()

		switch f.Type {
		case relay.FramePayload:
			if f.From != "" && f.From != pc.id {
				s.log.Warningf("Peer %s claimed to be %s; overwriting sender", pc.id.Short(), f.From.Short())
				s.metrics.rejected.WithLabelValues("spoofed_from").Inc()
			}
			s.route(pc, f)
		default:
			s.reject(pc, "unexpected "+f.Type.String())
		}
	}
}

func (s *Server) reject(pc *peerConn, reason string) {
	s.metrics.rejected.WithLabelValues(reason).Inc()
	if err := pc.write(&relay.Frame{Type: relay.FrameError, Reason: reason}, s.cfg.WriteTimeout); err != nil {
		s.log.Debugf("Error frame to %s not delivered: %v", pc.id.Short(), err)
	}
}

// route forwards f to its recipient or queues it, and tells the sender when
// it was queued.
func (s *Server) route(from *peerConn, f *relay.Frame) {
	box := s.lockedMailbox(f.To)
	if box.conn != nil {
		err := box.conn.write(&relay.Frame{
			Type:    relay.FramePayload,
			From:    from.id,
			To:      f.To,
			Payload: f.Payload,
		}, s.cfg.WriteTimeout)
		if err == nil {
			box.mu.Unlock()
			s.metrics.forwarded.Inc()
			return
		}
		s.log.Debugf("Forward to %s failed, queuing: %v", f.To.Short(), err)
		box.conn.close(websocket.CloseInternalServerErr, "write failed")
		s.forgetConn(box.conn)
		box.conn = nil
	}

	entry := queuedPayload{from: from.id, payload: f.Payload}
	if ttl := s.ttl(f.TTL); ttl > 0 {
		entry.expires = s.now().Add(ttl)
	}
	if box.push(entry, s.cfg.QueueCap) {
		s.metrics.evicted.WithLabelValues("cap").Inc()
	} else {
		s.metrics.queueDepth.Inc()
	}
	s.metrics.queued.Inc()
	depth := len(box.queue)
	box.mu.Unlock()

	if err := from.write(&relay.Frame{Type: relay.FrameQueued, To: f.To, Count: depth}, s.cfg.WriteTimeout); err != nil {
		s.log.Debugf("Queued notice to %s not delivered: %v", from.id.Short(), err)
	}
}

func (s *Server) ttl(requested uint32) time.Duration {
	ttl := s.cfg.QueueTTL
	if requested > 0 {
		ttl = time.Duration(requested) * time.Second
	}
	if s.cfg.MaxTTL > 0 && (ttl == 0 || ttl > s.cfg.MaxTTL) {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

// unregister clears pc from its mailbox if it is still the live connection
// and drops the mailbox once it is empty. Lock order is mailbox, then
// registry.
func (s *Server) unregister(pc *peerConn) {
	pc.close(websocket.CloseNormalClosure, "")
	s.forgetConn(pc)

	s.mu.RLock()
	box, ok := s.boxes[pc.id]
	s.mu.RUnlock()
	if !ok {
		return
	}

	box.mu.Lock()
	defer box.mu.Unlock()
	if box.conn == pc {
		box.conn = nil
		s.log.Infof("Peer %s disconnected", pc.id.Short())
	}
	if box.conn == nil && len(box.queue) == 0 && !box.dead {
		s.mu.Lock()
		if s.boxes[pc.id] == box {
			delete(s.boxes, pc.id)
		}
		s.mu.Unlock()
		box.dead = true
	}
}

func (s *Server) forgetConn(pc *peerConn) {
	s.mu.Lock()
	if _, ok := s.conns[pc]; ok {
		delete(s.conns, pc)
		s.metrics.connections.Set(float64(len(s.conns)))
	}
	s.mu.Unlock()
}

// lockedMailbox returns the live mailbox for id with its lock held.
func (s *Server) lockedMailbox(id domain.PeerID) *mailbox {
	for {
		box := s.mailbox(id)
		box.mu.Lock()
		if !box.dead {
			return box
		}
		box.mu.Unlock()
	}
}

func (s *Server) mailbox(id domain.PeerID) *mailbox {
	s.mu.RLock()
	box, ok := s.boxes[id]
	s.mu.RUnlock()
	if ok {
		return box
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if box, ok = s.boxes[id]; !ok {
		box = &mailbox{id: id}
		s.boxes[id] = box
	}
	return box
}

// Kick drops peer's live connection, if any. Its mailbox stays.
func (s *Server) Kick(peer domain.PeerID) bool {
	s.mu.RLock()
	box, ok := s.boxes[peer]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	box.mu.Lock()
	pc := box.conn
	box.conn = nil
	box.mu.Unlock()
	if pc == nil {
		return false
	}
	pc.close(websocket.CloseGoingAway, "kicked")
	s.forgetConn(pc)
	return true
}

// QueueLen returns the number of payloads waiting for peer.
func (s *Server) QueueLen(peer domain.PeerID) int {
	s.mu.RLock()
	box, ok := s.boxes[peer]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.queue)
}

// Connected reports whether peer has a live registration.
func (s *Server) Connected(peer domain.PeerID) bool {
	s.mu.RLock()
	box, ok := s.boxes[peer]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return box.conn != nil
}

// Close disconnects every client. Handler refuses new ones afterwards.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conns := make([]*peerConn, 0, len(s.conns))
		for pc := range s.conns {
			conns = append(conns, pc)
		}
		s.mu.Unlock()
		for _, pc := range conns {
			pc.close(websocket.CloseGoingAway, "relay shutting down")
		}
	})
}
