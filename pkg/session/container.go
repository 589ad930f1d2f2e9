package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// Container errors.
var (
	ErrContainerClosed  = errors.New("container closed")
	ErrDuplicateSession = errors.New("session id already pending")
)

// Options configure one Create call.
type Options struct {
	// Box requests payload protection. BoxNone sends payloads in clear.
	Box wire.BoxKind

	// Conn configures the established connections.
	Conn transport.ConnConfig

	// Prepare completes every Hello after the session fields are set.
	Prepare func(hello *wire.Hello)
}

// Container creates client sessions by racing connections and owns them
// until they close. Outcomes are delivered by Service or Run.
type Container struct {
	logger log.Logger

	mu       sync.Mutex
	pending  map[int64]*Pending
	sessions map[*Session]struct{}
	queue    []delivery
	closed   bool

	deliverMu sync.Mutex
	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type delivery struct {
	pending *Pending
	outcome connection.Outcome
}

// NewContainer creates an empty container. logger may be nil.
func NewContainer(logger log.Logger) *Container {
	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		logger:   log.OrNoop(logger),
		pending:  make(map[int64]*Pending),
		sessions: make(map[*Session]struct{}),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Pending is a session whose race has not been delivered yet.
type Pending struct {
	id        int64
	container *Container
	racer     *connection.Racer
	observer  Observer
	hs        *handshaker
}

// ID returns the session identifier the race will produce.
func (p *Pending) ID() int64 { return p.id }

// Stats returns a snapshot of the race.
func (p *Pending) Stats() []connection.Stats { return p.racer.Stats() }

// Cancel stops the race. Its failure is still delivered.
func (p *Pending) Cancel() error { return p.racer.Close() }

// Create starts racing cfg for a session with the given id. The observer
// learns the result through Service or Run. cfg.Handshaker is replaced.
func (c *Container) Create(sessionID int64, cfg connection.Config, observer Observer, opts Options) (*Pending, error) {
	if observer == nil {
		observer = Funcs{}
	}
	if opts.Box != wire.BoxNone {
		if _, err := BoxKind(opts.Box); err != nil {
			return nil, err
		}
	}

	hs := &handshaker{
		sessionID: sessionID,
		box:       opts.Box,
		prepare:   opts.Prepare,
		conn:      opts.Conn,
		offers:    make(map[*transport.Conn]*offer),
	}
	cfg.Handshaker = hs
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContainerClosed
	}
	if _, ok := c.pending[sessionID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateSession, sessionID)
	}
	racer, err := connection.NewRacer(cfg)
	if err != nil {
		return nil, err
	}
	if err := racer.Start(c.ctx); err != nil {
		return nil, err
	}

	p := &Pending{id: sessionID, container: c, racer: racer, observer: observer, hs: hs}
	c.pending[sessionID] = p
	c.wg.Add(1)
	go c.race(p)
	return p, nil
}

// race collects the outcomes of one racer until all of its attempts ended.
func (c *Container) race(p *Pending) {
	defer c.wg.Done()
	_ = p.racer.Run(c.ctx, &collector{pending: p})
	_ = p.racer.Close()

	c.mu.Lock()
	if c.pending[p.id] == p {
		delete(c.pending, p.id)
	}
	c.mu.Unlock()
}

type collector struct {
	pending *Pending
}

func (k *collector) OnRaceWon(conn *transport.Conn, stats []connection.Stats, winner int) {
	k.pending.container.enqueue(k.pending, connection.Outcome{Conn: conn, Winner: winner, Stats: stats})
}

func (k *collector) OnRaceFailed(stats []connection.Stats, kind connection.ErrorKind) {
	k.pending.container.enqueue(k.pending, connection.Outcome{Winner: -1, Stats: stats, Kind: kind})
}

func (k *collector) OnRaceExtra(conn *transport.Conn, stats connection.Stats) {
	k.pending.container.enqueue(k.pending, connection.Outcome{
		Conn:   conn,
		Winner: stats.Index,
		Stats:  k.pending.racer.Stats(),
		Extra:  true,
	})
}

func (c *Container) enqueue(p *Pending, o connection.Outcome) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if o.Conn != nil {
			o.Conn.ForceClose()
		}
		return
	}
	c.queue = append(c.queue, delivery{pending: p, outcome: o})
	c.mu.Unlock()
	c.Trigger()
}

// Trigger wakes a blocked Service or Run.
func (c *Container) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Service delivers pending outcomes. When there are none it waits up to
// timeout for one or for Trigger. It returns the number delivered.
func (c *Container) Service(timeout time.Duration) int {
	if n := c.drain(); n > 0 {
		return n
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.wake:
	case <-timer.C:
	case <-c.ctx.Done():
	}
	return c.drain()
}

// Run delivers outcomes as they arrive until ctx is done or the container
// closes.
func (c *Container) Run(ctx context.Context) error {
	for {
		c.drain()
		select {
		case <-c.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrContainerClosed
		}
	}
}

func (c *Container) drain() int {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, d := range batch {
		c.deliver(d)
	}
	return len(batch)
}

func (c *Container) deliver(d delivery) {
	p, o := d.pending, d.outcome
	if !o.Connected() {
		p.observer.OnConnectFailed(o.Stats, o.Kind)
		return
	}

	protection, err := p.hs.protect(o.Conn)
	if err != nil {
		o.Conn.ForceClose()
		c.logError(p.id, o.Conn.ID(), err)
		if !o.Extra {
			p.observer.OnConnectFailed(o.Stats, connection.KindProtocolHandshake)
		}
		return
	}

	s := New(p.id, o.Conn, p.observer, protection)
	s.stats = o.Stats
	s.SetLogger(c.logger)
	s.release = c.release

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = s.Close()
		return
	}
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	p.observer.OnConnected(s, o.Stats, o.Winner, !o.Extra)
	if err := s.Start(); err != nil {
		_ = s.Close()
	}
}

func (c *Container) release(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// Sessions returns the open sessions.
func (c *Container) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// PendingCount returns the number of races still running.
func (c *Container) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels pending races and closes every session. Undelivered
// connections are dropped.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	for _, d := range queue {
		if d.outcome.Conn != nil {
			d.outcome.Conn.ForceClose()
		}
	}
	var errs []error
	for _, s := range c.Sessions() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) logError(sessionID int64, connID string, err error) {
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        log.LayerCrypto,
		Category:     log.CategoryError,
		LocalRole:    log.RoleClient,
		SessionID:    sessionID,
		Error:        &log.ErrorEventData{Layer: log.LayerCrypto, Message: err.Error(), Context: "bind"},
	})
}

// handshaker runs the Hello exchange of one session. Each attempt sends
// its own key offer; the offer of a connection is kept until delivery.
type handshaker struct {
	sessionID int64
	box       wire.BoxKind
	prepare   func(*wire.Hello)
	conn      transport.ConnConfig

	mu     sync.Mutex
	offers map[*transport.Conn]*offer
}

func (h *handshaker) Handshake(ctx context.Context, nc net.Conn, info connection.HandshakeInfo) (*transport.Conn, error) {
	var o *offer
	if h.box != wire.BoxNone {
		var err error
		if o, err = newOffer(h.box); err != nil {
			return nil, err
		}
	}
	inner := connection.HelloHandshaker{
		Conn: h.conn,
		Prepare: func(hello *wire.Hello) {
			hello.SessionID = h.sessionID
			if o != nil {
				o.prepare(hello)
			}
			if h.prepare != nil {
				h.prepare(hello)
			}
		},
	}
	conn, err := inner.Handshake(ctx, nc, info)
	if err != nil || o == nil {
		return conn, err
	}
	h.mu.Lock()
	h.offers[conn] = o
	h.mu.Unlock()
	go func() {
		<-conn.Done()
		h.mu.Lock()
		delete(h.offers, conn)
		h.mu.Unlock()
	}()
	return conn, nil
}

// protect binds the boxes for conn, nil when no box was requested.
func (h *handshaker) protect(conn *transport.Conn) (*Protection, error) {
	h.mu.Lock()
	o, ok := h.offers[conn]
	delete(h.offers, conn)
	h.mu.Unlock()
	if !ok {
		if h.box != wire.BoxNone {
			return nil, transport.ErrConnectionClosed
		}
		return nil, nil
	}
	return o.protect(conn.Negotiated())
}

var _ connection.Handshaker = (*handshaker)(nil)
