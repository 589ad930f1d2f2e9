package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/cryptobox"
	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// Session errors.
var (
	ErrNotConnected = errors.New("session not connected")
	ErrIO           = errors.New("session i/o failure")
	ErrStarted      = errors.New("session already started")
)

// Session is a duplex message channel over one established connection.
type Session struct {
	id         int64
	conn       *transport.Conn
	observer   Observer
	protection *Protection
	logger     log.Logger
	stats      []connection.Stats

	connected atomic.Bool
	started   atomic.Bool
	sendMu    sync.Mutex

	mu        sync.Mutex
	queue     []event
	closing   bool
	closeErr  error
	closeOnce sync.Once
	wake      chan struct{}
	done      chan struct{}

	// release is called before OnClose; set by Container.
	release func(*Session)
}

type event struct {
	data   []byte
	binary bool
	closed bool
}

// New wraps conn, which the session owns from now on. protection may be
// nil. The dispatcher goroutine runs until the session closes, so every
// session must be started or closed.
func New(id int64, conn *transport.Conn, observer Observer, protection *Protection) *Session {
	if observer == nil {
		observer = Funcs{}
	}
	s := &Session{
		id:         id,
		conn:       conn,
		observer:   observer,
		protection: protection,
		logger:     log.NoopLogger{},
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.connected.Store(conn.State() == transport.StateOpen)
	go s.dispatch()
	return s
}

// SetLogger sets the protocol logger. Call it before Start.
func (s *Session) SetLogger(logger log.Logger) {
	s.logger = log.OrNoop(logger)
}

// ID returns the caller-assigned session identifier.
func (s *Session) ID() int64 { return s.id }

// ConnectionID returns the identifier of the underlying connection.
func (s *Session) ConnectionID() string { return s.conn.ID() }

// IsConnected reports whether Send can still succeed.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// Protected reports whether payloads are sealed.
func (s *Session) Protected() bool { return s.protection != nil }

// Negotiated returns what the Hello exchange settled.
func (s *Session) Negotiated() transport.Negotiated { return s.conn.Negotiated() }

// Stats returns the race statistics that produced the session, nil for
// accepted sessions.
func (s *Session) Stats() []connection.Stats { return s.stats }

// Done is closed after OnClose has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, nil for an orderly close or while
// open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Start begins reading from the connection. A session closed before
// Start fails with ErrNotConnected.
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}
	s.logState("", "OPEN", "")
	if err := s.conn.Start(s); err != nil {
		return err
	}
	// The connection may have ended before it had a handler.
	select {
	case <-s.conn.Done():
		s.OnClosed(s.conn.Err())
	default:
	}
	return nil
}

// Send writes one message. It fails with ErrNotConnected once the session
// closed and with ErrIO when the transport fails.
func (s *Session) Send(payload []byte, binary bool) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	// Sequence values must reach the wire in the order they were sealed.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	msg := &wire.Data{Binary: binary, Payload: payload}
	if s.protection != nil {
		seq, sealed, err := s.protection.Send.Seal(payload, additionalData(binary))
		if errors.Is(err, cryptobox.ErrNotBound) {
			return ErrNotConnected
		}
		if err != nil {
			return fmt.Errorf("%w: seal: %w", ErrIO, err)
		}
		msg.Seq, msg.Payload = seq, sealed
	}

	if err := s.conn.Send(msg); err != nil {
		if errors.Is(err, transport.ErrConnectionClosed) || !s.connected.Load() {
			return ErrNotConnected
		}
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// Close ends the session. It is safe to call repeatedly and concurrently
// with Send; the observer sees exactly one OnClose.
func (s *Session) Close() error {
	if !s.connected.CompareAndSwap(true, false) {
		return nil
	}
	err := s.conn.Close()
	// Without a started read loop the connection has no handler to tell.
	s.OnClosed(nil)
	if errors.Is(err, transport.ErrCloseTimeout) {
		return nil
	}
	return err
}

// OnData implements transport.Handler.
func (s *Session) OnData(msg *wire.Data) {
	payload := msg.Payload
	if s.protection != nil {
		plain, err := s.protection.Recv.Open(msg.Seq, msg.Payload, additionalData(msg.Binary))
		if err != nil {
			if errors.Is(err, cryptobox.ErrNotBound) {
				return
			}
			s.logError(err, "open")
			s.fail(fmt.Errorf("%w: open seq %d: %w", ErrIO, msg.Seq, err))
			return
		}
		payload = plain
	}
	s.push(event{data: payload, binary: msg.Binary})
}

// OnClosed implements transport.Handler.
func (s *Session) OnClosed(err error) {
	s.connected.Store(false)
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.closeErr == nil {
			s.closeErr = err
		}
		s.closing = true
		s.queue = append(s.queue, event{closed: true})
		s.mu.Unlock()
		s.signal()
	})
}

// fail drops the connection after a protocol violation. It runs on the
// read loop, which rules out the close handshake.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.mu.Unlock()
	s.connected.Store(false)
	s.conn.ForceClose()
	s.OnClosed(err)
}

func (s *Session) push(e event) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) dispatch() {
	defer close(s.done)
	for {
		<-s.wake
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range batch {
			if e.closed {
				s.finish()
				return
			}
			s.observer.OnMessage(s, e.data, e.binary)
		}
	}
}

func (s *Session) finish() {
	if s.protection != nil {
		_ = s.protection.Close()
	}
	reason := "closed"
	if err := s.Err(); err != nil {
		reason = err.Error()
	}
	s.logState("OPEN", "CLOSED", reason)
	if s.release != nil {
		s.release(s)
	}
	s.observer.OnClose(s)
}

func (s *Session) event(cat log.Category, layer log.Layer) log.Event {
	e := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.conn.ID(),
		Layer:        layer,
		Category:     cat,
		SessionID:    s.id,
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		e.RemoteAddr = addr.String()
	}
	return e
}

func (s *Session) logState(from, to, reason string) {
	e := s.event(log.CategoryState, log.LayerSession)
	e.StateChange = &log.StateChangeEvent{
		Entity:   log.StateEntitySession,
		OldState: from,
		NewState: to,
		Reason:   reason,
	}
	s.logger.Log(e)
}

func (s *Session) logError(err error, context string) {
	e := s.event(log.CategoryError, log.LayerCrypto)
	e.Error = &log.ErrorEventData{Layer: log.LayerCrypto, Message: err.Error(), Context: context}
	s.logger.Log(e)
}

// additionalData authenticates the binary flag of a sealed payload.
func additionalData(binary bool) []byte {
	if binary {
		return []byte{1}
	}
	return []byte{0}
}

var _ transport.Handler = (*Session)(nil)
