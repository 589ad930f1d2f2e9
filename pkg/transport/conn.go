package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// ConnState is the lifecycle of an established Conn.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrCloseTimeout     = errors.New("close timeout")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
	ErrAlreadyStarted   = errors.New("connection already started")
)

// DefaultCloseTimeout bounds the Close handshake.
const DefaultCloseTimeout = 2 * time.Second

// ConnConfig configures an established connection.
type ConnConfig struct {
	// MaxMessageSize bounds frame payloads (default DefaultMaxMessageSize).
	MaxMessageSize uint32

	// KeepAlive probing; a zero PingInterval disables it.
	KeepAlive KeepAliveConfig

	// CloseTimeout bounds the wait for the peer's Close (default 2s).
	CloseTimeout time.Duration

	// WriteTimeout bounds a single Send (0 = none).
	WriteTimeout time.Duration

	Logger log.Logger
	Role   log.Role

	// Target is recorded in log events.
	Target string
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

// Negotiated is what the Hello/HelloAck exchange settled.
type Negotiated struct {
	Version   string
	Host      string
	Path      string
	Method    string
	SessionID int64

	// Box is the agreed payload protection; BoxNone when off.
	Box wire.BoxKind

	// PeerPublicKey is the peer's raw X25519 key when Box is set.
	PeerPublicKey []byte

	// Salt is the client's salt for box binding.
	Salt []byte

	// TLS is nil for plain connections.
	TLS *tls.ConnectionState
}

// Handler receives inbound data and the terminal close of a Conn.
type Handler interface {
	// OnData is called on the read goroutine for every Data message.
	OnData(msg *wire.Data)

	// OnClosed is called exactly once. err is nil for an orderly close.
	OnClosed(err error)
}

// Conn is an established tlink connection. It owns the underlying stream.
type Conn struct {
	id         string
	config     ConnConfig
	nc         net.Conn
	framer     *Framer
	negotiated Negotiated

	handler   Handler
	keepAlive *KeepAlive
	started   atomic.Bool

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
	err       error

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(id string, nc net.Conn, framer *Framer, negotiated Negotiated, config ConnConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:         id,
		config:     config,
		nc:         nc,
		framer:     framer,
		negotiated: negotiated,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.state.Store(int32(StateOpen))
	return c
}

// ID returns the connection UUID.
func (c *Conn) ID() string { return c.id }

// State returns the current state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Negotiated returns the handshake result.
func (c *Conn) Negotiated() Negotiated { return c.negotiated }

// LocalAddr returns the local address of the stream.
func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// RemoteAddr returns the remote address of the stream. Through a proxy this
// is the proxy's address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Done is closed once the connection reached StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done; nil for an orderly close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// KeepAliveStats returns probe statistics, zero when probing is off.
func (c *Conn) KeepAliveStats() KeepAliveStats {
	if c.keepAlive == nil {
		return KeepAliveStats{}
	}
	return c.keepAlive.Stats()
}

// Start begins reading and, when configured, keep-alive probing. A nil
// handler discards data.
func (c *Conn) Start(handler Handler) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if handler == nil {
		handler = discardHandler{}
	}
	c.handler = handler

	if c.config.KeepAlive.PingInterval > 0 {
		c.keepAlive = NewKeepAlive(c.config.KeepAlive,
			func(seq uint32) error {
				return c.sendControl(&wire.Ping{Sequence: seq})
			},
			func() {
				_ = c.sendControl(&wire.Close{Reason: wire.CloseTimeout})
				c.finish(ErrKeepAliveTimeout)
			},
		)
		c.keepAlive.Start(c.ctx)
	}

	go c.readLoop()
	return nil
}

// Send writes one message. Only Data is expected from callers; control
// messages are handled by the Conn itself.
func (c *Conn) Send(msg wire.Message) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	return c.write(msg)
}

func (c *Conn) write(msg wire.Message) error {
	if c.config.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.framer.WriteMessage(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return nil
}

func (c *Conn) sendControl(msg wire.Message) error {
	c.logControl(msg, log.DirectionOut)
	return c.write(msg)
}

// Close performs the Close handshake and releases the stream. It waits for
// the peer's Close up to CloseTimeout. Safe to call more than once and
// concurrently with Send.
func (c *Conn) Close() error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		<-c.done
		return nil
	}
	c.logState(StateOpen, StateClosing, "local close")

	if err := c.sendControl(&wire.Close{Reason: wire.CloseNormal}); err != nil || !c.started.Load() {
		c.finish(nil)
		return nil
	}

	timer := time.NewTimer(c.config.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		c.finish(nil)
		return ErrCloseTimeout
	}
}

// ForceClose drops the stream without the Close handshake.
func (c *Conn) ForceClose() {
	c.finish(nil)
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		old := c.State()
		c.state.Store(int32(StateClosed))
		c.err = err
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		c.cancel()
		_ = c.nc.Close()

		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		c.logState(old, StateClosed, reason)
		close(c.done)
		if c.handler != nil {
			c.handler.OnClosed(err)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		msg, err := c.framer.ReadMessage()
		if err != nil {
			if c.State() != StateOpen {
				c.finish(nil)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.finish(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				return
			}
			if errors.Is(err, wire.ErrUnknownMessage) {
				_ = c.sendControl(&wire.Close{Reason: wire.CloseProtocol})
			}
			c.logError(err)
			c.finish(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}

		switch m := msg.(type) {
		case *wire.Data:
			c.handler.OnData(m)
		case *wire.Ping:
			c.logControl(m, log.DirectionIn)
			_ = c.sendControl(&wire.Pong{Sequence: m.Sequence})
		case *wire.Pong:
			c.logControl(m, log.DirectionIn)
			if c.keepAlive != nil {
				c.keepAlive.PongReceived(m.Sequence)
			}
		case *wire.Close:
			c.logControl(m, log.DirectionIn)
			if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
				c.logState(StateOpen, StateClosing, "peer close: "+m.Reason.String())
				_ = c.sendControl(&wire.Close{Reason: wire.CloseNormal})
			}
			c.finish(nil)
			return
		default:
			_ = c.sendControl(&wire.Close{Reason: wire.CloseProtocol})
			err := fmt.Errorf("%w: %s after handshake", ErrUnexpectedMessage, msg.MessageType())
			c.logError(err)
			c.finish(err)
			return
		}
	}
}

func (c *Conn) event(dir log.Direction, cat log.Category, layer log.Layer) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        layer,
		Category:     cat,
		LocalRole:    c.config.Role,
		RemoteAddr:   c.nc.RemoteAddr().String(),
		SessionID:    c.negotiated.SessionID,
		Target:       c.config.Target,
	}
}

func (c *Conn) logControl(msg wire.Message, dir log.Direction) {
	if c.config.Logger == nil {
		return
	}
	ev := c.event(dir, log.CategoryControl, log.LayerWire)
	ctrl := &log.ControlMsgEvent{Type: msg.MessageType()}
	switch m := msg.(type) {
	case *wire.Ping:
		ctrl.Sequence = m.Sequence
	case *wire.Pong:
		ctrl.Sequence = m.Sequence
	case *wire.Close:
		reason := uint8(m.Reason)
		ctrl.CloseReason = &reason
	}
	ev.ControlMsg = ctrl
	c.config.Logger.Log(ev)
}

func (c *Conn) logState(from, to ConnState, reason string) {
	if c.config.Logger == nil {
		return
	}
	ev := c.event(log.DirectionOut, log.CategoryState, log.LayerTransport)
	ev.StateChange = &log.StateChangeEvent{
		Entity:   log.StateEntityConnection,
		OldState: from.String(),
		NewState: to.String(),
		Reason:   reason,
	}
	c.config.Logger.Log(ev)
}

func (c *Conn) logError(err error) {
	if c.config.Logger == nil {
		return
	}
	ev := c.event(log.DirectionIn, log.CategoryError, log.LayerTransport)
	ev.Error = &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error()}
	c.config.Logger.Log(ev)
}

type discardHandler struct{}

func (discardHandler) OnData(*wire.Data) {}
func (discardHandler) OnClosed(error)    {}
