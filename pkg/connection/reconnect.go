package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/transport"
)

// ErrLinkClosed is returned when starting a closed Link.
var ErrLinkClosed = errors.New("link closed")

// LinkState is the lifecycle of a Link.
type LinkState uint8

const (
	LinkIdle LinkState = iota
	LinkRacing
	LinkUp
	LinkBackoff
	LinkClosed
)

// String returns the state name.
func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "IDLE"
	case LinkRacing:
		return "RACING"
	case LinkUp:
		return "UP"
	case LinkBackoff:
		return "BACKOFF"
	case LinkClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// LinkCallbacks are invoked from the Link goroutine. OnUp must start the
// connection (transport.Conn.Start) for losses to be noticed.
type LinkCallbacks struct {
	OnUp    func(conn *transport.Conn, stats []Stats)
	OnDown  func(err error)
	OnRetry func(attempt int, delay time.Duration, kind ErrorKind)
	OnState func(from, to LinkState)
}

// Link keeps a connection to one target. Each loss or failed race is
// followed by a backoff delay and a fresh race; a connected race resets
// the backoff.
type Link struct {
	config    Config
	backoff   *Backoff
	callbacks LinkCallbacks

	mu      sync.Mutex
	state   LinkState
	started bool
	conn    *transport.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLink validates config and prepares a Link.
func NewLink(config Config, backoff BackoffConfig, callbacks LinkCallbacks) (*Link, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		config:    config,
		backoff:   NewBackoffWithConfig(backoff),
		callbacks: callbacks,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// State returns the current state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Conn returns the current connection, nil unless LinkUp.
func (l *Link) Conn() *transport.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Start launches the first race in the background.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return ErrLinkClosed
	}
	if l.started {
		return ErrStarted
	}
	l.started = true
	l.wg.Add(1)
	go l.loop()
	return nil
}

// Close stops racing and closes the current connection.
func (l *Link) Close() {
	if l.setState(LinkClosed) == LinkClosed {
		return
	}
	l.cancel()
	l.wg.Wait()
}

func (l *Link) loop() {
	defer l.wg.Done()

	kind := KindNone
	for pass := 0; ; pass++ {
		if pass > 0 && !l.pause(kind) {
			return
		}

		l.setState(LinkRacing)
		conn, stats, err := Dial(l.ctx, l.config)
		if l.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			kind = KindOf(err)
			continue
		}
		kind = KindNone

		l.backoff.Reset()
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.setState(LinkUp)
		if l.callbacks.OnUp != nil {
			l.callbacks.OnUp(conn, stats)
		}

		select {
		case <-conn.Done():
			l.mu.Lock()
			l.conn = nil
			l.mu.Unlock()
			if l.callbacks.OnDown != nil {
				l.callbacks.OnDown(conn.Err())
			}
		case <-l.ctx.Done():
			conn.Close()
			return
		}
	}
}

// pause waits out the next backoff delay. It returns false when the Link
// was closed meanwhile.
func (l *Link) pause(kind ErrorKind) bool {
	delay := l.backoff.Next()
	l.setState(LinkBackoff)
	if l.callbacks.OnRetry != nil {
		l.callbacks.OnRetry(l.backoff.Attempts(), delay, kind)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// setState moves to state unless closed and returns the previous state.
func (l *Link) setState(state LinkState) LinkState {
	l.mu.Lock()
	old := l.state
	if old == LinkClosed || old == state {
		l.mu.Unlock()
		return old
	}
	l.state = state
	l.mu.Unlock()

	if l.callbacks.OnState != nil {
		l.callbacks.OnState(old, state)
	}
	return old
}
