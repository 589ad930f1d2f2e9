package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHandshakeTimeout bounds TLS plus Hello on accepted streams.
const DefaultHandshakeTimeout = 10 * time.Second

// Server errors.
var (
	ErrServerRunning = errors.New("server already running")
	ErrNoOnConnect   = errors.New("OnConnect is required")
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on, e.g. ":8443".
	Address string

	// TLSConfig enables TLS; nil serves plain TCP.
	TLSConfig *tls.Config

	// Conn configures accepted connections.
	Conn ConnConfig

	HandshakeTimeout time.Duration

	// Accept decides on each Hello. See AcceptFunc.
	Accept AcceptFunc

	// OnConnect receives every accepted connection and must Start it.
	OnConnect func(c *Conn)

	// OnError reports accept and handshake failures.
	OnError func(remote net.Addr, err error)
}

// Server accepts tlink connections.
type Server struct {
	config   ServerConfig
	listener net.Listener

	conns   map[*Conn]struct{}
	connsMu sync.Mutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer validates config and creates a stopped server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.OnConnect == nil {
		return nil, ErrNoOnConnect
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{config: config, conns: make(map[*Conn]struct{})}, nil
}

// Start listens on the configured address and accepts in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := s.Serve(ctx, ln); err != nil {
		ln.Close()
		return err
	}
	return nil
}

// Serve accepts on ln in the background. The server owns ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, closes every connection and waits for all
// server goroutines.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	err := s.listener.Close()

	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	var closers sync.WaitGroup
	for _, c := range conns {
		closers.Add(1)
		go func() {
			defer closers.Done()
			_ = c.Close()
		}()
	}
	closers.Wait()
	s.wg.Wait()
	return err
}

// Addr returns the listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.reportError(nil, fmt.Errorf("accept: %w", err))
			continue
		}
		s.wg.Add(1)
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	defer cancel()

	stream := nc
	if s.config.TLSConfig != nil {
		tc := tls.Server(nc, s.config.TLSConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			s.reportError(nc.RemoteAddr(), fmt.Errorf("TLS handshake: %w", err))
			return
		}
		if err := VerifyState(tc.ConnectionState()); err != nil {
			tc.Close()
			s.reportError(nc.RemoteAddr(), err)
			return
		}
		stream = tc
	}

	c, err := ServerHandshake(ctx, stream, s.config.Accept, s.config.Conn)
	if err != nil {
		stream.Close()
		s.reportError(nc.RemoteAddr(), fmt.Errorf("hello: %w", err))
		return
	}

	s.connsMu.Lock()
	if !s.running.Load() {
		s.connsMu.Unlock()
		c.ForceClose()
		return
	}
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	s.config.OnConnect(c)

	<-c.Done()
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *Server) reportError(remote net.Addr, err error) {
	if s.config.OnError != nil {
		s.config.OnError(remote, err)
	}
}
