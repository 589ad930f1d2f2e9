package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tlink-protocol/tlink-go/pkg/cert"
	"github.com/tlink-protocol/tlink-go/pkg/config"
	"github.com/tlink-protocol/tlink-go/pkg/cryptokey"
	"github.com/tlink-protocol/tlink-go/pkg/discovery"
	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/session"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
)

// RelayPath selects relaying: data received on a session with this path is
// forwarded to every other relay session. Any other path echoes.
const RelayPath = "/relay"

// server is an echo and relay endpoint.
type server struct {
	cfg       config.ServerConfig
	logger    zerolog.Logger
	protoLog  log.Logger
	logFile   *log.FileLogger
	responder *session.Responder
	tls       *tls.Config
	transport *transport.Server

	advertiser  discovery.Advertiser
	fingerprint string

	mu       sync.Mutex
	sessions map[*session.Session]string
}

func newServer(cfg config.ServerConfig, logger zerolog.Logger) (*server, error) {
	s := &server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[*session.Session]string),
	}

	loggers := []log.Logger{log.NewZerologAdapter(logger)}
	if cfg.Log.Filename != "" {
		s.logFile = log.NewRotatingFileLogger(cfg.Log)
		loggers = append(loggers, s.logFile)
	}
	s.protoLog = log.NewMultiLogger(loggers...)

	key, err := s.boxKey()
	if err != nil {
		return nil, fmt.Errorf("box key: %w", err)
	}
	s.responder, err = session.NewResponder(key, cfg.Boxes...)
	if err != nil {
		return nil, err
	}
	s.responder.Require = cfg.RequireBox

	if !cfg.Plain {
		certificate, err := s.certificate()
		if err != nil {
			return nil, fmt.Errorf("certificate: %w", err)
		}
		s.fingerprint = discovery.FingerprintFromDER(certificate.Certificate[0])
		if s.tls, err = transport.NewServerTLSConfig(certificate); err != nil {
			return nil, err
		}
	}

	s.transport, err = transport.NewServer(transport.ServerConfig{
		Address:   cfg.Address,
		TLSConfig: s.tls,
		Conn: transport.ConnConfig{
			KeepAlive: cfg.KeepAlive,
			Logger:    s.protoLog,
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
		Accept:           s.responder.Answer,
		OnConnect:        s.onConnect,
		OnError: func(remote net.Addr, err error) {
			s.logger.Warn().Err(err).Stringer("remote", remote).Msg("handshake failed")
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *server) boxKey() (*cryptokey.Key, error) {
	if s.cfg.KeyRing == "" {
		return cryptokey.GenerateKeyPair(cryptokey.KindX25519)
	}
	return config.LoadOrCreate(s.cfg.KeyRing, s.cfg.KeyName, cryptokey.KindX25519)
}

func (s *server) certificate() (tls.Certificate, error) {
	if s.cfg.CertFile != "" {
		return cert.LoadKeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	}
	s.logger.Info().Strs("hosts", s.cfg.Hosts).Msg("generating self-signed certificate")
	return cert.SelfSigned(s.cfg.Hosts...)
}

func (s *server) start(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	s.logger.Info().
		Stringer("addr", s.transport.Addr()).
		Bool("tls", s.tls != nil).
		Str("fingerprint", s.fingerprint).
		Msg("listening")

	if s.cfg.Advertise {
		if err := s.advertise(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("mDNS advertisement failed")
		}
	}
	return nil
}

func (s *server) advertise(ctx context.Context) error {
	port := 0
	if addr, ok := s.transport.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	if s.advertiser == nil {
		s.advertiser = discovery.NewMDNSAdvertiser(discovery.DefaultAdvertiserConfig())
	}
	return s.advertiser.Advertise(ctx, &discovery.ServerInfo{
		InstanceName: s.cfg.InstanceName,
		Port:         uint16(port),
		Boxes:        s.cfg.Boxes,
		Secure:       s.tls != nil,
		Fingerprint:  s.fingerprint,
		Name:         s.cfg.DisplayName,
	})
}

func (s *server) onConnect(c *transport.Conn) {
	neg := c.Negotiated()
	prot, err := s.responder.Protect(neg)
	if err != nil {
		s.logger.Warn().Err(err).Str("conn", c.ID()).Msg("protection setup failed")
		c.ForceClose()
		return
	}

	sess := session.New(neg.SessionID, c, session.Funcs{
		Message: s.onMessage,
		Close:   s.onClose,
	}, prot)
	sess.SetLogger(s.protoLog)

	s.mu.Lock()
	s.sessions[sess] = neg.Path
	s.mu.Unlock()

	if err := sess.Start(); err != nil {
		s.onClose(sess)
		return
	}
	s.logger.Info().
		Int64("session", neg.SessionID).
		Str("conn", c.ID()).
		Str("path", neg.Path).
		Stringer("box", neg.Box).
		Stringer("remote", c.RemoteAddr()).
		Msg("session opened")
}

func (s *server) onMessage(sess *session.Session, data []byte, binary bool) {
	s.mu.Lock()
	path := s.sessions[sess]
	var peers []*session.Session
	if path == RelayPath {
		for other, p := range s.sessions {
			if other != sess && p == RelayPath {
				peers = append(peers, other)
			}
		}
	}
	s.mu.Unlock()

	if path != RelayPath {
		peers = []*session.Session{sess}
	}
	for _, p := range peers {
		if err := p.Send(data, binary); err != nil {
			s.logger.Debug().Err(err).Int64("session", p.ID()).Msg("send failed")
		}
	}
}

func (s *server) onClose(sess *session.Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if ok {
		s.logger.Info().Int64("session", sess.ID()).AnErr("err", sess.Err()).Msg("session closed")
	}
}

func (s *server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *server) addr() net.Addr { return s.transport.Addr() }

func (s *server) stop() error {
	if s.advertiser != nil {
		_ = s.advertiser.Stop()
	}
	err := s.transport.Stop()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
	return err
}
