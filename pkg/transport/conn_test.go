package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

type recordingHandler struct {
	mu     sync.Mutex
	data   []*wire.Data
	closed chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 2)}
}

func (h *recordingHandler) OnData(m *wire.Data) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, m)
}

func (h *recordingHandler) OnClosed(err error) { h.closed <- err }

func (h *recordingHandler) received() []*wire.Data {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*wire.Data(nil), h.data...)
}

func (h *recordingHandler) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.closed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not called")
		return nil
	}
}

// tcpStreams returns both ends of a loopback TCP connection. Unlike
// net.Pipe, writes are buffered, so both sides may write at once.
func tcpStreams(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b := <-accepted
	require.NotNil(t, b)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// pipePair runs both handshakes over net.Pipe.
func pipePair(t *testing.T, hello *wire.Hello, accept AcceptFunc, config ConnConfig) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	return handshakePair(t, a, b, hello, accept, config)
}

func handshakePair(t *testing.T, a, b net.Conn, hello *wire.Hello, accept AcceptFunc, config ConnConfig) (*Conn, *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		c   *Conn
		err error
	}
	srv := make(chan result, 1)
	go func() {
		c, err := ServerHandshake(ctx, b, accept, config)
		srv <- result{c, err}
	}()

	client, err := ClientHandshake(ctx, a, hello, config)
	require.NoError(t, err)
	r := <-srv
	require.NoError(t, r.err)
	return client, r.c
}

func TestHandshakeNegotiates(t *testing.T) {
	salt := []byte("0123456789abcdef")
	accept := func(h *wire.Hello) *wire.HelloAck {
		return &wire.HelloAck{Status: wire.HelloAccepted, Box: h.Box, PublicKey: []byte("server-key")}
	}
	client, server := pipePair(t, &wire.Hello{
		Host:      "example.org",
		Path:      "/chat",
		Method:    "GET",
		SessionID: 42,
		Box:       wire.BoxChaCha20Poly1305,
		PublicKey: []byte("client-key"),
		Salt:      salt,
	}, accept, ConnConfig{})
	defer client.ForceClose()
	defer server.ForceClose()

	cn := client.Negotiated()
	assert.Equal(t, "1.0", cn.Version)
	assert.Equal(t, wire.BoxChaCha20Poly1305, cn.Box)
	assert.Equal(t, []byte("server-key"), cn.PeerPublicKey)
	assert.Equal(t, salt, cn.Salt)
	assert.Nil(t, cn.TLS)

	sn := server.Negotiated()
	assert.Equal(t, "example.org", sn.Host)
	assert.Equal(t, "/chat", sn.Path)
	assert.Equal(t, "GET", sn.Method)
	assert.EqualValues(t, 42, sn.SessionID)
	assert.Equal(t, []byte("client-key"), sn.PeerPublicKey)
	assert.NotEqual(t, client.ID(), server.ID())
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name   string
		hello  *wire.Hello
		accept AcceptFunc
		want   wire.HelloStatus
	}{
		{
			name:   "rejected",
			hello:  &wire.Hello{Path: "/x"},
			accept: func(*wire.Hello) *wire.HelloAck { return &wire.HelloAck{Status: wire.HelloNotFound, Reason: "no such path"} },
			want:   wire.HelloNotFound,
		},
		{
			name:  "major mismatch",
			hello: &wire.Hello{Version: "2.0"},
			want:  wire.HelloUnsupportedVersion,
		},
		{
			name:  "protection without accept func",
			hello: &wire.Hello{Box: wire.BoxAESGCM, PublicKey: []byte{1}},
			want:  wire.HelloUnsupportedBox,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			srvErr := make(chan error, 1)
			go func() {
				_, err := ServerHandshake(ctx, b, tt.accept, ConnConfig{})
				srvErr <- err
			}()

			_, err := ClientHandshake(ctx, a, tt.hello, ConnConfig{})
			var hsErr *HandshakeError
			require.ErrorAs(t, err, &hsErr)
			assert.Equal(t, tt.want, hsErr.Status)
			require.ErrorAs(t, <-srvErr, &hsErr)
		})
	}
}

func TestHandshakeProtectionRefused(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go ServerHandshake(ctx, b, func(*wire.Hello) *wire.HelloAck {
		return &wire.HelloAck{Status: wire.HelloAccepted}
	}, ConnConfig{})

	_, err := ClientHandshake(ctx, a, &wire.Hello{Box: wire.BoxAESGCM, PublicKey: []byte{1}}, ConnConfig{})
	assert.ErrorIs(t, err, ErrProtectionRefused)
}

func TestHandshakeTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	// Peer reads the hello and never answers.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ClientHandshake(ctx, a, &wire.Hello{}, ConnConfig{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	assert.True(t, timedOut, "got %v", err)
}

func TestConnDataAndGracefulClose(t *testing.T) {
	logger := &captureLogger{}
	client, server := pipePair(t, &wire.Hello{}, nil, ConnConfig{Logger: logger})

	ch, sh := newRecordingHandler(), newRecordingHandler()
	require.NoError(t, client.Start(ch))
	require.NoError(t, server.Start(sh))
	assert.ErrorIs(t, client.Start(ch), ErrAlreadyStarted)

	require.NoError(t, client.Send(&wire.Data{Payload: []byte("ping?"), Binary: true}))
	require.NoError(t, server.Send(&wire.Data{Payload: []byte("pong!")}))

	require.Eventually(t, func() bool {
		return len(sh.received()) == 1 && len(ch.received()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("ping?"), sh.received()[0].Payload)
	assert.True(t, sh.received()[0].Binary)

	require.NoError(t, client.Close())
	assert.NoError(t, ch.waitClosed(t))
	assert.NoError(t, sh.waitClosed(t))
	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, StateClosed, server.State())

	// Idempotent.
	assert.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send(&wire.Data{Payload: []byte("late")}), ErrConnectionClosed)
	select {
	case <-ch.closed:
		t.Error("OnClosed called twice")
	default:
	}

	var states int
	for _, e := range logger.snapshot() {
		if e.StateChange != nil {
			states++
		}
	}
	assert.GreaterOrEqual(t, states, 4)
}

func TestConnPingPong(t *testing.T) {
	ka := KeepAliveConfig{PingInterval: 10 * time.Millisecond, PongTimeout: 50 * time.Millisecond, MaxMissedPongs: 3}
	a, b := tcpStreams(t)
	client, server := handshakePair(t, a, b, &wire.Hello{}, nil, ConnConfig{KeepAlive: ka})
	defer client.ForceClose()
	defer server.ForceClose()

	require.NoError(t, client.Start(nil))
	require.NoError(t, server.Start(nil))

	require.Eventually(t, func() bool {
		return !client.KeepAliveStats().LastPong.IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, client.State())
}

func TestConnPeerVanishes(t *testing.T) {
	client, server := pipePair(t, &wire.Hello{}, nil, ConnConfig{})
	h := newRecordingHandler()
	require.NoError(t, client.Start(h))

	server.nc.Close()
	err := h.waitClosed(t)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, client.Err(), ErrConnectionLost)
}

func TestConnCloseTimeout(t *testing.T) {
	a, b := tcpStreams(t)

	// A peer that answers the hello and then ignores everything.
	go func() {
		f := NewFramer(b, 0)
		if _, err := f.ReadMessage(); err != nil {
			return
		}
		f.WriteMessage(&wire.HelloAck{Status: wire.HelloAccepted, Version: "1.0"})
		for {
			if _, err := f.ReadFrame(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := ClientHandshake(ctx, a, &wire.Hello{}, ConnConfig{CloseTimeout: 30 * time.Millisecond})
	require.NoError(t, err)
	h := newRecordingHandler()
	require.NoError(t, client.Start(h))

	start := time.Now()
	assert.ErrorIs(t, client.Close(), ErrCloseTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateClosed, client.State())
	assert.NoError(t, h.waitClosed(t))
}

func TestConnRoleInEvents(t *testing.T) {
	logger := &captureLogger{}
	client, server := pipePair(t, &wire.Hello{Host: "h"}, nil, ConnConfig{Logger: logger, Target: "h:1"})
	client.ForceClose()
	server.ForceClose()

	var roles = map[log.Role]bool{}
	for _, e := range logger.snapshot() {
		roles[e.LocalRole] = true
	}
	assert.True(t, roles[log.RoleClient])
	assert.True(t, roles[log.RoleServer])
}
