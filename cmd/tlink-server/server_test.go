package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlink-protocol/tlink-go/pkg/config"
	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/session"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

type received struct {
	data   []byte
	binary bool
}

func startServer(t *testing.T, modify func(*config.ServerConfig)) *server {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	if modify != nil {
		modify(&cfg)
	}
	require.NoError(t, cfg.Validate())

	srv, err := newServer(cfg, zerolog.New(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, srv.start(context.Background()))
	t.Cleanup(func() { srv.stop() })
	return srv
}

// dial opens one session to srv and returns it with its inbound messages.
func dial(t *testing.T, srv *server, id int64, path string, secure bool, box wire.BoxKind) (*session.Session, <-chan received) {
	t.Helper()
	c := session.NewContainer(nil)
	t.Cleanup(func() { c.Close() })

	port := uint16(srv.addr().(*net.TCPAddr).Port)
	cfg := connection.Config{Host: "127.0.0.1", Port: port, Path: path, Timeout: 3 * time.Second}
	cfg.Flags.Secure = secure
	cfg.InsecureSkipVerify = secure

	msgs := make(chan received, 16)
	conns := make(chan *session.Session, 1)
	failed := make(chan connection.ErrorKind, 1)
	_, err := c.Create(id, cfg, session.Funcs{
		Connected:     func(s *session.Session, _ []connection.Stats, _ int, _ bool) { conns <- s },
		ConnectFailed: func(_ []connection.Stats, kind connection.ErrorKind) { failed <- kind },
		Message: func(_ *session.Session, data []byte, binary bool) {
			msgs <- received{data: append([]byte(nil), data...), binary: binary}
		},
	}, session.Options{Box: box})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case s := <-conns:
		return s, msgs
	case kind := <-failed:
		t.Fatalf("connect failed: %v", kind)
	case <-ctx.Done():
		t.Fatal("timed out connecting")
	}
	return nil, nil
}

func next(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

func TestServerEchoPlain(t *testing.T) {
	srv := startServer(t, func(c *config.ServerConfig) { c.Plain = true })

	s, msgs := dial(t, srv, 1, "/echo", false, wire.BoxNone)
	require.NoError(t, s.Send([]byte("hello"), false))

	r := next(t, msgs)
	assert.Equal(t, "hello", string(r.data))
	assert.False(t, r.binary)
	assert.Eventually(t, func() bool { return srv.sessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Eventually(t, func() bool { return srv.sessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerEchoTLSProtected(t *testing.T) {
	srv := startServer(t, func(c *config.ServerConfig) {
		c.KeyRing = filepath.Join(t.TempDir(), "ring.yaml")
	})
	require.NotEmpty(t, srv.fingerprint)

	s, msgs := dial(t, srv, 2, "/echo", true, wire.BoxChaCha20Poly1305)
	assert.True(t, s.Protected())

	require.NoError(t, s.Send([]byte{0x01, 0x02}, true))
	r := next(t, msgs)
	assert.Equal(t, []byte{0x01, 0x02}, r.data)
	assert.True(t, r.binary)

	ring, err := config.LoadKeyRing(srv.cfg.KeyRing)
	require.NoError(t, err)
	assert.Equal(t, []string{"server"}, ring.Names())
}

func TestServerRelay(t *testing.T) {
	srv := startServer(t, func(c *config.ServerConfig) { c.Plain = true })

	a, aMsgs := dial(t, srv, 10, RelayPath, false, wire.BoxAESGCM)
	_, bMsgs := dial(t, srv, 11, RelayPath, false, wire.BoxNone)
	require.Eventually(t, func() bool { return srv.sessionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Send([]byte("to everyone"), false))
	assert.Equal(t, "to everyone", string(next(t, bMsgs).data))

	select {
	case r := <-aMsgs:
		t.Fatalf("sender received its own relay message %q", r.data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerRequireBox(t *testing.T) {
	srv := startServer(t, func(c *config.ServerConfig) {
		c.Plain = true
		c.RequireBox = true
	})

	c := session.NewContainer(nil)
	defer c.Close()
	port := uint16(srv.addr().(*net.TCPAddr).Port)

	failed := make(chan connection.ErrorKind, 1)
	_, err := c.Create(1, connection.Config{Host: "127.0.0.1", Port: port, Timeout: 3 * time.Second},
		session.Funcs{ConnectFailed: func(_ []connection.Stats, kind connection.ErrorKind) { failed <- kind }},
		session.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case kind := <-failed:
		assert.Equal(t, connection.KindProtocolHandshake, kind)
	case <-ctx.Done():
		t.Fatal("expected the race to fail")
	}
}

func TestServerProtocolLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.tlog")
	srv := startServer(t, func(c *config.ServerConfig) {
		c.Plain = true
		c.Log.Filename = path
	})

	s, msgs := dial(t, srv, 3, "/echo", false, wire.BoxNone)
	require.NoError(t, s.Send([]byte("logged"), false))
	next(t, msgs)
	require.NoError(t, srv.stop())

	reader, err := log.NewReader(path)
	require.NoError(t, err)
	defer reader.Close()
	_, err = reader.Next()
	assert.NoError(t, err)
}
