package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlink-protocol/tlink-go/pkg/config"
	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/cryptokey"
	"github.com/tlink-protocol/tlink-go/pkg/session"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// syncBuffer is a bytes.Buffer safe for the callback goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startEcho runs a plain echo server and returns its port.
func startEcho(t *testing.T) uint16 {
	t.Helper()
	key, err := cryptokey.GenerateKeyPair(cryptokey.KindX25519)
	require.NoError(t, err)
	responder, err := session.NewResponder(key)
	require.NoError(t, err)

	srv, err := transport.NewServer(transport.ServerConfig{
		Address: "127.0.0.1:0",
		Accept:  responder.Answer,
		OnConnect: func(c *transport.Conn) {
			prot, err := responder.Protect(c.Negotiated())
			if err != nil {
				c.ForceClose()
				return
			}
			s := session.New(c.Negotiated().SessionID, c, session.Funcs{
				Message: func(s *session.Session, data []byte, binary bool) {
					_ = s.Send(data, binary)
				},
			}, prot)
			_ = s.Start()
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return uint16(srv.Addr().(*net.TCPAddr).Port)
}

func newTestClient(t *testing.T, port uint16, box wire.BoxKind) (*client, *syncBuffer) {
	t.Helper()
	cfg := connection.Config{Host: "127.0.0.1", Port: port, Path: "/echo", Timeout: 3 * time.Second}
	out := &syncBuffer{}
	c := newClient(cfg, session.Options{Box: box}, nil, out)

	ctx, cancel := context.WithCancel(context.Background())
	go c.run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = c.close()
	})
	return c, out
}

func TestClientCommands(t *testing.T) {
	c, out := newTestClient(t, startEcho(t), wire.BoxAESGCM)
	ctx := context.Background()

	quit, err := c.execute(ctx, "open")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), "[1] connected")
	assert.Contains(t, out.String(), "box=aes-gcm")

	_, err = c.execute(ctx, "send  hello   there ")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[1] < hello   there")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = c.execute(ctx, "hex 01 02ff")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[1] < 0102ff")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = c.execute(ctx, "open /other")
	require.NoError(t, err)
	ids, current := c.list()
	assert.Equal(t, []int64{1, 2}, ids)
	assert.Equal(t, int64(2), current)

	_, err = c.execute(ctx, "use 1")
	require.NoError(t, err)
	_, current = c.list()
	assert.Equal(t, int64(1), current)

	_, err = c.execute(ctx, "close 2")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		ids, _ := c.list()
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)

	quit, err = c.execute(ctx, "quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestClientCommandErrors(t *testing.T) {
	c, _ := newTestClient(t, startEcho(t), wire.BoxNone)
	ctx := context.Background()

	_, err := c.execute(ctx, "send hi")
	assert.ErrorIs(t, err, errNoSession)

	_, err = c.execute(ctx, "use 9")
	assert.ErrorIs(t, err, errUnknownSession)

	for _, line := range []string{"use", "use x", "send", "hex", "hex zz", "close x", "frobnicate"} {
		_, err = c.execute(ctx, line)
		assert.Error(t, err, line)
	}

	quit, err := c.execute(ctx, "   ")
	assert.NoError(t, err)
	assert.False(t, quit)
}

func TestClientConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	c, out := newTestClient(t, port, wire.BoxNone)
	_, err = c.execute(context.Background(), "open")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "[1] connect failed")
}

func TestOneShot(t *testing.T) {
	c, out := newTestClient(t, startEcho(t), wire.BoxChaCha20Poly1305)
	require.NoError(t, oneShot(context.Background(), c, "ping", 5*time.Second))
	assert.Contains(t, out.String(), "[1] < ping")
}

func TestApplyOverrides(t *testing.T) {
	p := config.DefaultClientProfile()
	p.Host = "from-profile"
	applyOverrides(p, options{host: "lab.local", port: 9000, path: "/x", box: "aes-gcm", insecure: true, protocolLog: "p.log"})

	assert.Equal(t, "lab.local", p.Host)
	assert.Equal(t, uint16(9000), p.Port)
	assert.Equal(t, "/x", p.Path)
	assert.Equal(t, "aes-gcm", p.Box)
	assert.True(t, p.Insecure)
	assert.Equal(t, "p.log", p.LogFile)

	assert.Equal(t, []string{"direct"}, removeFlag([]string{"secure", "direct", " SECURE"}, "secure"))
}
