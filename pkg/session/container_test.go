package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/cryptokey"
	"github.com/tlink-protocol/tlink-go/pkg/proxy"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// startEchoServer serves sessions that send every message back.
func startEchoServer(t *testing.T) (uint16, <-chan *Session) {
	t.Helper()
	key, err := cryptokey.GenerateKeyPair(cryptokey.KindX25519)
	require.NoError(t, err)
	responder, err := NewResponder(key)
	require.NoError(t, err)

	accepted := make(chan *Session, 8)
	echo := Funcs{Message: func(s *Session, data []byte, binary bool) { _ = s.Send(data, binary) }}

	srv, err := transport.NewServer(transport.ServerConfig{
		Accept: responder.Answer,
		OnConnect: func(c *transport.Conn) {
			prot, err := responder.Protect(c.Negotiated())
			if err != nil {
				c.ForceClose()
				return
			}
			s := New(c.Negotiated().SessionID, c, echo, prot)
			if s.Start() == nil {
				accepted <- s
			}
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(context.Background(), ln))
	t.Cleanup(func() { srv.Stop() })
	return uint16(ln.Addr().(*net.TCPAddr).Port), accepted
}

func loopbackConfig(port uint16) connection.Config {
	cfg := connection.Config{Host: "127.0.0.1", Port: port, Dialer: &net.Dialer{}}
	cfg.Timeout = 3 * time.Second
	return cfg
}

// expectConnected forwards OnConnected calls to the returned channel.
func expectConnected(m *mockObserver) <-chan connected {
	ch := make(chan connected, 4)
	m.On("OnConnected", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ch <- connected{
			session: args.Get(0).(*Session),
			stats:   args.Get(1).([]connection.Stats),
			winner:  args.Int(2),
			active:  args.Bool(3),
		}
	}).Return().Maybe()
	return ch
}

type connected struct {
	session *Session
	stats   []connection.Stats
	winner  int
	active  bool
}

// serviceUntil calls Service until done is ready.
func serviceUntil[T any](t *testing.T, c *Container, done <-chan T) T {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.Service(50 * time.Millisecond)
		select {
		case v := <-done:
			return v
		default:
		}
	}
	t.Fatal("no outcome delivered")
	var zero T
	return zero
}

func TestContainerProtectedEcho(t *testing.T) {
	port, accepted := startEchoServer(t)

	c := NewContainer(nil)
	defer c.Close()

	obs := &mockObserver{}
	up := expectConnected(obs)
	msgs := expectMessages(obs)
	expectClose(obs)

	p, err := c.Create(7, loopbackConfig(port), obs, Options{Box: wire.BoxChaCha20Poly1305})
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ID())

	got := serviceUntil(t, c, up)
	s := got.session
	assert.True(t, got.active)
	assert.Equal(t, 0, got.winner)
	require.Len(t, got.stats, 1)
	assert.Equal(t, connection.StateConnected, got.stats[0].State)
	assert.Equal(t, int64(7), s.ID())
	assert.True(t, s.Protected())
	assert.Equal(t, got.stats, s.Stats())

	peer := recv(t, accepted)
	assert.Equal(t, int64(7), peer.ID())
	assert.True(t, peer.Protected())

	require.NoError(t, s.Send([]byte("echo me"), false))
	m := recv(t, msgs)
	assert.Equal(t, "echo me", string(m.data))
	assert.Equal(t, []*Session{s}, c.Sessions())

	require.NoError(t, s.Close())
	recv(t, s.Done())
	assert.Empty(t, c.Sessions())
}

func TestContainerConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	c := NewContainer(nil)
	defer c.Close()

	obs := &mockObserver{}
	failed := make(chan connection.ErrorKind, 1)
	obs.On("OnConnectFailed", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		failed <- args.Get(1).(connection.ErrorKind)
	}).Return().Once()

	_, err = c.Create(1, loopbackConfig(port), obs, Options{})
	require.NoError(t, err)
	assert.Equal(t, connection.KindConnect, serviceUntil(t, c, failed))
	obs.AssertNotCalled(t, "OnConnected", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestContainerKeepOthers(t *testing.T) {
	port, _ := startEchoServer(t)

	cfg := loopbackConfig(port)
	cfg.Flags = connection.Flags{DirectConnect: true, KeepOthers: true}
	cfg.Proxies = []proxy.Descriptor{{Address: "127.0.0.1", Port: port, Method: proxy.MethodPassthrough}}

	c := NewContainer(nil)
	defer c.Close()

	obs := &mockObserver{}
	up := expectConnected(obs)
	expectClose(obs)
	expectMessages(obs)

	_, err := c.Create(2, cfg, obs, Options{Box: wire.BoxAESGCM})
	require.NoError(t, err)

	first := serviceUntil(t, c, up)
	second := serviceUntil(t, c, up)
	assert.True(t, first.active)
	assert.False(t, second.active)

	// Each session names the attempt it came from.
	assert.ElementsMatch(t, []int{0, 1}, []int{first.winner, second.winner})
	assert.Equal(t, connection.StateConnected, first.stats[first.winner].State)
	assert.Equal(t, connection.StateConnected, second.stats[second.winner].State)
	assert.Equal(t, -1, first.stats[0].ProxyIndex)
	if second.winner == 1 {
		assert.Equal(t, 0, second.stats[1].ProxyIndex)
	}
	assert.NotEqual(t, first.session.ConnectionID(), second.session.ConnectionID())
	assert.Len(t, c.Sessions(), 2)

	// Every connection bound its own keys.
	for _, s := range []*Session{first.session, second.session} {
		assert.True(t, s.Protected())
		require.NoError(t, s.Send([]byte("x"), true))
	}
}

func TestContainerRunAndClose(t *testing.T) {
	port, _ := startEchoServer(t)

	c := NewContainer(nil)
	obs := &mockObserver{}
	up := expectConnected(obs)
	closed := expectClose(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	_, err := c.Create(3, loopbackConfig(port), obs, Options{})
	require.NoError(t, err)
	s := recv(t, up).session

	require.NoError(t, c.Close())
	assert.Same(t, s, recv(t, closed))
	assert.ErrorIs(t, recv(t, runErr), ErrContainerClosed)
	obs.AssertNumberOfCalls(t, "OnClose", 1)

	_, err = c.Create(4, loopbackConfig(port), obs, Options{})
	assert.ErrorIs(t, err, ErrContainerClosed)
}

func TestContainerCreateErrors(t *testing.T) {
	c := NewContainer(nil)
	defer c.Close()

	// The listener never answers the Hello, so the race stays pending.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	blocked := loopbackConfig(uint16(ln.Addr().(*net.TCPAddr).Port))
	blocked.Timeout = 10 * time.Second

	_, err = c.Create(1, blocked, nil, Options{})
	require.NoError(t, err)
	_, err = c.Create(1, blocked, nil, Options{})
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 1, c.PendingCount())

	_, err = c.Create(2, blocked, nil, Options{Box: wire.BoxKind(9)})
	assert.ErrorIs(t, err, ErrUnsupportedBox)

	noPath := blocked
	noPath.Flags.NoDirect = true
	_, err = c.Create(3, noPath, nil, Options{})
	assert.ErrorIs(t, err, connection.ErrNoCandidates)
}

func TestContainerTrigger(t *testing.T) {
	c := NewContainer(nil)
	defer c.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Trigger()
	}()
	start := time.Now()
	assert.Equal(t, 0, c.Service(5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}
