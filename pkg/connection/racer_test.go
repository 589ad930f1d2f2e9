package connection

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlink-protocol/tlink-go/pkg/proxy"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
)

// dialFunc decides the n-th dial (1-based) to one address. nil connects.
type dialFunc func(ctx context.Context, n int) error

// fakeNet resolves and dials in memory. Connected streams are served by a
// tlink server handshake on the other end of a net.Pipe.
type fakeNet struct {
	mu     sync.Mutex
	hosts  map[string][]string
	dnsErr map[string]error
	routes map[string]dialFunc
	dials  map[string]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		hosts:  make(map[string][]string),
		dnsErr: make(map[string]error),
		routes: make(map[string]dialFunc),
		dials:  make(map[string]int),
	}
}

func (f *fakeNet) host(name string, addrs ...string) { f.hosts[name] = addrs }
func (f *fakeNet) route(addr string, fn dialFunc)    { f.routes[addr] = fn }

func (f *fakeNet) dialCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[addr]
}

func (f *fakeNet) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.dnsErr[host]; ok {
		return nil, err
	}
	addrs, ok := f.hosts[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func (f *fakeNet) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dials[address]++
	n := f.dials[address]
	fn, ok := f.routes[address]
	f.mu.Unlock()

	if !ok {
		return nil, refused()
	}
	if err := fn(ctx, n); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	go func() {
		conn, err := transport.ServerHandshake(context.Background(), server, nil, transport.ConnConfig{})
		if err != nil {
			server.Close()
			return
		}
		_ = conn.Start(nil)
	}()
	return client, nil
}

func connectAfter(d time.Duration) dialFunc {
	return func(ctx context.Context, _ int) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func block(ctx context.Context, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func testConfig(fn *fakeNet) Config {
	return Config{
		Host:     "target.test",
		Port:     8443,
		Timeout:  2 * time.Second,
		Resolver: fn,
		Dialer:   fn,
	}
}

func passthrough(addr string) proxy.Descriptor {
	return proxy.Descriptor{Address: addr, Port: 3128, Method: proxy.MethodPassthrough}
}

func TestRaceSingleWinner(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", connectAfter(500*time.Millisecond))
	fn.route("10.0.0.2:3128", connectAfter(500*time.Millisecond))
	fn.route("10.0.0.3:3128", connectAfter(50*time.Millisecond))

	cfg := testConfig(fn)
	cfg.Timeout = time.Second
	cfg.Flags.DirectConnect = true
	cfg.Proxies = []proxy.Descriptor{passthrough("10.0.0.2"), passthrough("10.0.0.3")}

	r, err := NewRacer(cfg)
	require.NoError(t, err)
	defer r.Close()

	start := time.Now()
	o, err := r.Wait(context.Background())
	require.NoError(t, err)
	defer o.Conn.Close()

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 2, o.Winner)
	require.Len(t, o.Stats, 3)
	assert.Equal(t, StateConnected, o.Stats[2].State)
	assert.Equal(t, 1, o.Stats[2].ProxyIndex)
	assert.Equal(t, "10.0.0.3:3128", o.Stats[2].ResolvedAddress)
	assert.Equal(t, 1, o.Stats[2].ConnectCount)
	for _, i := range []int{0, 1} {
		assert.True(t, o.Stats[i].State.Terminal(), "attempt %d", i)
		assert.NotEqual(t, StateConnected, o.Stats[i].State, "attempt %d", i)
	}
	assert.Equal(t, -1, o.Stats[0].ProxyIndex)

	// The decision is handed out once.
	_, ok := r.Service(0)
	assert.False(t, ok)
}

func TestRaceTotalFailure(t *testing.T) {
	fn := newFakeNet()
	fn.route("10.0.0.9:3128", block)

	cfg := testConfig(fn)
	cfg.Host = "missing.test"
	cfg.Timeout = 300 * time.Millisecond
	cfg.Flags.DirectConnect = true
	cfg.Proxies = []proxy.Descriptor{passthrough("10.0.0.9")}

	r, err := NewRacer(cfg)
	require.NoError(t, err)
	defer r.Close()

	o, err := r.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindDNS, KindOf(err))
	assert.False(t, o.Connected())
	assert.Equal(t, -1, o.Winner)
	assert.Equal(t, KindDNS, o.Kind)

	require.Len(t, o.Stats, 2)
	assert.Equal(t, StateFailed, o.Stats[0].State)
	assert.Equal(t, KindDNS, o.Stats[0].Kind)
	assert.Equal(t, StateFailed, o.Stats[1].State)
	assert.Equal(t, KindTimeout, o.Stats[1].Kind)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("racer not done after failure")
	}
}

func TestRaceNoDirect(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", connectAfter(0))
	fn.route("10.0.0.2:3128", connectAfter(20*time.Millisecond))

	cfg := testConfig(fn)
	cfg.Flags.NoDirect = true
	cfg.Flags.DirectConnect = true
	cfg.Proxies = []proxy.Descriptor{passthrough("10.0.0.2")}

	conn, stats, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].ProxyIndex)
	assert.False(t, stats[0].Direct())
	assert.Zero(t, fn.dialCount("10.0.0.1:8443"), "direct path must not be dialled")
}

func TestRaceNoCandidates(t *testing.T) {
	cfg := testConfig(newFakeNet())
	cfg.Flags.NoDirect = true

	_, err := NewRacer(cfg)
	require.ErrorIs(t, err, ErrNoCandidates)
	assert.Equal(t, KindResource, KindOf(err))
}

func TestRaceCandidateOrder(t *testing.T) {
	proxies := []proxy.Descriptor{passthrough("a"), passthrough("b"), passthrough("c")}

	tests := []struct {
		name  string
		flags Flags
		want  []int // proxy index per candidate, -1 direct
	}{
		{"direct only", Flags{}, []int{-1}},
		{"proxies replace direct", Flags{}, []int{0, 1, 2}},
		{"direct and proxies", Flags{DirectConnect: true}, []int{-1, 0, 1, 2}},
		{"first proxy only", Flags{DirectConnect: true, FirstProxyOnly: true}, []int{-1, 0}},
		{"no direct", Flags{NoDirect: true, DirectConnect: true}, []int{0, 1, 2}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Host: "h", Port: 1, Flags: tt.flags}
			if i > 0 {
				cfg.Proxies = proxies
			}
			var got []int
			for j, c := range cfg.candidates() {
				assert.Equal(t, j, c.index)
				got = append(got, c.proxyIndex)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRaceKeepOthers(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", connectAfter(10*time.Millisecond))
	fn.route("10.0.0.2:3128", connectAfter(80*time.Millisecond))

	cfg := testConfig(fn)
	cfg.Flags.DirectConnect = true
	cfg.Flags.KeepOthers = true
	cfg.Proxies = []proxy.Descriptor{passthrough("10.0.0.2")}

	r, err := NewRacer(cfg)
	require.NoError(t, err)
	defer r.Close()

	first, ok := r.Service(time.Second)
	require.True(t, ok)
	require.True(t, first.Connected())
	assert.False(t, first.Extra)
	assert.Equal(t, 0, first.Winner)
	defer first.Conn.Close()

	second, ok := r.Service(time.Second)
	require.True(t, ok)
	require.True(t, second.Connected())
	assert.True(t, second.Extra)
	assert.Equal(t, 1, second.Winner)
	defer second.Conn.Close()

	<-r.Done()
	stats := r.Stats()
	assert.Equal(t, StateConnected, stats[0].State)
	assert.Equal(t, StateConnected, stats[1].State)
}

// gatedHandshaker completes the Hello exchange, then holds each attempt
// until every attempt has completed one.
type gatedHandshaker struct {
	HelloHandshaker
	all sync.WaitGroup
}

func (g *gatedHandshaker) Handshake(ctx context.Context, nc net.Conn, info HandshakeInfo) (*transport.Conn, error) {
	conn, err := g.HelloHandshaker.Handshake(ctx, nc, info)
	g.all.Done()
	if err != nil {
		return nil, err
	}
	g.all.Wait()
	return conn, nil
}

func TestRaceSimultaneousCompletion(t *testing.T) {
	for i := 0; i < 20; i++ {
		fn := newFakeNet()
		fn.host("target.test", "10.0.0.1")
		fn.route("10.0.0.1:8443", connectAfter(0))
		fn.route("10.0.0.2:3128", connectAfter(0))

		g := &gatedHandshaker{}
		g.all.Add(2)

		cfg := testConfig(fn)
		cfg.Flags.DirectConnect = true
		cfg.Proxies = []proxy.Descriptor{passthrough("10.0.0.2")}
		cfg.Handshaker = g

		r, err := NewRacer(cfg)
		require.NoError(t, err)

		o, err := r.Wait(context.Background())
		require.NoError(t, err)
		require.True(t, o.Connected())

		<-r.Done()
		for _, stats := range [][]Stats{o.Stats, r.Stats()} {
			require.Len(t, stats, 2)
			connected := 0
			for _, st := range stats {
				if st.State == StateConnected {
					connected++
				}
			}
			assert.Equal(t, 1, connected, "run %d", i)
			assert.Equal(t, StateConnected, stats[o.Winner].State, "run %d", i)
			assert.Equal(t, StateCancelled, stats[1-o.Winner].State, "run %d", i)
		}

		_, ok := r.Service(0)
		assert.False(t, ok, "run %d", i)

		o.Conn.Close()
		r.Close()
	}
}

func TestDialReturnsBeforeLosersUnwind(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", connectAfter(10*time.Millisecond))
	// Ignores cancellation well past the grace period.
	fn.route("10.0.0.2:3128", func(context.Context, int) error {
		time.Sleep(time.Second)
		return refused()
	})

	cfg := testConfig(fn)
	cfg.Flags.DirectConnect = true
	cfg.Proxies = []proxy.Descriptor{passthrough("10.0.0.2")}
	cfg.CancelGrace = 500 * time.Millisecond

	start := time.Now()
	conn, stats, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	assert.Less(t, time.Since(start), 300*time.Millisecond)
	require.Len(t, stats, 2)
	assert.Equal(t, StateConnected, stats[0].State)
	assert.Equal(t, StateCancelled, stats[1].State)
}

func TestRaceCustomSNIAfterDelay(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", func(ctx context.Context, n int) error {
		if n == 1 {
			return block(ctx, n)
		}
		return nil
	})

	cfg := testConfig(fn)
	cfg.Flags.TryCustomSNI = true
	cfg.CustomSNI = "front.test"
	cfg.CustomSNIDelay = 50 * time.Millisecond

	r, err := NewRacer(cfg)
	require.NoError(t, err)
	defer r.Close()

	o, err := r.Wait(context.Background())
	require.NoError(t, err)
	defer o.Conn.Close()

	assert.Equal(t, 1, o.Winner)
	require.Len(t, o.Stats, 2)
	assert.True(t, o.Stats[1].CustomSNI)
	assert.Equal(t, -1, o.Stats[1].ProxyIndex)
	assert.Equal(t, StateCancelled, o.Stats[0].State)
	assert.Equal(t, KindNone, o.Stats[0].Kind)
}

func TestRaceCustomSNIAfterPrimariesFail(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", func(ctx context.Context, n int) error {
		if n == 1 {
			return refused()
		}
		return nil
	})

	cfg := testConfig(fn)
	cfg.Flags.TryCustomSNI = true
	cfg.CustomSNI = "front.test"
	cfg.CustomSNIDelay = time.Minute

	start := time.Now()
	conn, stats, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, stats, 2)
	assert.Equal(t, StateFailed, stats[0].State)
	assert.Equal(t, KindConnect, stats[0].Kind)
	assert.Equal(t, StateConnected, stats[1].State)
}

func TestRaceCustomSNIPolicy(t *testing.T) {
	tests := []struct {
		policy CustomSNIPolicy
		winner int
	}{
		{CustomSNIPeer, 1},
		{CustomSNISubordinate, 0},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			fn := newFakeNet()
			fn.host("target.test", "10.0.0.1")
			fn.route("10.0.0.1:8443", func(ctx context.Context, n int) error {
				if n == 1 {
					return connectAfter(300*time.Millisecond)(ctx, n)
				}
				return nil
			})

			cfg := testConfig(fn)
			cfg.Flags.TryCustomSNI = true
			cfg.CustomSNI = "front.test"
			cfg.CustomSNIDelay = 20 * time.Millisecond
			cfg.CustomSNIPolicy = tt.policy

			conn, stats, err := Dial(context.Background(), cfg)
			require.NoError(t, err)
			defer conn.Close()
			assert.Equal(t, StateConnected, stats[tt.winner].State)
			assert.Equal(t, tt.winner == 1, stats[tt.winner].CustomSNI)
			if tt.policy == CustomSNISubordinate {
				// The held custom-SNI connection lost to the primary.
				assert.Equal(t, StateCancelled, stats[1].State)
			}
		})
	}
}

type raceRecorder struct {
	mu     sync.Mutex
	won    []int
	failed []ErrorKind
	done   chan struct{}
}

func (r *raceRecorder) OnRaceWon(conn *transport.Conn, _ []Stats, winner int) {
	r.mu.Lock()
	r.won = append(r.won, winner)
	r.mu.Unlock()
	conn.Close()
}

func (r *raceRecorder) OnRaceFailed(_ []Stats, kind ErrorKind) {
	r.mu.Lock()
	r.failed = append(r.failed, kind)
	r.mu.Unlock()
}

func TestRaceRunDeliversOnce(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1", "10.0.0.5")
	fn.route("10.0.0.5:8443", connectAfter(0))

	r, err := NewRacer(testConfig(fn))
	require.NoError(t, err)

	rec := &raceRecorder{}
	require.NoError(t, r.Run(context.Background(), rec))

	// Run returns once every attempt has ended.
	assert.Equal(t, []int{0}, rec.won)
	assert.Empty(t, rec.failed)
	stats := r.Stats()
	assert.Equal(t, 2, stats[0].ConnectCount, "first address refused, second accepted")
	assert.Equal(t, "10.0.0.5:8443", stats[0].ResolvedAddress)

	_, ok := r.Service(10 * time.Millisecond)
	assert.False(t, ok)
	require.NoError(t, r.Close())
}

func TestRaceRunFailure(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")

	r, err := NewRacer(testConfig(fn))
	require.NoError(t, err)

	rec := &raceRecorder{}
	require.NoError(t, r.Run(context.Background(), rec))
	assert.Empty(t, rec.won)
	assert.Equal(t, []ErrorKind{KindConnect}, rec.failed)
}

func TestRaceCloseCancelsAttempts(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", block)

	r, err := NewRacer(testConfig(fn))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.ErrorIs(t, r.Start(context.Background()), ErrStarted)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	select {
	case <-r.Decided():
	case <-time.After(time.Second):
		t.Fatal("Close did not settle the race")
	}
	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StateCancelled, stats[0].State)
}

func TestRaceParentContextCancel(t *testing.T) {
	fn := newFakeNet()
	fn.host("target.test", "10.0.0.1")
	fn.route("10.0.0.1:8443", block)

	r, err := NewRacer(testConfig(fn))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	o, err := r.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateCancelled, o.Stats[0].State)
}
