package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/proxy"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// State is the stage an attempt is in.
type State uint8

const (
	StateIdle State = iota
	StateResolve
	StateTCPConnect
	StateProxyHandshake
	StateTLSHandshake
	StateProtocolHandshake
	StateConnected
	StateFailed
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateResolve:
		return "RESOLVE"
	case StateTCPConnect:
		return "TCP_CONNECT"
	case StateProxyHandshake:
		return "PROXY_HANDSHAKE"
	case StateTLSHandshake:
		return "TLS_HANDSHAKE"
	case StateProtocolHandshake:
		return "PROTOCOL_HANDSHAKE"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateConnected || s == StateFailed || s == StateCancelled
}

// Stats is a snapshot of one attempt.
type Stats struct {
	Index      int
	ProxyIndex int // -1 for the direct path
	State      State
	Kind       ErrorKind

	DNSTime time.Duration
	// TCPConnectTime includes the proxy handshake.
	TCPConnectTime time.Duration
	// HandshakeResponseTime covers TLS and the Hello exchange.
	HandshakeResponseTime time.Duration

	ConnectCount    int
	LastError       error
	ResolvedAddress string
	IsIPv6          bool
	UsedSNIOverride bool

	// CustomSNI marks the delayed custom-SNI attempt.
	CustomSNI bool
}

// Direct reports whether the attempt went without a proxy.
func (s Stats) Direct() bool { return s.ProxyIndex < 0 }

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d ", s.Index)
	if s.Direct() {
		b.WriteString("direct")
	} else {
		fmt.Fprintf(&b, "proxy[%d]", s.ProxyIndex)
	}
	if s.CustomSNI {
		b.WriteString(" custom-sni")
	}
	fmt.Fprintf(&b, " %s", s.State)
	if s.State == StateFailed {
		fmt.Fprintf(&b, "(%s)", s.Kind)
	}
	if s.ResolvedAddress != "" {
		fmt.Fprintf(&b, " addr=%s", s.ResolvedAddress)
	}
	fmt.Fprintf(&b, " dns=%s tcp=%s hs=%s tries=%d",
		s.DNSTime.Round(time.Microsecond),
		s.TCPConnectTime.Round(time.Microsecond),
		s.HandshakeResponseTime.Round(time.Microsecond),
		s.ConnectCount)
	if s.LastError != nil {
		fmt.Fprintf(&b, " err=%q", s.LastError.Error())
	}
	return b.String()
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens streams. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// HandshakeInfo describes the attempt a Handshaker runs for.
type HandshakeInfo struct {
	Index      int
	ProxyIndex int
	Host       string
	Port       uint16
	Path       string
	Method     string
	Logger     log.Logger
}

// Handshaker runs the protocol handshake on a stream that is connected,
// and secured when the race is. On error the stream is closed by the caller.
type Handshaker interface {
	Handshake(ctx context.Context, nc net.Conn, info HandshakeInfo) (*transport.Conn, error)
}

// HelloHandshaker runs the tlink Hello exchange.
type HelloHandshaker struct {
	// Prepare, when set, completes each Hello before it is sent.
	Prepare func(hello *wire.Hello)

	// Conn configures the resulting connections. Target and a nil Logger
	// are filled in per attempt.
	Conn transport.ConnConfig
}

// Handshake implements Handshaker.
func (h *HelloHandshaker) Handshake(ctx context.Context, nc net.Conn, info HandshakeInfo) (*transport.Conn, error) {
	hello := &wire.Hello{Host: info.Host, Path: info.Path, Method: info.Method}
	if h.Prepare != nil {
		h.Prepare(hello)
	}
	config := h.Conn
	config.Target = joinHostPort(info.Host, info.Port)
	if config.Logger == nil {
		config.Logger = info.Logger
	}
	return transport.ClientHandshake(ctx, nc, hello, config)
}

var (
	defaultResolver Resolver = net.DefaultResolver
	defaultDialer   Dialer   = &net.Dialer{KeepAlive: 30 * time.Second}
)

// attempt drives one candidate through the stages.
type attempt struct {
	cand   candidate
	config *Config
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger log.Logger

	// claim, when set, decides whether a completed handshake may enter
	// StateConnected and performs the transition.
	claim func(a *attempt, conn *transport.Conn) bool

	mu         sync.Mutex
	stats      Stats
	stageStart time.Time
}

func newAttempt(parent context.Context, c candidate, config *Config) *attempt {
	ctx, cancel := context.WithCancelCause(parent)
	return &attempt{
		cand:   c,
		config: config,
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
		stats: Stats{
			Index:      c.index,
			ProxyIndex: c.proxyIndex,
			CustomSNI:  c.customSNI,
		},
	}
}

// Stats returns a copy of the current statistics.
func (a *attempt) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// run executes every stage. It returns the connection only if the attempt
// reached StateConnected; every other outcome is recorded in the stats.
func (a *attempt) run() *transport.Conn {
	ctx := a.ctx
	cfg := a.config

	host, port := cfg.Host, cfg.Port
	if p := a.cand.proxy; p != nil {
		host, port = p.Address, p.Port
	}

	// Resolve
	if !a.enter(StateResolve) {
		return nil
	}
	stageCtx, cancel := context.WithTimeout(ctx, cfg.DNSTimeout)
	addrs, err := a.resolve(stageCtx, host)
	cancel()
	a.update(func(s *Stats) { s.DNSTime = time.Since(a.stageStart) })
	if err != nil {
		a.fail(StateResolve, err)
		return nil
	}

	// TCP connect, then the proxy when there is one.
	connectStart := time.Now()
	if !a.enter(StateTCPConnect) {
		return nil
	}
	stageCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	nc, err := a.connect(stageCtx, addrs, port)
	if err != nil {
		a.fail(StateTCPConnect, err)
		return nil
	}

	if p := a.cand.proxy; p != nil && !cfg.Flags.SNIPassthrough && p.Method != proxy.MethodPassthrough {
		if !a.enter(StateProxyHandshake) {
			nc.Close()
			return nil
		}
		tunnel, err := proxy.Handshake(stageCtx, nc, *p, cfg.Target())
		if err != nil {
			nc.Close()
			a.fail(StateProxyHandshake, err)
			return nil
		}
		nc = tunnel
	}
	a.update(func(s *Stats) { s.TCPConnectTime = time.Since(connectStart) })

	// TLS and the protocol handshake share one budget.
	handshakeStart := time.Now()
	hsCtx, hsCancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer hsCancel()

	if cfg.Flags.Secure {
		if !a.enter(StateTLSHandshake) {
			nc.Close()
			return nil
		}
		tc, err := a.secure(hsCtx, nc)
		if err != nil {
			nc.Close()
			a.fail(StateTLSHandshake, err)
			return nil
		}
		nc = tc
	}

	if !a.enter(StateProtocolHandshake) {
		nc.Close()
		return nil
	}
	info := HandshakeInfo{
		Index:      a.cand.index,
		ProxyIndex: a.cand.proxyIndex,
		Host:       cfg.Host,
		Port:       cfg.Port,
		Path:       cfg.Path,
		Method:     cfg.Method,
		Logger:     a.logger,
	}
	if p := a.cand.proxy; p != nil && p.Path != "" {
		info.Path = p.Path
	}
	conn, err := cfg.Handshaker.Handshake(hsCtx, nc, info)
	if err != nil {
		nc.Close()
		a.fail(StateProtocolHandshake, err)
		return nil
	}
	a.update(func(s *Stats) { s.HandshakeResponseTime = time.Since(handshakeStart) })

	if !a.settle(conn) {
		// Decided against while the handshake completed.
		conn.ForceClose()
		return nil
	}
	return conn
}

func (a *attempt) resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return []string{ip.String()}, nil
	}
	addrs, err := a.config.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// connect tries each address in resolver order until one accepts.
func (a *attempt) connect(ctx context.Context, addrs []string, port uint16) (net.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		address := joinHostPort(addr, port)
		a.update(func(s *Stats) { s.ConnectCount++ })
		nc, err := a.config.Dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			ip := net.ParseIP(addr)
			a.update(func(s *Stats) {
				s.ResolvedAddress = address
				s.IsIPv6 = ip != nil && ip.To4() == nil
			})
			return nc, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

func (a *attempt) secure(ctx context.Context, nc net.Conn) (net.Conn, error) {
	cfg := a.config
	opts := transport.ClientTLSOptions{
		Host:               cfg.Host,
		DisableSNI:         cfg.Flags.DisableSNI,
		RootCAs:            cfg.RootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	override := cfg.Flags.SNIOverride || a.cand.customSNI
	switch {
	case override:
		opts.ServerName = cfg.CustomSNI
		opts.DisableSNI = false
	case cfg.Flags.SNIPassthrough && a.cand.proxy != nil:
		// The proxy routes on SNI, so it must name the target.
		opts.DisableSNI = false
	}
	a.update(func(s *Stats) { s.UsedSNIOverride = override })
	a.logStage(StateTLSHandshake, KindNone, 0, opts.SNI())

	tc := tls.Client(nc, transport.NewClientTLSConfig(opts))
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	if err := transport.VerifyState(tc.ConnectionState()); err != nil {
		return nil, err
	}
	return tc, nil
}

// enter moves to a non-terminal stage. It returns false when the attempt
// was already ended from outside.
func (a *attempt) enter(state State) bool {
	a.mu.Lock()
	if a.stats.State.Terminal() {
		a.mu.Unlock()
		return false
	}
	var elapsed time.Duration
	if !a.stageStart.IsZero() {
		elapsed = time.Since(a.stageStart)
	}
	a.stats.State = state
	a.stageStart = time.Now()
	a.mu.Unlock()

	if state != StateTLSHandshake {
		a.logStage(state, KindNone, elapsed, "")
	}
	return true
}

// fail records err raised in stage. A context cancelled by the racer ends
// the attempt as cancelled instead.
func (a *attempt) fail(stage State, err error) {
	if cause := context.Cause(a.ctx); errors.Is(cause, ErrCancelled) || errors.Is(cause, context.Canceled) {
		a.finish(StateCancelled, KindNone, ErrCancelled)
		return
	}
	kind := Classify(stage, err)
	if a.ctx.Err() != nil {
		kind = KindTimeout
	}
	a.finish(StateFailed, kind, &AttemptError{Kind: kind, Stage: stage, Err: err})
}

// finish makes a terminal transition. Terminal states never change, so
// only the first call has an effect.
func (a *attempt) finish(state State, kind ErrorKind, err error) bool {
	a.mu.Lock()
	if a.stats.State.Terminal() {
		a.mu.Unlock()
		return false
	}
	elapsed := time.Since(a.stageStart)
	a.stats.State = state
	a.stats.Kind = kind
	if err != nil {
		a.stats.LastError = err
	}
	a.mu.Unlock()

	a.logStage(state, kind, elapsed, "")
	if state != StateConnected {
		a.cancel(ErrCancelled)
	}
	return true
}

// settle ends an attempt whose handshake completed.
func (a *attempt) settle(conn *transport.Conn) bool {
	if a.claim != nil {
		return a.claim(a, conn)
	}
	return a.finish(StateConnected, KindNone, nil)
}

// revoke cancels a connected attempt whose connection was never handed
// out.
func (a *attempt) revoke() {
	a.mu.Lock()
	if a.stats.State != StateConnected {
		a.mu.Unlock()
		return
	}
	a.stats.State = StateCancelled
	a.stats.LastError = ErrCancelled
	a.mu.Unlock()

	a.logStage(StateCancelled, KindNone, 0, "")
	a.cancel(ErrCancelled)
}

func (a *attempt) update(fn func(*Stats)) {
	a.mu.Lock()
	fn(&a.stats)
	a.mu.Unlock()
}

func (a *attempt) logStage(state State, kind ErrorKind, elapsed time.Duration, sni string) {
	s := a.Stats()
	ev := &log.AttemptEvent{
		Index:           s.Index,
		ProxyIndex:      s.ProxyIndex,
		State:           state.String(),
		Elapsed:         elapsed,
		ResolvedAddress: s.ResolvedAddress,
		ConnectCount:    s.ConnectCount,
		SNI:             sni,
	}
	if kind != KindNone {
		ev.Kind = kind.String()
	}
	a.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerRacer,
		Category:  log.CategoryAttempt,
		LocalRole: log.RoleClient,
		Target:    a.config.Target(),
		Attempt:   ev,
	})
}

func joinHostPort(host string, port uint16) string {
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(int(port)))
}
