// Package proxy opens tunnels through forward proxies. A Descriptor names
// one proxy; Handshake turns a stream connected to that proxy into a stream
// to the target.
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Method is the proxy protocol.
type Method uint8

const (
	MethodHTTPConnect Method = iota
	MethodSOCKS5
	// MethodPassthrough forwards the raw stream; the proxy routes on the
	// TLS SNI of the ClientHello.
	MethodPassthrough
)

// String returns the configuration name of the method.
func (m Method) String() string {
	switch m {
	case MethodHTTPConnect:
		return "http"
	case MethodSOCKS5:
		return "socks5"
	case MethodPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// ErrUnknownMethod is returned by ParseMethod.
var ErrUnknownMethod = errors.New("unknown proxy method")

// ParseMethod accepts the names returned by String plus common aliases.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http", "connect", "http-connect":
		return MethodHTTPConnect, nil
	case "socks5", "socks":
		return MethodSOCKS5, nil
	case "passthrough", "sni":
		return MethodPassthrough, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(b []byte) error {
	parsed, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Descriptor is one forward-proxy candidate path.
type Descriptor struct {
	Address  string
	Port     uint16
	Username string
	Password string

	// Path, when set, replaces the session path in the Hello sent through
	// this proxy.
	Path string

	Method Method
}

// Addr returns the proxy's host:port.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(int(d.Port)))
}

// String renders the descriptor without credentials.
func (d Descriptor) String() string {
	return d.Method.String() + "://" + d.Addr()
}

// Error is a refusal by the proxy itself.
type Error struct {
	Method Method
	Proxy  string
	// Status is the HTTP status for CONNECT, zero otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s proxy %s: status %d", e.Method, e.Proxy, e.Status)
	}
	return fmt.Sprintf("%s proxy %s: %v", e.Method, e.Proxy, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Handshake tunnels conn, already connected to d, to target (host:port).
// The returned conn replaces conn; on error conn is left for the caller to
// close. Blocking I/O is bounded by ctx.
func Handshake(ctx context.Context, conn net.Conn, d Descriptor, target string) (net.Conn, error) {
	switch d.Method {
	case MethodHTTPConnect:
		return httpConnect(ctx, conn, d, target)
	case MethodSOCKS5:
		return socks5(ctx, conn, d, target)
	case MethodPassthrough:
		return conn, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, d.Method)
	}
}

func httpConnect(ctx context.Context, conn net.Conn, d Descriptor, target string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if d.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer func() {
		if stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}()

	if err := req.Write(conn); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("write CONNECT: %w", err))
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("read CONNECT response: %w", err))
	}
	// A 200 body is the tunnel itself; only refusals are drained.
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &Error{Method: MethodHTTPConnect, Proxy: d.Addr(), Status: resp.StatusCode}
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func socks5(ctx context.Context, conn net.Conn, d Descriptor, target string) (net.Conn, error) {
	var auth *xproxy.Auth
	if d.Username != "" {
		auth = &xproxy.Auth{User: d.Username, Password: d.Password}
	}
	dialer, err := xproxy.SOCKS5("tcp", d.Addr(), auth, &connDialer{conn: conn})
	if err != nil {
		return nil, err
	}
	cd, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	tunnel, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxErr(ctx, err)
		}
		return nil, &Error{Method: MethodSOCKS5, Proxy: d.Addr(), Err: err}
	}
	return tunnel, nil
}

// connDialer hands out an already connected stream exactly once.
type connDialer struct {
	conn net.Conn
}

func (c *connDialer) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, addr)
}

func (c *connDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	if c.conn == nil {
		return nil, errors.New("proxy stream already used")
	}
	conn := c.conn
	c.conn = nil
	return conn, nil
}

// bufferedConn keeps bytes the proxy sent right after its response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}
