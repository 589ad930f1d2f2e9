package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/version"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// Handshake errors.
var (
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrProtectionRefused = errors.New("peer refused payload protection")
)

// HandshakeError is a HelloAck with a non-accepting status.
type HandshakeError struct {
	Status wire.HelloStatus
	Reason string
}

func (e *HandshakeError) Error() string {
	if e.Reason == "" {
		return "hello " + e.Status.String()
	}
	return fmt.Sprintf("hello %s: %s", e.Status, e.Reason)
}

// AcceptFunc decides on a Hello. The returned ack is sent as is, except that
// the transport fills in Version. A nil AcceptFunc accepts every Hello
// without payload protection.
type AcceptFunc func(hello *wire.Hello) *wire.HelloAck

// ClientHandshake sends hello on nc and waits for the HelloAck. The exchange
// is bounded by ctx. On success the returned Conn owns nc; on failure nc is
// left open for the caller to close.
func ClientHandshake(ctx context.Context, nc net.Conn, hello *wire.Hello, config ConnConfig) (*Conn, error) {
	config = config.withDefaults()
	config.Role = log.RoleClient
	if hello.Version == "" {
		hello.Version = version.Current
	}

	id := uuid.New().String()
	framer := NewFramer(nc, config.MaxMessageSize)
	framer.SetLogger(config.Logger, id, log.RoleClient)

	var ack *wire.HelloAck
	err := withDeadline(ctx, nc, func() error {
		if err := framer.WriteMessage(hello); err != nil {
			return err
		}
		msg, err := framer.ReadMessage()
		if err != nil {
			return fmt.Errorf("read hello-ack: %w", err)
		}
		var ok bool
		if ack, ok = msg.(*wire.HelloAck); !ok {
			return fmt.Errorf("%w: %s instead of hello-ack", ErrUnexpectedMessage, msg.MessageType())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ack.Status != wire.HelloAccepted {
		return nil, &HandshakeError{Status: ack.Status, Reason: ack.Reason}
	}
	agreed, err := version.Negotiate(hello.Version, ack.Version)
	if err != nil {
		return nil, err
	}
	if hello.Box != wire.BoxNone && (ack.Box != hello.Box || len(ack.PublicKey) == 0) {
		return nil, ErrProtectionRefused
	}
	if hello.Box == wire.BoxNone && ack.Box != wire.BoxNone {
		return nil, fmt.Errorf("%w: protection %d was not offered", ErrUnexpectedMessage, ack.Box)
	}

	return newConn(id, nc, framer, Negotiated{
		Version:       agreed.String(),
		Host:          hello.Host,
		Path:          hello.Path,
		Method:        hello.Method,
		SessionID:     hello.SessionID,
		Box:           ack.Box,
		PeerPublicKey: ack.PublicKey,
		Salt:          hello.Salt,
		TLS:           tlsState(nc),
	}, config), nil
}

// ServerHandshake reads a Hello from nc, answers it and returns the Conn on
// acceptance. A rejection is answered, then reported as *HandshakeError.
func ServerHandshake(ctx context.Context, nc net.Conn, accept AcceptFunc, config ConnConfig) (*Conn, error) {
	config = config.withDefaults()
	config.Role = log.RoleServer

	id := uuid.New().String()
	framer := NewFramer(nc, config.MaxMessageSize)
	framer.SetLogger(config.Logger, id, log.RoleServer)

	var (
		hello  *wire.Hello
		ack    *wire.HelloAck
		agreed version.Version
	)
	err := withDeadline(ctx, nc, func() error {
		msg, err := framer.ReadMessage()
		if err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
		var ok bool
		if hello, ok = msg.(*wire.Hello); !ok {
			_ = framer.WriteMessage(&wire.Close{Reason: wire.CloseProtocol})
			return fmt.Errorf("%w: %s instead of hello", ErrUnexpectedMessage, msg.MessageType())
		}

		agreed, err = version.Negotiate(version.Current, hello.Version)
		switch {
		case err != nil:
			ack = &wire.HelloAck{Status: wire.HelloUnsupportedVersion, Reason: err.Error()}
		case accept == nil:
			ack = &wire.HelloAck{Status: wire.HelloAccepted}
			if hello.Box != wire.BoxNone {
				ack = &wire.HelloAck{Status: wire.HelloUnsupportedBox}
			}
		default:
			ack = accept(hello)
			if ack == nil {
				ack = &wire.HelloAck{Status: wire.HelloRejected}
			}
		}
		ack.Version = version.Current
		if ack.Status == wire.HelloAccepted {
			ack.Version = agreed.String()
		}
		return framer.WriteMessage(ack)
	})
	if err != nil {
		return nil, err
	}
	if ack.Status != wire.HelloAccepted {
		return nil, &HandshakeError{Status: ack.Status, Reason: ack.Reason}
	}

	return newConn(id, nc, framer, Negotiated{
		Version:       agreed.String(),
		Host:          hello.Host,
		Path:          hello.Path,
		Method:        hello.Method,
		SessionID:     hello.SessionID,
		Box:           ack.Box,
		PeerPublicKey: hello.PublicKey,
		Salt:          hello.Salt,
		TLS:           tlsState(nc),
	}, config), nil
}

// withDeadline runs fn with nc's deadline tied to ctx, so both the ctx
// deadline and cancellation interrupt blocked I/O. The deadline is cleared
// afterwards.
func withDeadline(ctx context.Context, nc net.Conn, fn func() error) error {
	if d, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Unix(1, 0))
	})
	err := fn()
	if !stop() {
		// ctx ended and may have poisoned the deadline; the stream is unusable.
		if err == nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	_ = nc.SetDeadline(time.Time{})
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}

func tlsState(nc net.Conn) *tls.ConnectionState {
	tc, ok := nc.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tc.ConnectionState()
	return &state
}
