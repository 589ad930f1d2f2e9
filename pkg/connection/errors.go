package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/tlink-protocol/tlink-go/pkg/proxy"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
)

// ErrorKind classifies why an attempt or a race failed.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindDNS
	KindConnect
	KindTLS
	KindTLSHostname
	KindInvalidCA
	KindTCP
	KindProxy
	KindProtocolHandshake
	KindResource
	KindIO
	KindTimeout
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindDNS:
		return "DNS"
	case KindConnect:
		return "CONNECT"
	case KindTLS:
		return "TLS"
	case KindTLSHostname:
		return "TLS_HOSTNAME"
	case KindInvalidCA:
		return "INVALID_CA"
	case KindTCP:
		return "TCP"
	case KindProxy:
		return "PROXY"
	case KindProtocolHandshake:
		return "PROTOCOL_HANDSHAKE"
	case KindResource:
		return "RESOURCE"
	case KindIO:
		return "IO"
	case KindTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Racer errors.
var (
	ErrNoCandidates = errors.New("no connection candidates")
	ErrNoHost       = errors.New("target host is required")
	ErrNoPort       = errors.New("target port is required")
	ErrNoCustomSNI  = errors.New("custom SNI is required by the flags")
	ErrRaceFailed   = errors.New("connection race failed")
	ErrCancelled    = errors.New("attempt cancelled")
	ErrStarted      = errors.New("race already started")
)

// AttemptError is the terminal error of a failed attempt.
type AttemptError struct {
	Kind  ErrorKind
	Stage State
	Err   error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// RaceError is returned by Wait and Dial when no attempt connected.
type RaceError struct {
	Kind  ErrorKind
	Stats []Stats
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("%v: %s after %d attempts", ErrRaceFailed, e.Kind, len(e.Stats))
}

func (e *RaceError) Unwrap() error { return ErrRaceFailed }

// KindOf returns the kind carried by err, KindNone for nil and KindIO for
// errors that carry none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrNoCandidates) {
		return KindResource
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var re *RaceError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindIO
}

// Classify maps an error raised during stage to a kind. The concrete error
// type wins over the stage; the stage decides what remains.
func Classify(stage State, err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNS
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return KindTLSHostname
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return KindInvalidCA
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return KindInvalidCA
	}
	if isTimeout(err) {
		return KindTimeout
	}
	if isResource(err) {
		return KindResource
	}
	var proxyErr *proxy.Error
	if errors.As(err, &proxyErr) || stage == StateProxyHandshake {
		return KindProxy
	}
	var hsErr *transport.HandshakeError
	if errors.As(err, &hsErr) ||
		errors.Is(err, transport.ErrUnexpectedMessage) ||
		errors.Is(err, transport.ErrProtectionRefused) {
		return KindProtocolHandshake
	}

	reset := errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)

	switch stage {
	case StateResolve:
		return KindDNS
	case StateTCPConnect:
		if reset {
			return KindTCP
		}
		return KindConnect
	case StateTLSHandshake:
		if reset || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return KindTCP
		}
		return KindTLS
	case StateProtocolHandshake:
		if reset {
			return KindTCP
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, transport.ErrFrameTruncated) {
			return KindIO
		}
		var alert tls.AlertError
		if errors.As(err, &alert) {
			return KindTLS
		}
		return KindProtocolHandshake
	}
	return KindIO
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isResource(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.ENOMEM)
}

// precedence orders kinds from most to least specific. Timeout is last: it
// only says that something else was too slow.
var precedence = []ErrorKind{
	KindInvalidCA,
	KindTLSHostname,
	KindTLS,
	KindProxy,
	KindProtocolHandshake,
	KindConnect,
	KindTCP,
	KindDNS,
	KindIO,
	KindResource,
	KindTimeout,
}

// Representative picks the kind that best explains a failed race.
// With no failed attempt at all it returns KindTimeout.
func Representative(stats []Stats) ErrorKind {
	seen := make(map[ErrorKind]bool, len(stats))
	for _, s := range stats {
		if s.State == StateFailed {
			seen[s.Kind] = true
		}
	}
	for _, k := range precedence {
		if seen[k] {
			return k
		}
	}
	return KindTimeout
}
