package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"

	"github.com/tlink-protocol/tlink-go/pkg/cert"
	"github.com/tlink-protocol/tlink-go/pkg/version"
)

// DefaultPort is the default tlink port.
const DefaultPort = 8443

// TLS errors.
var (
	ErrNoServerCertificate = errors.New("server certificate is required")
	ErrTLSVersion          = errors.New("TLS 1.3 is required")
	ErrALPNMismatch        = errors.New("ALPN protocol mismatch")
)

// ClientTLSOptions selects how a client presents itself and verifies the
// server. The certificate is always verified against Host unless
// InsecureSkipVerify is set, whatever name travels in the ClientHello.
type ClientTLSOptions struct {
	// Host is the name the server certificate must match.
	Host string

	// ServerName overrides the SNI value. Empty sends Host.
	ServerName string

	// DisableSNI omits the SNI extension.
	DisableSNI bool

	// RootCAs verifies the server chain; nil uses the system roots.
	RootCAs *x509.CertPool

	// InsecureSkipVerify disables certificate verification. Tests only.
	InsecureSkipVerify bool
}

// SNI returns the name that goes into the ClientHello, "" for none.
func (o ClientTLSOptions) SNI() string {
	if o.DisableSNI {
		return ""
	}
	if o.ServerName != "" {
		return o.ServerName
	}
	return o.Host
}

// NewClientTLSConfig builds the client side configuration. When the SNI
// differs from Host the standard check is replaced by one that verifies the
// chain against Host.
func NewClientTLSConfig(o ClientTLSOptions) *tls.Config {
	sni := o.SNI()
	config := &tls.Config{
		MinVersion:       tls.VersionTLS13,
		ServerName:       sni,
		RootCAs:          o.RootCAs,
		NextProtos:       version.SupportedALPNProtocols(),
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	switch {
	case o.InsecureSkipVerify:
		config.InsecureSkipVerify = true
	case sni != o.Host:
		roots, host := o.RootCAs, o.Host
		config.InsecureSkipVerify = true
		config.VerifyConnection = func(cs tls.ConnectionState) error {
			return cert.VerifyChain(cs.PeerCertificates, roots, host)
		}
	}
	return config
}

// NewServerTLSConfig builds the server side configuration: TLS 1.3 only,
// tlink ALPN, no client certificates and no session resumption.
func NewServerTLSConfig(certificates ...tls.Certificate) (*tls.Config, error) {
	if len(certificates) == 0 || len(certificates[0].Certificate) == 0 {
		return nil, ErrNoServerCertificate
	}
	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		Certificates:           certificates,
		NextProtos:             version.SupportedALPNProtocols(),
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
	}, nil
}

// VerifyState checks a completed handshake. An empty ALPN is accepted so
// that servers behind ALPN-unaware proxies still work.
func VerifyState(state tls.ConnectionState) error {
	if state.Version < tls.VersionTLS13 {
		return fmt.Errorf("%w: got 0x%04x", ErrTLSVersion, state.Version)
	}
	if state.NegotiatedProtocol != "" && !slices.Contains(version.SupportedALPNProtocols(), state.NegotiatedProtocol) {
		return fmt.Errorf("%w: %q", ErrALPNMismatch, state.NegotiatedProtocol)
	}
	return nil
}
