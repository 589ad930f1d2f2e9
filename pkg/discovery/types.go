package discovery

import (
	"errors"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

const (
	// ServiceType is the DNS-SD service type of tlink servers.
	ServiceType = "_tlink._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default tlink port.
	DefaultPort = 8443
)

// TXT record keys.
const (
	TXTKeyVersion     = "ver"  // Protocol version, "1.0"
	TXTKeyPath        = "path" // Default Hello path (optional)
	TXTKeyBoxes       = "box"  // Accepted boxes, comma-separated (optional)
	TXTKeySecure      = "tls"  // "1" when the server speaks TLS
	TXTKeyFingerprint = "fp"   // Certificate fingerprint (optional)
	TXTKeyName        = "DN"   // Display name (optional)
)

const (
	// BrowseTimeout bounds a one-shot browse.
	BrowseTimeout = 3 * time.Second

	// ResolveTimeout bounds the mDNS lookup of a .local host.
	ResolveTimeout = 2 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// FingerprintLength is the hex length of a certificate fingerprint.
	FingerprintLength = 16
)

// Errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
	ErrNotAdvertising      = errors.New("not advertising")
)

// ServerInfo is what a server announces about itself.
type ServerInfo struct {
	InstanceName string
	Port         uint16
	Version      string
	Path         string
	Boxes        []wire.BoxKind
	Secure       bool
	Fingerprint  string
	Name         string
}

// Service is a discovered server.
type Service struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	Info         ServerInfo
}

// Target returns the host to dial: the mDNS host name when known, the first
// address otherwise.
func (s *Service) Target() string {
	if s.Host != "" {
		return s.Host
	}
	if len(s.Addresses) > 0 {
		return s.Addresses[0]
	}
	return ""
}
