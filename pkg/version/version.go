// Package version handles tlink protocol versions as carried in Hello and
// HelloAck, and the ALPN identifiers offered during TLS.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Current is the protocol version spoken by this module.
const Current = "1.0"

// ALPNPrefix precedes the major version in ALPN identifiers.
const ALPNPrefix = "tlink/"

// ErrIncompatible is returned by Negotiate when the majors differ.
var ErrIncompatible = errors.New("incompatible protocol version")

// Version is a parsed "major.minor" protocol version.
type Version struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" string. Both components are required.
func Parse(s string) (Version, error) {
	majorStr, minorStr, ok := strings.Cut(s, ".")
	if !ok || majorStr == "" || minorStr == "" {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}
	major, err := strconv.ParseUint(majorStr, 10, 16)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: bad major component", s)
	}
	minor, err := strconv.ParseUint(minorStr, 10, 16)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}
	return Version{Major: uint16(major), Minor: uint16(minor)}, nil
}

// MustParse is Parse for constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible reports whether both sides share a major version.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major
}

// Negotiate returns the version both peers speak: the shared major with the
// lower minor. A peer string that does not parse is an error.
func Negotiate(local, peer string) (Version, error) {
	l, err := Parse(local)
	if err != nil {
		return Version{}, err
	}
	p, err := Parse(peer)
	if err != nil {
		return Version{}, err
	}
	if !l.Compatible(p) {
		return Version{}, fmt.Errorf("%w: local %s, peer %s", ErrIncompatible, l, p)
	}
	if p.Minor < l.Minor {
		return p, nil
	}
	return l, nil
}

// ALPNProtocol returns "tlink/N" for major N.
func ALPNProtocol(major uint16) string {
	return ALPNPrefix + strconv.FormatUint(uint64(major), 10)
}

// MajorFromALPN extracts N from "tlink/N".
func MajorFromALPN(alpn string) (uint16, error) {
	suffix, ok := strings.CutPrefix(alpn, ALPNPrefix)
	if !ok {
		return 0, fmt.Errorf("not a tlink ALPN protocol: %q", alpn)
	}
	major, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid major version in ALPN %q: %w", alpn, err)
	}
	return uint16(major), nil
}

// SupportedALPNProtocols lists the ALPN identifiers this module offers.
func SupportedALPNProtocols() []string {
	return []string{ALPNProtocol(MustParse(Current).Major)}
}
