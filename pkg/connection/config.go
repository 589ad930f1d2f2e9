package connection

import (
	"crypto/x509"
	"strings"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/proxy"
)

// Flag bits as carried in configuration files and on the command line.
const (
	FlagSecure         uint32 = 0x01
	FlagDirectConnect  uint32 = 0x02
	FlagFirstProxyOnly uint32 = 0x04
	FlagKeepOthers     uint32 = 0x08
	FlagNoDirect       uint32 = 0x10
	FlagDisableSNI     uint32 = 0x20
	FlagSNIPassthrough uint32 = 0x40
	FlagSNIOverride    uint32 = 0x80
	FlagTryCustomSNI   uint32 = 0x100
)

// Flags selects candidates and TLS behaviour of a race.
type Flags struct {
	// Secure runs TLS on every attempt.
	Secure bool

	// DirectConnect races a direct attempt alongside proxies. Without
	// proxies the direct attempt is always made unless NoDirect is set.
	DirectConnect bool

	FirstProxyOnly bool

	// KeepOthers leaves losing attempts running; their connections are
	// reported as extras.
	KeepOthers bool

	NoDirect bool

	// DisableSNI omits the SNI extension.
	DisableSNI bool

	// SNIPassthrough treats proxies as SNI routers: no proxy handshake,
	// the ClientHello names the target.
	SNIPassthrough bool

	// SNIOverride sends CustomSNI on every attempt.
	SNIOverride bool

	// TryCustomSNI adds one delayed attempt that sends CustomSNI.
	TryCustomSNI bool
}

var flagBits = []struct {
	bit  uint32
	name string
	get  func(*Flags) *bool
}{
	{FlagSecure, "secure", func(f *Flags) *bool { return &f.Secure }},
	{FlagDirectConnect, "direct", func(f *Flags) *bool { return &f.DirectConnect }},
	{FlagFirstProxyOnly, "first-proxy-only", func(f *Flags) *bool { return &f.FirstProxyOnly }},
	{FlagKeepOthers, "keep-others", func(f *Flags) *bool { return &f.KeepOthers }},
	{FlagNoDirect, "no-direct", func(f *Flags) *bool { return &f.NoDirect }},
	{FlagDisableSNI, "disable-sni", func(f *Flags) *bool { return &f.DisableSNI }},
	{FlagSNIPassthrough, "sni-passthrough", func(f *Flags) *bool { return &f.SNIPassthrough }},
	{FlagSNIOverride, "sni-override", func(f *Flags) *bool { return &f.SNIOverride }},
	{FlagTryCustomSNI, "try-custom-sni", func(f *Flags) *bool { return &f.TryCustomSNI }},
}

// FlagsFromBits decodes a bitset. Unknown bits are ignored.
func FlagsFromBits(bits uint32) Flags {
	var f Flags
	for _, fb := range flagBits {
		*fb.get(&f) = bits&fb.bit != 0
	}
	return f
}

// Bits encodes the flags as a bitset.
func (f Flags) Bits() uint32 {
	var bits uint32
	for _, fb := range flagBits {
		if *fb.get(&f) {
			bits |= fb.bit
		}
	}
	return bits
}

// String lists the set flags, "none" when empty.
func (f Flags) String() string {
	var names []string
	for _, fb := range flagBits {
		if *fb.get(&f) {
			names = append(names, fb.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseFlag returns the bit for a name as printed by Flags.String.
func ParseFlag(name string) (uint32, bool) {
	for _, fb := range flagBits {
		if fb.name == name {
			return fb.bit, true
		}
	}
	return 0, false
}

// CustomSNIPolicy decides how the custom-SNI attempt competes.
type CustomSNIPolicy uint8

const (
	// CustomSNIPeer lets the custom-SNI attempt win like any other.
	CustomSNIPeer CustomSNIPolicy = iota

	// CustomSNISubordinate holds a custom-SNI success until every primary
	// attempt has ended; a primary success still wins.
	CustomSNISubordinate
)

// String returns the policy name.
func (p CustomSNIPolicy) String() string {
	switch p {
	case CustomSNIPeer:
		return "peer"
	case CustomSNISubordinate:
		return "subordinate"
	default:
		return "unknown"
	}
}

// Default timing.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultDNSTimeout       = 5 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultCustomSNIDelay   = 2 * time.Second
	DefaultCancelGrace      = 250 * time.Millisecond
)

// Config describes one race.
type Config struct {
	// Host and Port name the target; proxies tunnel to it.
	Host string
	Port uint16

	// Path and Method travel in the Hello.
	Path   string
	Method string

	Flags   Flags
	Proxies []proxy.Descriptor

	CustomSNI       string
	CustomSNIPolicy CustomSNIPolicy
	CustomSNIDelay  time.Duration

	// Timeout bounds the whole race.
	Timeout time.Duration

	// Stage budgets, each also bounded by Timeout.
	DNSTimeout       time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	// CancelGrace bounds the wait for cancelled attempts to unwind.
	CancelGrace time.Duration

	RootCAs            *x509.CertPool
	InsecureSkipVerify bool

	// Resolver, Dialer and Handshaker default to the system resolver, a
	// net.Dialer and HelloHandshaker.
	Resolver   Resolver
	Dialer     Dialer
	Handshaker Handshaker

	Logger log.Logger
}

// DefaultConfig returns a secure configuration for host:port.
func DefaultConfig(host string, port uint16) Config {
	return Config{
		Host:             host,
		Port:             port,
		Flags:            Flags{Secure: true},
		CustomSNIDelay:   DefaultCustomSNIDelay,
		Timeout:          DefaultTimeout,
		DNSTimeout:       DefaultDNSTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CancelGrace:      DefaultCancelGrace,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DNSTimeout <= 0 {
		c.DNSTimeout = DefaultDNSTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CustomSNIDelay <= 0 {
		c.CustomSNIDelay = DefaultCustomSNIDelay
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.Resolver == nil {
		c.Resolver = defaultResolver
	}
	if c.Dialer == nil {
		c.Dialer = defaultDialer
	}
	if c.Handshaker == nil {
		c.Handshaker = &HelloHandshaker{}
	}
	c.Logger = log.OrNoop(c.Logger)
	return c
}

// Validate checks the fields a race cannot do without.
func (c Config) Validate() error {
	if c.Host == "" {
		return ErrNoHost
	}
	if c.Port == 0 {
		return ErrNoPort
	}
	if (c.Flags.SNIOverride || c.Flags.TryCustomSNI) && c.CustomSNI == "" {
		return ErrNoCustomSNI
	}
	return nil
}

// Target returns host:port.
func (c Config) Target() string {
	return joinHostPort(c.Host, c.Port)
}

// candidate is one path to the target.
type candidate struct {
	index      int
	proxyIndex int // -1 for direct
	proxy      *proxy.Descriptor
	customSNI  bool
}

// candidates lists the primary paths in race order.
func (c Config) candidates() []candidate {
	var out []candidate
	if !c.Flags.NoDirect && (c.Flags.DirectConnect || len(c.Proxies) == 0) {
		out = append(out, candidate{index: 0, proxyIndex: -1})
	}
	for i := range c.Proxies {
		out = append(out, candidate{index: len(out), proxyIndex: i, proxy: &c.Proxies[i]})
		if c.Flags.FirstProxyOnly {
			break
		}
	}
	return out
}
