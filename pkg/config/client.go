// Package config loads client profiles, server configuration and key rings
// from files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tlink-protocol/tlink-go/pkg/cert"
	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/proxy"
	"github.com/tlink-protocol/tlink-go/pkg/session"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// EnvPrefix prefixes environment overrides: TLINK_HOST, TLINK_TIMEOUT,
// TLINK_KEEPALIVE_INTERVAL and so on.
const EnvPrefix = "TLINK"

// Config errors.
var (
	ErrUnknownFlag   = errors.New("unknown flag")
	ErrUnknownPolicy = errors.New("unknown custom SNI policy")
	ErrUnknownBox    = errors.New("unknown box")
)

// ClientProfile describes how a client reaches one server.
type ClientProfile struct {
	Host   string `mapstructure:"host"`
	Port   uint16 `mapstructure:"port"`
	Path   string `mapstructure:"path"`
	Method string `mapstructure:"method"`

	// Flags are names as printed by connection.Flags.String, e.g.
	// "secure", "direct", "keep-others".
	Flags   []string       `mapstructure:"flags"`
	Proxies []ProxyProfile `mapstructure:"proxies"`

	CustomSNI       string        `mapstructure:"custom_sni"`
	CustomSNIPolicy string        `mapstructure:"custom_sni_policy"`
	CustomSNIDelay  time.Duration `mapstructure:"custom_sni_delay"`

	Timeout          time.Duration `mapstructure:"timeout"`
	DNSTimeout       time.Duration `mapstructure:"dns_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// CAFile holds PEM roots; empty uses the system pool.
	CAFile   string `mapstructure:"ca_file"`
	Insecure bool   `mapstructure:"insecure"`

	// Box is "none", "aes-gcm" or "chacha20-poly1305".
	Box string `mapstructure:"box"`

	KeepAlive KeepAliveProfile `mapstructure:"keepalive"`

	// LogFile receives the protocol log when set.
	LogFile string `mapstructure:"log_file"`
}

// ProxyProfile is one forward proxy.
type ProxyProfile struct {
	Address  string `mapstructure:"address"`
	Port     uint16 `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Path     string `mapstructure:"path"`
	Method   string `mapstructure:"method"`
}

// KeepAliveProfile configures liveness probing; a zero Interval disables it.
type KeepAliveProfile struct {
	Interval    time.Duration `mapstructure:"interval"`
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	MaxMissed   int           `mapstructure:"max_missed"`
}

// DefaultClientProfile returns a secure direct profile without a target.
func DefaultClientProfile() *ClientProfile {
	ka := transport.DefaultKeepAliveConfig()
	return &ClientProfile{
		Port:             uint16(transport.DefaultPort),
		Flags:            []string{"secure"},
		CustomSNIPolicy:  connection.CustomSNIPeer.String(),
		CustomSNIDelay:   connection.DefaultCustomSNIDelay,
		Timeout:          connection.DefaultTimeout,
		DNSTimeout:       connection.DefaultDNSTimeout,
		ConnectTimeout:   connection.DefaultConnectTimeout,
		HandshakeTimeout: connection.DefaultHandshakeTimeout,
		Box:              wire.BoxNone.String(),
		KeepAlive: KeepAliveProfile{
			Interval:    ka.PingInterval,
			PongTimeout: ka.PongTimeout,
			MaxMissed:   ka.MaxMissedPongs,
		},
	}
}

// LoadClientProfile reads a profile from path (YAML, TOML or JSON by
// extension). An empty path searches tlink-client.* in the working
// directory and ~/.tlink; a missing file leaves defaults and environment.
func LoadClientProfile(path string) (*ClientProfile, error) {
	p := DefaultClientProfile()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only profiles work
	v.SetDefault("host", p.Host)
	v.SetDefault("port", p.Port)
	v.SetDefault("path", p.Path)
	v.SetDefault("method", p.Method)
	v.SetDefault("flags", p.Flags)
	v.SetDefault("proxies", []ProxyProfile{})
	v.SetDefault("custom_sni", p.CustomSNI)
	v.SetDefault("custom_sni_policy", p.CustomSNIPolicy)
	v.SetDefault("custom_sni_delay", p.CustomSNIDelay)
	v.SetDefault("timeout", p.Timeout)
	v.SetDefault("dns_timeout", p.DNSTimeout)
	v.SetDefault("connect_timeout", p.ConnectTimeout)
	v.SetDefault("handshake_timeout", p.HandshakeTimeout)
	v.SetDefault("ca_file", p.CAFile)
	v.SetDefault("insecure", p.Insecure)
	v.SetDefault("box", p.Box)
	v.SetDefault("keepalive.interval", p.KeepAlive.Interval)
	v.SetDefault("keepalive.pong_timeout", p.KeepAlive.PongTimeout)
	v.SetDefault("keepalive.max_missed", p.KeepAlive.MaxMissed)
	v.SetDefault("log_file", p.LogFile)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tlink-client")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tlink"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read client profile: %w", err)
		}
	}

	if err := v.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("decode client profile: %w", err)
	}
	return p, nil
}

// ConnectionConfig converts the profile into a race configuration.
func (p *ClientProfile) ConnectionConfig() (connection.Config, error) {
	cfg := connection.DefaultConfig(p.Host, p.Port)
	cfg.Path = p.Path
	cfg.Method = p.Method

	flags, err := ParseFlags(p.Flags)
	if err != nil {
		return connection.Config{}, err
	}
	cfg.Flags = flags

	for i, pp := range p.Proxies {
		d, err := pp.Descriptor()
		if err != nil {
			return connection.Config{}, fmt.Errorf("proxies[%d]: %w", i, err)
		}
		cfg.Proxies = append(cfg.Proxies, d)
	}

	cfg.CustomSNI = p.CustomSNI
	switch strings.ToLower(strings.TrimSpace(p.CustomSNIPolicy)) {
	case "", connection.CustomSNIPeer.String():
		cfg.CustomSNIPolicy = connection.CustomSNIPeer
	case connection.CustomSNISubordinate.String():
		cfg.CustomSNIPolicy = connection.CustomSNISubordinate
	default:
		return connection.Config{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, p.CustomSNIPolicy)
	}

	// zero values keep the defaults
	if p.CustomSNIDelay > 0 {
		cfg.CustomSNIDelay = p.CustomSNIDelay
	}
	if p.Timeout > 0 {
		cfg.Timeout = p.Timeout
	}
	if p.DNSTimeout > 0 {
		cfg.DNSTimeout = p.DNSTimeout
	}
	if p.ConnectTimeout > 0 {
		cfg.ConnectTimeout = p.ConnectTimeout
	}
	if p.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = p.HandshakeTimeout
	}

	if p.CAFile != "" {
		pool, err := cert.LoadPool(p.CAFile)
		if err != nil {
			return connection.Config{}, fmt.Errorf("load CA file: %w", err)
		}
		cfg.RootCAs = pool
	}
	cfg.InsecureSkipVerify = p.Insecure

	if err := cfg.Validate(); err != nil {
		return connection.Config{}, err
	}
	return cfg, nil
}

// SessionOptions returns the session options of the profile.
func (p *ClientProfile) SessionOptions() (session.Options, error) {
	box, err := ParseBox(p.Box)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Box: box,
		Conn: transport.ConnConfig{
			KeepAlive: transport.KeepAliveConfig{
				PingInterval:   p.KeepAlive.Interval,
				PongTimeout:    p.KeepAlive.PongTimeout,
				MaxMissedPongs: p.KeepAlive.MaxMissed,
			},
			Role:   log.RoleClient,
			Target: p.Host,
		},
	}, nil
}

// Descriptor converts the profile into a proxy descriptor.
func (pp ProxyProfile) Descriptor() (proxy.Descriptor, error) {
	method, err := proxy.ParseMethod(pp.Method)
	if err != nil {
		return proxy.Descriptor{}, err
	}
	if pp.Address == "" || pp.Port == 0 {
		return proxy.Descriptor{}, fmt.Errorf("proxy address and port are required")
	}
	return proxy.Descriptor{
		Address:  pp.Address,
		Port:     pp.Port,
		Username: pp.Username,
		Password: pp.Password,
		Path:     pp.Path,
		Method:   method,
	}, nil
}

// ParseFlags turns flag names into connection flags. Names are matched
// case-insensitively; "none" and empty names are ignored.
func ParseFlags(names []string) (connection.Flags, error) {
	var bits uint32
	for _, name := range names {
		// env values arrive as one comma separated string
		for _, n := range strings.Split(name, ",") {
			n = strings.ToLower(strings.TrimSpace(n))
			if n == "" || n == "none" {
				continue
			}
			bit, ok := connection.ParseFlag(n)
			if !ok {
				return connection.Flags{}, fmt.Errorf("%w: %q", ErrUnknownFlag, n)
			}
			bits |= bit
		}
	}
	return connection.FlagsFromBits(bits), nil
}

// ParseBox parses a box name; empty means none.
func ParseBox(name string) (wire.BoxKind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return wire.BoxNone, nil
	}
	box, ok := wire.ParseBoxKind(name)
	if !ok {
		return wire.BoxNone, fmt.Errorf("%w: %q", ErrUnknownBox, name)
	}
	return box, nil
}
