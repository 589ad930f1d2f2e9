package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// ServerConfig configures tlink-server.
type ServerConfig struct {
	Address string

	// Plain serves TCP without TLS.
	Plain bool

	// CertFile and KeyFile hold the PEM certificate and key. When both are
	// empty a self-signed certificate for Hosts is generated at startup.
	CertFile string
	KeyFile  string
	Hosts    []string

	// Boxes accepted for payload protection; RequireBox refuses clients
	// that offer none.
	Boxes      []wire.BoxKind
	RequireBox bool

	// KeyRing and KeyName select the X25519 key answering box offers. An
	// empty KeyRing generates an ephemeral key.
	KeyRing string
	KeyName string

	HandshakeTimeout time.Duration
	KeepAlive        transport.KeepAliveConfig

	// Advertise announces the server via mDNS.
	Advertise    bool
	InstanceName string
	DisplayName  string

	// Log receives the protocol log; an empty Filename disables it.
	Log log.RotationConfig
}

// DefaultServerConfig returns the defaults: TLS on the default port with a
// self-signed localhost certificate and both boxes accepted.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          fmt.Sprintf(":%d", transport.DefaultPort),
		Hosts:            []string{"localhost", "127.0.0.1"},
		Boxes:            []wire.BoxKind{wire.BoxAESGCM, wire.BoxChaCha20Poly1305},
		KeyName:          "server",
		HandshakeTimeout: transport.DefaultHandshakeTimeout,
		KeepAlive:        transport.DefaultKeepAliveConfig(),
		InstanceName:     "tlink",
		Log: log.RotationConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

type serverFile struct {
	Address          string        `toml:"address"`
	Plain            bool          `toml:"plain"`
	CertFile         string        `toml:"cert_file"`
	KeyFile          string        `toml:"key_file"`
	Hosts            []string      `toml:"hosts"`
	Boxes            []string      `toml:"boxes"`
	RequireBox       bool          `toml:"require_box"`
	KeyRing          string        `toml:"key_ring"`
	KeyName          string        `toml:"key_name"`
	HandshakeTimeout string        `toml:"handshake_timeout"`
	KeepAlive        keepAliveFile `toml:"keepalive"`
	Advertise        bool          `toml:"advertise"`
	InstanceName     string        `toml:"instance_name"`
	DisplayName      string        `toml:"display_name"`
	Log              logFile       `toml:"log"`
}

type keepAliveFile struct {
	Interval    string `toml:"interval"`
	PongTimeout string `toml:"pong_timeout"`
	MaxMissed   int    `toml:"max_missed"`
}

type logFile struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// LoadServerConfig overlays the keys defined in the TOML file at path onto
// DefaultServerConfig.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServerConfig{}, fmt.Errorf("load server config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("plain") {
		cfg.Plain = raw.Plain
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("hosts") {
		cfg.Hosts = normalizeList(raw.Hosts)
	}
	if meta.IsDefined("boxes") {
		cfg.Boxes = nil
		for _, name := range raw.Boxes {
			box, err := ParseBox(name)
			if err != nil {
				return ServerConfig{}, fmt.Errorf("parse boxes: %w", err)
			}
			if box != wire.BoxNone {
				cfg.Boxes = append(cfg.Boxes, box)
			}
		}
	}
	if meta.IsDefined("require_box") {
		cfg.RequireBox = raw.RequireBox
	}
	if meta.IsDefined("key_ring") {
		cfg.KeyRing = strings.TrimSpace(raw.KeyRing)
	}
	if meta.IsDefined("key_name") {
		cfg.KeyName = strings.TrimSpace(raw.KeyName)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.HandshakeTimeout = d
	}

	if meta.IsDefined("keepalive", "interval") {
		d, err := parseDuration("keepalive.interval", raw.KeepAlive.Interval)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.KeepAlive.PingInterval = d
	}
	if meta.IsDefined("keepalive", "pong_timeout") {
		d, err := parseDuration("keepalive.pong_timeout", raw.KeepAlive.PongTimeout)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.KeepAlive.PongTimeout = d
	}
	if meta.IsDefined("keepalive", "max_missed") {
		cfg.KeepAlive.MaxMissedPongs = raw.KeepAlive.MaxMissed
	}

	if meta.IsDefined("advertise") {
		cfg.Advertise = raw.Advertise
	}
	if meta.IsDefined("instance_name") {
		cfg.InstanceName = strings.TrimSpace(raw.InstanceName)
	}
	if meta.IsDefined("display_name") {
		cfg.DisplayName = strings.TrimSpace(raw.DisplayName)
	}

	if meta.IsDefined("log", "file") {
		cfg.Log.Filename = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}
	if meta.IsDefined("log", "compress") {
		cfg.Log.Compress = raw.Log.Compress
	}

	return cfg, cfg.Validate()
}

// Validate checks combinations the server cannot start with.
func (c ServerConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	if !c.Plain && c.CertFile == "" && len(c.Hosts) == 0 {
		return fmt.Errorf("hosts are required for a self-signed certificate")
	}
	if c.RequireBox && len(c.Boxes) == 0 {
		return fmt.Errorf("require_box needs at least one box")
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
