// Package log provides protocol event capture for tlink.
//
// Events are recorded at several layers: raw frames (transport), decoded
// messages (wire), session lifecycle (session), candidate attempts and race
// outcomes (racer) and box binding (crypto). Protocol capture is separate
// from operational logging; it is a machine-readable trace for debugging
// connection races after the fact.
//
// # Basic Usage
//
//	// Console, through any of the structured logger adapters
//	logger := log.NewSlogAdapter(slog.Default())
//	logger := log.NewZerologAdapter(zl)
//	logger := log.NewZapAdapter(z)
//
//	// File, CBOR records appended to path
//	logger, _ := log.NewFileLogger("/var/log/tlink/client.tlog")
//
//	// File with size based rotation
//	logger := log.NewRotatingFileLogger(log.RotationConfig{Filename: "client.tlog", MaxSizeMB: 20})
//
//	// Several at once
//	logger := log.NewMultiLogger(console, file)
//
// # File Format
//
// Log files are a plain concatenation of CBOR-encoded Event values with
// integer keys. The tlink-log command reads and filters them.
package log
