// Package transport carries tlink messages over a byte stream.
//
// Layers, outermost last:
//
//	wire messages      CBOR, see package wire
//	framing            4-byte big-endian length prefix
//	TLS                optional, Flags.Secure on the client
//	proxy tunnel       optional, see package proxy
//	TCP
//
// Both sides start with a Hello/HelloAck exchange that fixes the protocol
// version, the request path and method, the session id and an optional
// payload box. Only then does the stream become a Conn. A Conn owns its
// read loop. It answers pings, runs the keep-alive and performs the Close
// exchange on shutdown.
//
// With DefaultKeepAliveConfig a silent peer is detected after at most
// 30s*3 + 5s = 95 seconds.
package transport
