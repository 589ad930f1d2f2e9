// Package wire defines the tlink message encoding.
//
// Every message is a CBOR map with integer keys. Key 1 always carries the
// message type, so a receiver can peek at it before decoding the rest:
//
//	Hello     (1)  client -> server, opens a session
//	HelloAck  (2)  server -> client, accepts or rejects it
//	Data      (3)  application payload, optionally sealed
//	Ping      (4)  liveness probe
//	Pong      (5)  answer to Ping
//	Close     (6)  graceful shutdown
//
// Messages are carried in length-prefixed frames (see package transport).
// The encoder is deterministic (canonical key order); the decoder tolerates
// unknown keys for forward compatibility.
package wire
