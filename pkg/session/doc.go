// Package session turns an established tlink connection into a duplex
// message channel with an observer.
//
// A Session owns its transport.Conn. Send writes one Data message, Close
// runs the close handshake, and inbound messages plus the final close are
// handed to the Observer on a dispatcher goroutine that belongs to the
// session, so observers never run on the read loop.
//
// When the Hello exchange agreed on a box, payloads are sealed:
//
//	Data{Seq: seq, Binary: b, Payload: tag || ciphertext}, ad = [b]
//
// The sequence value is bound through the nonce and must increase on every
// message of a direction. Each direction has its own key derived from the
// X25519 agreement between the client's per-connection key and the server
// key, salted with the client's random salt.
//
// Container creates sessions on the client side by racing candidate paths
// with connection.Racer. Responder is the server counterpart that answers
// protection offers and protects accepted connections.
package session
