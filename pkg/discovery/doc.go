// Package discovery implements mDNS/DNS-SD discovery of tlink servers.
//
// Servers announce themselves under _tlink._tcp in the local domain. The
// instance name is free text (at most 63 bytes); the TXT record carries:
//
//	ver   protocol version, "1.0" (required)
//	tls   "1" when the server speaks TLS, "0" otherwise
//	path  default Hello path
//	box   accepted payload boxes, e.g. "aes-gcm,chacha20-poly1305"
//	fp    first 64 bits of SHA-256 over the server certificate, hex
//	DN    display name
//
// MDNSAdvertiser and MDNSBrowser speak mDNS via zeroconf. Resolver plugs
// into a connection race and answers ".local" names from the announcements,
// which lets clients dial servers by instance name without a system mDNS
// responder.
package discovery
