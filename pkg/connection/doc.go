// Package connection races candidate paths to a tlink endpoint.
//
// A race starts one attempt per enabled candidate: the direct path first,
// then one per forward proxy. Every attempt walks the same stages
//
//	RESOLVE → TCP_CONNECT → [PROXY_HANDSHAKE] → [TLS_HANDSHAKE] → PROTOCOL_HANDSHAKE → CONNECTED
//
// and ends CONNECTED, FAILED with an ErrorKind, or CANCELLED. The first
// attempt to connect wins; the others are cancelled unless KeepOthers is set.
//
// # Candidates
//
//	flags                      candidates
//	(none), no proxies         direct
//	(none), proxies            proxy[0..n]
//	DirectConnect              direct, proxy[0..n]
//	NoDirect                   proxy[0..n]
//	FirstProxyOnly             proxy[0] (plus direct when enabled)
//
// With TryCustomSNI one more attempt against the first candidate, sending
// the configured custom SNI, starts after CustomSNIDelay or as soon as all
// primaries have failed.
//
// # Failure
//
// A failed race reports one representative ErrorKind. Kinds are ranked from
// certificate problems down to Timeout, so a race where one path had no DNS
// record and another timed out reports DNS.
//
// # Driving a race
//
// Service pulls outcomes with a time budget, Run pushes them to a
// RaceObserver and Wait blocks for the decision. Link keeps a connection
// up by racing again after losses, paced by Backoff:
//
//	delay = base + random(0, base*0.25), base = 1s, 2s, 4s ... 60s
//
// The backoff resets only after a race connects.
package connection
