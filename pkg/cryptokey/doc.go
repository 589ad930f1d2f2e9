// Package cryptokey manages the asymmetric keys used by tlink peers.
//
// Three key kinds are supported:
//
//   - ECDSA on P-256, signing with SHA-256 (ASN.1 DER signatures)
//   - Ed25519 signing keys
//   - X25519 key agreement keys (see package cryptobox)
//
// Keys travel either as raw bytes or as unpadded base64url text. The raw
// layouts are:
//
//	ECDSA   public  65 bytes, uncompressed SEC1 point
//	        private 32 bytes, scalar
//	Ed25519 public  32 bytes
//	        private 32 bytes, seed
//	X25519  public  32 bytes
//	        private 32 bytes, scalar
//
// # Mutual Authentication
//
// Two peers that exchanged opaque items (session identifiers, nonces) prove
// possession of their keys with an auth signature:
//
//	combined = SHA256(item) ^ SHA256(peerItem) ^ SHA256(pubA) ^ SHA256(pubB)
//	auth     = b64(combined) "." b64(pubA) "." b64(sign(combined))
//
// XOR is commutative, so the verifier recomputes the same digest without
// knowing which side signed first. A verifier that does not yet know the
// signer can recover its public key with ExtractAuthPublicKey before deciding
// whether to trust it.
package cryptokey
