package cryptokey

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// Sign signs data and returns the signature in the requested encoding.
// ECDSA keys sign the SHA-256 digest of data; Ed25519 keys sign data itself.
func (k *Key) Sign(data []byte, enc Encoding) ([]byte, error) {
	sig, err := k.sign(data)
	if err != nil {
		return nil, err
	}
	return encode(sig, enc)
}

func (k *Key) sign(data []byte) ([]byte, error) {
	switch k.kind {
	case KindECDSA:
		if k.ecdsaPriv == nil {
			return nil, ErrNoPrivateMaterial
		}
		digest := sha256.Sum256(data)
		return ecdsa.SignASN1(rand.Reader, k.ecdsaPriv, digest[:])
	case KindEd25519:
		if k.edPriv == nil {
			return nil, ErrNoPrivateMaterial
		}
		return ed25519.Sign(k.edPriv, data), nil
	}
	return nil, ErrUnsupportedKind
}

// Verify checks sig over data. It returns nil when the signature is valid,
// ErrVerificationFailed when it does not match, and any other error only for
// structural problems such as a bad encoding or a key that cannot sign.
func (k *Key) Verify(data, sig []byte, enc Encoding) error {
	raw, err := decode(sig, enc)
	if err != nil {
		return err
	}
	return k.verify(data, raw)
}

func (k *Key) verify(data, sig []byte) error {
	switch k.kind {
	case KindECDSA:
		digest := sha256.Sum256(data)
		if !ecdsa.VerifyASN1(k.ecdsaPub, digest[:], sig) {
			return ErrVerificationFailed
		}
		return nil
	case KindEd25519:
		if len(sig) != ed25519.SignatureSize {
			return ErrVerificationFailed
		}
		if !ed25519.Verify(ed25519.PublicKey(k.pub), data, sig) {
			return ErrVerificationFailed
		}
		return nil
	}
	return ErrUnsupportedKind
}

// SignAuth produces the mutual authentication signature binding item and
// peerItem to this key (pubA) and the peer key (pubB).
func (k *Key) SignAuth(peer *Key, item, peerItem string) (string, error) {
	if peer == nil {
		return "", fmt.Errorf("%w: missing peer key", ErrInvalidKeyEncoding)
	}
	if peer.kind != k.kind {
		return "", fmt.Errorf("%w: peer key is %s, own key is %s", ErrUnsupportedKind, peer.kind, k.kind)
	}

	combined := authDigest(item, peerItem, k.pub, peer.pub)
	sig, err := k.sign(combined[:])
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	return enc.EncodeToString(combined[:]) + "." + enc.EncodeToString(k.pub) + "." + enc.EncodeToString(sig), nil
}

// VerifyAuth checks an auth signature produced by the peer against this key.
// Only the public half of k is used. When peer is non-nil, the public key
// embedded in the signature must be that key.
func (k *Key) VerifyAuth(peer *Key, item, peerItem, signature string) error {
	parsed, err := parseAuth(k.kind, signature)
	if err != nil {
		return err
	}
	if peer != nil && !peer.Equal(parsed.signer) {
		return ErrVerificationFailed
	}

	expected := authDigest(item, peerItem, parsed.signer.pub, k.pub)
	if subtle.ConstantTimeCompare(expected[:], parsed.combined) != 1 {
		return ErrVerificationFailed
	}
	return parsed.signer.verify(parsed.combined, parsed.sig)
}

// ExtractAuthPublicKey returns the signer's public key embedded in an auth
// signature, without verifying anything.
func ExtractAuthPublicKey(kind Kind, signature string) (*Key, error) {
	parsed, err := parseAuth(kind, signature)
	if err != nil {
		return nil, err
	}
	return parsed.signer, nil
}

type authSignature struct {
	combined []byte
	signer   *Key
	sig      []byte
}

func parseAuth(kind Kind, signature string) (*authSignature, error) {
	parts := strings.Split(signature, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedSignature, len(parts))
	}

	enc := base64.RawURLEncoding
	combined, err := enc.DecodeString(parts[0])
	if err != nil || len(combined) != sha256.Size {
		return nil, fmt.Errorf("%w: bad digest segment", ErrMalformedSignature)
	}
	signer, err := ImportPublicKey(kind, []byte(parts[1]), EncodingBase64URL)
	if err != nil {
		return nil, err
	}
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature segment", ErrMalformedSignature)
	}
	return &authSignature{combined: combined, signer: signer, sig: sig}, nil
}

func authDigest(item, peerItem string, pubA, pubB []byte) [sha256.Size]byte {
	hashes := [4][sha256.Size]byte{
		sha256.Sum256([]byte(item)),
		sha256.Sum256([]byte(peerItem)),
		sha256.Sum256(pubA),
		sha256.Sum256(pubB),
	}
	var out [sha256.Size]byte
	for _, h := range hashes {
		for i := range out {
			out[i] ^= h[i]
		}
	}
	return out
}
