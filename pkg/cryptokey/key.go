package cryptokey

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Key errors.
var (
	ErrInvalidKeyEncoding = errors.New("invalid key encoding")
	ErrUnsupportedKind    = errors.New("unsupported key kind")
	ErrNoPrivateMaterial  = errors.New("key has no private material")
	ErrVerificationFailed = errors.New("signature verification failed")
	ErrMalformedSignature = errors.New("malformed signature")
)

// Kind identifies the algorithm a key belongs to.
type Kind uint8

const (
	KindECDSA Kind = iota + 1
	KindEd25519
	KindX25519
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindECDSA:
		return "ECDSA"
	case KindEd25519:
		return "ED25519"
	case KindX25519:
		return "X25519"
	default:
		return "UNKNOWN"
	}
}

// ParseKind parses a kind name as produced by Kind.String (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ECDSA", "P256", "P-256":
		return KindECDSA, nil
	case "ED25519":
		return KindEd25519, nil
	case "X25519":
		return KindX25519, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// Encoding selects how key and signature bytes are represented.
type Encoding uint8

const (
	// EncodingRaw is the binary form.
	EncodingRaw Encoding = iota
	// EncodingBase64URL is unpadded base64url text.
	EncodingBase64URL
)

const (
	ecdsaPublicSize  = 65
	ecdsaPrivateSize = 32
	x25519KeySize    = 32
)

// Key is an immutable asymmetric key. A key imported from public material
// only never exposes private material.
type Key struct {
	kind Kind
	pub  []byte

	ecdsaPub  *ecdsa.PublicKey
	ecdsaPriv *ecdsa.PrivateKey
	edPriv    ed25519.PrivateKey
	xPriv     *ecdh.PrivateKey
}

// GenerateKeyPair creates a new key with private material.
func GenerateKeyPair(kind Kind) (*Key, error) {
	switch kind {
	case KindECDSA:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ecdsa key: %w", err)
		}
		return newECDSAKey(priv)
	case KindEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return newEd25519Key(priv), nil
	case KindX25519:
		priv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate x25519 key: %w", err)
		}
		return newX25519Key(priv), nil
	}
	return nil, ErrUnsupportedKind
}

// ImportPublicKey builds a public-only key from its encoded form.
func ImportPublicKey(kind Kind, data []byte, enc Encoding) (*Key, error) {
	raw, err := decode(data, enc)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindECDSA:
		if len(raw) != ecdsaPublicSize {
			return nil, fmt.Errorf("%w: ecdsa public key is %d bytes", ErrInvalidKeyEncoding, len(raw))
		}
		pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
		}
		return &Key{kind: kind, pub: clone(raw), ecdsaPub: pub}, nil
	case KindEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 public key is %d bytes", ErrInvalidKeyEncoding, len(raw))
		}
		return &Key{kind: kind, pub: clone(raw)}, nil
	case KindX25519:
		if len(raw) != x25519KeySize {
			return nil, fmt.Errorf("%w: x25519 public key is %d bytes", ErrInvalidKeyEncoding, len(raw))
		}
		return &Key{kind: kind, pub: clone(raw)}, nil
	}
	return nil, ErrUnsupportedKind
}

// ImportPrivateKey builds a key with private material from its encoded form.
// The public half is derived.
func ImportPrivateKey(kind Kind, data []byte, enc Encoding) (*Key, error) {
	raw, err := decode(data, enc)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindECDSA:
		if len(raw) != ecdsaPrivateSize {
			return nil, fmt.Errorf("%w: ecdsa private key is %d bytes", ErrInvalidKeyEncoding, len(raw))
		}
		priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
		}
		return newECDSAKey(priv)
	case KindEd25519:
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: ed25519 seed is %d bytes", ErrInvalidKeyEncoding, len(raw))
		}
		return newEd25519Key(ed25519.NewKeyFromSeed(raw)), nil
	case KindX25519:
		if len(raw) != x25519KeySize {
			return nil, fmt.Errorf("%w: x25519 private key is %d bytes", ErrInvalidKeyEncoding, len(raw))
		}
		priv, err := ecdh.X25519().NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
		}
		return newX25519Key(priv), nil
	}
	return nil, ErrUnsupportedKind
}

func newECDSAKey(priv *ecdsa.PrivateKey) (*Key, error) {
	pub, err := priv.PublicKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return &Key{kind: KindECDSA, pub: pub, ecdsaPub: &priv.PublicKey, ecdsaPriv: priv}, nil
}

func newEd25519Key(priv ed25519.PrivateKey) *Key {
	pub := priv.Public().(ed25519.PublicKey)
	return &Key{kind: KindEd25519, pub: clone(pub), edPriv: priv}
}

func newX25519Key(priv *ecdh.PrivateKey) *Key {
	return &Key{kind: KindX25519, pub: priv.PublicKey().Bytes(), xPriv: priv}
}

// Kind returns the key kind.
func (k *Key) Kind() Kind {
	return k.kind
}

// HasPrivate reports whether the key carries private material.
func (k *Key) HasPrivate() bool {
	return k.ecdsaPriv != nil || k.edPriv != nil || k.xPriv != nil
}

// Public returns a public-only view of the key.
func (k *Key) Public() *Key {
	return &Key{kind: k.kind, pub: k.pub, ecdsaPub: k.ecdsaPub}
}

// Equal reports whether both keys have the same kind and public material.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.kind == other.kind && subtle.ConstantTimeCompare(k.pub, other.pub) == 1
}

// ExportPublic returns the public material in the requested encoding.
func (k *Key) ExportPublic(enc Encoding) ([]byte, error) {
	return encode(k.pub, enc)
}

// ExportPrivate returns the private material in the requested encoding.
func (k *Key) ExportPrivate(enc Encoding) ([]byte, error) {
	switch {
	case k.ecdsaPriv != nil:
		raw, err := k.ecdsaPriv.Bytes()
		if err != nil {
			return nil, err
		}
		return encode(raw, enc)
	case k.edPriv != nil:
		return encode(k.edPriv.Seed(), enc)
	case k.xPriv != nil:
		return encode(k.xPriv.Bytes(), enc)
	}
	return nil, ErrNoPrivateMaterial
}

// RawPublic returns a copy of the raw public material.
func (k *Key) RawPublic() []byte {
	return clone(k.pub)
}

// ECDH returns the X25519 private key used for key agreement.
func (k *Key) ECDH() (*ecdh.PrivateKey, error) {
	if k.kind != KindX25519 {
		return nil, ErrUnsupportedKind
	}
	if k.xPriv == nil {
		return nil, ErrNoPrivateMaterial
	}
	return k.xPriv, nil
}

func decode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		return data, nil
	case EncodingBase64URL:
		s := strings.TrimRight(strings.TrimSpace(string(data)), "=")
		raw, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: unknown encoding %d", ErrInvalidKeyEncoding, enc)
}

func encode(raw []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		return clone(raw), nil
	case EncodingBase64URL:
		out := make([]byte, base64.RawURLEncoding.EncodedLen(len(raw)))
		base64.RawURLEncoding.Encode(out, raw)
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown encoding %d", ErrInvalidKeyEncoding, enc)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
