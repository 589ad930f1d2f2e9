// Package cryptobox implements the AEAD box that protects session payloads.
//
// A Box starts unbound. Binding derives (BindWithKeys) or installs
// (BindWithSecret) a 32-byte key for one direction. Ciphertexts are laid out
// as [tag][ciphertext] and the 12-byte nonce is expanded from a caller
// supplied 64-bit sequence value:
//
//	nonce = 00 00 00 00 || big-endian uint64(seq)
//
// An encrypting box refuses any sequence value that is not strictly greater
// than the last one it used. Sealer and Opener wrap a box with the counter
// and replay bookkeeping for one direction of a session.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/tlink-protocol/tlink-go/pkg/cryptokey"
)

// Box parameters.
const (
	NonceLength = 12
	KeyLength   = 32
	TagLength   = 16
)

// Box errors.
var (
	ErrBindFailure      = errors.New("bind failure")
	ErrNotBound         = errors.New("box not bound")
	ErrAuthentication   = errors.New("authentication failure")
	ErrNonceReuse       = errors.New("nonce sequence value already used")
	ErrInvalidTagLength = errors.New("invalid auth tag length")
	ErrWrongDirection   = errors.New("box bound for the other direction")
)

// Kind selects the AEAD algorithm.
type Kind uint8

const (
	KindAESGCM Kind = iota + 1
	KindChaCha20Poly1305
)

// String returns the algorithm name.
func (k Kind) String() string {
	switch k {
	case KindAESGCM:
		return "AES-GCM"
	case KindChaCha20Poly1305:
		return "CHACHA20-POLY1305"
	default:
		return "UNKNOWN"
	}
}

// Direction is the direction a box is bound for.
type Direction uint8

const (
	DirectionEncrypt Direction = iota
	DirectionDecrypt
)

// Box is an AEAD context. Bind and Unbind must not race with Encrypt or
// Decrypt on the same box; the box serializes them internally.
type Box struct {
	kind Kind

	mu    sync.RWMutex
	aead  cipher.AEAD
	key   []byte
	dir   Direction
	bound bool

	// The sequence high-water mark outlives Unbind: a box rebound to the
	// same secret must not repeat a nonce.
	seqMu   sync.Mutex
	seqUsed bool
	lastSeq uint64
}

// New returns an unbound box for kind.
func New(kind Kind) *Box {
	return &Box{kind: kind}
}

// Kind returns the AEAD algorithm of the box.
func (b *Box) Kind() Kind {
	return b.kind
}

// IsBound reports whether the box holds a key.
func (b *Box) IsBound() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bound
}

// BindWithKeys performs an X25519 agreement between priv and peer and binds
// the box to HMAC-SHA256(shared, salt || pubA || pubB). pubA is the sender's
// public key: the own key when encrypt is true, the peer key otherwise. The
// sender's encrypting box and the receiver's decrypting box thus share a key
// while the two directions of a session use different keys.
func (b *Box) BindWithKeys(priv, peer *cryptokey.Key, encrypt bool, salt []byte) error {
	if priv == nil || peer == nil {
		return fmt.Errorf("%w: missing key", ErrBindFailure)
	}
	if priv.Kind() != cryptokey.KindX25519 || peer.Kind() != cryptokey.KindX25519 {
		return fmt.Errorf("%w: key agreement requires X25519 keys", ErrBindFailure)
	}
	scalar, err := priv.ExportPrivate(cryptokey.EncodingRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailure, err)
	}
	ownPub := priv.RawPublic()
	peerPub := peer.RawPublic()

	shared, err := curve25519.X25519(scalar, peerPub)
	clear(scalar)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailure, err)
	}
	defer clear(shared)

	pubA, pubB := ownPub, peerPub
	dir := DirectionEncrypt
	if !encrypt {
		pubA, pubB = peerPub, ownPub
		dir = DirectionDecrypt
	}

	mac := hmac.New(sha256.New, shared)
	mac.Write(salt)
	mac.Write(pubA)
	mac.Write(pubB)
	return b.bind(mac.Sum(nil), dir)
}

// BindWithSecret binds the box directly to a 32-byte key.
func (b *Box) BindWithSecret(secret []byte, encrypt bool) error {
	if len(secret) != KeyLength {
		return fmt.Errorf("%w: secret is %d bytes, want %d", ErrBindFailure, len(secret), KeyLength)
	}
	key := make([]byte, KeyLength)
	copy(key, secret)
	dir := DirectionEncrypt
	if !encrypt {
		dir = DirectionDecrypt
	}
	return b.bind(key, dir)
}

func (b *Box) bind(key []byte, dir Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bound {
		clear(key)
		return fmt.Errorf("%w: already bound", ErrBindFailure)
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch b.kind {
	case KindAESGCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case KindChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		err = fmt.Errorf("unknown box kind %d", b.kind)
	}
	if err != nil {
		clear(key)
		return fmt.Errorf("%w: %v", ErrBindFailure, err)
	}

	b.aead = aead
	b.key = key
	b.dir = dir
	b.bound = true
	return nil
}

// Unbind releases the key. Encrypt and Decrypt fail with ErrNotBound
// afterwards until the box is bound again. A rebound box keeps refusing
// sequence numbers it already encrypted under; use New for a fresh
// sequence space.
func (b *Box) Unbind() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.bound {
		return ErrNotBound
	}
	clear(b.key)
	b.key = nil
	b.aead = nil
	b.bound = false
	return nil
}

// Encrypt seals plaintext under the nonce derived from seq and returns
// [tag][ciphertext], exactly TagLength+len(plaintext) bytes.
func (b *Box) Encrypt(seq uint64, plaintext, ad []byte) ([]byte, error) {
	return b.EncryptTo(nil, seq, plaintext, ad)
}

// EncryptTo is Encrypt appending the output to dst.
func (b *Box) EncryptTo(dst []byte, seq uint64, plaintext, ad []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ready(DirectionEncrypt); err != nil {
		return nil, err
	}
	if err := b.claim(seq); err != nil {
		return nil, err
	}
	return b.seal(dst, seq, plaintext, ad), nil
}

// encryptUnchecked seals without the sequence check. Only tests reach it.
func (b *Box) encryptUnchecked(seq uint64, plaintext, ad []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ready(DirectionEncrypt); err != nil {
		return nil, err
	}
	return b.seal(nil, seq, plaintext, ad), nil
}

func (b *Box) claim(seq uint64) error {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	if b.seqUsed && seq <= b.lastSeq {
		return fmt.Errorf("%w: %d (last %d)", ErrNonceReuse, seq, b.lastSeq)
	}
	b.seqUsed = true
	b.lastSeq = seq
	return nil
}

func (b *Box) seal(dst []byte, seq uint64, plaintext, ad []byte) []byte {
	var nonce [NonceLength]byte
	expandNonce(&nonce, seq)

	// Seal produces ciphertext||tag; the wire wants tag||ciphertext.
	sealed := b.aead.Seal(nil, nonce[:], plaintext, ad)
	n := len(plaintext)
	dst = append(dst, sealed[n:]...)
	return append(dst, sealed[:n]...)
}

// Decrypt opens [tag][ciphertext] produced by Encrypt with the same seq and
// associated data. On any mismatch it returns ErrAuthentication and no data.
func (b *Box) Decrypt(seq uint64, input []byte, tagLength int, ad []byte) ([]byte, error) {
	return b.DecryptTo(nil, seq, input, tagLength, ad)
}

// DecryptTo is Decrypt appending the plaintext to dst.
func (b *Box) DecryptTo(dst []byte, seq uint64, input []byte, tagLength int, ad []byte) ([]byte, error) {
	if tagLength != TagLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTagLength, tagLength)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ready(DirectionDecrypt); err != nil {
		return nil, err
	}
	if len(input) < tagLength {
		return nil, ErrAuthentication
	}

	var nonce [NonceLength]byte
	expandNonce(&nonce, seq)

	buf := make([]byte, 0, len(input))
	buf = append(buf, input[tagLength:]...)
	buf = append(buf, input[:tagLength]...)

	plain, err := b.aead.Open(buf[:0], nonce[:], buf, ad)
	if err != nil {
		clear(buf)
		return nil, ErrAuthentication
	}
	return append(dst, plain...), nil
}

func (b *Box) ready(dir Direction) error {
	if !b.bound {
		return ErrNotBound
	}
	if b.dir != dir {
		return ErrWrongDirection
	}
	return nil
}

func expandNonce(nonce *[NonceLength]byte, seq uint64) {
	binary.BigEndian.PutUint64(nonce[NonceLength-8:], seq)
}
