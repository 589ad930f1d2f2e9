package session

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/tlink-protocol/tlink-go/pkg/cryptobox"
	"github.com/tlink-protocol/tlink-go/pkg/cryptokey"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// SaltLength is the size of the client salt sent in Hello.
const SaltLength = 32

// Protection errors.
var (
	ErrUnsupportedBox = errors.New("unsupported box kind")
	ErrNoPeerKey      = errors.New("peer sent no public key")
)

// Protection seals outbound and opens inbound payloads of one session.
// Send and Recv are bound for opposite directions with distinct keys.
type Protection struct {
	Send *cryptobox.Sealer
	Recv *cryptobox.Opener
}

// Close unbinds both boxes. Later Seal and Open calls fail with
// cryptobox.ErrNotBound.
func (p *Protection) Close() error {
	return errors.Join(p.Send.Close(), p.Recv.Close())
}

// BoxKind maps a wire box identifier to the cryptobox algorithm.
func BoxKind(kind wire.BoxKind) (cryptobox.Kind, error) {
	switch kind {
	case wire.BoxAESGCM:
		return cryptobox.KindAESGCM, nil
	case wire.BoxChaCha20Poly1305:
		return cryptobox.KindChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedBox, kind)
	}
}

// NewProtection binds a box pair between priv and the peer key of neg.
// It returns nil without error when neg carries no box.
func NewProtection(priv *cryptokey.Key, neg transport.Negotiated) (*Protection, error) {
	if neg.Box == wire.BoxNone {
		return nil, nil
	}
	kind, err := BoxKind(neg.Box)
	if err != nil {
		return nil, err
	}
	if len(neg.PeerPublicKey) == 0 {
		return nil, ErrNoPeerKey
	}
	peer, err := cryptokey.ImportPublicKey(cryptokey.KindX25519, neg.PeerPublicKey, cryptokey.EncodingRaw)
	if err != nil {
		return nil, fmt.Errorf("peer key: %w", err)
	}

	send := cryptobox.New(kind)
	if err := send.BindWithKeys(priv, peer, true, neg.Salt); err != nil {
		return nil, err
	}
	recv := cryptobox.New(kind)
	if err := recv.BindWithKeys(priv, peer, false, neg.Salt); err != nil {
		_ = send.Unbind()
		return nil, err
	}
	return &Protection{Send: cryptobox.NewSealer(send), Recv: cryptobox.NewOpener(recv)}, nil
}

// offer is the client side of one protection negotiation. Every connection
// attempt gets its own offer so kept connections never share keys.
type offer struct {
	box  wire.BoxKind
	key  *cryptokey.Key
	salt []byte
}

func newOffer(box wire.BoxKind) (*offer, error) {
	if _, err := BoxKind(box); err != nil {
		return nil, err
	}
	key, err := cryptokey.GenerateKeyPair(cryptokey.KindX25519)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &offer{box: box, key: key, salt: salt}, nil
}

func (o *offer) prepare(hello *wire.Hello) {
	hello.Box = o.box
	hello.PublicKey = o.key.RawPublic()
	hello.Salt = o.salt
}

// protect binds the boxes once the server answered with its key.
func (o *offer) protect(neg transport.Negotiated) (*Protection, error) {
	if neg.Box != o.box {
		return nil, fmt.Errorf("%w: offered %d, got %d", ErrUnsupportedBox, o.box, neg.Box)
	}
	return NewProtection(o.key, neg)
}

// Responder answers protection offers with a static X25519 key. Client keys
// and salts are fresh per connection, so session keys never repeat.
type Responder struct {
	key   *cryptokey.Key
	boxes map[wire.BoxKind]bool

	// Require rejects clients that ask for no protection.
	Require bool
}

// NewResponder accepts the given box kinds, all known kinds when none are
// given. key must be an X25519 key with private material.
func NewResponder(key *cryptokey.Key, boxes ...wire.BoxKind) (*Responder, error) {
	if key == nil || key.Kind() != cryptokey.KindX25519 {
		return nil, fmt.Errorf("%w: responder needs an X25519 key", cryptokey.ErrUnsupportedKind)
	}
	if !key.HasPrivate() {
		return nil, cryptokey.ErrNoPrivateMaterial
	}
	if len(boxes) == 0 {
		boxes = []wire.BoxKind{wire.BoxAESGCM, wire.BoxChaCha20Poly1305}
	}
	r := &Responder{key: key, boxes: make(map[wire.BoxKind]bool)}
	for _, b := range boxes {
		if _, err := BoxKind(b); err != nil {
			return nil, err
		}
		r.boxes[b] = true
	}
	return r, nil
}

// PublicKey returns the raw public key sent in HelloAck.
func (r *Responder) PublicKey() []byte { return r.key.RawPublic() }

// Answer decides the box part of a Hello. It has the shape of
// transport.AcceptFunc.
func (r *Responder) Answer(hello *wire.Hello) *wire.HelloAck {
	if hello.Box == wire.BoxNone {
		if r.Require {
			return &wire.HelloAck{Status: wire.HelloUnsupportedBox, Reason: "protection required"}
		}
		return &wire.HelloAck{Status: wire.HelloAccepted}
	}
	if !r.boxes[hello.Box] {
		return &wire.HelloAck{Status: wire.HelloUnsupportedBox, Reason: fmt.Sprintf("box %d not offered", hello.Box)}
	}
	if len(hello.PublicKey) != 32 || len(hello.Salt) == 0 {
		return &wire.HelloAck{Status: wire.HelloRejected, Reason: "malformed key offer"}
	}
	return &wire.HelloAck{Status: wire.HelloAccepted, Box: hello.Box, PublicKey: r.key.RawPublic()}
}

// Protect binds the boxes of an accepted connection. It returns nil for
// unprotected connections.
func (r *Responder) Protect(neg transport.Negotiated) (*Protection, error) {
	return NewProtection(r.key, neg)
}
