package cryptobox

import (
	"fmt"
	"sync"
)

// Sealer owns the sequence counter of one encrypting box. Concurrent callers
// are serialized so every sealed message gets a fresh, increasing value.
type Sealer struct {
	mu   sync.Mutex
	box  *Box
	next uint64
}

// NewSealer wraps an encrypt-bound box. Sequence values start at 1.
func NewSealer(box *Box) *Sealer {
	return &Sealer{box: box, next: 1}
}

// Seal encrypts plaintext and returns the sequence value it used.
func (s *Sealer) Seal(plaintext, ad []byte) (uint64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.next
	out, err := s.box.Encrypt(seq, plaintext, ad)
	if err != nil {
		return 0, nil, err
	}
	s.next++
	return seq, out, nil
}

// Close unbinds the underlying box.
func (s *Sealer) Close() error {
	return s.box.Unbind()
}

// Opener decrypts the messages of one direction and rejects sequence values
// that do not increase, which covers replayed and reordered frames on an
// ordered transport.
type Opener struct {
	mu      sync.Mutex
	box     *Box
	seen    bool
	lastSeq uint64
}

// NewOpener wraps a decrypt-bound box.
func NewOpener(box *Box) *Opener {
	return &Opener{box: box}
}

// Open authenticates and decrypts input sealed with seq.
func (o *Opener) Open(seq uint64, input, ad []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.seen && seq <= o.lastSeq {
		return nil, fmt.Errorf("%w: replayed sequence %d", ErrAuthentication, seq)
	}
	plain, err := o.box.Decrypt(seq, input, TagLength, ad)
	if err != nil {
		return nil, err
	}
	o.seen = true
	o.lastSeq = seq
	return plain, nil
}

// Close unbinds the underlying box.
func (o *Opener) Close() error {
	return o.box.Unbind()
}
