package cryptobox

// EncryptUnchecked bypasses the nonce sequence check so tests can show what
// reuse would produce.
func (b *Box) EncryptUnchecked(seq uint64, plaintext, ad []byte) ([]byte, error) {
	return b.encryptUnchecked(seq, plaintext, ad)
}
