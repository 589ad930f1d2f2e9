package cert

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PEM errors.
var (
	ErrInvalidPEM     = errors.New("invalid PEM data")
	ErrUnexpectedType = errors.New("unexpected PEM block type")
	ErrUnsupportedKey = errors.New("unsupported private key type")
)

// PEM block types.
const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypePrivateKey  = "PRIVATE KEY"
)

// EncodeCertificatesPEM encodes a DER chain as concatenated PEM blocks.
func EncodeCertificatesPEM(chain [][]byte) []byte {
	var out []byte
	for _, der := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der})...)
	}
	return out
}

// DecodeCertificatesPEM parses every CERTIFICATE block in data.
func DecodeCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != pemTypeCertificate {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, block.Type)
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidPEM
	}
	return certs, nil
}

// EncodePrivateKeyPEM encodes an ECDSA key as PKCS#8.
func EncodePrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// DecodePrivateKeyPEM parses a PKCS#8 ECDSA key.
func DecodePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if block.Type != pemTypePrivateKey {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, block.Type)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return ec, nil
}

// SaveKeyPair writes the chain and key of c to certFile and keyFile.
// The key file is created with mode 0600.
func SaveKeyPair(c tls.Certificate, certFile, keyFile string) error {
	key, ok := c.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return ErrUnsupportedKey
	}
	keyPEM, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if err := writeFile(certFile, EncodeCertificatesPEM(c.Certificate), 0o644); err != nil {
		return err
	}
	return writeFile(keyFile, keyPEM, 0o600)
}

// LoadKeyPair reads a certificate chain and key written by SaveKeyPair
// or any PEM-encoded pair tls.X509KeyPair accepts.
func LoadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return c, nil
}

// SaveAuthority writes the authority certificate and key.
func SaveAuthority(a *Authority, certFile, keyFile string) error {
	return SaveKeyPair(tls.Certificate{
		Certificate: [][]byte{a.Certificate.Raw},
		PrivateKey:  a.PrivateKey,
	}, certFile, keyFile)
}

// LoadAuthority reads an authority written by SaveAuthority.
func LoadAuthority(certFile, keyFile string) (*Authority, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	certs, err := DecodeCertificatesPEM(certPEM)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	key, err := DecodePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	if !certs[0].IsCA {
		return nil, fmt.Errorf("%s is not a CA certificate", certFile)
	}
	return &Authority{Certificate: certs[0], PrivateKey: key}, nil
}

// LoadPool reads PEM certificates into a new pool.
func LoadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	certs, err := DecodeCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}
