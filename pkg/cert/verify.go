package cert

import (
	"crypto/x509"
	"errors"
)

// ErrNoPeerCertificate is returned when the peer presented nothing.
var ErrNoPeerCertificate = errors.New("peer presented no certificate")

// VerifyChain checks a presented chain against roots (system roots when nil)
// and host. The first element is the leaf. Errors are those of
// x509.Certificate.Verify so callers can tell hostname mismatches from
// unknown authorities.
func VerifyChain(chain []*x509.Certificate, roots *x509.CertPool, host string) error {
	if len(chain) == 0 {
		return ErrNoPeerCertificate
	}
	opts := x509.VerifyOptions{
		DNSName:       host,
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, c := range chain[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(opts)
	return err
}
