package discovery

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
)

// FingerprintFromCertificate returns the first 64 bits (16 hex chars) of
// SHA-256 over the certificate DER.
func FingerprintFromCertificate(cert *x509.Certificate) string {
	return FingerprintFromDER(cert.Raw)
}

// FingerprintFromDER is FingerprintFromCertificate for raw DER bytes.
func FingerprintFromDER(der []byte) string {
	hash := sha256.Sum256(der)
	return hex.EncodeToString(hash[:8])
}

// ValidateFingerprint checks for 16 lowercase hex characters.
func ValidateFingerprint(fp string) bool {
	if len(fp) != FingerprintLength {
		return false
	}
	for _, c := range fp {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
