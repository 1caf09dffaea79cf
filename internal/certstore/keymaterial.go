package certstore

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"sii-gateway/pkg/platform/sentinel"
)

// KeyMaterial is the portable form of a digital identity extracted from a
// certificate container. It is immutable once built and safe for concurrent
// read access: one handle is constructed per submission session, passed by
// reference, and dropped when the session ends. It must never be persisted or
// logged; String below is the only representation allowed near a log sink.
type KeyMaterial struct {
	PrivateKeyPEM  []byte
	CertificatePEM []byte
	PublicKeyPEM   []byte
	IssuerDN       string
	SubjectDN      string
	NotBefore      time.Time
	NotAfter       time.Time

	leaf *x509.Certificate
	key  crypto.PrivateKey
}

// Valid reports whether now falls inside the certificate validity window.
// Submission fails closed on any error here.
func (m *KeyMaterial) Valid(now time.Time) error {
	if now.Before(m.NotBefore) {
		return fmt.Errorf("certificate not valid before %s: %w", m.NotBefore.Format(time.RFC3339), sentinel.ErrExpired)
	}
	if now.After(m.NotAfter) {
		return fmt.Errorf("certificate expired at %s: %w", m.NotAfter.Format(time.RFC3339), sentinel.ErrExpired)
	}
	return nil
}

// TLSCertificate builds the client identity for mutually-authenticated HTTPS.
func (m *KeyMaterial) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(m.CertificatePEM, m.PrivateKeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("assemble client certificate: %w", err)
	}
	return cert, nil
}

// Leaf returns the parsed end-entity certificate.
func (m *KeyMaterial) Leaf() *x509.Certificate {
	return m.leaf
}

// String intentionally redacts everything but the certificate subject so an
// accidental %v of the handle cannot leak key material.
func (m *KeyMaterial) String() string {
	return fmt.Sprintf("KeyMaterial(subject=%q, not_after=%s)", m.SubjectDN, m.NotAfter.Format(time.RFC3339))
}
