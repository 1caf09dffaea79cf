package certstore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Loading errors. InvalidContainer and IncompleteContainer are distinct so
// operators get different guidance: the first means a wrong passphrase or a
// corrupt file, the second means the container was exported without its key
// or its certificate.
var (
	ErrInvalidContainer    = errors.New("certstore: container unreadable or wrong passphrase")
	ErrIncompleteContainer = errors.New("certstore: container missing certificate or matching private key")
)

// Load extracts a digital identity from a password-protected PKCS#12
// container. It works from an in-memory buffer, has no side effects beyond
// reading the input, and never writes key material anywhere.
func Load(container []byte, password string) (*KeyMaterial, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(container, password)
	if err != nil {
		return nil, classifyDecodeError(container, password, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidContainer, key)
	}
	if !publicKeysMatch(leaf, signer) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrIncompleteContainer)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encode private key: %v", ErrInvalidContainer, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encode public key: %v", ErrInvalidContainer, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
	for _, ca := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})...)
	}

	km := &KeyMaterial{
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		CertificatePEM: certPEM,
		PublicKeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		IssuerDN:       leaf.Issuer.String(),
		SubjectDN:      leaf.Subject.String(),
		NotBefore:      leaf.NotBefore,
		NotAfter:       leaf.NotAfter,
		leaf:           leaf,
		key:            key,
	}

	if err := km.Valid(time.Now()); err != nil {
		return nil, err
	}
	return km, nil
}

// classifyDecodeError separates "wrong password / corrupt file" from
// "readable container that simply lacks a private key". DecodeChain rejects
// both the same way, so on failure we retry the container as a
// certificates-only trust store: if that succeeds, the passphrase and the
// encoding are fine and the key entry is what is missing.
func classifyDecodeError(container []byte, password string, decodeErr error) error {
	if errors.Is(decodeErr, pkcs12.ErrIncorrectPassword) {
		return fmt.Errorf("%w: %v", ErrInvalidContainer, decodeErr)
	}

	if certs, err := pkcs12.DecodeTrustStore(container, password); err == nil && len(certs) > 0 {
		return fmt.Errorf("%w: container holds %d certificate(s) and no private key", ErrIncompleteContainer, len(certs))
	}
	return fmt.Errorf("%w: %v", ErrInvalidContainer, decodeErr)
}

func publicKeysMatch(leaf *x509.Certificate, signer crypto.Signer) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := leaf.PublicKey.(equaler)
	if !ok {
		return false
	}
	return pub.Equal(signer.Public())
}
