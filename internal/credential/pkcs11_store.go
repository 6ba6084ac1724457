package credential

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// PKCS11Store exposes the certificates of a PKCS#11 token. The private key
// of a certificate is the token key sharing its CKA_ID.
type PKCS11Store struct {
	cfg *qcrypto.TokenConfig
}

var _ Store = (*PKCS11Store)(nil)

// NewPKCS11Store creates a store over the token described by cfg.
func NewPKCS11Store(cfg *qcrypto.TokenConfig) (*PKCS11Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: token configuration is required", ErrStoreUnavailable)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &PKCS11Store{cfg: cfg}, nil
}

// Name returns "pkcs11:" followed by the token label, or the module path
// when no label is configured.
func (s *PKCS11Store) Name() string {
	if s.cfg.Token != "" {
		return "pkcs11:" + s.cfg.Token
	}
	return "pkcs11:" + s.cfg.Lib
}

func (s *PKCS11Store) tokenCertificates() ([]qcrypto.TokenCertificate, error) {
	p11, err := s.cfg.ToPKCS11Config("")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	objs, err := qcrypto.ListTokenCertificates(*p11)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return objs, nil
}

// Certificates enumerates the token's certificate objects. Objects that
// do not parse as X.509 are skipped.
func (s *PKCS11Store) Certificates(ctx context.Context) ([]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	objs, err := s.tokenCertificates()
	if err != nil {
		return nil, err
	}

	certs := make([]*x509.Certificate, 0, len(objs))
	for _, obj := range objs {
		cert, err := x509.ParseCertificate(obj.DER)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// AcquireKey opens a token signer for the private key of cert. The handle
// is owned and must be released.
func (s *PKCS11Store) AcquireKey(ctx context.Context, cert *x509.Certificate) (*KeyHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	objs, err := s.tokenCertificates()
	if err != nil {
		return nil, err
	}

	var keyID string
	for _, obj := range objs {
		if bytes.Equal(obj.DER, cert.Raw) {
			keyID = obj.ID
			break
		}
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: certificate has no CKA_ID on token", ErrAcquireKeyFailed)
	}

	p11, err := s.cfg.ToPKCS11Config(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquireKeyFailed, err)
	}
	signer, err := qcrypto.NewPKCS11Signer(*p11)
	if err != nil {
		if errors.Is(err, qcrypto.ErrNoCGO) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAcquireKeyFailed, err)
	}
	if !qcrypto.PublicKeysEqual(signer.Public(), cert.PublicKey) {
		_ = signer.Close()
		return nil, fmt.Errorf("%w: token key does not match certificate", ErrAcquireKeyFailed)
	}

	return NewKeyHandle(signer, KeyPKCS11, true, signer.Close), nil
}
