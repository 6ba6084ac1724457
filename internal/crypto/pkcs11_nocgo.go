//go:build !cgo

package crypto

import (
	"crypto"
	"io"
)

// PKCS11Signer is a stub used when CGO is not available.
type PKCS11Signer struct{}

// PoolStats is a point-in-time view of a session pool.
type PoolStats struct {
	Module string
	SlotID uint
	Idle   int
	InUse  int
}

// NewPKCS11Signer returns ErrNoCGO.
func NewPKCS11Signer(_ PKCS11Config) (*PKCS11Signer, error) {
	return nil, ErrNoCGO
}

// ListTokenCertificates returns ErrNoCGO.
func ListTokenCertificates(_ PKCS11Config) ([]TokenCertificate, error) {
	return nil, ErrNoCGO
}

// Algorithm returns the algorithm used by this signer.
func (s *PKCS11Signer) Algorithm() AlgorithmID {
	return ""
}

// Public returns the public key.
func (s *PKCS11Signer) Public() crypto.PublicKey {
	return nil
}

// Sign returns ErrNoCGO.
func (s *PKCS11Signer) Sign(_ io.Reader, _ []byte, _ crypto.SignerOpts) ([]byte, error) {
	return nil, ErrNoCGO
}

// Close is a no-op.
func (s *PKCS11Signer) Close() error {
	return nil
}

// CloseAllPools is a no-op without CGO.
func CloseAllPools() {}
