package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"io"
)

// Signer extends crypto.Signer with algorithm metadata.
type Signer interface {
	crypto.Signer

	// Algorithm returns the algorithm identifier for this signer.
	Algorithm() AlgorithmID
}

// Closer is implemented by signers that hold provider resources
// (token sessions) which must be released after use.
type Closer interface {
	Close() error
}

// SignDigest signs a precomputed digest with s.
// Ed25519 keys sign the digest bytes as the message.
func SignDigest(random io.Reader, s crypto.Signer, digest []byte, h crypto.Hash) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("signer is nil")
	}
	var opts crypto.SignerOpts = h
	if _, ok := s.Public().(ed25519.PublicKey); ok {
		opts = crypto.Hash(0)
	}
	return s.Sign(random, digest, opts)
}

// VerifyDigest verifies a signature over a precomputed digest.
func VerifyDigest(pub crypto.PublicKey, h crypto.Hash, digest, signature []byte) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, signature) {
			return fmt.Errorf("ECDSA signature verification failed")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, signature) {
			return fmt.Errorf("Ed25519 signature verification failed")
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, h, digest, signature); err != nil {
			return fmt.Errorf("RSA signature verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type: %T", pub)
	}
}
