package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// SoftwareSigner implements Signer with an in-memory private key.
type SoftwareSigner struct {
	alg  AlgorithmID
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// Ensure SoftwareSigner implements Signer.
var _ Signer = (*SoftwareSigner)(nil)

// NewSoftwareSigner wraps a private key.
func NewSoftwareSigner(priv crypto.PrivateKey) (*SoftwareSigner, error) {
	alg, pub := classicalKeyInfo(priv)
	if alg == "" {
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
	return &SoftwareSigner{alg: alg, priv: priv, pub: pub}, nil
}

// Algorithm returns the algorithm used by this signer.
func (s *SoftwareSigner) Algorithm() AlgorithmID {
	return s.alg
}

// Public returns the public key.
func (s *SoftwareSigner) Public() crypto.PublicKey {
	return s.pub
}

// Sign signs the digest with the private key.
// RSA keys use PKCS#1 v1.5 unless opts is *rsa.PSSOptions.
func (s *SoftwareSigner) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch priv := s.priv.(type) {
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(random, priv, digest)

	case ed25519.PrivateKey:
		return ed25519.Sign(priv, digest), nil

	case *rsa.PrivateKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			return rsa.SignPSS(random, priv, pssOpts.Hash, digest, pssOpts)
		}
		hash := crypto.SHA256
		if opts != nil && opts.HashFunc() != 0 {
			hash = opts.HashFunc()
		}
		return rsa.SignPKCS1v15(random, priv, hash, digest)

	default:
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
}

// PrivateKey returns the underlying private key.
func (s *SoftwareSigner) PrivateKey() crypto.PrivateKey {
	return s.priv
}

// ParsePrivateKeyDER parses a DER private key, trying PKCS#1, SEC 1 and
// PKCS#8 in that order.
func ParsePrivateKeyDER(der []byte) (crypto.PrivateKey, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unrecognized private key encoding: %w", err)
	}
	return k, nil
}

// ParsePrivateKeyPEM parses a PEM private key block, decrypting it with
// passphrase when the block is encrypted.
func ParsePrivateKeyPEM(block *pem.Block, passphrase []byte) (*SoftwareSigner, error) {
	der := block.Bytes
	//nolint:staticcheck // legacy PEM encryption is what the store writes
	if x509.IsEncryptedPEMBlock(block) {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("private key is encrypted but no passphrase was provided")
		}
		var err error
		//nolint:staticcheck // see above
		der, err = x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
	}

	var priv crypto.PrivateKey
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		priv, err = x509.ParsePKCS8PrivateKey(der)
	case "EC PRIVATE KEY":
		priv, err = x509.ParseECPrivateKey(der)
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(der)
	default:
		return nil, fmt.Errorf("unknown PEM type: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
	}
	return NewSoftwareSigner(priv)
}

// MarshalPrivateKeyPEM encodes priv as PKCS#8, encrypted with passphrase
// when one is given.
func MarshalPrivateKeyPEM(priv crypto.PrivateKey, passphrase []byte) (*pem.Block, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if len(passphrase) == 0 {
		return &pem.Block{Type: "PRIVATE KEY", Bytes: der}, nil
	}
	//nolint:staticcheck // legacy PEM encryption keeps files readable by openssl
	block, err := x509.EncryptPEMBlock(nil, "PRIVATE KEY", der, passphrase, x509.PEMCipherAES256)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return block, nil
}

// classicalKeyInfo returns the algorithm and public key for a private key.
func classicalKeyInfo(priv crypto.PrivateKey) (AlgorithmID, crypto.PublicKey) {
	switch k := priv.(type) {
	case *ecdsa.PrivateKey:
		alg, err := AlgorithmFromPublicKey(&k.PublicKey)
		if err != nil {
			return "", nil
		}
		return alg, &k.PublicKey
	case ed25519.PrivateKey:
		return AlgEd25519, k.Public()
	case *rsa.PrivateKey:
		return rsaAlgorithm(k.N.BitLen()), &k.PublicKey
	}
	return "", nil
}

// PublicKeysEqual reports whether two public keys are the same key.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	if !ok {
		return false
	}
	return ea.Equal(b)
}
