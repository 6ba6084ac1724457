// Package crypto provides the signing primitives used by qsign.
// It covers the classical algorithms found in signing certificates
// (ECDSA, Ed25519, RSA) and PKCS#11 token access via miekg/pkcs11.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AlgorithmID identifies a signature key algorithm.
type AlgorithmID string

// Supported key algorithms.
const (
	AlgECDSAP256 AlgorithmID = "ecdsa-p256"
	AlgECDSAP384 AlgorithmID = "ecdsa-p384"
	AlgECDSAP521 AlgorithmID = "ecdsa-p521"
	AlgEd25519   AlgorithmID = "ed25519"
	AlgRSA2048   AlgorithmID = "rsa-2048"
	AlgRSA3072   AlgorithmID = "rsa-3072"
	AlgRSA4096   AlgorithmID = "rsa-4096"
)

// algorithmInfo holds metadata about an algorithm.
type algorithmInfo struct {
	KeySizeBits int
	Description string
}

var algorithms = map[AlgorithmID]algorithmInfo{
	AlgECDSAP256: {256, "ECDSA with P-256 curve"},
	AlgECDSAP384: {384, "ECDSA with P-384 curve"},
	AlgECDSAP521: {521, "ECDSA with P-521 curve"},
	AlgEd25519:   {256, "Ed25519"},
	AlgRSA2048:   {2048, "RSA 2048-bit PKCS#1 v1.5"},
	AlgRSA3072:   {3072, "RSA 3072-bit PKCS#1 v1.5"},
	AlgRSA4096:   {4096, "RSA 4096-bit PKCS#1 v1.5"},
}

// IsValid returns true if the algorithm is known.
func (a AlgorithmID) IsValid() bool {
	_, ok := algorithms[a]
	return ok
}

// KeySize returns the nominal key size in bits.
func (a AlgorithmID) KeySize() int {
	return algorithms[a].KeySizeBits
}

// Description returns a human-readable description.
func (a AlgorithmID) Description() string {
	if info, ok := algorithms[a]; ok {
		return info.Description
	}
	return "unknown algorithm"
}

func (a AlgorithmID) String() string {
	return string(a)
}

// AlgorithmFromPublicKey maps a public key to its AlgorithmID.
func AlgorithmFromPublicKey(pub crypto.PublicKey) (AlgorithmID, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return AlgECDSAP256, nil
		case 384:
			return AlgECDSAP384, nil
		case 521:
			return AlgECDSAP521, nil
		}
		return "", fmt.Errorf("unsupported EC curve: %s", k.Curve.Params().Name)
	case ed25519.PublicKey:
		return AlgEd25519, nil
	case *rsa.PublicKey:
		return rsaAlgorithm(k.N.BitLen()), nil
	default:
		return "", fmt.Errorf("unsupported public key type: %T", pub)
	}
}

func rsaAlgorithm(bitLen int) AlgorithmID {
	switch {
	case bitLen <= 2048:
		return AlgRSA2048
	case bitLen <= 3072:
		return AlgRSA3072
	default:
		return AlgRSA4096
	}
}

// Hash names accepted in configuration.
const (
	HashSHA256   = "sha256"
	HashSHA384   = "sha384"
	HashSHA512   = "sha512"
	HashSHA3_256 = "sha3-256"
	HashSHA3_384 = "sha3-384"
	HashSHA3_512 = "sha3-512"
)

// HashFromName resolves a configured hash name ("sha256", "SHA-256", "sha3-256", ...).
// An empty name resolves to SHA-256.
func HashFromName(name string) (crypto.Hash, error) {
	n := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	switch n {
	case "", HashSHA256, "sha-256":
		return crypto.SHA256, nil
	case HashSHA384, "sha-384":
		return crypto.SHA384, nil
	case HashSHA512, "sha-512":
		return crypto.SHA512, nil
	case HashSHA3_256:
		return crypto.SHA3_256, nil
	case HashSHA3_384:
		return crypto.SHA3_384, nil
	case HashSHA3_512:
		return crypto.SHA3_512, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
}

// HashName returns the canonical configuration name of h.
func HashName(h crypto.Hash) string {
	switch h {
	case crypto.SHA256:
		return HashSHA256
	case crypto.SHA384:
		return HashSHA384
	case crypto.SHA512:
		return HashSHA512
	case crypto.SHA3_256:
		return HashSHA3_256
	case crypto.SHA3_384:
		return HashSHA3_384
	case crypto.SHA3_512:
		return HashSHA3_512
	default:
		return h.String()
	}
}

// NewHash returns a hash.Hash for h. SHA-3 variants come from x/crypto so
// callers do not depend on the sha3 registration side effect.
func NewHash(h crypto.Hash) (hash.Hash, error) {
	switch h {
	case crypto.SHA3_256:
		return sha3.New256(), nil
	case crypto.SHA3_384:
		return sha3.New384(), nil
	case crypto.SHA3_512:
		return sha3.New512(), nil
	}
	if !h.Available() {
		return nil, fmt.Errorf("hash function %v is not available", h)
	}
	return h.New(), nil
}

// Digest hashes data with h.
func Digest(h crypto.Hash, data []byte) ([]byte, error) {
	hh, err := NewHash(h)
	if err != nil {
		return nil, err
	}
	hh.Write(data)
	return hh.Sum(nil), nil
}
