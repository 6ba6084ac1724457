package credential

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // SHA-1 thumbprints are the store lookup convention
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// KeyKind tells where a private key lives.
type KeyKind string

const (
	KeySoftware KeyKind = "software"
	KeyPKCS11   KeyKind = "pkcs11"
)

// KeyHandle is an acquired private key. Owned handles hold provider
// resources that Release gives back.
type KeyHandle struct {
	Signer crypto.Signer
	Kind   KeyKind
	Owned  bool

	once    sync.Once
	release func() error
	err     error
}

// NewKeyHandle wraps a signer. release may be nil.
func NewKeyHandle(s crypto.Signer, kind KeyKind, owned bool, release func() error) *KeyHandle {
	return &KeyHandle{Signer: s, Kind: kind, Owned: owned, release: release}
}

// Release frees provider resources held by an owned handle. It runs at
// most once; later calls return the first result.
func (h *KeyHandle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.Owned && h.release != nil {
			h.err = h.release()
		}
		h.Signer = nil
	})
	return h.err
}

// Identity is a certificate paired with its private key.
type Identity struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Key         *KeyHandle
	Source      string
}

// KeyUsage is one bit of the X.509 key usage extension.
type KeyUsage string

const (
	UsageDigitalSignature KeyUsage = "digitalSignature"
	UsageNonRepudiation   KeyUsage = "nonRepudiation"
	UsageKeyEncipherment  KeyUsage = "keyEncipherment"
	UsageDataEncipherment KeyUsage = "dataEncipherment"
	UsageKeyAgreement     KeyUsage = "keyAgreement"
	UsageKeyCertSign      KeyUsage = "keyCertSign"
	UsageCRLSign          KeyUsage = "cRLSign"
)

var keyUsageBits = []struct {
	bit  x509.KeyUsage
	name KeyUsage
}{
	{x509.KeyUsageDigitalSignature, UsageDigitalSignature},
	{x509.KeyUsageContentCommitment, UsageNonRepudiation},
	{x509.KeyUsageKeyEncipherment, UsageKeyEncipherment},
	{x509.KeyUsageDataEncipherment, UsageDataEncipherment},
	{x509.KeyUsageKeyAgreement, UsageKeyAgreement},
	{x509.KeyUsageCertSign, UsageKeyCertSign},
	{x509.KeyUsageCRLSign, UsageCRLSign},
}

// KeyUsages decodes the key usage bit field. An absent extension yields
// an empty set.
func KeyUsages(ku x509.KeyUsage) []KeyUsage {
	usages := []KeyUsage{}
	for _, b := range keyUsageBits {
		if ku&b.bit != 0 {
			usages = append(usages, b.name)
		}
	}
	return usages
}

// CertificateInfo is the display and validation view of a certificate.
type CertificateInfo struct {
	Subject      string     `json:"subject"`
	Issuer       string     `json:"issuer"`
	SerialNumber string     `json:"serial_number"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      time.Time  `json:"valid_to"`
	KeyUsage     []KeyUsage `json:"key_usage"`
	Thumbprint   string     `json:"thumbprint"`
	Fingerprint  string     `json:"fingerprint_sha256"`
	IsValid      bool       `json:"is_valid"`

	// KeyAlgorithm and KeySize are empty for unsupported key types.
	KeyAlgorithm string `json:"key_algorithm,omitempty"`
	KeySize      int    `json:"key_size,omitempty"`
}

// NewCertificateInfo derives the info record of cert as seen at now.
func NewCertificateInfo(cert *x509.Certificate, now time.Time) CertificateInfo {
	if cert == nil {
		return CertificateInfo{KeyUsage: []KeyUsage{}}
	}
	fp := sha256.Sum256(cert.Raw)
	info := CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: SerialHex(cert),
		ValidFrom:    cert.NotBefore.UTC(),
		ValidTo:      cert.NotAfter.UTC(),
		KeyUsage:     KeyUsages(cert.KeyUsage),
		Thumbprint:   Thumbprint(cert),
		Fingerprint:  hex.EncodeToString(fp[:]),
		IsValid:      WithinValidity(cert, now),
	}
	if alg, err := qcrypto.AlgorithmFromPublicKey(cert.PublicKey); err == nil {
		info.KeyAlgorithm = alg.String()
		info.KeySize = alg.KeySize()
	}
	return info
}

// Thumbprint returns the lowercase hex SHA-1 of the DER certificate.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw) //nolint:gosec // thumbprint, not a security boundary
	return hex.EncodeToString(sum[:])
}

// NormalizeThumbprint lowercases a thumbprint and strips separators so
// "AB:CD ef" matches "abcdef".
func NormalizeThumbprint(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			return r
		case r >= 'A' && r <= 'F':
			return r + ('a' - 'A')
		}
		return -1
	}, s)
}

// SerialHex renders the serial number as hex, most significant byte first.
func SerialHex(cert *x509.Certificate) string {
	if cert.SerialNumber == nil {
		return ""
	}
	b := cert.SerialNumber.Bytes()
	if len(b) == 0 {
		return "00"
	}
	return hex.EncodeToString(b)
}

// WithinValidity reports whether now lies inside [NotBefore, NotAfter].
func WithinValidity(cert *x509.Certificate, now time.Time) bool {
	return !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}
