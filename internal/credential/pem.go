package credential

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// EncodeCertificatesPEM encodes certificates as consecutive PEM blocks,
// preserving order.
func EncodeCertificatesPEM(certs []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

// DecodeCertificatesPEM decodes every CERTIFICATE block in data.
// Other block types are skipped.
func DecodeCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		data = rest
	}
	return certs, nil
}

// EncodePrivateKeyPEM encodes priv, encrypted when passphrase is set.
func EncodePrivateKeyPEM(priv crypto.PrivateKey, passphrase []byte) ([]byte, error) {
	block, err := qcrypto.MarshalPrivateKeyPEM(priv, passphrase)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

// DecodePrivateKeyPEM decodes the first private key block in data.
func DecodePrivateKeyPEM(data []byte, passphrase []byte) (*qcrypto.SoftwareSigner, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no private key block found")
		}
		switch block.Type {
		case "PRIVATE KEY", "EC PRIVATE KEY", "RSA PRIVATE KEY":
			return qcrypto.ParsePrivateKeyPEM(block, passphrase)
		}
		data = rest
	}
}
