package credential

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// Container is the signing entry extracted from a PKCS#12 file.
type Container struct {
	Certificate  *x509.Certificate
	Chain        []*x509.Certificate
	PrivateKey   crypto.PrivateKey
	FriendlyName string
}

type containerCert struct {
	cert  *x509.Certificate
	keyID string
	name  string
}

type containerKey struct {
	priv  crypto.PrivateKey
	pub   crypto.PublicKey
	keyID string
}

// ReadContainer reads and decodes a PKCS#12 file.
func ReadContainer(path, password string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerUnreadable, err)
	}
	return DecodeContainer(data, password)
}

// DecodeContainer decodes a PKCS#12 container and selects its signing
// entry: the first certificate, in file order, that has an associated
// private key. Keys are paired by localKeyId, then by public key.
func DecodeContainer(data []byte, password string) (*Container, error) {
	blocks, err := pkcs12.ToPEM(data, password) //nolint:staticcheck // ToPEM keeps bag attributes and order
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerUnreadable, err)
	}

	var certs []containerCert
	var keys []containerKey
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			// Parsed certificates alias their input; keep a private copy.
			cert, err := x509.ParseCertificate(bytes.Clone(block.Bytes))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrContainerUnreadable, err)
			}
			certs = append(certs, containerCert{
				cert:  cert,
				keyID: block.Headers["localKeyId"],
				name:  block.Headers["friendlyName"],
			})
		case "PRIVATE KEY":
			priv, err := qcrypto.ParsePrivateKeyDER(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrContainerUnreadable, err)
			}
			signer, ok := priv.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("%w: unsupported key type %T", ErrContainerUnreadable, priv)
			}
			keys = append(keys, containerKey{
				priv:  priv,
				pub:   signer.Public(),
				keyID: block.Headers["localKeyId"],
			})
		}
	}

	for i, c := range certs {
		key, ok := matchKey(c, keys)
		if !ok {
			continue
		}
		chain := make([]*x509.Certificate, 0, len(certs)-1)
		for j, other := range certs {
			if j != i {
				chain = append(chain, other.cert)
			}
		}
		return &Container{
			Certificate:  c.cert,
			Chain:        chain,
			PrivateKey:   key.priv,
			FriendlyName: c.name,
		}, nil
	}

	return nil, ErrNoSigningKey
}

func matchKey(c containerCert, keys []containerKey) (containerKey, bool) {
	if c.keyID != "" {
		for _, k := range keys {
			if k.keyID == c.keyID {
				return k, true
			}
		}
	}
	for _, k := range keys {
		if qcrypto.PublicKeysEqual(k.pub, c.cert.PublicKey) {
			return k, true
		}
	}
	return containerKey{}, false
}
