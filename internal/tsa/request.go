package tsa

import (
	"crypto"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// Hash algorithm identifiers used in message imprints.
var (
	OIDSHA256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	OIDSHA3_256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 8}
	OIDSHA3_384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 9}
	OIDSHA3_512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}
)

// TimeStampReq represents a timestamp request (RFC 3161 Section 2.4.1).
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []pkix.Extension      `asn1:"optional,tag:0"`
}

// MessageImprint contains the hash of the data to be timestamped.
type MessageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

// HashOID returns the imprint identifier for h.
func HashOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	case crypto.SHA3_256:
		return OIDSHA3_256, nil
	case crypto.SHA3_384:
		return OIDSHA3_384, nil
	case crypto.SHA3_512:
		return OIDSHA3_512, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, h)
	}
}

// oidToHash converts a hash algorithm OID to crypto.Hash.
func oidToHash(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	case oid.Equal(OIDSHA3_256):
		return crypto.SHA3_256, nil
	case oid.Equal(OIDSHA3_384):
		return crypto.SHA3_384, nil
	case oid.Equal(OIDSHA3_512):
		return crypto.SHA3_512, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, oid)
	}
}

// NewNonce returns a random 64-bit nonce.
func NewNonce() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
}

// NewRequest builds a request for a precomputed digest. The digest length
// must match h.
func NewRequest(digest []byte, h crypto.Hash, nonce *big.Int, certReq bool) (*TimeStampReq, error) {
	oid, err := HashOID(h)
	if err != nil {
		return nil, err
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("digest length %d does not match %v (%d)", len(digest), h, h.Size())
	}

	return &TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid},
			HashedMessage: append([]byte(nil), digest...),
		},
		Nonce:   nonce,
		CertReq: certReq,
	}, nil
}

// ParseRequest parses a DER-encoded TimeStampReq.
func ParseRequest(data []byte) (*TimeStampReq, error) {
	var req TimeStampReq
	rest, err := asn1.Unmarshal(data, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TimeStampReq: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after TimeStampReq")
	}
	if req.Version != 1 {
		return nil, fmt.Errorf("unsupported TSP version: %d", req.Version)
	}
	h, err := req.HashAlgorithm()
	if err != nil {
		return nil, err
	}
	if len(req.MessageImprint.HashedMessage) != h.Size() {
		return nil, fmt.Errorf("hash length mismatch: got %d, expected %d",
			len(req.MessageImprint.HashedMessage), h.Size())
	}
	return &req, nil
}

// HashAlgorithm returns the crypto.Hash for the message imprint.
func (r *TimeStampReq) HashAlgorithm() (crypto.Hash, error) {
	return oidToHash(r.MessageImprint.HashAlgorithm.Algorithm)
}

// Marshal encodes the TimeStampReq as DER.
func (r *TimeStampReq) Marshal() ([]byte, error) {
	return asn1.Marshal(*r)
}
