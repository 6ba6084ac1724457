package tsa

import (
	"bytes"
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// CMS identifiers of a timestamp token.
var (
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
)

// TSTInfo represents the timestamp token info (RFC 3161 Section 2.4.2).
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time        `asn1:"generalized"`
	Accuracy       Accuracy         `asn1:"optional"`
	Ordering       bool             `asn1:"optional,default:false"`
	Nonce          *big.Int         `asn1:"optional"`
	TSA            asn1.RawValue    `asn1:"optional,tag:0"`
	Extensions     []pkix.Extension `asn1:"optional,tag:1"`
}

// Accuracy represents the accuracy of the timestamp.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

// contentInfo and signedData cover only the parts of a CMS token that
// are needed to reach the TSTInfo. The signature is not verified here.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// Token is a timestamp token. Raw holds the full CMS ContentInfo as
// received; it is what gets embedded.
type Token struct {
	Info *TSTInfo
	Raw  []byte
}

// ParseToken parses a DER-encoded timestamp token (CMS SignedData).
func ParseToken(data []byte) (*Token, error) {
	var ci contentInfo
	rest, err := asn1.Unmarshal(data, &ci)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after ContentInfo")
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("unexpected content type: %v", ci.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("unexpected encapsulated content type: %v", sd.EncapContentInfo.EContentType)
	}

	var tstInfoDER []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &tstInfoDER); err != nil {
		return nil, fmt.Errorf("failed to extract TSTInfo: %w", err)
	}

	var info TSTInfo
	if _, err := asn1.Unmarshal(tstInfoDER, &info); err != nil {
		return nil, fmt.Errorf("failed to parse TSTInfo: %w", err)
	}

	return &Token{Info: &info, Raw: append([]byte(nil), data...)}, nil
}

// GenTime returns the generation time of the token.
func (t *Token) GenTime() time.Time {
	if t.Info == nil {
		return time.Time{}
	}
	return t.Info.GenTime
}

// HashAlgorithm returns the hash algorithm of the message imprint.
func (t *Token) HashAlgorithm() (crypto.Hash, error) {
	if t.Info == nil {
		return 0, fmt.Errorf("no TSTInfo")
	}
	return oidToHash(t.Info.MessageImprint.HashAlgorithm.Algorithm)
}

// Matches checks that the token answers req: same imprint and, when
// the request carried one, the same nonce.
func (t *Token) Matches(req *TimeStampReq) error {
	if t.Info == nil {
		return fmt.Errorf("%w: no TSTInfo", ErrInvalidResponse)
	}
	got := t.Info.MessageImprint
	want := req.MessageImprint
	if !got.HashAlgorithm.Algorithm.Equal(want.HashAlgorithm.Algorithm) ||
		!bytes.Equal(got.HashedMessage, want.HashedMessage) {
		return ErrImprintMismatch
	}
	if req.Nonce != nil && (t.Info.Nonce == nil || t.Info.Nonce.Cmp(req.Nonce) != 0) {
		return ErrNonceMismatch
	}
	return nil
}
