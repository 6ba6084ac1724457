package tsa

import (
	"encoding/asn1"
	"fmt"
)

// PKIStatus values (RFC 3161 Section 2.4.2).
const (
	StatusGranted                = 0
	StatusGrantedWithMods        = 1
	StatusRejection              = 2
	StatusWaiting                = 3
	StatusRevocationWarning      = 4
	StatusRevocationNotification = 5
)

// PKIFailureInfo bits (RFC 3161 Section 2.4.2).
const (
	FailBadAlg              = 0
	FailBadRequest          = 2
	FailBadDataFormat       = 5
	FailTimeNotAvailable    = 14
	FailUnacceptedPolicy    = 15
	FailUnacceptedExtension = 16
	FailAddInfoNotAvailable = 17
	FailSystemFailure       = 25
)

// TimeStampResp is the wire form of a timestamp response.
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo contains the status of the request.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// Response is a decoded timestamp response.
type Response struct {
	Status PKIStatusInfo
	Token  *Token
}

// ParseResponse parses a DER-encoded TimeStampResp. A granted response
// must carry a token.
func ParseResponse(data []byte) (*Response, error) {
	var resp TimeStampResp
	rest, err := asn1.Unmarshal(data, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after TimeStampResp", ErrInvalidResponse)
	}

	response := &Response{Status: resp.Status}
	if len(resp.TimeStampToken.FullBytes) > 0 {
		token, err := ParseToken(resp.TimeStampToken.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		response.Token = token
	}
	if response.IsGranted() && response.Token == nil {
		return nil, fmt.Errorf("%w: granted response without token", ErrInvalidResponse)
	}
	return response, nil
}

// Marshal encodes the response as DER. The token is included only when
// the status is granted.
func (r *Response) Marshal() ([]byte, error) {
	resp := TimeStampResp{Status: r.Status}
	if r.Token != nil && r.IsGranted() {
		resp.TimeStampToken = asn1.RawValue{FullBytes: r.Token.Raw}
	}
	return asn1.Marshal(resp)
}

// IsGranted reports whether the authority issued a token.
func (r *Response) IsGranted() bool {
	return r.Status.Status == StatusGranted || r.Status.Status == StatusGrantedWithMods
}

// StatusString returns a human-readable status.
func (r *Response) StatusString() string {
	switch r.Status.Status {
	case StatusGranted:
		return "granted"
	case StatusGrantedWithMods:
		return "granted with modifications"
	case StatusRejection:
		return "rejection"
	case StatusWaiting:
		return "waiting"
	case StatusRevocationWarning:
		return "revocation warning"
	case StatusRevocationNotification:
		return "revocation notification"
	default:
		return fmt.Sprintf("unknown status %d", r.Status.Status)
	}
}

// FailureString returns the first failure reason of a refused request.
func (r *Response) FailureString() string {
	for i := 0; i < r.Status.FailInfo.BitLength; i++ {
		if r.Status.FailInfo.At(i) == 1 {
			return failureInfoString(i)
		}
	}
	if len(r.Status.StatusString) > 0 {
		return r.Status.StatusString[0]
	}
	return ""
}

func failureInfoString(bit int) string {
	switch bit {
	case FailBadAlg:
		return "unrecognized or unsupported algorithm"
	case FailBadRequest:
		return "transaction not permitted or supported"
	case FailBadDataFormat:
		return "data submitted has wrong format"
	case FailTimeNotAvailable:
		return "time source not available"
	case FailUnacceptedPolicy:
		return "requested policy not supported"
	case FailUnacceptedExtension:
		return "requested extension not supported"
	case FailAddInfoNotAvailable:
		return "additional information not available"
	case FailSystemFailure:
		return "system failure"
	default:
		return fmt.Sprintf("failure bit %d", bit)
	}
}

// FailInfoBits builds a PKIFailureInfo bit string with one bit set.
func FailInfoBits(bit int) asn1.BitString {
	n := bit/8 + 1
	b := make([]byte, n)
	b[bit/8] = 1 << uint(7-bit%8)
	return asn1.BitString{Bytes: b, BitLength: bit + 1}
}
