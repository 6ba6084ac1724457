package pdf

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	qcrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/tsa"
)

var (
	sigTypeMarker  = []byte("/Type /Sig")
	endobjMarker   = []byte("endobj")
	reByteRange    = regexp.MustCompile(`/ByteRange\s*\[\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*\]`)
	reDigestMethod = regexp.MustCompile(`/DigestMethod\s*/([A-Za-z0-9-]+)`)
	reSigningTime  = regexp.MustCompile(`/M\s*\(D:(\d{14})`)
	rePosition     = regexp.MustCompile(`/QSignPosition\s*<<\s*/Page\s+(\d+)\s+/X\s+([\d.]+)\s+/Y\s+([\d.]+)\s+/Width\s+([\d.]+)\s+/Height\s+([\d.]+)\s*>>`)
)

// VerifyResult describes a verified embedded signature.
type VerifyResult struct {
	Certificate *x509.Certificate
	SigningTime time.Time
	Metadata    Metadata
	Position    Position

	// Timestamped is true when the dictionary carries a /TimeStamp.
	Timestamped bool

	// TimestampTime is the token generation time, when the token parses
	// as an RFC 3161 token.
	TimestampTime time.Time
}

// ParseSignature extracts the last signature dictionary of data.
func ParseSignature(data []byte) (*SignatureDict, error) {
	at := bytes.LastIndex(data, sigTypeMarker)
	if at < 0 {
		return nil, ErrNoSignature
	}
	end := bytes.Index(data[at:], endobjMarker)
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated signature object", ErrInvalidFormat)
	}
	body := data[at : at+end]

	d := &SignatureDict{}

	m := reByteRange.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: missing /ByteRange", ErrInvalidFormat)
	}
	for i := range d.ByteRange {
		n, err := strconv.ParseInt(string(m[i+1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad /ByteRange: %v", ErrInvalidFormat, err)
		}
		d.ByteRange[i] = n
	}

	h, err := qcrypto.HashFromName(string(submatch(reDigestMethod, body)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	d.Hash = h

	if d.Signature, err = hexField(body, "/Contents"); err != nil {
		return nil, err
	}
	if len(d.Signature) == 0 {
		return nil, fmt.Errorf("%w: empty /Contents", ErrInvalidFormat)
	}
	if d.Timestamp, err = hexField(body, "/TimeStamp"); err != nil {
		return nil, err
	}
	if d.Certificate, err = hexField(body, "/Cert"); err != nil {
		return nil, err
	}

	if ts := submatch(reSigningTime, body); ts != nil {
		if t, err := time.Parse(signingTimeLayout, string(ts)); err == nil {
			d.SigningTime = t
		}
	}

	d.Metadata = Metadata{
		SignerName:  stringField(body, "/Name"),
		Reason:      stringField(body, "/Reason"),
		Location:    stringField(body, "/Location"),
		ContactInfo: stringField(body, "/ContactInfo"),
	}

	if p := rePosition.FindSubmatch(body); p != nil {
		d.Position.Page, _ = strconv.Atoi(string(p[1]))
		d.Position.X, _ = strconv.ParseFloat(string(p[2]), 64)
		d.Position.Y, _ = strconv.ParseFloat(string(p[3]), 64)
		d.Position.Width, _ = strconv.ParseFloat(string(p[4]), 64)
		d.Position.Height, _ = strconv.ParseFloat(string(p[5]), 64)
	}
	return d, nil
}

// SignedContent reassembles the bytes covered by the /ByteRange.
func (d *SignatureDict) SignedContent(data []byte) ([]byte, error) {
	br := d.ByteRange
	size := int64(len(data))
	if br[0] < 0 || br[1] < 0 || br[0]+br[1] > size || br[2] < br[0]+br[1] || br[2]+br[3] > size {
		return nil, fmt.Errorf("%w: /ByteRange %v outside document of %d bytes", ErrInvalidFormat, br, size)
	}
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, data[br[0]:br[0]+br[1]]...)
	out = append(out, data[br[2]:br[2]+br[3]]...)
	return out, nil
}

// Verify checks the last embedded signature of data against the
// certificate carried in its /Cert entry. Certificate trust and
// revocation are not evaluated.
func Verify(data []byte) (*VerifyResult, error) {
	d, err := ParseSignature(data)
	if err != nil {
		return nil, err
	}
	if len(d.Certificate) == 0 {
		return nil, fmt.Errorf("%w: no /Cert entry", ErrSignatureInvalid)
	}
	cert, err := x509.ParseCertificate(d.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad certificate: %v", ErrSignatureInvalid, err)
	}

	content, err := d.SignedContent(data)
	if err != nil {
		return nil, err
	}
	digest, err := qcrypto.Digest(d.Hash, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDigestFailed, err)
	}
	if err := qcrypto.VerifyDigest(cert.PublicKey, d.Hash, digest, d.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	res := &VerifyResult{
		Certificate: cert,
		SigningTime: d.SigningTime,
		Metadata:    d.Metadata,
		Position:    d.Position,
		Timestamped: len(d.Timestamp) > 0,
	}
	if res.Timestamped {
		if tok, err := tsa.ParseToken(d.Timestamp); err == nil {
			res.TimestampTime = tok.GenTime()
		}
	}
	return res, nil
}

func submatch(re *regexp.Regexp, body []byte) []byte {
	m := re.FindSubmatch(body)
	if m == nil {
		return nil
	}
	return m[1]
}

// hexField decodes the hex string following key. A missing key yields
// nil.
func hexField(body []byte, key string) ([]byte, error) {
	re := regexp.MustCompile(regexp.QuoteMeta(key) + `\s*<([0-9A-Fa-f\s]*)>`)
	m := re.FindSubmatch(body)
	if m == nil {
		return nil, nil
	}
	raw := bytes.Join(bytes.Fields(m[1]), nil)
	out, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s: %v", ErrInvalidFormat, key, err)
	}
	return out, nil
}

// stringField returns the unescaped literal string following key, or ""
// when the key is absent.
func stringField(body []byte, key string) string {
	idx := indexKey(body, key)
	if idx < 0 {
		return ""
	}
	rest := bytes.TrimLeft(body[idx+len(key):], " \t\r\n")
	if len(rest) == 0 || rest[0] != '(' {
		return ""
	}

	var out []byte
	depth := 0
	for i := 1; i < len(rest); i++ {
		c := rest[i]
		switch c {
		case '\\':
			if i+1 >= len(rest) {
				return string(out)
			}
			i++
			switch rest[i] {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			default:
				out = append(out, rest[i])
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			if depth == 0 {
				return string(out)
			}
			depth--
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// indexKey finds key as a whole PDF name, so "/Name" does not match
// "/NameX".
func indexKey(body []byte, key string) int {
	off := 0
	for {
		i := bytes.Index(body[off:], []byte(key))
		if i < 0 {
			return -1
		}
		i += off
		next := i + len(key)
		if next >= len(body) || isDelimiter(body[next]) {
			return i
		}
		off = next
	}
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '(', '<', '[', '/':
		return true
	}
	return false
}
