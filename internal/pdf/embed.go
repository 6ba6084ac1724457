package pdf

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	qcrypto "github.com/remiblancher/qsign/internal/crypto"
)

// Signature dictionary identifiers.
const (
	FilterPPKLite     = "Adobe.PPKLite"
	SubFilterDetached = "adbe.pkcs7.detached"
)

const (
	signatureComment   = "% qsign signature"
	byteRangeDigits    = 10
	signingTimeLayout  = "20060102150405"
	maxByteRangeOffset = 9999999999
)

// Position places the visible signature. It is recorded in the
// dictionary and does not alter page content.
type Position struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Validate checks that the position is on a page and not negative.
func (p Position) Validate() error {
	if p.Page < 1 {
		return fmt.Errorf("page must be >= 1, got %d", p.Page)
	}
	if p.X < 0 || p.Y < 0 || p.Width < 0 || p.Height < 0 {
		return fmt.Errorf("position coordinates must not be negative")
	}
	return nil
}

// Metadata is the descriptive part of a signature dictionary.
type Metadata struct {
	SignerName  string `json:"signer_name,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Location    string `json:"location,omitempty"`
	ContactInfo string `json:"contact_info,omitempty"`
}

// withDefaults fills empty fields of m from def.
func (m Metadata) withDefaults(def Metadata) Metadata {
	if m.SignerName == "" {
		m.SignerName = def.SignerName
	}
	if m.Reason == "" {
		m.Reason = def.Reason
	}
	if m.Location == "" {
		m.Location = def.Location
	}
	if m.ContactInfo == "" {
		m.ContactInfo = def.ContactInfo
	}
	return m
}

// SignatureDict is the content of an embedded signature object.
type SignatureDict struct {
	Signature   []byte
	Timestamp   []byte
	Certificate []byte
	Hash        crypto.Hash
	SigningTime time.Time
	Position    Position
	Metadata    Metadata

	// ByteRange is set when the dictionary is parsed from a document.
	ByteRange [4]int64
}

// pdfDate formats t as a PDF date string in UTC.
func pdfDate(t time.Time) string {
	return "D:" + t.UTC().Format(signingTimeLayout) + "Z"
}

// escapeString escapes a PDF literal string body.
func escapeString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '(', ')', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func paddedOffset(n int64) string {
	return fmt.Sprintf("%0*d", byteRangeDigits, n)
}

// object renders the signature object for the given byte range.
func (d *SignatureDict) object(objNum int, br [4]int64) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "\n%s\n%d 0 obj\n<<\n", signatureComment, objNum)
	b.WriteString("/Type /Sig\n")
	fmt.Fprintf(&b, "/Filter /%s\n", FilterPPKLite)
	fmt.Fprintf(&b, "/SubFilter /%s\n", SubFilterDetached)
	fmt.Fprintf(&b, "/ByteRange [%s %s %s %s]\n",
		paddedOffset(br[0]), paddedOffset(br[1]), paddedOffset(br[2]), paddedOffset(br[3]))
	fmt.Fprintf(&b, "/DigestMethod /%s\n", qcrypto.HashName(d.Hash))
	fmt.Fprintf(&b, "/Contents <%s>\n", hex.EncodeToString(d.Signature))
	if len(d.Timestamp) > 0 {
		fmt.Fprintf(&b, "/TimeStamp <%s>\n", hex.EncodeToString(d.Timestamp))
	}
	if len(d.Certificate) > 0 {
		fmt.Fprintf(&b, "/Cert <%s>\n", hex.EncodeToString(d.Certificate))
	}
	fmt.Fprintf(&b, "/M (%s)\n", pdfDate(d.SigningTime))
	if d.Metadata.SignerName != "" {
		fmt.Fprintf(&b, "/Name (%s)\n", escapeString(d.Metadata.SignerName))
	}
	if d.Metadata.Location != "" {
		fmt.Fprintf(&b, "/Location (%s)\n", escapeString(d.Metadata.Location))
	}
	if d.Metadata.Reason != "" {
		fmt.Fprintf(&b, "/Reason (%s)\n", escapeString(d.Metadata.Reason))
	}
	if d.Metadata.ContactInfo != "" {
		fmt.Fprintf(&b, "/ContactInfo (%s)\n", escapeString(d.Metadata.ContactInfo))
	}
	p := d.Position
	fmt.Fprintf(&b, "/QSignPosition << /Page %d /X %s /Y %s /Width %s /Height %s >>\n",
		p.Page, formatNumber(p.X), formatNumber(p.Y), formatNumber(p.Width), formatNumber(p.Height))
	b.WriteString(">>\nendobj\n")
	return b.Bytes()
}

// Embed inserts the signature object immediately before the last %%EOF
// of data. Bytes before the marker are unchanged. The /ByteRange covers
// exactly the original document: everything before the object and the
// marker with whatever follows it.
func Embed(data []byte, d *SignatureDict) ([]byte, error) {
	eof, err := trailerOffset(data)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxByteRangeOffset/2 {
		return nil, fmt.Errorf("document too large: %d bytes", len(data))
	}

	objNum := nextObjectNumber(data[:eof])

	// Offsets are fixed width, so the object length does not depend on
	// their values.
	objLen := int64(len(d.object(objNum, [4]int64{})))
	head := int64(eof)
	tail := int64(len(data)) - head
	br := [4]int64{0, head, head + objLen, tail}
	obj := d.object(objNum, br)

	out := make([]byte, 0, len(data)+len(obj))
	out = append(out, data[:eof]...)
	out = append(out, obj...)
	out = append(out, data[eof:]...)
	return out, nil
}
