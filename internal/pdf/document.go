// Package pdf signs PDF documents by appending a signature dictionary
// before the final %%EOF marker. It is not a general PDF parser: the
// document structure is located with byte scans, and page geometry is a
// fixed US Letter size.
package pdf

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
)

// Header is the format signature every PDF starts with.
var Header = []byte("%PDF-")

var (
	eofMarker = []byte("%%EOF")

	pageMarker = regexp.MustCompile(`/Type\s*/Page\b`)
	objHeader  = regexp.MustCompile(`(?m)(?:^|[\s>])(\d+)\s+\d+\s+obj\b`)
)

// Default page geometry in points.
const (
	DefaultPageWidth  = 612.0
	DefaultPageHeight = 792.0
)

// Dimensions is a page size in points.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Info summarizes a document for the validate operation.
type Info struct {
	Valid      bool       `json:"valid"`
	Pages      int        `json:"pages"`
	Dimensions Dimensions `json:"dimensions"`
	Size       int64      `json:"size"`
}

// HasHeader reports whether data starts with the PDF header.
func HasHeader(data []byte) bool {
	return bytes.HasPrefix(data, Header)
}

// CountPages counts page objects, ignoring the /Pages tree nodes. A
// document with no page marker counts as one page.
func CountPages(data []byte) int {
	n := len(pageMarker.FindAllIndex(data, -1))
	if n == 0 {
		return 1
	}
	return n
}

// trailerOffset returns the offset of the last %%EOF marker.
func trailerOffset(data []byte) (int, error) {
	i := bytes.LastIndex(data, eofMarker)
	if i < 0 {
		return 0, ErrTrailerNotFound
	}
	return i, nil
}

// nextObjectNumber returns one past the highest object number in data.
func nextObjectNumber(data []byte) int {
	highest := 0
	for _, m := range objHeader.FindAllSubmatch(data, -1) {
		n, err := strconv.Atoi(string(m[1]))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// InspectBytes summarizes an in-memory document.
func InspectBytes(data []byte) *Info {
	info := &Info{Size: int64(len(data)), Valid: HasHeader(data)}
	if info.Valid {
		info.Pages = CountPages(data)
		info.Dimensions = Dimensions{Width: DefaultPageWidth, Height: DefaultPageHeight}
	}
	return info
}

// ValidatePDF reports whether the file at path starts with the PDF header.
// Unreadable files are not valid.
func ValidatePDF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, len(Header))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return HasHeader(head)
}

func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if !HasHeader(data) {
		return nil, ErrInvalidFormat
	}
	return data, nil
}

// PageCount returns the heuristic page count of the file at path.
func PageCount(path string) (int, error) {
	data, err := readDocument(path)
	if err != nil {
		return 0, err
	}
	return CountPages(data), nil
}

// PageDimensions returns the size of page (1-based). Every page reports
// the default size.
func PageDimensions(path string, page int) (Dimensions, error) {
	if page < 1 {
		return Dimensions{}, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidRequest, page)
	}
	if _, err := readDocument(path); err != nil {
		return Dimensions{}, err
	}
	return Dimensions{Width: DefaultPageWidth, Height: DefaultPageHeight}, nil
}

// Inspect validates the file at path and reports its page count and
// page size. A file without the PDF header yields Valid=false and no
// error.
func Inspect(path string) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrReadFailed, path)
	}

	info := &Info{Size: st.Size(), Valid: ValidatePDF(path)}
	if !info.Valid {
		return info, nil
	}
	if info.Pages, err = PageCount(path); err != nil {
		return nil, err
	}
	if info.Dimensions, err = PageDimensions(path, 1); err != nil {
		return nil, err
	}
	return info, nil
}
