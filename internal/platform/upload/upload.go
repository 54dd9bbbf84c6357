// Package upload turns uploaded result files into text for the parser.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrNotUTF8 is returned for content that is not valid UTF-8 text.
var ErrNotUTF8 = errors.New("upload: file is not valid UTF-8 text")

// DecodeText converts raw file bytes to a string, dropping a leading UTF-8
// byte order mark. Empty input yields "" and no error.
func DecodeText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrNotUTF8
	}
	out, _, err := transform.Bytes(unicode.UTF8BOM.NewDecoder(), b)
	if err != nil {
		return "", fmt.Errorf("upload: decode: %w", err)
	}
	return string(out), nil
}

// ReadMultipartFile reads at most limit bytes of an uploaded file and
// decodes it with DecodeText. A non-positive limit means unbounded.
func ReadMultipartFile(fh *multipart.FileHeader, limit int64) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("upload: open %q: %w", fh.Filename, err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("upload: read %q: %w", fh.Filename, err)
	}
	return DecodeText(b)
}
