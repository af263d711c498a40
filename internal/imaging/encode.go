// Package imaging prepares local image files for submission to the
// generation API, which accepts them inline as base64 data URIs.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedImage is returned for files that are neither PNG nor JPEG.
var ErrUnsupportedImage = errors.New("unsupported image format")

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegMagic = []byte{0xff, 0xd8, 0xff}
)

// SniffMIME determines the image MIME type from the file's leading bytes,
// falling back to the filename extension when the header is inconclusive.
func SniffMIME(path string, data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "image/png", nil
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg", nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, path)
}

// EncodeDataURI reads the image at path and returns it as a
// data:<mime>;base64,<payload> URI suitable for the image_url field.
func EncodeDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}
	mime, err := SniffMIME(path, data)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
