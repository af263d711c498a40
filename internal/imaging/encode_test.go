package imaging

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestSniffMIME(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		data    []byte
		want    string
		wantErr bool
	}{
		{"png magic", "a.bin", []byte("\x89PNG\r\n\x1a\nrest"), "image/png", false},
		{"jpeg magic", "a.bin", []byte("\xff\xd8\xff\xe0rest"), "image/jpeg", false},
		{"magic beats extension", "a.png", []byte("\xff\xd8\xff\xe0rest"), "image/jpeg", false},
		{"png extension fallback", "a.png", []byte("no magic here"), "image/png", false},
		{"jpg extension fallback", "a.JPG", []byte("no magic here"), "image/jpeg", false},
		{"jpeg extension fallback", "a.jpeg", []byte("no magic here"), "image/jpeg", false},
		{"unknown", "a.gif", []byte("GIF89a"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SniffMIME(tt.path, tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedImage) {
					t.Fatalf("expected ErrUnsupportedImage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SniffMIME failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEncodeDataURI(t *testing.T) {
	raw := []byte("\x89PNG\r\n\x1a\npayload")
	path := writeFile(t, "img.png", raw)

	uri, err := EncodeDataURI(path)
	if err != nil {
		t.Fatalf("EncodeDataURI failed: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("unexpected prefix: %q", uri)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	if err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Errorf("round trip mismatch")
	}
}

func TestEncodeDataURIUnsupported(t *testing.T) {
	path := writeFile(t, "img.gif", []byte("GIF89a"))
	if _, err := EncodeDataURI(path); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("expected ErrUnsupportedImage, got %v", err)
	}
}

func TestEncodeDataURIMissingFile(t *testing.T) {
	if _, err := EncodeDataURI(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("expected error for missing file")
	}
}
