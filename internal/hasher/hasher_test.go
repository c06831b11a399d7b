package hasher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDigest(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: "d41d8cd98f00b204e9800998ecf8427e"},
		{name: "short", input: "abc", want: "900150983cd24fb0d6963f7d28e17f72"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := Digest(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Digest() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Digest() = %q, want %q", got, tt.want)
			}
			if n != int64(len(tt.input)) {
				t.Errorf("Digest() bytes = %d, want %d", n, len(tt.input))
			}
			if b := DigestBytes([]byte(tt.input)); b != tt.want {
				t.Errorf("DigestBytes() = %q, want %q", b, tt.want)
			}
		})
	}
}

func TestDigestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jar")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	got, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile() error = %v", err)
	}
	if got != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("DigestFile() = %q", got)
	}

	if _, err := DigestFile(filepath.Join(t.TempDir(), "missing.jar")); err == nil {
		t.Error("DigestFile() on missing file should fail")
	}
}
