// Package hasher computes the content digests used to decide whether a
// plugin archive has changed.
//
// Digests are lower-case hex MD5. The md5 column of the plugin table is
// written by other servers as well, so the algorithm must not change.
package hasher

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest streams r through MD5 and returns the hex digest and the number of
// bytes read.
func Digest(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hasher: copy: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// DigestFile returns the hex digest of the file at path.
func DigestFile(path string) (string, error) {
	// #nosec G304 - path comes from a directory listing we own
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hasher: open file: %w", err)
	}
	defer f.Close()

	sum, _, err := Digest(f)
	if err != nil {
		return "", err
	}
	return sum, nil
}

// DigestBytes returns the hex digest of b.
func DigestBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
