package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// HashReader computes the hex-encoded SHA-256 digest of everything readable
// from r. The content hash is the dedup fingerprint: identical bytes always
// produce the same digest regardless of filename or upload order.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
