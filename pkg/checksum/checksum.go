// Package checksum computes the SHA-256 digests recorded alongside archived
// audit files. Backends store the hex digest in object metadata and the
// archiver compares it with the local file before trusting an upload.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Buffer reads reader fully and returns the content with its SHA256. sizeHint
// presizes the buffer; a negative or zero hint is ignored. Backends that must
// send the digest as a request header before the body use it.
func Buffer(reader io.Reader, sizeHint int64) ([]byte, string, error) {
	buf := bytes.NewBuffer(make([]byte, 0, max(sizeHint, 0)))
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(buf, hasher), reader); err != nil {
		return nil, "", fmt.Errorf("failed to read data: %w", err)
	}
	return buf.Bytes(), hex.EncodeToString(hasher.Sum(nil)), nil
}
