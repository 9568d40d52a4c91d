// Package checksum computes the SHA-256 digests recorded with archived audit exports.
// Every storage backend reports the digest of what it stored, and the retention job
// compares it with the digest of the spool file it uploaded before purging anything.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Sum returns the hex SHA-256 of data
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}

// Writer hashes everything written through it
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewWriter wraps w so the digest of the written bytes is available afterwards
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, h: sha256.New()}
}

func (cw *Writer) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.h.Write(p[:n])
	cw.n += int64(n)
	return n, err
}

// Sum returns the hex SHA-256 of the bytes written so far
func (cw *Writer) Sum() string {
	return hex.EncodeToString(cw.h.Sum(nil))
}

// Written returns how many bytes have been written
func (cw *Writer) Written() int64 {
	return cw.n
}
