// Package digest computes the sha256 content digests recorded in manifests.
package digest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ChunkSize bounds the read buffer used when streaming files.
const ChunkSize = 64 * 1024

// HexLength is the length of a hex-encoded sha256 digest.
const HexLength = sha256.Size * 2

func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reader streams r through sha256 in ChunkSize reads.
func Reader(r io.Reader) (string, error) {
	hasher := sha256.New()
	buffer := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(hasher, bufio.NewReaderSize(r, ChunkSize), buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// File digests the file at path without loading it into memory.
func File(path string) (string, error) {
	// #nosec G304 -- artifact paths are produced by the pipeline under its base directory.
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	sum, err := Reader(file)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}

func IsHex(value string) bool {
	if len(value) != HexLength {
		return false
	}
	for _, ch := range value {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
