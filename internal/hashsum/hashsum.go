// Package hashsum computes the content hashes used throughout the engine:
// SHA-256 over file content (cached by the state store) and SHA-256 over
// arbitrary strings (the layer canonical-hash accumulator, and the
// destination-path blob filename).
package hashsum

import (
	"bufio"
	"io"
	"os"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

const streamBufferSize = 4096

// HashReader streams r through a bufio.Reader and returns the lowercase
// hex SHA-256 digest, mirroring the original's 4096-byte buffered read.
func HashReader(r io.Reader) (string, error) {
	hash, _, err := v1.SHA256(bufio.NewReaderSize(r, streamBufferSize))
	if err != nil {
		return "", err
	}
	return hash.Hex, nil
}

// HashFile opens path and returns the lowercase hex SHA-256 digest of its
// content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}

// HashString returns the lowercase hex SHA-256 digest of a string,
// used both for the layer canonical-hash accumulator and for deriving a
// blob's on-disk filename from its destination path.
func HashString(text string) string {
	hash, _, _ := v1.SHA256(strings.NewReader(text))
	return hash.Hex
}
