// Package identity computes the content identity of a file: one hash over all
// of its blocks, fed strictly in block index order.
package identity

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/minio/sha256-simd"

	"github.com/bitrise-io/go-chunkupload/file"
)

// Algorithm selects the hash function used for the content identity.
type Algorithm string

const (
	// MD5 is the default identity, hex encoded.
	MD5 Algorithm = "md5"
	// SHA256 is a hex encoded SHA-256 identity.
	SHA256 Algorithm = "sha256"
)

const copyBufferSize = 256 * 1024

// ParseAlgorithm ...
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return MD5, nil
	case MD5, SHA256:
		return a, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm: %s", s)
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case MD5, "":
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm: %s", a)
	}
}

// Compute reads every range of src in slice order and returns the hex encoded
// hash of the concatenated bytes. The result only depends on the bytes, not on
// how they were split. Any read failure aborts the computation.
func Compute(ctx context.Context, src io.ReaderAt, ranges []file.Range, algo Algorithm) (string, error) {
	h, err := algo.newHash()
	if err != nil {
		return "", err
	}

	buf := make([]byte, copyBufferSize)
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		section := io.NewSectionReader(src, r.Start, r.Len())
		n, err := io.CopyBuffer(h, section, buf)
		if err != nil {
			return "", fmt.Errorf("read block %d: %w", i, err)
		}
		if n != r.Len() {
			return "", fmt.Errorf("read block %d: %w", i, io.ErrUnexpectedEOF)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sum returns the hex encoded hash of data.
func Sum(data []byte, algo Algorithm) (string, error) {
	h, err := algo.newHash()
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
