// Package compression compresses block payloads before they are sent.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Algorithm names a block compression format.
type Algorithm string

const (
	// None sends blocks as they are.
	None Algorithm = "none"
	// Deflate is a zlib wrapped deflate stream.
	Deflate Algorithm = "deflate"
	// Zstd is a zstandard frame.
	Zstd Algorithm = "zstd"
)

// Parse ...
func Parse(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "", None:
		return None, nil
	case Deflate, Zstd:
		return a, nil
	default:
		return "", fmt.Errorf("unknown compression: %s", s)
	}
}

// Enabled reports whether a is an actual compression.
func (a Algorithm) Enabled() bool {
	return a != "" && a != None
}

// Compress returns data compressed with a.
func Compress(a Algorithm, data []byte) ([]byte, error) {
	switch a {
	case "", None:
		return data, nil
	case Deflate:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close deflate writer: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unknown compression: %s", a)
	}
}

// Decompress reverses Compress.
func Decompress(a Algorithm, data []byte) ([]byte, error) {
	switch a {
	case "", None:
		return data, nil
	case Deflate:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create deflate reader: %w", err)
		}
		defer func() { _ = r.Close() }()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		return out, nil
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decode zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression: %s", a)
	}
}
