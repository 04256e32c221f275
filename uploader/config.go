package uploader

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/identity"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// DefaultChunkSize is the default block size (5 MiB).
const DefaultChunkSize = 5 * 1024 * 1024

// Config holds configuration for the uploader.
type Config struct {
	// Chunked splits files into ChunkSize blocks. When false every file is
	// sent as a single block. A block is held in memory while it is sent, and
	// a multipart request copies it once more into the request body, so an
	// unchunked transfer of a large file needs about twice its size in memory.
	// Default: false
	Chunked bool

	// ChunkSize is the block size in bytes.
	// Default: 5 MiB
	ChunkSize int64

	// Retry is the number of resends of a failed block before the whole file
	// is marked as failed.
	// Default: 2
	Retry int

	// Threads is the maximum number of block transfers in flight.
	// Default: 3
	Threads int

	// Request holds the endpoint, headers and other fixed request settings.
	Request transport.RequestOptions

	// Hash is the content identity algorithm.
	// Default: md5
	Hash identity.Algorithm

	// Compression compresses every block payload before sending.
	// Default: none
	Compression compression.Algorithm

	// RetryBackoffMin and RetryBackoffMax enable exponential backoff between
	// resends of a block. With RetryBackoffMax zero a failed block is resent
	// immediately.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration

	// HungThreshold is the duration after which a block transfer is considered
	// hung if it exceeds the average transfer time by this amount. Hung
	// transfers are aborted and retried. Zero disables detection.
	HungThreshold time.Duration

	// FileNumLimit caps the number of files in the queue. Zero means unlimited.
	FileNumLimit int

	// FileSizeLimit caps the size of a single file in bytes. Zero means unlimited.
	FileSizeLimit int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Chunked:     false,
		ChunkSize:   DefaultChunkSize,
		Retry:       2,
		Threads:     3,
		Request:     transport.DefaultRequestOptions(),
		Hash:        identity.MD5,
		Compression: compression.None,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if c.Retry < 0 {
		return fmt.Errorf("retry must not be negative, got %d", c.Retry)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", c.ChunkSize)
	}
	if c.RetryBackoffMin < 0 || c.RetryBackoffMax < 0 || c.RetryBackoffMin > c.RetryBackoffMax && c.RetryBackoffMax > 0 {
		return fmt.Errorf("invalid retry backoff range: %s - %s", c.RetryBackoffMin, c.RetryBackoffMax)
	}
	if c.HungThreshold < 0 {
		return fmt.Errorf("hung threshold must not be negative")
	}
	if c.FileNumLimit < 0 || c.FileSizeLimit < 0 {
		return fmt.Errorf("file limits must not be negative")
	}
	if _, err := identity.ParseAlgorithm(string(c.Hash)); err != nil {
		return err
	}
	if _, err := compression.Parse(string(c.Compression)); err != nil {
		return err
	}
	return nil
}

// blockChunkSize is the chunkSize field sent with every block.
func (c Config) blockChunkSize(fileSize int64) int64 {
	if !c.Chunked || c.ChunkSize <= 0 {
		return fileSize
	}
	return c.ChunkSize
}
