package file

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// Source is the raw content handed to the uploader.
// Implementations must allow concurrent ReadAt calls.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	ContentType() string
	ModTime() time.Time
}

// DiskSource reads a file on disk.
type DiskSource struct {
	file        *os.File
	name        string
	size        int64
	contentType string
	modTime     time.Time
}

// OpenSource opens the file at path as a Source. The caller closes it.
func OpenSource(path string) (*DiskSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &DiskSource{
		file:        f,
		name:        filepath.Base(path),
		size:        info.Size(),
		contentType: contentTypeByName(path),
		modTime:     info.ModTime(),
	}, nil
}

// ReadAt implements io.ReaderAt. os.File.ReadAt is safe for parallel use.
func (s *DiskSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Name ...
func (s *DiskSource) Name() string { return s.name }

// Size ...
func (s *DiskSource) Size() int64 { return s.size }

// ContentType ...
func (s *DiskSource) ContentType() string { return s.contentType }

// ModTime ...
func (s *DiskSource) ModTime() time.Time { return s.modTime }

// Path returns the path the source was opened from.
func (s *DiskSource) Path() string { return s.file.Name() }

// Close closes the underlying file.
func (s *DiskSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource serves content that is already in memory.
type BytesSource struct {
	reader      *bytes.Reader
	name        string
	size        int64
	contentType string
	modTime     time.Time
}

// NewBytesSource wraps data as a Source.
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{
		reader:      bytes.NewReader(data),
		name:        name,
		size:        int64(len(data)),
		contentType: contentTypeByName(name),
		modTime:     time.Now(),
	}
}

// ReadAt implements io.ReaderAt.
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}

// Name ...
func (s *BytesSource) Name() string { return s.name }

// Size ...
func (s *BytesSource) Size() int64 { return s.size }

// ContentType ...
func (s *BytesSource) ContentType() string { return s.contentType }

// ModTime ...
func (s *BytesSource) ModTime() time.Time { return s.modTime }

func contentTypeByName(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return ""
}
