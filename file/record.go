// Package file holds the per-file upload state: the Record, its Blocks, the
// status state machine and the block splitter.
package file

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultName        = "Untitled"
	defaultContentType = "application/octet-stream"
)

var (
	// ErrHashAlreadySet is returned when the content identity of a record is set twice.
	ErrHashAlreadySet = errors.New("content hash already set")
	// ErrBlocksAlreadySet is returned when a record is split twice.
	ErrBlocksAlreadySet = errors.New("blocks already set")
)

// Record is one file enqueued for upload.
// The immutable descriptive fields are exported; the mutable state is guarded
// by an internal lock and reached through methods.
type Record struct {
	ID           string
	Name         string
	Ext          string
	Size         int64
	Type         string
	LastModified time.Time
	Source       Source

	mu         sync.RWMutex
	hash       string
	blocks     []*Block
	status     Status
	statusText string
}

// NewRecord wraps a Source into a QUEUED record.
func NewRecord(src Source) *Record {
	name := src.Name()
	if name == "" {
		name = defaultName
	}
	contentType := src.ContentType()
	if contentType == "" {
		contentType = defaultContentType
	}
	modTime := src.ModTime()
	if modTime.IsZero() {
		modTime = time.Now()
	}
	size := src.Size()
	if size < 0 {
		size = 0
	}

	return &Record{
		ID:           uuid.NewString(),
		Name:         name,
		Ext:          strings.TrimPrefix(filepath.Ext(name), "."),
		Size:         size,
		Type:         contentType,
		LastModified: modTime,
		Source:       src,
		status:       StatusQueued,
	}
}

// Hash returns the content identity, or "" while it is not computed yet.
func (r *Record) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hash
}

// SetHash sets the content identity. It can be set only once.
func (r *Record) SetHash(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hash != "" {
		return ErrHashAlreadySet
	}
	r.hash = hash
	return nil
}

// Blocks returns the record's blocks in index order; nil until split.
func (r *Record) Blocks() []*Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocks
}

// SetBlocks stores the split blocks. A record is split only once.
func (r *Record) SetBlocks(blocks []*Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.blocks != nil {
		return ErrBlocksAlreadySet
	}
	r.blocks = blocks
	return nil
}

// Status returns the current status.
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// StatusText returns the message recorded with the last status change.
func (r *Record) StatusText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusText
}

// SetStatus moves the record to status. It reports whether the status actually
// changed; setting the current status again only updates the text.
func (r *Record) SetStatus(status Status, text string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.status, status) {
		return false, transitionError(r.status, status)
	}
	r.statusText = text
	if r.status == status {
		return false, nil
	}
	r.status = status
	return true, nil
}

// Progress returns the aggregate progress: the mean of the block progress
// fractions, each block weighted equally. It is exactly 1 once COMPLETE.
func (r *Record) Progress() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.status == StatusComplete {
		return 1
	}
	if len(r.blocks) == 0 {
		return 0
	}

	var sum float64
	for _, b := range r.blocks {
		sum += b.Progress()
	}
	return clamp(sum / float64(len(r.blocks)))
}

// Snapshot is a point-in-time copy of a Record's state.
type Snapshot struct {
	ID         string
	Name       string
	Size       int64
	Hash       string
	Status     Status
	StatusText string
	Progress   float64
	Blocks     int
}

// Snapshot returns a copy of the record's current state.
func (r *Record) Snapshot() Snapshot {
	progress := r.Progress()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		ID:         r.ID,
		Name:       r.Name,
		Size:       r.Size,
		Hash:       r.hash,
		Status:     r.status,
		StatusText: r.statusText,
		Progress:   progress,
		Blocks:     len(r.blocks),
	}
}
