// Package store remembers which files and blocks the server already accepted,
// so a later attempt can skip them.
package store

import (
	"fmt"
	"sync"

	"github.com/bitrise-io/go-chunkupload/transport"
)

// Store maps a content identity to the server's file-completion response and
// (identity, block index) to the block-accepted response. Entries never expire;
// Reset clears everything. A single Store may be shared by several uploaders.
type Store struct {
	mu     sync.RWMutex
	files  map[string]*transport.Response
	blocks map[string]*transport.Response
}

// New ...
func New() *Store {
	return &Store{
		files:  map[string]*transport.Response{},
		blocks: map[string]*transport.Response{},
	}
}

func blockKey(hash string, index int) string {
	return fmt.Sprintf("%s_%d", hash, index)
}

// RecordFile marks the file as fully uploaded.
func (s *Store) RecordFile(hash string, resp *transport.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[hash] = resp
}

// RecordBlock marks one block of the file as accepted.
func (s *Store) RecordBlock(hash string, index int, resp *transport.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockKey(hash, index)] = resp
}

// HasFile ...
func (s *Store) HasFile(hash string) bool {
	_, ok := s.FileResponse(hash)
	return ok
}

// HasBlock ...
func (s *Store) HasBlock(hash string, index int) bool {
	_, ok := s.BlockResponse(hash, index)
	return ok
}

// FileResponse returns the recorded file-completion response.
func (s *Store) FileResponse(hash string) (*transport.Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.files[hash]
	return resp, ok
}

// BlockResponse returns the recorded block-accepted response.
func (s *Store) BlockResponse(hash string, index int) (*transport.Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.blocks[blockKey(hash, index)]
	return resp, ok
}

// Reset clears both mappings.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = map[string]*transport.Response{}
	s.blocks = map[string]*transport.Response{}
}

// Len returns the number of recorded files and blocks.
func (s *Store) Len() (files int, blocks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files), len(s.blocks)
}
