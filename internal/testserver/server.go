// Package testserver is an in-memory receiving server for tests. It accepts
// blocks as multipart forms (or raw bodies with the fields in the query),
// assembles them per content hash and answers with `merge` once every block
// of a file arrived.
package testserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/compression"
)

// Request is one block request as seen by the server.
type Request struct {
	Hash       string
	Filename   string
	ChunkIndex int
	TotalChunk int
	Size       int64
	ChunkSize  int64
	Data       []byte
}

type failure struct {
	times  int
	status int
}

// Server is a fake receiving server.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	chunks    map[string]map[int][]byte
	merged    map[string][]byte
	requests  []Request
	failures  map[int]*failure
	delay     time.Duration
	active    int
	maxActive int
	gate      chan struct{}
}

// New starts a server; close it with Close.
func New() *Server {
	s := &Server{
		chunks:   map[string]map[int][]byte{},
		merged:   map[string][]byte{},
		failures: map[int]*failure{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailChunk makes the next `times` requests for chunkIndex answer with status.
func (s *Server) FailChunk(chunkIndex, times, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[chunkIndex] = &failure{times: times, status: status}
}

// SetDelay delays every response.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Hold makes every request wait until Release is called.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

// Release lets held requests continue.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Merged returns the assembled content of a file.
func (s *Server) Merged(hash string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.merged[hash]
	return data, ok
}

// Requests returns every block request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// MaxConcurrent returns the highest number of requests handled at once.
func (s *Server) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Active returns the number of requests being handled.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.requests = append(s.requests, req)
	delay := s.delay
	gate := s.gate
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if status := s.takeFailure(req.ChunkIndex); status != 0 {
		w.WriteHeader(status)
		writeJSON(w, response{Code: 1, Msg: "failed on purpose"})
		return
	}

	writeJSON(w, s.accept(req))
}

func (s *Server) takeFailure(chunkIndex int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.failures[chunkIndex]
	if !ok || f.times <= 0 {
		return 0
	}
	f.times--
	return f.status
}

type mergeInfo struct {
	FileHash string `json:"fileHash"`
}

type response struct {
	Code  int        `json:"code"`
	Msg   string     `json:"msg,omitempty"`
	Merge *mergeInfo `json:"merge,omitempty"`
}

func (s *Server) accept(req Request) response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.merged[req.Hash]; ok {
		return response{Code: 0, Msg: "OK", Merge: &mergeInfo{FileHash: req.Hash}}
	}

	chunks, ok := s.chunks[req.Hash]
	if !ok {
		chunks = map[int][]byte{}
		s.chunks[req.Hash] = chunks
	}
	if _, ok := chunks[req.ChunkIndex]; ok {
		return response{Code: 0, Msg: "chunk exists"}
	}
	chunks[req.ChunkIndex] = req.Data

	msg := fmt.Sprintf("%s chunk %d upload succeeded", req.Filename, req.ChunkIndex)
	if len(chunks) != req.TotalChunk {
		return response{Code: 0, Msg: msg}
	}

	var buf bytes.Buffer
	for i := 0; i < req.TotalChunk; i++ {
		buf.Write(chunks[i])
	}
	s.merged[req.Hash] = buf.Bytes()
	delete(s.chunks, req.Hash)
	return response{Code: 0, Msg: msg, Merge: &mergeInfo{FileHash: req.Hash}}
}

func parseRequest(r *http.Request) (Request, error) {
	var (
		fields url.Values
		data   []byte
		err    error
	)

	if r.Header.Get("Content-Type") == "application/octet-stream" {
		fields = r.URL.Query()
		data, err = io.ReadAll(r.Body)
		if err != nil {
			return Request{}, err
		}
	} else {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			return Request{}, fmt.Errorf("parse multipart form: %w", err)
		}
		fields = url.Values(r.MultipartForm.Value)
		f, _, err := r.FormFile("chunk")
		if err != nil {
			return Request{}, fmt.Errorf("missing chunk: %w", err)
		}
		defer func() { _ = f.Close() }()
		data, err = io.ReadAll(f)
		if err != nil {
			return Request{}, err
		}
	}

	if fields.Get("compressed") == "true" {
		data, err = compression.Decompress(compression.Algorithm(fields.Get("compression")), data)
		if err != nil {
			return Request{}, err
		}
	}

	req := Request{
		Hash:     fields.Get("hash"),
		Filename: fields.Get("filename"),
		Data:     data,
	}
	if req.ChunkIndex, err = strconv.Atoi(fields.Get("chunkIndex")); err != nil {
		return Request{}, fmt.Errorf("invalid chunkIndex: %w", err)
	}
	if req.TotalChunk, err = strconv.Atoi(fields.Get("totalChunk")); err != nil {
		return Request{}, fmt.Errorf("invalid totalChunk: %w", err)
	}
	req.Size, _ = strconv.ParseInt(fields.Get("size"), 10, 64)
	req.ChunkSize, _ = strconv.ParseInt(fields.Get("chunkSize"), 10, 64)
	if req.Hash == "" {
		return Request{}, fmt.Errorf("missing hash")
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
