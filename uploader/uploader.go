// Package uploader schedules chunked file uploads: it splits files into
// blocks, skips content the server already has, keeps a bounded number of
// block transfers in flight, retries failed blocks and reports progress.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/go-chunkupload/eventbus"
	"github.com/bitrise-io/go-chunkupload/file"
	"github.com/bitrise-io/go-chunkupload/identity"
	"github.com/bitrise-io/go-chunkupload/store"
	"github.com/bitrise-io/go-chunkupload/transport"
)

var (
	// ErrDuplicate is returned when a source is already in the queue.
	ErrDuplicate = errors.New("file already in queue")
	// ErrFileNumLimit is returned when the queue is full.
	ErrFileNumLimit = errors.New("file number limit reached")
	// ErrFileSizeLimit is returned for files larger than the configured limit.
	ErrFileSizeLimit = errors.New("file size limit exceeded")
	// ErrClosed is returned by operations on a closed uploader.
	ErrClosed = errors.New("uploader closed")
)

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(u *Uploader) { u.logger = logger }
}

// WithStore shares a store between uploaders.
func WithStore(s *store.Store) Option {
	return func(u *Uploader) { u.store = s }
}

// WithTransportFactory replaces the HTTP transport built from Config.Request.
func WithTransportFactory(f transport.Factory) Option {
	return func(u *Uploader) { u.factory = f }
}

// WithMetrics ...
func WithMetrics(m *Metrics) Option {
	return func(u *Uploader) { u.metrics = m }
}

// WithEventBus publishes the uploader's events on bus.
func WithEventBus(bus *eventbus.Bus[Event]) Option {
	return func(u *Uploader) { u.events = bus }
}

// QueueStats counts the queued records per status.
type QueueStats struct {
	Total     int
	Queued    int
	Progress  int
	Error     int
	Complete  int
	Interrupt int
}

// Uploader owns the file queue and the block pool.
//
// All scheduling state is guarded by one mutex. Work that may block (hashing,
// reading blocks, network transfers) runs on separate goroutines and reports
// back under the lock. Events are delivered by a single dispatcher goroutine
// in the order they were produced, so listeners may call back into the
// Uploader. Close must not be called from a listener.
type Uploader struct {
	config  Config
	logger  log.Logger
	store   *store.Store
	factory transport.Factory
	metrics *Metrics
	events  *eventbus.Bus[Event]
	stats   *Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
	notify chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	files    []*file.Record
	pool     *pool
	hashing  map[string]bool
	progress map[string]float64
	outbox   []Event
	busy     bool
	closed   bool
}

// New creates an Uploader and starts its background goroutines.
func New(config Config, opts ...Option) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		config:   config,
		logger:   log.NewLogger(),
		stats:    NewStats(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		pool:     newPool(),
		hashing:  map[string]bool{},
		progress: map[string]float64{},
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.store == nil {
		u.store = store.New()
	}
	if u.events == nil {
		u.events = eventbus.New[Event]()
	}
	if u.factory == nil {
		if err := config.Request.Validate(); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid request options: %w", err)
		}
		factory, err := transport.NewHTTPFactory(config.Request, u.logger)
		if err != nil {
			cancel()
			return nil, err
		}
		u.factory = factory
	}

	u.wg.Add(2)
	go u.dispatch()
	go u.pumpLoop()
	if config.HungThreshold > 0 {
		u.wg.Add(1)
		go u.watchHung()
	}

	return u, nil
}

// Stats returns the block transfer statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Store returns the resumability store in use.
func (u *Uploader) Store() *store.Store {
	return u.store
}

// AddFile appends a source to the queue without starting it.
func (u *Uploader) AddFile(src file.Source) (*file.Record, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, ErrClosed
	}
	if err := u.checkAdd([]file.Source{src}); err != nil {
		return nil, err
	}
	return u.add(src), nil
}

// Enqueue appends the sources to the queue and starts every QUEUED or
// INTERRUPT record. Either every source is added or none is.
func (u *Uploader) Enqueue(sources ...file.Source) ([]*file.Record, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, ErrClosed
	}
	if err := u.checkAdd(sources); err != nil {
		return nil, err
	}

	records := make([]*file.Record, 0, len(sources))
	for _, src := range sources {
		records = append(records, u.add(src))
	}
	u.startAll()
	return records, nil
}

// Start starts the given records, or with no arguments every QUEUED or
// INTERRUPT record. Records in ERROR passed explicitly are re-queued first.
func (u *Uploader) Start(records ...*file.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return
	}
	if len(records) == 0 {
		u.startAll()
		return
	}
	for _, r := range records {
		if !u.contains(r) {
			continue
		}
		if r.Status() == file.StatusError {
			u.setStatus(r, file.StatusQueued, "")
		}
		u.startFile(r)
	}
}

// StopAll cancels every transfer and marks every record in progress as INTERRUPT.
func (u *Uploader) StopAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopAll()
}

// StopFile cancels the transfers of one record and marks it INTERRUPT.
func (u *Uploader) StopFile(record *file.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopFile(record, true)
}

// RemoveFile stops and removes one record from the queue.
func (u *Uploader) RemoveFile(record *file.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.stopFile(record, false)
	for i, r := range u.files {
		if r == record {
			u.files = append(u.files[:i:i], u.files[i+1:]...)
			break
		}
	}
	delete(u.progress, record.ID)
	u.checkFinished()
}

// RemoveAll stops every transfer and empties the queue.
func (u *Uploader) RemoveAll() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.cancelItems(u.pool.drain())
	u.files = nil
	u.hashing = map[string]bool{}
	u.progress = map[string]float64{}
	u.checkFinished()
}

// Files returns the queued records in insertion order.
func (u *Uploader) Files() []*file.Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*file.Record(nil), u.files...)
}

// FilesByStatus returns the queued records with the given status.
func (u *Uploader) FilesByStatus(status file.Status) []*file.Record {
	u.mu.Lock()
	defer u.mu.Unlock()

	var out []*file.Record
	for _, r := range u.files {
		if r.Status() == status {
			out = append(out, r)
		}
	}
	return out
}

// QueueStats counts the queued records per status.
func (u *Uploader) QueueStats() QueueStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := QueueStats{Total: len(u.files)}
	for _, r := range u.files {
		switch r.Status() {
		case file.StatusQueued:
			s.Queued++
		case file.StatusProgress:
			s.Progress++
		case file.StatusError:
			s.Error++
		case file.StatusComplete:
			s.Complete++
		case file.StatusInterrupt:
			s.Interrupt++
		}
	}
	return s
}

// Find returns the record of src, or nil.
func (u *Uploader) Find(src file.Source) *file.Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.find(src)
}

// Close stops every transfer, waits for the background goroutines and removes
// every listener. Queued events are delivered before Close returns.
func (u *Uploader) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.stopAll()
	u.closed = true
	u.cancel()
	close(u.done)
	u.mu.Unlock()

	u.wg.Wait()
	u.events.Clear()
}

// Destroy closes the uploader and resets its store.
func (u *Uploader) Destroy() {
	u.Close()
	u.store.Reset()
}

func (u *Uploader) checkAdd(sources []file.Source) error {
	if limit := u.config.FileNumLimit; limit > 0 && len(u.files)+len(sources) > limit {
		return fmt.Errorf("%w: %d files allowed", ErrFileNumLimit, limit)
	}

	for i, src := range sources {
		if limit := u.config.FileSizeLimit; limit > 0 && src.Size() > limit {
			return fmt.Errorf("%w: %s is %s, limit is %s", ErrFileSizeLimit,
				src.Name(), units.HumanSize(float64(src.Size())), units.HumanSize(float64(limit)))
		}
		if u.find(src) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, src.Name())
		}
		for _, other := range sources[:i] {
			if sameSource(src, other) {
				return fmt.Errorf("%w: %s", ErrDuplicate, src.Name())
			}
		}
	}
	return nil
}

func (u *Uploader) add(src file.Source) *file.Record {
	record := file.NewRecord(src)
	u.files = append(u.files, record)
	u.logger.Debugf("Added %s (%s) to the queue", record.Name, units.HumanSize(float64(record.Size)))
	return record
}

type pathSource interface {
	Path() string
}

func sameSource(a, b file.Source) bool {
	if a == b {
		return true
	}
	pa, okA := a.(pathSource)
	pb, okB := b.(pathSource)
	return okA && okB && pa.Path() == pb.Path()
}

func (u *Uploader) find(src file.Source) *file.Record {
	for _, r := range u.files {
		if sameSource(r.Source, src) {
			return r
		}
	}
	return nil
}

func (u *Uploader) contains(record *file.Record) bool {
	for _, r := range u.files {
		if r == record {
			return true
		}
	}
	return false
}

func (u *Uploader) startAll() {
	for _, r := range u.files {
		switch r.Status() {
		case file.StatusQueued, file.StatusInterrupt:
			u.startFile(r)
		}
	}
}

// startFile resolves the identity of the record (asynchronously, once) and
// then begins its transfer.
func (u *Uploader) startFile(record *file.Record) {
	switch record.Status() {
	case file.StatusComplete, file.StatusError:
		return
	}
	// A resumed record waits for its identity in QUEUED, so a hashing failure
	// can still move it to ERROR.
	if record.Hash() == "" && record.Status() == file.StatusInterrupt {
		u.setStatus(record, file.StatusQueued, "")
	}
	if _, ok := u.hashing[record.ID]; ok {
		u.hashing[record.ID] = true
		return
	}
	if u.pool.hasFile(record.ID) {
		return
	}
	if record.Hash() != "" {
		u.beginTransfer(record)
		return
	}

	u.hashing[record.ID] = true
	u.busy = true
	u.wg.Add(1)
	go u.computeIdentity(record)
}

func (u *Uploader) computeIdentity(record *file.Record) {
	defer u.wg.Done()

	ranges := file.Split(record.Size, u.config.Chunked, u.config.ChunkSize)
	hash, err := identity.Compute(u.ctx, record.Source, ranges, u.config.Hash)

	u.mu.Lock()
	defer u.mu.Unlock()

	wanted := u.hashing[record.ID]
	delete(u.hashing, record.ID)
	if err == nil {
		if setErr := record.SetHash(hash); setErr != nil && !errors.Is(setErr, file.ErrHashAlreadySet) {
			err = setErr
		}
	}

	switch {
	case u.closed || !wanted || !u.contains(record):
	case err != nil:
		u.logger.Errorf("Failed to compute identity of %s: %s", record.Name, err)
		if u.setStatus(record, file.StatusError, err.Error()) {
			u.metrics.fileFailed()
			u.publish(Event{Type: EventError, File: record, Err: fmt.Errorf("compute identity: %w", err)})
		}
	default:
		u.logger.Debugf("Identity of %s: %s", record.Name, hash)
		u.beginTransfer(record)
	}
	u.checkFinished()
}

// beginTransfer skips files the store knows as complete; otherwise it splits
// the file and queues its unconfirmed blocks.
func (u *Uploader) beginTransfer(record *file.Record) {
	hash := record.Hash()

	if resp, ok := u.store.FileResponse(hash); ok {
		u.logger.Infof("%s is already uploaded, skipping", record.Name)
		u.setStatus(record, file.StatusProgress, "")
		u.complete(record, resp)
		u.checkFinished()
		return
	}

	blocks := record.Blocks()
	if blocks == nil {
		blocks = file.NewBlocks(record, u.config.Chunked, u.config.ChunkSize)
		if err := record.SetBlocks(blocks); err != nil {
			blocks = record.Blocks()
		}
	}
	if !u.setStatus(record, file.StatusProgress, "") && record.Status() != file.StatusProgress {
		return
	}

	queued := 0
	for _, b := range blocks {
		if u.store.HasBlock(hash, b.Index) {
			b.SetProgress(1)
			u.metrics.blockSkipped()
			continue
		}
		u.pool.push(newPoolItem(b, u.config.Retry))
		queued++
	}
	u.busy = true
	u.publishProgress(record)

	if queued == 0 {
		u.logger.Warnf("Every block of %s was accepted before but the server did not merge it", record.Name)
	} else {
		u.logger.Debugf("Queued %d/%d blocks of %s", queued, len(blocks), record.Name)
	}
	u.schedule()
}

func (u *Uploader) stopAll() {
	if u.pool.len() > 0 {
		u.logger.Debugf("Stopping %d active and %d pending block transfers", u.pool.activeCount(), u.pool.pendingCount())
	}
	u.cancelItems(u.pool.drain())
	for id := range u.hashing {
		u.hashing[id] = false
	}
	for _, r := range u.files {
		if r.Status() == file.StatusProgress {
			u.setStatus(r, file.StatusInterrupt, "")
		}
	}
	u.checkFinished()
}

func (u *Uploader) stopFile(record *file.Record, interrupt bool) {
	u.cancelItems(u.pool.sweep(record.ID))
	if _, ok := u.hashing[record.ID]; ok {
		u.hashing[record.ID] = false
	}
	if interrupt {
		switch record.Status() {
		case file.StatusProgress, file.StatusQueued:
			u.setStatus(record, file.StatusInterrupt, "")
		}
	}
	u.schedule()
}

func (u *Uploader) cancelItems(items []*poolItem) {
	for _, item := range items {
		item.cancel()
	}
	u.metrics.setActive(u.pool.activeCount())
}

// complete marks the record COMPLETE and stops its remaining transfers.
func (u *Uploader) complete(record *file.Record, resp *transport.Response) {
	u.store.RecordFile(record.Hash(), resp)
	u.cancelItems(u.pool.sweep(record.ID))

	if !u.setStatus(record, file.StatusComplete, "") {
		return
	}
	u.metrics.fileCompleted()
	u.logger.Donef("%s uploaded (%s)", record.Name, units.HumanSize(float64(record.Size)))
	u.publishProgress(record)
	u.publish(Event{Type: EventSuccess, File: record, Progress: 1, Response: resp})
}

// fail marks the record ERROR and stops its remaining transfers.
func (u *Uploader) fail(record *file.Record, reason *transport.Reason) {
	u.cancelItems(u.pool.sweep(record.ID))

	if !u.setStatus(record, file.StatusError, reason.String()) {
		return
	}
	u.metrics.fileFailed()
	u.logger.Errorf("Failed to upload %s: %s", record.Name, reason)
	u.publish(Event{Type: EventError, File: record, Reason: reason, Err: reason})
}

func (u *Uploader) setStatus(record *file.Record, status file.Status, text string) bool {
	from := record.Status()
	changed, err := record.SetStatus(status, text)
	if err != nil {
		u.logger.Debugf("Ignoring status change of %s: %s", record.Name, err)
		return false
	}
	if changed {
		u.publish(Event{Type: EventStatus, File: record, From: from, To: status})
	}
	return changed
}

// publishProgress publishes the aggregate progress of record if it grew.
func (u *Uploader) publishProgress(record *file.Record) {
	p := record.Progress()
	if last, ok := u.progress[record.ID]; ok && p <= last {
		return
	}
	u.progress[record.ID] = p
	u.publish(Event{Type: EventProgress, File: record, Progress: p})
}

// checkFinished publishes uploadFinished when the last piece of work is done.
func (u *Uploader) checkFinished() {
	if !u.busy || u.pool.len() > 0 || len(u.hashing) > 0 {
		return
	}
	u.busy = false
	u.logger.Debugf("Upload queue drained, transferred %s in %d blocks (%s spent in transfers)",
		units.HumanSize(float64(u.stats.BytesSent())), u.stats.FinishedCount(), u.stats.TotalDuration().Round(time.Millisecond))
	u.publish(Event{Type: EventUploadFinished})
}
