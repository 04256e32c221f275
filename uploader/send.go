package uploader

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/eventbus"
	"github.com/bitrise-io/go-chunkupload/file"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// schedule asks the pump goroutine for a refill. Repeated calls coalesce.
func (u *Uploader) schedule() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *Uploader) pumpLoop() {
	defer u.wg.Done()

	for {
		select {
		case <-u.wake:
			u.pump()
		case <-u.done:
			return
		}
	}
}

// pump moves pending items into the active set until Threads transfers are
// in flight. It is a no-op when nothing is pending or every slot is taken.
func (u *Uploader) pump() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return
	}

	for u.pool.activeCount() < u.config.Threads {
		item := u.pool.next()
		if item == nil {
			break
		}

		block := item.block
		record := block.File
		if u.store.HasBlock(record.Hash(), block.Index) {
			u.logger.Debugf("Block %d/%d of %s already uploaded, skipping", block.Index+1, block.TotalBlocks, record.Name)
			u.pool.remove(item.id)
			block.SetProgress(1)
			u.metrics.blockSkipped()
			u.publishProgress(record)
			continue
		}

		u.launch(item)
	}

	u.metrics.setActive(u.pool.activeCount())
	u.checkFinished()
}

// launch starts a new transfer for an active item. Must be called with u.mu held.
func (u *Uploader) launch(item *poolItem) {
	item.gen++
	gen := item.gen
	id := item.id

	bus := eventbus.New[transport.Event]()
	bus.On(transport.EventProgress, func(e transport.Event) bool {
		u.onProgress(id, gen, e.Progress)
		return false
	})
	bus.On(transport.EventSuccess, func(e transport.Event) bool {
		u.onSuccess(id, gen, e.Response)
		return false
	})
	bus.On(transport.EventError, func(e transport.Event) bool {
		u.onError(id, gen, e.Reason)
		return false
	})

	t := u.factory.New(bus)
	item.transport = t
	item.started = time.Now()

	block := item.block
	u.logger.Debugf("Sending block %d/%d of %s (%d bytes, %d retries left)",
		block.Index+1, block.TotalBlocks, block.File.Name, block.Len(), item.retry)

	u.wg.Add(1)
	go u.send(t, block, id, gen)
}

// send reads the block, fills in the request fields and runs the transfer.
func (u *Uploader) send(t transport.Transport, block *file.Block, id, gen uint64) {
	defer u.wg.Done()

	record := block.File
	data, err := readBlock(record.Source, block)
	if err == nil && u.config.Compression.Enabled() {
		data, err = compression.Compress(u.config.Compression, data)
	}
	if err != nil {
		u.onError(id, gen, &transport.Reason{Kind: transport.ReasonAbort, Err: err})
		return
	}

	t.AppendParam("chunkIndex", strconv.Itoa(block.Index))
	t.AppendParam("totalChunk", strconv.Itoa(block.TotalBlocks))
	t.AppendParam("filename", record.Name)
	t.AppendParam("hash", record.Hash())
	t.AppendParam("size", strconv.FormatInt(record.Size, 10))
	t.AppendParam("chunkSize", strconv.FormatInt(u.config.blockChunkSize(record.Size), 10))
	contentType := record.Type
	if u.config.Compression.Enabled() {
		t.AppendParam("compressed", "true")
		t.AppendParam("compression", string(u.config.Compression))
		contentType = "application/octet-stream"
	}
	t.SetPayload("", record.Name, contentType, data)

	// The outcome arrives through the transport's events.
	_ = t.Send(u.ctx)
}

func readBlock(src io.ReaderAt, block *file.Block) ([]byte, error) {
	data := make([]byte, block.Len())
	if _, err := io.ReadFull(io.NewSectionReader(src, block.Start, block.Len()), data); err != nil {
		return nil, fmt.Errorf("read block %d: %w", block.Index, err)
	}
	return data, nil
}

// current returns the item if the completion with gen still belongs to it.
func (u *Uploader) current(id, gen uint64) *poolItem {
	if u.closed {
		return nil
	}
	item := u.pool.get(id)
	if item == nil || item.gen != gen {
		return nil
	}
	return item
}

func (u *Uploader) onProgress(id, gen uint64, p float64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	item := u.current(id, gen)
	if item == nil {
		return
	}
	item.block.SetProgress(p)
	u.publishProgress(item.block.File)
}

func (u *Uploader) onSuccess(id, gen uint64, resp *transport.Response) {
	u.mu.Lock()
	defer u.mu.Unlock()

	item := u.current(id, gen)
	if item == nil {
		return
	}

	block := item.block
	record := block.File
	took := time.Since(item.started)
	u.stats.Update(took, block.Len())
	u.metrics.blockSent(block.Len(), took.Seconds())
	u.logger.Debugf("Block %d/%d of %s uploaded in %s", block.Index+1, block.TotalBlocks, record.Name, took.Round(time.Millisecond))

	u.store.RecordBlock(record.Hash(), block.Index, resp)
	block.SetProgress(1)
	item.transport = nil
	u.pool.remove(id)

	if resp.Merged() {
		u.complete(record, resp)
	} else {
		u.publishProgress(record)
		if !u.pool.hasFile(record.ID) && record.Status() == file.StatusProgress {
			u.logger.Warnf("Every block of %s was accepted but the server did not merge it", record.Name)
		}
	}

	u.metrics.setActive(u.pool.activeCount())
	u.schedule()
	u.checkFinished()
}

func (u *Uploader) onError(id, gen uint64, reason *transport.Reason) {
	u.mu.Lock()
	defer u.mu.Unlock()

	item := u.current(id, gen)
	if item == nil {
		return
	}
	u.retryOrFail(item, reason)
}

// retryOrFail resends the block while the item has retries left; otherwise the
// whole file fails. Must be called with u.mu held.
func (u *Uploader) retryOrFail(item *poolItem, reason *transport.Reason) {
	block := item.block
	record := block.File

	if item.transport != nil {
		item.transport.Destroy()
		item.transport = nil
	}

	if item.retry <= 0 {
		u.pool.remove(item.id)
		u.fail(record, reason)
		u.metrics.setActive(u.pool.activeCount())
		u.schedule()
		u.checkFinished()
		return
	}

	item.retry--
	u.metrics.blockRetried()

	if u.config.RetryBackoffMax <= 0 {
		u.logger.Warnf("Block %d/%d of %s failed (%s), resending", block.Index+1, block.TotalBlocks, record.Name, reason)
		u.launch(item)
		return
	}

	attempt := u.config.Retry - item.retry
	wait := retryablehttp.DefaultBackoff(u.config.RetryBackoffMin, u.config.RetryBackoffMax, attempt, nil)
	u.logger.Warnf("Block %d/%d of %s failed (%s), resending in %s", block.Index+1, block.TotalBlocks, record.Name, reason, wait)

	item.gen++
	gen := item.gen
	item.backoff = time.AfterFunc(wait, func() {
		u.mu.Lock()
		defer u.mu.Unlock()

		if u.current(item.id, gen) == nil {
			return
		}
		item.backoff = nil
		u.launch(item)
	})
}
