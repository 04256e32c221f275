package uploader

import (
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunkupload/file"
	"github.com/bitrise-io/go-chunkupload/transport"
)

var poolItemID atomic.Uint64

// poolItem is one scheduled block transfer.
type poolItem struct {
	id    uint64
	block *file.Block
	retry int

	// gen changes on every (re)send; completions carrying an older gen are stale.
	gen       uint64
	transport transport.Transport
	started   time.Time
	backoff   *time.Timer
}

func newPoolItem(block *file.Block, retry int) *poolItem {
	return &poolItem{
		id:    poolItemID.Add(1),
		block: block,
		retry: retry,
	}
}

func (i *poolItem) fileID() string {
	return i.block.File.ID
}

// cancel aborts the in-flight transfer and any pending resend.
func (i *poolItem) cancel() {
	if i.backoff != nil {
		i.backoff.Stop()
		i.backoff = nil
	}
	if i.transport != nil {
		i.transport.Destroy()
		i.transport = nil
	}
	i.gen++
}

// pool is an arena of pool items with an ordered pending queue and an active set.
// It is not safe for concurrent use; the uploader guards it.
type pool struct {
	items   map[uint64]*poolItem
	pending []uint64
	active  map[uint64]struct{}
}

func newPool() *pool {
	return &pool{
		items:  map[uint64]*poolItem{},
		active: map[uint64]struct{}{},
	}
}

func (p *pool) push(item *poolItem) {
	p.items[item.id] = item
	p.pending = append(p.pending, item.id)
}

// next moves the first pending item into the active set.
func (p *pool) next() *poolItem {
	for len(p.pending) > 0 {
		id := p.pending[0]
		p.pending = p.pending[1:]
		if item, ok := p.items[id]; ok {
			p.active[id] = struct{}{}
			return item
		}
	}
	return nil
}

// get returns the item if it is still active.
func (p *pool) get(id uint64) *poolItem {
	if _, ok := p.active[id]; !ok {
		return nil
	}
	return p.items[id]
}

func (p *pool) remove(id uint64) {
	delete(p.items, id)
	delete(p.active, id)
}

// sweep removes every item of the file and returns them.
func (p *pool) sweep(fileID string) []*poolItem {
	var removed []*poolItem
	for id, item := range p.items {
		if item.fileID() == fileID {
			removed = append(removed, item)
			p.remove(id)
		}
	}
	p.compact()
	return removed
}

// drain removes every item and returns them.
func (p *pool) drain() []*poolItem {
	removed := make([]*poolItem, 0, len(p.items))
	for _, item := range p.items {
		removed = append(removed, item)
	}
	p.items = map[uint64]*poolItem{}
	p.active = map[uint64]struct{}{}
	p.pending = nil
	return removed
}

func (p *pool) compact() {
	kept := p.pending[:0]
	for _, id := range p.pending {
		if _, ok := p.items[id]; ok {
			kept = append(kept, id)
		}
	}
	p.pending = kept
}

func (p *pool) hasFile(fileID string) bool {
	for _, item := range p.items {
		if item.fileID() == fileID {
			return true
		}
	}
	return false
}

func (p *pool) activeCount() int {
	return len(p.active)
}

func (p *pool) pendingCount() int {
	return len(p.pending)
}

func (p *pool) len() int {
	return len(p.items)
}

func (p *pool) activeItems() []*poolItem {
	items := make([]*poolItem, 0, len(p.active))
	for id := range p.active {
		items = append(items, p.items[id])
	}
	return items
}
