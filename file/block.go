package file

import (
	"math"
	"sync/atomic"
)

// Range is a half-open byte range [Start, End) of a file.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Split partitions [0, total) into ordered ranges of chunkSize bytes. The last
// range may be shorter. When chunked is false or chunkSize is not positive a
// single range covers the whole file. An empty file yields one empty range so
// that it can still be uploaded and acknowledged.
func Split(total int64, chunked bool, chunkSize int64) []Range {
	if total < 0 {
		total = 0
	}
	if !chunked || chunkSize <= 0 || total == 0 {
		return []Range{{Start: 0, End: total}}
	}

	count := (total + chunkSize - 1) / chunkSize
	ranges := make([]Range, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// Block is one contiguous byte range of a Record plus its transfer bookkeeping.
// Only the progress field changes after creation.
type Block struct {
	File        *Record
	Start       int64
	End         int64
	Total       int64
	TotalBlocks int
	Index       int

	progress atomic.Uint64
}

// NewBlocks splits the record's content and binds the ranges to it.
func NewBlocks(record *Record, chunked bool, chunkSize int64) []*Block {
	ranges := Split(record.Size, chunked, chunkSize)
	blocks := make([]*Block, len(ranges))
	for i, r := range ranges {
		blocks[i] = &Block{
			File:        record,
			Start:       r.Start,
			End:         r.End,
			Total:       record.Size,
			TotalBlocks: len(ranges),
			Index:       i,
		}
	}
	return blocks
}

// Len returns the byte length of the block.
func (b *Block) Len() int64 {
	return b.End - b.Start
}

// Range returns the block's byte range.
func (b *Block) Range() Range {
	return Range{Start: b.Start, End: b.End}
}

// Progress returns the transferred fraction of the block in [0, 1].
func (b *Block) Progress() float64 {
	return math.Float64frombits(b.progress.Load())
}

// SetProgress raises the block's progress to p. Lower values are ignored so a
// block never goes backwards; values are clamped to [0, 1].
func (b *Block) SetProgress(p float64) {
	p = clamp(p)
	for {
		old := b.progress.Load()
		if math.Float64frombits(old) >= p {
			return
		}
		if b.progress.CompareAndSwap(old, math.Float64bits(p)) {
			return
		}
	}
}

// Ranges returns the byte ranges of blocks in index order.
func Ranges(blocks []*Block) []Range {
	ranges := make([]Range, len(blocks))
	for _, b := range blocks {
		ranges[b.Index] = b.Range()
	}
	return ranges
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
