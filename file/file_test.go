package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

func TestSplit(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		chunked   bool
		chunkSize int64
		want      []Range
	}{
		{
			name:      "12MB in 5MB chunks",
			total:     12 * mb,
			chunked:   true,
			chunkSize: 5 * mb,
			want:      []Range{{0, 5 * mb}, {5 * mb, 10 * mb}, {10 * mb, 12 * mb}},
		},
		{
			name:      "exact multiple",
			total:     10,
			chunked:   true,
			chunkSize: 5,
			want:      []Range{{0, 5}, {5, 10}},
		},
		{
			name:      "not chunked",
			total:     12 * mb,
			chunked:   false,
			chunkSize: 5 * mb,
			want:      []Range{{0, 12 * mb}},
		},
		{
			name:      "zero chunk size",
			total:     100,
			chunked:   true,
			chunkSize: 0,
			want:      []Range{{0, 100}},
		},
		{
			name:      "empty file",
			total:     0,
			chunked:   true,
			chunkSize: 5,
			want:      []Range{{0, 0}},
		},
		{
			name:      "chunk larger than file",
			total:     3,
			chunked:   true,
			chunkSize: 5,
			want:      []Range{{0, 3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.total, tt.chunked, tt.chunkSize)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Split() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplit_CoversFileExactly(t *testing.T) {
	for _, total := range []int64{0, 1, 2, 7, 100, 1023, 1024, 1025, 12 * mb} {
		for _, chunkSize := range []int64{1, 2, 3, 10, 1024, 5 * mb} {
			ranges := Split(total, true, chunkSize)

			var next int64
			for i, r := range ranges {
				require.Equal(t, next, r.Start, "gap or overlap at block %d (total=%d, chunk=%d)", i, total, chunkSize)
				require.GreaterOrEqual(t, r.End, r.Start)
				if i < len(ranges)-1 {
					require.Equal(t, chunkSize, r.Len())
				} else {
					require.LessOrEqual(t, r.Len(), chunkSize)
				}
				next = r.End
			}
			require.Equal(t, total, next)

			again := Split(total, true, chunkSize)
			require.Equal(t, ranges, again)
		}
	}
}

func TestNewBlocks(t *testing.T) {
	record := NewRecord(NewBytesSource("movie.mp4", make([]byte, 12)))

	blocks := NewBlocks(record, true, 5)
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.Same(t, record, b.File)
		assert.Equal(t, i, b.Index)
		assert.Equal(t, 3, b.TotalBlocks)
		assert.Equal(t, int64(12), b.Total)
	}
	assert.Equal(t, int64(2), blocks[2].Len())
	assert.Equal(t, []Range{{0, 5}, {5, 10}, {10, 12}}, Ranges(blocks))
}

func TestBlock_ProgressIsMonotonic(t *testing.T) {
	b := &Block{}

	b.SetProgress(0.4)
	b.SetProgress(0.2)
	assert.Equal(t, 0.4, b.Progress())

	b.SetProgress(2)
	assert.Equal(t, 1.0, b.Progress())

	b.SetProgress(0.5)
	assert.Equal(t, 1.0, b.Progress())
}

func TestRecord_Defaults(t *testing.T) {
	record := NewRecord(NewBytesSource("", nil))

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "Untitled", record.Name)
	assert.Equal(t, "application/octet-stream", record.Type)
	assert.Equal(t, "", record.Ext)
	assert.Equal(t, StatusQueued, record.Status())
	assert.False(t, record.LastModified.IsZero())

	other := NewRecord(NewBytesSource("archive.tar.gz", nil))
	assert.Equal(t, "gz", other.Ext)
	assert.NotEqual(t, record.ID, other.ID)
}

func TestRecord_HashIsSetOnce(t *testing.T) {
	record := NewRecord(NewBytesSource("a.txt", []byte("a")))

	require.NoError(t, record.SetHash("abc"))
	require.ErrorIs(t, record.SetHash("def"), ErrHashAlreadySet)
	assert.Equal(t, "abc", record.Hash())
}

func TestRecord_BlocksAreSetOnce(t *testing.T) {
	record := NewRecord(NewBytesSource("a.txt", []byte("abc")))

	require.NoError(t, record.SetBlocks(NewBlocks(record, true, 1)))
	require.ErrorIs(t, record.SetBlocks(NewBlocks(record, true, 2)), ErrBlocksAlreadySet)
	assert.Len(t, record.Blocks(), 3)
}

func TestRecord_SetStatus(t *testing.T) {
	record := NewRecord(NewBytesSource("a.txt", []byte("a")))

	changed, err := record.SetStatus(StatusProgress, "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = record.SetStatus(StatusProgress, "still going")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "still going", record.StatusText())

	changed, err = record.SetStatus(StatusInterrupt, "")
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = record.SetStatus(StatusComplete, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusInterrupt, record.Status())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProgress, true},
		{StatusProgress, StatusComplete, true},
		{StatusProgress, StatusError, true},
		{StatusProgress, StatusInterrupt, true},
		{StatusQueued, StatusInterrupt, true},
		{StatusInterrupt, StatusProgress, true},
		{StatusError, StatusQueued, true},
		{StatusQueued, StatusComplete, false},
		{StatusComplete, StatusProgress, false},
		{StatusComplete, StatusInterrupt, false},
		{StatusError, StatusProgress, false},
		{StatusComplete, StatusComplete, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRecord_Progress(t *testing.T) {
	record := NewRecord(NewBytesSource("a.bin", make([]byte, 12)))
	assert.Equal(t, 0.0, record.Progress())

	require.NoError(t, record.SetBlocks(NewBlocks(record, true, 5)))
	blocks := record.Blocks()
	blocks[0].SetProgress(1)
	blocks[1].SetProgress(0.5)
	assert.InDelta(t, 0.5, record.Progress(), 1e-9)

	_, err := record.SetStatus(StatusProgress, "")
	require.NoError(t, err)
	_, err = record.SetStatus(StatusComplete, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, record.Progress())
}

func TestOpenSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	src, err := OpenSource(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "notes.txt", src.Name())
	assert.Equal(t, int64(11), src.Size())
	assert.Contains(t, src.ContentType(), "text/plain")

	buf := make([]byte, 5)
	_, err = src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	_, err = OpenSource(dir)
	assert.Error(t, err)

	_, err = OpenSource(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestRecord_Snapshot(t *testing.T) {
	record := NewRecord(NewBytesSource("a.bin", make([]byte, 10)))
	require.NoError(t, record.SetHash("h"))
	require.NoError(t, record.SetBlocks(NewBlocks(record, true, 5)))
	record.Blocks()[0].SetProgress(1)

	snap := record.Snapshot()
	assert.Equal(t, Snapshot{
		ID:       record.ID,
		Name:     "a.bin",
		Size:     10,
		Hash:     "h",
		Status:   StatusQueued,
		Progress: 0.5,
		Blocks:   2,
	}, snap)
}
