package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress(t *testing.T) {
	data := bytes.Repeat([]byte("chunked upload "), 4096)

	for _, a := range []Algorithm{None, Deflate, Zstd} {
		t.Run(string(a), func(t *testing.T) {
			compressed, err := Compress(a, data)
			require.NoError(t, err)
			if a.Enabled() {
				assert.Less(t, len(compressed), len(data))
			} else {
				assert.Equal(t, data, compressed)
			}

			got, err := Decompress(a, compressed)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestDeflate_ZlibHeader(t *testing.T) {
	compressed, err := Compress(Deflate, []byte("hello"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(compressed), 2)
	assert.Equal(t, byte(0x78), compressed[0])
}

func TestDecompress_Corrupt(t *testing.T) {
	_, err := Decompress(Deflate, []byte("not deflate"))
	assert.Error(t, err)

	_, err = Decompress(Zstd, []byte("not zstd"))
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{in: "", want: None},
		{in: "none", want: None},
		{in: "Deflate", want: Deflate},
		{in: "zstd", want: Zstd},
		{in: "brotli", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := Compress(Algorithm("lz4"), nil)
	assert.Error(t, err)
}
