package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/file"
	"github.com/bitrise-io/go-chunkupload/identity"
	"github.com/bitrise-io/go-chunkupload/internal/testserver"
	"github.com/bitrise-io/go-chunkupload/uploader"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func md5Hex(t *testing.T, data []byte) string {
	t.Helper()
	hash, err := identity.Sum(data, identity.MD5)
	require.NoError(t, err)
	return hash
}

func loadOptions(t *testing.T, args ...string) (uploadOptions, error) {
	t.Helper()
	v := viper.New()
	cmd := newUploadCommand(v, log.NewLogger())
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, initConfig(cmd, v))
	return loadUploadOptions(cmd, v, cmd.Flags().Args())
}

func TestExecute_UploadsGlob(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	dir := t.TempDir()
	big := bytes.Repeat([]byte("0123456789abcdef"), 300)
	small := []byte("small file")
	writeFile(t, filepath.Join(dir, "a", "big.bin"), big)
	writeFile(t, filepath.Join(dir, "a", "b", "small.bin"), small)
	writeFile(t, filepath.Join(dir, "skip.txt"), []byte("not matched"))

	var out, errOut bytes.Buffer
	code := Execute(context.Background(), []string{
		"upload",
		"--endpoint", srv.URL,
		"--chunked", "--chunk-size", "1k",
		"--threads", "2",
		filepath.Join(dir, "**", "*.bin"),
	}, &out, &errOut)

	require.Equal(t, 0, code, errOut.String())
	for _, data := range [][]byte{big, small} {
		merged, ok := srv.Merged(md5Hex(t, data))
		require.True(t, ok)
		assert.Equal(t, data, merged)
	}
	assert.Len(t, srv.Requests(), 5+1)
	assert.LessOrEqual(t, srv.MaxConcurrent(), 2)
	assert.Contains(t, out.String(), "2/2 files uploaded")
	assert.Contains(t, out.String(), "big.bin")
}

func TestExecute_FailedFileExitCode(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()
	srv.FailChunk(0, 100, 500)

	path := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, path, []byte("content"))

	var out, errOut bytes.Buffer
	code := Execute(context.Background(), []string{"upload", "--endpoint", srv.URL, "--retry", "1", path}, &out, &errOut)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "FAILED file.txt: server|500|Internal Server Error")
	assert.Len(t, srv.Requests(), 2)
	assert.Empty(t, errOut.String())
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing endpoint", args: []string{"upload", "some-file"}, want: "endpoint is required"},
		{name: "missing file", args: []string{"upload", "--endpoint", "http://localhost", "does-not-exist"}, want: "open file"},
		{name: "no glob match", args: []string{"upload", "--endpoint", "http://localhost", "nothing/**/*.zip"}, want: "no files match"},
		{name: "invalid size", args: []string{"upload", "--endpoint", "http://localhost", "--chunk-size", "lots", "f"}, want: "invalid --chunk-size"},
		{name: "s3 with compression", args: []string{"upload", "--s3-bucket", "b", "--compression", "zstd", "f"}, want: "not supported"},
		{name: "s3 part too small", args: []string{"upload", "--s3-bucket", "b", "--chunked", "--chunk-size", "1MiB", "f"}, want: "below the S3 minimum part size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := Execute(context.Background(), tt.args, &out, &errOut)
			assert.Equal(t, 1, code)
			assert.Contains(t, errOut.String(), tt.want)
		})
	}
}

func TestLoadUploadOptions_Flags(t *testing.T) {
	opts, err := loadOptions(t,
		"--endpoint", "https://example.com/upload",
		"--chunked", "--chunk-size", "2MiB",
		"--retry", "4", "--threads", "6",
		"--header", "Authorization=Bearer x", "--param", "project=p1",
		"--timeout", "30s", "--binary",
		"--hash", "sha256", "--compression", "deflate",
		"--bandwidth", "1MiB",
		"a.bin", "b.bin",
	)
	require.NoError(t, err)

	cfg := opts.Config
	assert.Equal(t, []string{"a.bin", "b.bin"}, opts.Patterns)
	assert.True(t, cfg.Chunked)
	assert.Equal(t, int64(2*1024*1024), cfg.ChunkSize)
	assert.Equal(t, 4, cfg.Retry)
	assert.Equal(t, 6, cfg.Threads)
	assert.Equal(t, map[string]string{"Authorization": "Bearer x"}, cfg.Request.Headers)
	assert.Equal(t, map[string]string{"project": "p1"}, cfg.Request.Params)
	assert.Equal(t, 30*time.Second, cfg.Request.Timeout)
	assert.True(t, cfg.Request.SendAsBinary)
	assert.Equal(t, identity.SHA256, cfg.Hash)
	assert.Equal(t, compression.Deflate, cfg.Compression)
	require.NotNil(t, cfg.Request.Limiter)
	assert.Equal(t, 1024*1024, cfg.Request.Limiter.Burst())
}

func TestLoadUploadOptions_Defaults(t *testing.T) {
	opts, err := loadOptions(t, "--endpoint", "http://localhost", "f")
	require.NoError(t, err)

	cfg := opts.Config
	assert.False(t, cfg.Chunked)
	assert.Equal(t, int64(5*1024*1024), cfg.ChunkSize)
	assert.Equal(t, 2, cfg.Retry)
	assert.Equal(t, 3, cfg.Threads)
	assert.True(t, cfg.Request.WithCredentials)
	assert.Equal(t, "chunk", cfg.Request.FileField)
	assert.Nil(t, cfg.Request.Limiter)
}

func TestLoadUploadOptions_Precedence(t *testing.T) {
	t.Setenv("CHUNKUP_THREADS", "8")
	t.Setenv("CHUNKUP_ENDPOINT", "http://from-env")
	t.Setenv("CHUNKUP_CHUNK_SIZE", "1MiB")

	opts, err := loadOptions(t, "--threads", "2", "f")
	require.NoError(t, err)

	assert.Equal(t, 2, opts.Config.Threads, "an explicit flag wins over the environment")
	assert.Equal(t, "http://from-env", opts.Config.Request.Endpoint)
	assert.Equal(t, int64(1024*1024), opts.Config.ChunkSize)
}

func TestLoadUploadOptions_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkup.yaml")
	writeFile(t, path, []byte("endpoint: http://from-file\nretry: 5\nchunked: true\n"))

	v := viper.New()
	cmd := newUploadCommand(v, log.NewLogger())
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--retry", "1", "f"}))
	require.NoError(t, initConfig(cmd, v))

	opts, err := loadUploadOptions(cmd, v, cmd.Flags().Args())
	require.NoError(t, err)
	assert.Equal(t, "http://from-file", opts.Config.Request.Endpoint)
	assert.True(t, opts.Config.Chunked)
	assert.Equal(t, 1, opts.Config.Retry)
}

func recordWithStatus(t *testing.T, name string, size int, statuses ...file.Status) *file.Record {
	t.Helper()
	r := file.NewRecord(file.NewBytesSource(name, make([]byte, size)))
	for _, s := range statuses {
		_, err := r.SetStatus(s, "server|500|Internal Server Error")
		require.NoError(t, err)
	}
	return r
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		records []*file.Record
		want    []string
		wantErr bool
	}{
		{
			name: "all complete",
			records: []*file.Record{
				recordWithStatus(t, "a.bin", 1024, file.StatusProgress, file.StatusComplete),
				recordWithStatus(t, "b.bin", 1024, file.StatusProgress, file.StatusComplete),
			},
			want: []string{"2/2 files uploaded (2.0 KiB)"},
		},
		{
			name: "failed and unmerged",
			records: []*file.Record{
				recordWithStatus(t, "a.bin", 10, file.StatusProgress, file.StatusComplete),
				recordWithStatus(t, "b.bin", 10, file.StatusProgress, file.StatusError),
				recordWithStatus(t, "c.bin", 10, file.StatusProgress),
				recordWithStatus(t, "d.bin", 10, file.StatusInterrupt),
			},
			want: []string{
				"FAILED b.bin: server|500|Internal Server Error",
				"INCOMPLETE c.bin: progress",
				"INCOMPLETE d.bin: interrupt",
				"1/4 files uploaded (10 B)",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := summarize(&out, tt.records, uploader.NewStats(), time.Second)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUploadFailed)
			} else {
				assert.NoError(t, err)
			}
			for _, line := range tt.want {
				assert.Contains(t, out.String(), line)
			}
		})
	}
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x", "1.log"), []byte("1"))
	writeFile(t, filepath.Join(dir, "x", "y", "2.log"), []byte("2"))
	writeFile(t, filepath.Join(dir, "3.txt"), []byte("3"))

	paths, err := expandPaths([]string{
		filepath.Join(dir, "**", "*.log"),
		filepath.Join(dir, "x", "1.log"),
		filepath.Join(dir, "3.txt"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "3.txt"),
		filepath.Join(dir, "x", "1.log"),
		filepath.Join(dir, "x", "y", "2.log"),
	}, paths)
}
