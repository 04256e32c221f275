package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/file"
	"github.com/bitrise-io/go-chunkupload/identity"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-chunkupload/transport/s3multipart"
	"github.com/bitrise-io/go-chunkupload/uploader"
)

type s3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type uploadOptions struct {
	Patterns []string
	Config   uploader.Config
	S3       s3Options
}

func newUploadCommand(v *viper.Viper, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [flags] <path or glob>...",
		Short: "Upload files in blocks",
		Long: `Upload files to a chunk receiving endpoint (or an S3 bucket).

Files are split into blocks, identified by their content hash and sent with a
bounded number of parallel requests. Blocks already accepted in this run are
never sent again. Arguments are file paths or ** glob patterns.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadUploadOptions(cmd, v, args)
			if err != nil {
				return err
			}
			return runUpload(cmd.Context(), opts, logger, cmd.OutOrStdout())
		},
	}

	defaults := uploader.DefaultConfig()
	f := cmd.Flags()
	f.String("endpoint", "", "URL the blocks are sent to")
	f.Bool("chunked", false, "Split files into blocks of --chunk-size")
	f.String("chunk-size", "5MiB", "Block size")
	f.Int("retry", defaults.Retry, "Resends of a failed block before the file fails")
	f.Int("threads", defaults.Threads, "Parallel block transfers")
	f.StringSlice("header", nil, "Request header as key=value (repeatable)")
	f.StringSlice("param", nil, "Extra request field as key=value (repeatable)")
	f.Duration("timeout", defaults.Request.Timeout, "Idle timeout of a block request")
	f.Bool("with-credentials", defaults.Request.WithCredentials, "Keep and resend cookies set by the server")
	f.Bool("binary", false, "Send the block as the raw request body")
	f.String("file-field", defaults.Request.FileField, "Multipart field of the block")
	f.String("hash", string(defaults.Hash), "Content identity: md5 or sha256")
	f.String("compression", string(defaults.Compression), "Block compression: none, deflate or zstd")
	f.String("bandwidth", "", "Upload bandwidth cap per second, e.g. 10MiB")
	f.Duration("hung-threshold", 0, "Abort and resend blocks running this much longer than average (0 disables)")
	f.Duration("retry-backoff-min", 0, "Minimum wait before resending a block")
	f.Duration("retry-backoff-max", 0, "Maximum wait before resending a block (0 resends immediately)")
	f.String("s3-bucket", "", "Store blocks as S3 multipart uploads in this bucket instead of an endpoint")
	f.String("s3-region", "", "Region of --s3-bucket")
	f.String("s3-prefix", "", "Object key prefix in --s3-bucket")
	f.String("s3-access-key-id", "", "AWS access key ID (default credential chain when empty)")
	f.String("s3-secret-access-key", "", "AWS secret access key")
	return cmd
}

func loadUploadOptions(cmd *cobra.Command, v *viper.Viper, args []string) (uploadOptions, error) {
	f := NewFlagLoader(cmd, v)

	cfg := uploader.DefaultConfig()
	cfg.Chunked = f.Bool("chunked")
	cfg.Retry = f.Int("retry")
	cfg.Threads = f.Int("threads")
	cfg.HungThreshold = f.Duration("hung-threshold")
	cfg.RetryBackoffMin = f.Duration("retry-backoff-min")
	cfg.RetryBackoffMax = f.Duration("retry-backoff-max")

	chunkSize, err := f.Size("chunk-size")
	if err != nil {
		return uploadOptions{}, err
	}
	if chunkSize > 0 {
		cfg.ChunkSize = chunkSize
	}

	if cfg.Hash, err = identity.ParseAlgorithm(f.String("hash")); err != nil {
		return uploadOptions{}, err
	}
	if cfg.Compression, err = compression.Parse(f.String("compression")); err != nil {
		return uploadOptions{}, err
	}

	req := &cfg.Request
	req.Endpoint = f.String("endpoint")
	req.Timeout = f.Duration("timeout")
	req.WithCredentials = f.Bool("with-credentials")
	req.SendAsBinary = f.Bool("binary")
	req.FileField = f.String("file-field")
	if req.Headers, err = transport.ParseKeyValues(f.StringSlice("header")); err != nil {
		return uploadOptions{}, fmt.Errorf("invalid --header: %w", err)
	}
	if req.Params, err = transport.ParseKeyValues(f.StringSlice("param")); err != nil {
		return uploadOptions{}, fmt.Errorf("invalid --param: %w", err)
	}

	bandwidth, err := f.Size("bandwidth")
	if err != nil {
		return uploadOptions{}, err
	}
	if bandwidth > 0 {
		req.Limiter = rate.NewLimiter(rate.Limit(bandwidth), int(bandwidth))
	}

	opts := uploadOptions{
		Patterns: args,
		Config:   cfg,
		S3: s3Options{
			Bucket:          f.String("s3-bucket"),
			Region:          f.String("s3-region"),
			Prefix:          f.String("s3-prefix"),
			AccessKeyID:     f.String("s3-access-key-id"),
			SecretAccessKey: f.String("s3-secret-access-key"),
		},
	}

	if opts.S3.Bucket != "" {
		if cfg.Compression.Enabled() {
			return uploadOptions{}, fmt.Errorf("--compression is not supported with --s3-bucket")
		}
		if err := s3multipart.ValidateChunkSize(cfg.Chunked, cfg.ChunkSize); err != nil {
			return uploadOptions{}, fmt.Errorf("invalid --chunk-size: %w", err)
		}
	} else if err := req.Validate(); err != nil {
		return uploadOptions{}, err
	}
	if err := cfg.Validate(); err != nil {
		return uploadOptions{}, err
	}
	return opts, nil
}

// expandPaths resolves plain paths and doublestar patterns into a sorted,
// de-duplicated list of regular files.
func expandPaths(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var paths []string

	for _, pattern := range patterns {
		matches := []string{pattern}
		if hasMeta(pattern) {
			var err error
			matches, err = doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no files match %s", pattern)
			}
		}

		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			paths = append(paths, m)
		}
	}

	sort.Strings(paths)
	return paths, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func runUpload(ctx context.Context, opts uploadOptions, logger log.Logger, out io.Writer) error {
	paths, err := expandPaths(opts.Patterns)
	if err != nil {
		return err
	}

	var sources []file.Source
	for _, p := range paths {
		src, err := file.OpenSource(p)
		if err != nil {
			return err
		}
		defer func(src *file.DiskSource) {
			if err := src.Close(); err != nil {
				logger.Warnf("Failed to close %s: %s", src.Path(), err)
			}
		}(src)
		sources = append(sources, src)
	}

	uploaderOpts := []uploader.Option{
		uploader.WithLogger(logger),
		uploader.WithMetrics(uploader.NewMetrics("chunkup")),
	}
	if opts.S3.Bucket != "" {
		factory, err := newS3Factory(ctx, opts.S3, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := factory.Cleanup(context.Background()); err != nil {
				logger.Warnf("Failed to abort unfinished multipart uploads: %s", err)
			}
		}()
		uploaderOpts = append(uploaderOpts, uploader.WithTransportFactory(factory))
	}

	u, err := uploader.New(opts.Config, uploaderOpts...)
	if err != nil {
		return err
	}
	defer u.Close()

	finished := make(chan struct{}, 1)
	u.OnFinished(func(uploader.Event) {
		select {
		case finished <- struct{}{}:
		default:
		}
	})
	newReporter(out).attach(u)

	start := time.Now()
	records, err := u.Enqueue(sources...)
	if err != nil {
		return err
	}

	select {
	case <-finished:
	case <-ctx.Done():
		u.StopAll()
		return fmt.Errorf("upload interrupted: %w", ctx.Err())
	}

	return summarize(out, records, u.Stats(), time.Since(start))
}

func newS3Factory(ctx context.Context, opts s3Options, logger log.Logger) (*s3multipart.Factory, error) {
	awsCfg, err := s3multipart.LoadAWSConfig(ctx, opts.Region, opts.AccessKeyID, opts.SecretAccessKey, logger)
	if err != nil {
		return nil, err
	}
	return s3multipart.NewFactory(s3.NewFromConfig(awsCfg), s3multipart.Options{
		Bucket: opts.Bucket,
		Prefix: opts.Prefix,
	}, logger)
}

// summarize prints the outcome of every record that did not complete and a
// totals line. Only COMPLETE records count as uploaded.
func summarize(out io.Writer, records []*file.Record, stats *uploader.Stats, took time.Duration) error {
	completed := 0
	var total int64
	for _, r := range records {
		switch status := r.Status(); status {
		case file.StatusComplete:
			completed++
			total += r.Size
		case file.StatusError:
			_, _ = fmt.Fprintf(out, "FAILED %s: %s\n", r.Name, r.StatusText())
		default:
			_, _ = fmt.Fprintf(out, "INCOMPLETE %s: %s\n", r.Name, status)
		}
	}

	_, _ = fmt.Fprintf(out, "%d/%d files uploaded (%s) in %s, %d blocks sent (%s)\n",
		completed, len(records), humanize.IBytes(uint64(total)), took.Round(time.Millisecond),
		stats.FinishedCount(), humanize.IBytes(uint64(stats.BytesSent())))

	if completed < len(records) {
		return ErrUploadFailed
	}
	return nil
}

// reporter prints a line per file whenever its progress crosses a 10% step.
type reporter struct {
	out  io.Writer
	last map[string]int
}

func newReporter(out io.Writer) *reporter {
	return &reporter{out: out, last: map[string]int{}}
}

// attach subscribes to u. Listeners run on the dispatcher goroutine one at a
// time, so the reporter needs no locking.
func (r *reporter) attach(u *uploader.Uploader) {
	u.OnProgress(func(e uploader.Event) {
		step := int(e.Progress * 10)
		if last, ok := r.last[e.File.ID]; ok && step <= last {
			return
		}
		r.last[e.File.ID] = step
		done := uint64(float64(e.File.Size) * e.Progress)
		_, _ = fmt.Fprintf(r.out, "%-30s %3.0f%% %s / %s\n",
			e.File.Name, e.Progress*100, humanize.IBytes(done), humanize.IBytes(uint64(e.File.Size)))
	})
	u.OnSuccess(func(e uploader.Event) {
		_, _ = fmt.Fprintf(r.out, "%-30s done (%s)\n", e.File.Name, e.File.Hash())
	})
}
