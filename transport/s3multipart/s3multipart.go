// Package s3multipart stores blocks as parts of an S3 multipart upload.
//
// Every content identity gets one multipart upload. A block is uploaded as
// part chunkIndex+1 and the transport that delivers the last missing part
// completes the upload; its response carries the same merge signal an HTTP
// receiving server sends. Single block files are uploaded with a plain
// PutObject through the transfer manager.
package s3multipart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/go-chunkupload/eventbus"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// HashMetadataKey is the object metadata key holding the content identity.
const HashMetadataKey = "content-hash"

const (
	defaultRetries   = 3
	defaultRetryWait = 5 * time.Second
)

// ValidateChunkSize rejects block sizes S3 would refuse at completion: every
// part but the last must be at least manager.MinUploadPartSize.
func ValidateChunkSize(chunked bool, chunkSize int64) error {
	if !chunked || chunkSize <= 0 {
		return nil
	}
	if chunkSize < manager.MinUploadPartSize {
		return fmt.Errorf("chunk size %s is below the S3 minimum part size of %s",
			units.BytesSize(float64(chunkSize)), units.BytesSize(float64(manager.MinUploadPartSize)))
	}
	return nil
}

// API is the subset of *s3.Client used by the transport.
type API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Options ...
type Options struct {
	Bucket string
	// Prefix is prepended to the object keys.
	Prefix string
	// Retries and RetryWait control the retries of the session level calls
	// (lookup, create, complete). Part uploads are retried by the scheduler.
	Retries   uint
	RetryWait time.Duration
}

// Factory creates S3 transports sharing one client and the multipart sessions.
type Factory struct {
	client API
	opts   Options
	logger log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewFactory ...
func NewFactory(client API, opts Options, logger log.Logger) (*Factory, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = defaultRetryWait
	}
	return &Factory{
		client:   client,
		opts:     opts,
		logger:   logger,
		sessions: map[string]*session{},
	}, nil
}

// LoadAWSConfig loads the default AWS config for region. Static credentials
// are used when both keyID and secret are set.
func LoadAWSConfig(ctx context.Context, region, keyID, secret string, logger log.Logger) (aws.Config, error) {
	if region == "" {
		return aws.Config{}, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if keyID != "" && secret != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(keyID, secret, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// New ...
func (f *Factory) New(events *eventbus.Bus[transport.Event]) transport.Transport {
	return &Transport{
		factory: f,
		events:  events,
		params:  map[string]string{},
	}
}

// Key returns the object key of a content identity.
func (f *Factory) Key(hash string) string {
	return path.Join(f.opts.Prefix, hash)
}

// Cleanup aborts every multipart upload that was started but not completed.
func (f *Factory) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	sessions := make([]*session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		uploadID, open := s.open()
		if !open {
			continue
		}
		f.logger.Debugf("Aborting unfinished multipart upload of %s", s.key)
		_, err := f.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(f.opts.Bucket),
			Key:      aws.String(s.key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("abort multipart upload of %s: %w", s.key, err))
			continue
		}
		s.reset()
	}
	return errors.Join(errs...)
}

func (f *Factory) session(hash string) *session {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[hash]
	if !ok {
		s = &session{hash: hash, key: f.Key(hash), parts: map[int32]types.CompletedPart{}}
		f.sessions[hash] = s
	}
	return s
}

// exists reports whether the object of hash is already stored with the same
// content identity.
func (f *Factory) exists(ctx context.Context, key, hash string) (bool, error) {
	var found bool
	err := retry.Times(f.opts.Retries).Wait(f.opts.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(f.opts.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return nil, true
				}
			}
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			return fmt.Errorf("head object: %w", err), false
		}

		found = out.Metadata[HashMetadataKey] == hash
		return nil, true
	})
	return found, err
}

func (f *Factory) create(ctx context.Context, s *session, contentType string) (string, error) {
	var uploadID string
	err := retry.Times(f.opts.Retries).Wait(f.opts.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := f.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(f.opts.Bucket),
			Key:         aws.String(s.key),
			ContentType: optional(contentType),
			Metadata:    map[string]string{HashMetadataKey: s.hash},
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), ctx.Err() != nil
		}
		uploadID = aws.ToString(out.UploadId)
		return nil, true
	})
	return uploadID, err
}

func (f *Factory) complete(ctx context.Context, s *session, uploadID string, parts []types.CompletedPart) error {
	return retry.Times(f.opts.Retries).Wait(f.opts.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := f.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(f.opts.Bucket),
			Key:             aws.String(s.key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
}

// session is the multipart upload of one content identity.
type session struct {
	hash string
	key  string

	mu         sync.Mutex
	checked    bool
	stored     bool
	uploadID   string
	parts      map[int32]types.CompletedPart
	completing bool
}

// prepare looks the object up once and, for multipart uploads, creates the
// upload once. It reports whether the object is already stored.
func (s *session) prepare(ctx context.Context, f *Factory, multipart bool, contentType string) (stored bool, uploadID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.checked {
		found, err := f.exists(ctx, s.key, s.hash)
		if err != nil {
			return false, "", err
		}
		s.checked = true
		s.stored = found
		if found {
			f.logger.Debugf("%s already stored in s3://%s", s.key, f.opts.Bucket)
		}
	}
	if s.stored || !multipart {
		return s.stored, "", nil
	}

	if s.uploadID == "" {
		id, err := f.create(ctx, s, contentType)
		if err != nil {
			return false, "", err
		}
		s.uploadID = id
		s.parts = map[int32]types.CompletedPart{}
	}
	return false, s.uploadID, nil
}

// addPart records an uploaded part. It returns the sorted part list when the
// caller has to complete the upload.
func (s *session) addPart(uploadID string, part types.CompletedPart, total int) ([]types.CompletedPart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uploadID != s.uploadID {
		return nil, false
	}
	s.parts[aws.ToInt32(part.PartNumber)] = part
	if len(s.parts) < total || s.completing {
		return nil, false
	}
	s.completing = true

	parts := make([]types.CompletedPart, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, true
}

func (s *session) completed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completing = false
	if err == nil {
		s.stored = true
		s.uploadID = ""
		s.parts = map[int32]types.CompletedPart{}
	}
}

func (s *session) open() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID, s.uploadID != "" && !s.stored
}

func (s *session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadID = ""
	s.parts = map[int32]types.CompletedPart{}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return aws.String(v)
}

// reasonFromError maps an S3 error to a failure reason.
func reasonFromError(err error) *transport.Reason {
	var statusErr interface{ HTTPStatusCode() int }
	if !errors.As(err, &statusErr) || statusErr.HTTPStatusCode() == 0 {
		return &transport.Reason{Kind: transport.ReasonAbort, Err: err}
	}

	status := statusErr.HTTPStatusCode()
	text := http.StatusText(status)
	var apiError smithy.APIError
	if errors.As(err, &apiError) && apiError.ErrorCode() != "" {
		text = apiError.ErrorCode()
	}
	reason := transport.ReasonFromStatus(status, text)
	reason.Err = err
	return reason
}

func mergedResponse(hash, msg string) *transport.Response {
	return &transport.Response{
		StatusCode: http.StatusOK,
		Msg:        msg,
		Merge:      &transport.Merge{FileHash: hash},
	}
}

func partNumber(chunkIndex int) int32 {
	return int32(chunkIndex + 1)
}

func atoi(params map[string]string, key string) (int, error) {
	v, err := strconv.Atoi(params[key])
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, params[key])
	}
	return v, nil
}
