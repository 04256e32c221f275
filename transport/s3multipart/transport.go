package s3multipart

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bitrise-io/go-chunkupload/eventbus"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// Transport uploads one block as one part.
type Transport struct {
	factory *Factory
	events  *eventbus.Bus[transport.Event]
	aborted atomic.Bool

	mu       sync.Mutex
	params      map[string]string
	contentType string
	data        []byte
	sent     bool
	cancel   context.CancelFunc
	response *transport.Response
}

// AppendParam ...
func (t *Transport) AppendParam(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[key] = value
}

// AppendParams ...
func (t *Transport) AppendParams(params map[string]string) {
	for k, v := range params {
		t.AppendParam(k, v)
	}
}

// SetHeader is a no-op: S3 requests are signed by the SDK and carry no caller
// headers.
func (t *Transport) SetHeader(string, string) {}

// SetPayload sets the part bytes. contentType becomes the object's content type.
func (t *Transport) SetPayload(_, _, contentType string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contentType = contentType
	t.data = data
}

// Response ...
func (t *Transport) Response() *transport.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

// Status ...
func (t *Transport) Status() int {
	if r := t.Response(); r != nil {
		return r.StatusCode
	}
	return 0
}

// Abort ...
func (t *Transport) Abort() {
	t.aborted.Store(true)

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Destroy ...
func (t *Transport) Destroy() {
	t.Abort()
	if t.events != nil {
		t.events.Clear()
	}
}

type request struct {
	hash        string
	index       int
	total       int
	contentType string
	data        []byte
}

// Send ...
func (t *Transport) Send(ctx context.Context) error {
	t.mu.Lock()
	if t.sent {
		t.mu.Unlock()
		return transport.ErrAlreadySent
	}
	t.sent = true
	if t.aborted.Load() {
		t.mu.Unlock()
		return &transport.Reason{Kind: transport.ReasonAbort, Err: context.Canceled}
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	req, err := t.request()
	t.mu.Unlock()
	defer cancel()

	if err != nil {
		return t.fail(&transport.Reason{Kind: transport.ReasonAbort, Err: err})
	}

	resp, err := t.upload(ctx, req)
	if err != nil {
		if t.aborted.Load() {
			return &transport.Reason{Kind: transport.ReasonAbort, Err: err}
		}
		return t.fail(reasonFromError(err))
	}

	t.mu.Lock()
	t.response = resp
	t.mu.Unlock()

	t.emit(transport.EventProgress, transport.Event{Progress: 1})
	t.emit(transport.EventSuccess, transport.Event{Response: resp})
	return nil
}

// request must be called with t.mu held.
func (t *Transport) request() (request, error) {
	r := request{
		hash:        t.params["hash"],
		contentType: t.contentType,
		data:        t.data,
	}
	if r.hash == "" {
		return request{}, fmt.Errorf("missing hash")
	}
	var err error
	if r.index, err = atoi(t.params, "chunkIndex"); err != nil {
		return request{}, err
	}
	if r.total, err = atoi(t.params, "totalChunk"); err != nil {
		return request{}, err
	}
	if r.index < 0 || r.index >= r.total {
		return request{}, fmt.Errorf("chunk index %d out of range (%d chunks)", r.index, r.total)
	}
	return r, nil
}

func (t *Transport) upload(ctx context.Context, req request) (*transport.Response, error) {
	f := t.factory
	s := f.session(req.hash)

	multipart := req.total > 1
	stored, uploadID, err := s.prepare(ctx, f, multipart, req.contentType)
	if err != nil {
		return nil, err
	}
	if stored {
		return mergedResponse(req.hash, "object already stored"), nil
	}

	if !multipart {
		return t.put(ctx, s, req)
	}

	out, err := f.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(f.opts.Bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber(req.index)),
		Body:          bytes.NewReader(req.data),
		ContentLength: aws.Int64(int64(len(req.data))),
	})
	if err != nil {
		return nil, fmt.Errorf("upload part %d: %w", partNumber(req.index), err)
	}
	f.logger.Debugf("Uploaded part %d/%d of %s", partNumber(req.index), req.total, s.key)

	parts, last := s.addPart(uploadID, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber(req.index)),
	}, req.total)
	if !last {
		return &transport.Response{StatusCode: 200, Msg: fmt.Sprintf("part %d uploaded", partNumber(req.index))}, nil
	}

	err = f.complete(ctx, s, uploadID, parts)
	s.completed(err)
	if err != nil {
		return nil, err
	}
	f.logger.Debugf("Completed multipart upload of %s (%d parts)", s.key, len(parts))
	return mergedResponse(req.hash, "multipart upload completed"), nil
}

func (t *Transport) put(ctx context.Context, s *session, req request) (*transport.Response, error) {
	uploader := manager.NewUploader(t.factory.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.factory.opts.Bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(req.data),
		ContentType: optional(req.contentType),
		Metadata:    map[string]string{HashMetadataKey: req.hash},
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	s.completed(nil)
	return mergedResponse(req.hash, "object stored"), nil
}

func (t *Transport) fail(reason *transport.Reason) error {
	t.emit(transport.EventError, transport.Event{Reason: reason})
	return reason
}

func (t *Transport) emit(name string, ev transport.Event) {
	if t.aborted.Load() {
		return
	}
	t.events.Emit(name, ev)
}
