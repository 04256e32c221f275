package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/bitrise-io/go-chunkupload/eventbus"
)

const (
	// DefaultFileField is the multipart field the block bytes are sent in.
	DefaultFileField = "chunk"
	// DefaultTimeout is the default idle timeout of a request.
	DefaultTimeout = 2 * time.Minute
)

// RequestOptions are the fixed request settings shared by every transport of a factory.
type RequestOptions struct {
	Endpoint string
	// Method defaults to POST.
	Method  string
	Headers map[string]string
	// WithCredentials keeps cookies set by the server and sends them back on
	// later requests of the same factory.
	WithCredentials bool
	// Timeout is an idle timeout: it is re-armed every time request body bytes
	// are consumed. Zero disables it.
	Timeout time.Duration
	// FileField is the multipart field name of the payload.
	FileField string
	// Params are extra fields sent with every request.
	Params map[string]string
	// SendAsBinary sends the payload as the raw request body and the fields in
	// the query string instead of a multipart form.
	SendAsBinary bool
	// Retries is the number of transport level retries done by the HTTP client
	// itself. The scheduler has its own retry budget, so this is usually 0.
	Retries int
	// Limiter caps the upload bandwidth in bytes per second across every
	// transport sharing it. Nil means unlimited.
	Limiter *rate.Limiter
}

// DefaultRequestOptions ...
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Method:          http.MethodPost,
		WithCredentials: true,
		Timeout:         DefaultTimeout,
		FileField:       DefaultFileField,
	}
}

// Validate ...
func (o RequestOptions) Validate() error {
	if o.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(o.Endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must be an http(s) URL: %s", o.Endpoint)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if o.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	return nil
}

// HTTPFactory creates HTTP transports sharing one client.
type HTTPFactory struct {
	client *retryablehttp.Client
	opts   RequestOptions
	logger log.Logger
}

// NewHTTPFactory ...
func NewHTTPFactory(opts RequestOptions, logger log.Logger) (*HTTPFactory, error) {
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	if opts.FileField == "" {
		opts.FileField = DefaultFileField
	}

	client := retryhttp.NewClient(logger)
	client.RetryMax = opts.Retries
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.WithCredentials {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client.HTTPClient.Jar = jar
	}

	return &HTTPFactory{
		client: client,
		opts:   opts,
		logger: logger,
	}, nil
}

// New ...
func (f *HTTPFactory) New(events *eventbus.Bus[Event]) Transport {
	return &HTTP{
		client:  f.client,
		opts:    f.opts,
		logger:  f.logger,
		events:  events,
		headers: http.Header{},
	}
}

type param struct {
	key   string
	value string
}

// HTTP is a Transport sending one multipart (or raw binary) request.
type HTTP struct {
	client *retryablehttp.Client
	opts   RequestOptions
	logger log.Logger
	events *eventbus.Bus[Event]

	mu       sync.Mutex
	params   []param
	headers  http.Header
	field    string
	filename string
	mimeType string
	payload  []byte
	sent     bool
	cancel   context.CancelFunc
	response *Response
	status   int

	aborted atomic.Bool
}

// AppendParam ...
func (t *HTTP) AppendParam(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = append(t.params, param{key: key, value: value})
}

// AppendParams appends params in key order of iteration; use AppendParam when
// the field order matters.
func (t *HTTP) AppendParams(params map[string]string) {
	for k, v := range params {
		t.AppendParam(k, v)
	}
}

// SetHeader ...
func (t *HTTP) SetHeader(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers.Set(key, value)
}

// SetPayload sets the bytes to send. An empty field falls back to the
// factory's FileField. contentType is the media type of the multipart file
// part; a binary body is always sent as application/octet-stream.
func (t *HTTP) SetPayload(field, filename, contentType string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.field = field
	t.filename = filename
	t.mimeType = contentType
	t.payload = data
}

// Response ...
func (t *HTTP) Response() *Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

// Status ...
func (t *HTTP) Status() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Abort ...
func (t *HTTP) Abort() {
	t.aborted.Store(true)

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Destroy ...
func (t *HTTP) Destroy() {
	t.Abort()
	if t.events != nil {
		t.events.Clear()
	}
}

// Send ...
func (t *HTTP) Send(ctx context.Context) error {
	t.mu.Lock()
	if t.sent {
		t.mu.Unlock()
		return ErrAlreadySent
	}
	t.sent = true
	if t.aborted.Load() {
		t.mu.Unlock()
		return &Reason{Kind: ReasonAbort, Err: context.Canceled}
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	var timedOut atomic.Bool
	rearm := func() {}
	if t.opts.Timeout > 0 {
		timer := time.AfterFunc(t.opts.Timeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
		rearm = func() { timer.Reset(t.opts.Timeout) }
	}

	req, size, err := t.newRequest(ctx, rearm)
	if err != nil {
		return t.fail(&Reason{Kind: ReasonAbort, Err: err})
	}

	dump, err := dumpRequest(req.Request)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Block request dump (%d bytes body): %s", size, string(dump))

	resp, err := t.client.Do(req)
	if err != nil {
		return t.failed(err, &timedOut)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Warnf("Failed to close response body: %s", err)
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return t.failed(err, &timedOut)
	}

	dump, err = httputil.DumpResponse(resp, false)
	if err != nil {
		t.logger.Warnf("error while dumping response: %s", err)
	}
	t.logger.Debugf("Block response dump: %s%s", string(dump), string(body))

	response := ParseResponse(resp.StatusCode, resp.Header, body)
	t.mu.Lock()
	t.response = response
	t.status = resp.StatusCode
	t.mu.Unlock()

	if !response.Success() {
		return t.fail(ReasonFromStatus(resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	t.emit(EventProgress, Event{Progress: 1})
	t.emit(EventSuccess, Event{Response: response})
	return nil
}

var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie"}

// dumpRequest dumps the request line and headers with credentials masked.
func dumpRequest(r *http.Request) ([]byte, error) {
	clone := r.Clone(r.Context())
	for _, h := range sensitiveHeaders {
		if clone.Header.Get(h) != "" {
			clone.Header.Set(h, "[REDACTED]")
		}
	}
	return httputil.DumpRequest(clone, false)
}

func (t *HTTP) failed(err error, timedOut *atomic.Bool) error {
	if t.aborted.Load() {
		return &Reason{Kind: ReasonAbort, Err: err}
	}
	if timedOut.Load() {
		return t.fail(&Reason{Kind: ReasonTimeout, Err: err})
	}
	return t.fail(&Reason{Kind: ReasonAbort, Err: err})
}

func (t *HTTP) fail(reason *Reason) error {
	t.emit(EventError, Event{Reason: reason})
	return reason
}

func (t *HTTP) emit(name string, ev Event) {
	if t.aborted.Load() {
		return
	}
	t.events.Emit(name, ev)
}

func (t *HTTP) newRequest(ctx context.Context, onRead func()) (*retryablehttp.Request, int64, error) {
	t.mu.Lock()
	params := append([]param(nil), t.params...)
	headers := t.headers.Clone()
	field := t.field
	filename := t.filename
	mimeType := t.mimeType
	payload := t.payload
	t.mu.Unlock()

	if field == "" {
		field = t.opts.FileField
	}
	for k, v := range t.opts.Params {
		params = append(params, param{key: k, value: v})
	}

	endpoint := t.opts.Endpoint
	var (
		body        []byte
		contentType string
	)
	if t.opts.SendAsBinary {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, 0, fmt.Errorf("parse endpoint: %w", err)
		}
		query := u.Query()
		for _, p := range params {
			query.Add(p.key, p.value)
		}
		u.RawQuery = query.Encode()
		endpoint = u.String()
		body = payload
		contentType = "application/octet-stream"
	} else {
		var err error
		body, contentType, err = multipartBody(params, field, filename, mimeType, payload)
		if err != nil {
			return nil, 0, err
		}
	}

	size := int64(len(body))
	var sent atomic.Int64
	progress := func(n int) {
		onRead()
		if size == 0 {
			return
		}
		done := sent.Add(int64(n))
		t.emit(EventProgress, Event{Progress: float64(done) / float64(size)})
	}

	newBody := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		sent.Store(0)
		return &progressReader{
			ctx:     ctx,
			r:       bytes.NewReader(body),
			limiter: t.opts.Limiter,
			onRead:  progress,
		}, nil
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, t.opts.Method, endpoint, newBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", contentType)
	// retryablehttp does not set the length of ReaderFunc bodies
	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	req.ContentLength = size

	return req, size, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartBody(params []param, field, filename, mimeType string, payload []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, p := range params {
		if err := w.WriteField(p.key, p.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", p.key, err)
		}
	}

	if filename == "" {
		filename = "blob"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filename)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("write payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// progressReader reports every read to onRead and throttles through limiter.
type progressReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	onRead  func(n int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if p.limiter != nil {
		if burst := p.limiter.Burst(); burst > 0 && len(b) > burst {
			b = b[:burst]
		}
	}

	n, err := p.r.Read(b)
	if n > 0 {
		if p.limiter != nil {
			if werr := p.limiter.WaitN(p.ctx, n); werr != nil {
				return n, werr
			}
		}
		p.onRead(n)
	}
	return n, err
}

// ParseKeyValues parses `key=value` pairs as given on a command line.
func ParseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
