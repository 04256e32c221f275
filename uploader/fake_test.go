package uploader

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/eventbus"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// call is one Send observed by fakeFactory. In manual mode the transfer waits
// until release is closed.
type call struct {
	index   int
	hash    string
	release chan struct{}
}

// fakeFactory is an in-memory receiving end with the same merge rules as the
// real server: a file merges when every block index arrived.
type fakeFactory struct {
	manual bool
	calls  chan call

	mu        sync.Mutex
	sends     map[int]int
	total     int
	active    int
	maxActive int
	failures  map[int]int
	hangs     map[int]int
	received  map[string]map[int]bool
	created   int
	types     []string
}

func newFakeFactory(manual bool) *fakeFactory {
	return &fakeFactory{
		manual:   manual,
		calls:    make(chan call, 100),
		sends:    map[int]int{},
		failures: map[int]int{},
		hangs:    map[int]int{},
		received: map[string]map[int]bool{},
	}
}

func (f *fakeFactory) New(events *eventbus.Bus[transport.Event]) transport.Transport {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return &fakeTransport{f: f, events: events, params: map[string]string{}}
}

// failBlock makes the next n sends of a block fail with a 500.
func (f *fakeFactory) failBlock(index, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[index] = n
}

// hangBlock makes the next n sends of a block never answer.
func (f *fakeFactory) hangBlock(index, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangs[index] = n
}

// preload marks blocks as already received by the server.
func (f *fakeFactory) preload(hash string, indexes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.received[hash] == nil {
		f.received[hash] = map[int]bool{}
	}
	for _, i := range indexes {
		f.received[hash][i] = true
	}
}

func (f *fakeFactory) sendCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[index]
}

func (f *fakeFactory) totalSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeFactory) activeNow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeFactory) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// payloadTypes returns the content type of every payload set so far.
func (f *fakeFactory) payloadTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.types...)
}

func (f *fakeFactory) transportsCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeFactory) begin(index int) (fail, hang bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends[index]++
	f.total++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	if f.hangs[index] > 0 {
		f.hangs[index]--
		return false, true
	}
	if f.failures[index] > 0 {
		f.failures[index]--
		return true, false
	}
	return false, false
}

func (f *fakeFactory) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func (f *fakeFactory) accept(hash string, index, total int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.received[hash] == nil {
		f.received[hash] = map[int]bool{}
	}
	f.received[hash][index] = true
	return len(f.received[hash]) == total
}

type fakeTransport struct {
	f      *fakeFactory
	events *eventbus.Bus[transport.Event]

	mu      sync.Mutex
	params  map[string]string
	data    []byte
	sent    bool
	cancel  context.CancelFunc
	resp    *transport.Response
	aborted atomic.Bool
}

func (t *fakeTransport) AppendParam(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[key] = value
}

func (t *fakeTransport) AppendParams(params map[string]string) {
	for k, v := range params {
		t.AppendParam(k, v)
	}
}

func (t *fakeTransport) SetHeader(string, string) {}

func (t *fakeTransport) SetPayload(_, _, contentType string, data []byte) {
	t.f.mu.Lock()
	t.f.types = append(t.f.types, contentType)
	t.f.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = data
}

func (t *fakeTransport) Send(ctx context.Context) error {
	t.mu.Lock()
	if t.sent {
		t.mu.Unlock()
		return transport.ErrAlreadySent
	}
	t.sent = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	index, _ := strconv.Atoi(t.params["chunkIndex"])
	total, _ := strconv.Atoi(t.params["totalChunk"])
	hash := t.params["hash"]
	t.mu.Unlock()
	defer cancel()

	if t.aborted.Load() {
		return &transport.Reason{Kind: transport.ReasonAbort}
	}

	fail, hang := t.f.begin(index)
	defer t.f.end()

	if t.f.manual {
		c := call{index: index, hash: hash, release: make(chan struct{})}
		t.f.calls <- c
		select {
		case <-c.release:
		case <-ctx.Done():
			return &transport.Reason{Kind: transport.ReasonAbort, Err: ctx.Err()}
		}
	}
	if hang {
		<-ctx.Done()
		return &transport.Reason{Kind: transport.ReasonAbort, Err: ctx.Err()}
	}

	if fail {
		reason := transport.ReasonFromStatus(500, "Internal Server Error")
		t.emit(transport.EventError, transport.Event{Reason: reason})
		return reason
	}

	t.emit(transport.EventProgress, transport.Event{Progress: 0.5})
	resp := &transport.Response{StatusCode: 200, JSON: true}
	if t.f.accept(hash, index, total) {
		resp.Merge = &transport.Merge{FileHash: hash}
	}
	t.mu.Lock()
	t.resp = resp
	t.mu.Unlock()
	t.emit(transport.EventProgress, transport.Event{Progress: 1})
	t.emit(transport.EventSuccess, transport.Event{Response: resp})
	return nil
}

func (t *fakeTransport) emit(name string, e transport.Event) {
	if t.aborted.Load() {
		return
	}
	t.events.Emit(name, e)
}

func (t *fakeTransport) Abort() {
	t.aborted.Store(true)
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *fakeTransport) Destroy() {
	t.Abort()
	t.events.Clear()
}

func (t *fakeTransport) Response() *transport.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp
}

func (t *fakeTransport) Status() int {
	if r := t.Response(); r != nil {
		return r.StatusCode
	}
	return 0
}
