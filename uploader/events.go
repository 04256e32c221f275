package uploader

import (
	"github.com/bitrise-io/go-chunkupload/eventbus"
	"github.com/bitrise-io/go-chunkupload/file"
	"github.com/bitrise-io/go-chunkupload/transport"
)

// Event names published by the Uploader.
const (
	EventProgress       = "progress"
	EventSuccess        = "success"
	EventError          = "error"
	EventStatus         = "status"
	EventUploadFinished = "uploadFinished"
)

// Event is the payload of every uploader event. File is nil for uploadFinished.
type Event struct {
	Type     string
	File     *file.Record
	Progress float64
	Response *transport.Response
	// Reason is set on error events caused by a failed transfer.
	Reason *transport.Reason
	// Err is the error of an error event; for transfer failures it wraps Reason.
	Err error
	// From and To are set on status events.
	From file.Status
	To   file.Status
}

// On registers a raw listener on the uploader's bus.
func (u *Uploader) On(name string, fn func(Event)) eventbus.ListenerID {
	return u.events.On(name, func(e Event) bool {
		fn(e)
		return false
	})
}

// OnProgress ...
func (u *Uploader) OnProgress(fn func(Event)) eventbus.ListenerID {
	return u.On(EventProgress, fn)
}

// OnSuccess ...
func (u *Uploader) OnSuccess(fn func(Event)) eventbus.ListenerID {
	return u.On(EventSuccess, fn)
}

// OnError ...
func (u *Uploader) OnError(fn func(Event)) eventbus.ListenerID {
	return u.On(EventError, fn)
}

// OnStatus ...
func (u *Uploader) OnStatus(fn func(Event)) eventbus.ListenerID {
	return u.On(EventStatus, fn)
}

// OnFinished is called every time the queue runs out of work.
func (u *Uploader) OnFinished(fn func(Event)) eventbus.ListenerID {
	return u.On(EventUploadFinished, fn)
}

// OnFileProgress registers fn for the progress events of one record.
func (u *Uploader) OnFileProgress(record *file.Record, fn func(Event)) eventbus.ListenerID {
	return u.onFile(EventProgress, record, fn)
}

// OnFileSuccess ...
func (u *Uploader) OnFileSuccess(record *file.Record, fn func(Event)) eventbus.ListenerID {
	return u.onFile(EventSuccess, record, fn)
}

// OnFileError ...
func (u *Uploader) OnFileError(record *file.Record, fn func(Event)) eventbus.ListenerID {
	return u.onFile(EventError, record, fn)
}

func (u *Uploader) onFile(name string, record *file.Record, fn func(Event)) eventbus.ListenerID {
	return u.On(name, func(e Event) {
		if e.File != nil && e.File.ID == record.ID {
			fn(e)
		}
	})
}

// Off removes a listener.
func (u *Uploader) Off(id eventbus.ListenerID) {
	u.events.Off(id)
}

// publish queues an event; the dispatcher delivers queued events in order.
// Must be called with u.mu held.
func (u *Uploader) publish(e Event) {
	u.outbox = append(u.outbox, e)
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

func (u *Uploader) dispatch() {
	defer u.wg.Done()

	for {
		select {
		case <-u.notify:
			u.flush()
		case <-u.done:
			u.flush()
			return
		}
	}
}

func (u *Uploader) flush() {
	for {
		u.mu.Lock()
		batch := u.outbox
		u.outbox = nil
		u.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			u.events.Emit(e.Type, e)
		}
	}
}
