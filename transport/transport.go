// Package transport sends one block (or one whole file) to the receiving end
// and reports progress, success and failure on an injected event bus.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/eventbus"
)

// Event names published by a Transport.
const (
	EventProgress = "progress"
	EventSuccess  = "success"
	EventError    = "error"
)

// ErrAlreadySent is returned when Send is called a second time.
var ErrAlreadySent = errors.New("transport already sent")

// Event is the payload of the events a Transport publishes. Only the field
// matching the event name is set.
type Event struct {
	Progress float64
	Response *Response
	Reason   *Reason
}

// Transport is a single outbound transfer. Parameters, headers and the payload
// are collected first, then Send issues the request exactly once.
//
// Every Send ends in exactly one terminal event (success or error) unless the
// transport is aborted, in which case no further events are published.
type Transport interface {
	AppendParam(key, value string)
	AppendParams(params map[string]string)
	SetHeader(key, value string)
	// SetPayload sets the bytes to send with their file name and media type.
	SetPayload(field, filename, contentType string, data []byte)

	// Send blocks until the transfer finishes. It returns nil on success and a
	// *Reason otherwise.
	Send(ctx context.Context) error
	// Abort cancels an in-flight request. Safe to call any time, any number of times.
	Abort()
	// Destroy aborts and removes every listener from the transport's bus.
	Destroy()

	Response() *Response
	Status() int
}

// Factory creates transports publishing on events.
type Factory interface {
	New(events *eventbus.Bus[Event]) Transport
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(events *eventbus.Bus[Event]) Transport

// New ...
func (f FactoryFunc) New(events *eventbus.Bus[Event]) Transport {
	return f(events)
}

// ReasonKind classifies a failed transfer.
type ReasonKind string

const (
	// ReasonServer is a 5xx response.
	ReasonServer ReasonKind = "server"
	// ReasonHTTP is any other non-2xx response.
	ReasonHTTP ReasonKind = "http"
	// ReasonAbort is a network level failure or a cancelled request.
	ReasonAbort ReasonKind = "abort"
	// ReasonTimeout means no progress was observed within the configured timeout.
	ReasonTimeout ReasonKind = "timeout"
)

// Reason describes why a transfer failed. It is used as an error.
type Reason struct {
	Kind   ReasonKind
	Status int
	Text   string
	Err    error
}

// ReasonFromStatus builds the reason for a non-2xx status code.
func ReasonFromStatus(status int, text string) *Reason {
	kind := ReasonHTTP
	if status >= 500 {
		kind = ReasonServer
	}
	return &Reason{Kind: kind, Status: status, Text: text}
}

// String formats the reason as `server|<status>|<text>`, `http|<status>|<text>`,
// `abort` or `timeout`.
func (r *Reason) String() string {
	switch r.Kind {
	case ReasonServer, ReasonHTTP:
		return fmt.Sprintf("%s|%d|%s", r.Kind, r.Status, r.Text)
	default:
		return string(r.Kind)
	}
}

func (r *Reason) Error() string {
	if r.Err != nil && (r.Kind == ReasonAbort || r.Kind == ReasonTimeout) {
		return fmt.Sprintf("%s: %s", r.Kind, r.Err)
	}
	return r.String()
}

func (r *Reason) Unwrap() error {
	return r.Err
}
