package file

import (
	"errors"
	"fmt"
)

// Status is the upload state of a Record.
type Status string

const (
	// StatusQueued: the record is in the queue, waiting for upload.
	StatusQueued Status = "queued"
	// StatusProgress: blocks of the record are being transferred.
	StatusProgress Status = "progress"
	// StatusError: a block ran out of retries or the content could not be read. Retryable.
	StatusError Status = "error"
	// StatusComplete: the server merged the file, or it was already known to be uploaded.
	StatusComplete Status = "complete"
	// StatusInterrupt: the upload was paused. Resumable.
	StatusInterrupt Status = "interrupt"
)

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusQueued:    {StatusProgress, StatusInterrupt, StatusError},
	StatusProgress:  {StatusComplete, StatusError, StatusInterrupt},
	StatusInterrupt: {StatusProgress, StatusQueued},
	StatusError:     {StatusQueued},
	StatusComplete:  {},
}

// CanTransition reports whether a record may move from one status to another.
// Staying in the same status is always allowed (and is a no-op).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string {
	return string(s)
}
