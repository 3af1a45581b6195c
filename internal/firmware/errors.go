package firmware

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable matches every *TransportError.
	ErrGatewayUnavailable = errors.New("firmware gateway unavailable")
	// ErrAborted is the cancellation cause used when a build is aborted.
	ErrAborted = errors.New("firmware build aborted")
	// ErrAlreadyScheduled is returned when a poller for the job is already running.
	ErrAlreadyScheduled = errors.New("poller already scheduled")
	ErrNotAbortable     = errors.New("firmware job is past the abortable stage")
)

// TransportError reports a failed gateway call: a network fault, a non-2xx
// response or a body that could not be decoded.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrGatewayUnavailable }

// PersistError reports a failure to write an artifact to local storage.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
