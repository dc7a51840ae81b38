package transcriber

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted     = errors.New("transcriber not started")
	ErrAlreadyStarted = errors.New("transcriber already started")
	ErrClosed         = errors.New("transcriber closed")
	ErrFailed         = errors.New("transcriber failed")
)

// FailedError is returned by Read once the worker stopped on a decoder or
// audio source fault. The controller does not restart.
type FailedError struct {
	Cause error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("transcriber failed: %v", e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

func (e *FailedError) Is(target error) bool { return target == ErrFailed }

// State is the controller lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDrained
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDrained:
		return "drained"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
