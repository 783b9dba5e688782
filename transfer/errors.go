package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation marks an inbound message that was dropped.
	ErrProtocolViolation = errors.New("transfer: protocol violation")
	// ErrStorageFailure marks a blob store or output sink failure.
	ErrStorageFailure = errors.New("transfer: storage failure")
	// ErrTimeout marks a transfer aborted by the liveness reaper.
	ErrTimeout = errors.New("transfer: liveness timeout")
	// ErrPeerAborted marks a transfer the remote side gave up on.
	ErrPeerAborted = errors.New("transfer: aborted by peer")
	// ErrCanceled marks a transfer aborted locally through Abort or Stop.
	ErrCanceled = errors.New("transfer: canceled")
	// ErrAlreadyRequested is returned when a request for the same filename is outstanding.
	ErrAlreadyRequested = errors.New("transfer: file already requested")
	// ErrNotStarted is returned by operations that need a started Manager.
	ErrNotStarted = errors.New("transfer: manager not started")
	// ErrUnknownTransfer is returned for a RequestId with no live state.
	ErrUnknownTransfer = errors.New("transfer: unknown request id")
)

// Error is a terminal transfer failure surfaced on Manager.Errors.
type Error struct {
	RequestID string
	Filename  string
	Role      Role
	Err       error
}

func (e *Error) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("%s transfer of %q: %v", e.Role, e.Filename, e.Err)
	}
	return fmt.Sprintf("%s transfer %s of %q: %v", e.Role, e.RequestID, e.Filename, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
