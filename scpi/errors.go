package scpi

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfigNil indicates that a nil configuration was provided.
	ErrConfigNil = errors.New("config is nil")

	// ErrNotOpened indicates that the transport session has not been opened yet.
	ErrNotOpened = errors.New("transport not opened")

	// ErrClosed indicates that the transport session is closed.
	ErrClosed = errors.New("transport closed")

	// ErrInvalidTransition is returned when an attempt is made to transition the
	// transport session to an invalid lifecycle state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSessionClosed indicates that the session dispatch loop is not running.
	ErrSessionClosed = errors.New("session closed")
)

var (
	// ErrEmptyCommand indicates that a command with no text was submitted.
	ErrEmptyCommand = errors.New("empty command")

	// ErrCommandBadByte indicates that a command's rendered text contains a line
	// terminator or another byte outside printable ASCII.
	ErrCommandBadByte = errors.New("command text contains terminator or non-printable byte")

	// ErrBadResponse indicates that a response could not be parsed in the
	// expected format.
	ErrBadResponse = errors.New("malformed response")
)

var (
	// ErrDesync indicates that a response line arrived with no outstanding or
	// abandoned query. The command/response pairing guarantee is broken; the
	// engine latches this state and refuses further exchanges until Reset.
	ErrDesync = errors.New("protocol desynchronized, response received with no outstanding query")

	// ErrDeviceClearUnsupported indicates that the transport has no native
	// device clear primitive.
	ErrDeviceClearUnsupported = errors.New("transport does not support device clear")

	// ErrErrorDrainLimit indicates that the instrument kept returning nonzero
	// error entries past the drain limit.
	ErrErrorDrainLimit = errors.New("error queue drain limit exceeded")
)

// TransportError wraps a channel-level I/O fault. It is fatal to the current
// exchange, not necessarily to the transport session.
type TransportError struct {
	// Op is the transport operation that failed, e.g. "open", "write", "read".
	Op string
	// Err is the underlying fault.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that no terminator arrived within the read window.
//
// Partial holds the bytes received before the deadline. The same bytes remain
// buffered in the transport, so a later read can still complete the line.
type TimeoutError struct {
	Partial []byte
	Wait    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("read timeout after %s (%d partial bytes)", e.Wait, len(e.Partial))
}

// Timeout reports whether the error is a timeout. It always returns true and
// exists to satisfy the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// DeviceNotPresentError reports that a presence-detection signal never
// asserted within the configured wait. It is raised before any command bytes
// are written, so no partial state is left behind.
type DeviceNotPresentError struct {
	// Signal names the line that stayed deasserted, e.g. "DCD" or "CTS".
	Signal string
	Wait   time.Duration
}

func (e *DeviceNotPresentError) Error() string {
	return fmt.Sprintf("device not present, %s not asserted within %s", e.Signal, e.Wait)
}

// DeviceError is one entry drained from the instrument's error queue.
// Code 0 means the queue is empty and is never returned by a drain.
//
// DeviceError implements error but describes a past device-side event; drains
// return entries as data rather than failing.
type DeviceError struct {
	Code    int
	Message string
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}

// CommandError reports that the instrument flagged at least one error queue
// entry after a command issued through SafeSend or SafeQuery.
type CommandError struct {
	// Command is the rendered text of the command that was checked.
	Command string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %d,%q", e.Command, e.Code, e.Message)
}
