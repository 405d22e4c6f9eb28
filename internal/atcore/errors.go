package atcore

import "errors"

var (
	// ErrBusy is returned when the command lock could not be acquired
	// within the timeout. Recoverable; the caller may retry.
	ErrBusy = errors.New("atcore: device busy")

	// ErrTimeout is returned when no response record arrived in time. The
	// caller still owns the lock and must release it.
	ErrTimeout = errors.New("atcore: response timeout")

	// ErrIO is returned when the transport failed to move bytes.
	ErrIO = errors.New("atcore: transport error")

	// ErrUnexpectedResponse is returned when the terminal status line is
	// neither OK nor ERROR.
	ErrUnexpectedResponse = errors.New("atcore: unexpected response")

	// ErrCommandFailed is returned when the NCP answered ERROR.
	ErrCommandFailed = errors.New("atcore: command failed")

	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("atcore: engine closed")
)
