// Package gwerrors holds the sentinel errors shared across the gateway
// controller's components, so callers can branch with errors.Is instead of
// string-matching log messages.
package gwerrors

import "errors"

var (
	// ErrProtocolTimeout means no response arrived within the control-node
	// link's 1s deadline. autotestserial.Send reports its own 5s timeout as
	// a nil response rather than as this error.
	ErrProtocolTimeout = errors.New("protocol: timeout waiting for response")

	// ErrProtocolNack means a response arrived but did not ack the request
	// (wrong token, or an explicit nack).
	ErrProtocolNack = errors.New("protocol: nack or malformed response")

	// ErrChildExit means a supervised child process terminated outside of
	// a requested stop.
	ErrChildExit = errors.New("supervisor: child exited unexpectedly")

	// ErrFatalSetup means autotest setup could not reach one of the two
	// nodes; remaining steps are skipped but teardown still runs.
	ErrFatalSetup = errors.New("autotest: fatal setup failure")

	// ErrInvalidProfile means a profile mapping failed validation.
	ErrInvalidProfile = errors.New("profile: invalid profile")

	// ErrBoardUnsupported means the configured board type is outside
	// {m3, a8}.
	ErrBoardUnsupported = errors.New("experiment: unsupported board type")

	// ErrNotRunning is returned by operations that need a running
	// experiment (UpdateProfile, ResetTime, PowerStart, PowerStop) when none
	// is running. Stop while idle does not return it: it logs a warning and
	// returns nil.
	ErrNotRunning = errors.New("experiment: not running")
)
