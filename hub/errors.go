package hub

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced through the session command protocol.
var (
	// ErrUserCancelled reports that the device chooser was dismissed.
	ErrUserCancelled = errors.New("user canceled device chooser")
	// ErrUnknownDevice reports an identifier that was never authorized for
	// the session or origin.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrHostUnavailable reports a missing native host process or a broken
	// channel.
	ErrHostUnavailable = errors.New("native host unavailable")
	// ErrVersionIncompatible reports a startup-handshake API version
	// mismatch. It fails every pending and new request until a fresh
	// channel is established.
	ErrVersionIncompatible = errors.New("unsupported host version")
	// ErrInvalidArgument reports a malformed value rejected before any
	// native call.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValidationError reports a malformed command or filter shape, rejected
// locally before any native round-trip.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NativeError carries an explicit error string returned by the native host,
// propagated verbatim to the caller.
type NativeError struct {
	Msg string
}

func (e *NativeError) Error() string {
	return e.Msg
}

// isAdapterNotReady recognizes the platform error the host returns when the
// Bluetooth adapter is off or absent, which gets its own chooser-level signal.
func isAdapterNotReady(err error) bool {
	var nerr *NativeError
	return errors.As(err, &nerr) && strings.Contains(nerr.Msg, "not ready for use")
}
