package main

import (
	"errors"

	"github.com/stevennyman/webbt/hub"
)

// FormatUserError turns internal errors into actionable one-line messages for
// the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, hub.ErrHostUnavailable):
		return "native BLE host is not available; check host_path in the config and that the host binary is installed"
	case errors.Is(err, hub.ErrVersionIncompatible):
		return "native BLE host speaks an unsupported protocol version; update the host or the hub"
	default:
		return err.Error()
	}
}
