package protocol

import "encoding/json"

// SessionRequest is a command from a connected browser context. Chooser
// replies from the device-picker UI reuse the same channel but are keyed by
// Cmd instead of Command.
type SessionRequest struct {
	Command string            `json:"command,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Origin  string            `json:"origin,omitempty"`

	// Chooser replies.
	Cmd      string `json:"cmd,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	GattID   string `json:"gattId,omitempty"`
}

// Chooser reply commands.
const (
	ChooserPair   = "chooserPair"
	ChooserCancel = "chooserCancel"
)

// SessionResponse is the reply to a SessionRequest, tagged with the request's
// id and origin. Exactly one of Result and Error is set. Advisory carries the
// non-fatal "server update recommended" notice while an outdated but
// compatible host build is connected.
type SessionResponse struct {
	Result   any             `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	ID       json.RawMessage `json:"id,omitempty"`
	Origin   string          `json:"origin,omitempty"`
	Advisory string          `json:"advisory,omitempty"`
}
