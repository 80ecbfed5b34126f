// Package protocol defines the wire messages exchanged with the native BLE
// host process and with connected browser sessions. Native messages are JSON
// objects; inbound ones are discriminated by the _type field.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Inbound native message types.
const (
	TypeStart             = "Start"
	TypeResponse          = "response"
	TypeScanResult        = "scanResult"
	TypeValueChanged      = "valueChangedNotification"
	TypeDisconnectEvent   = "disconnectEvent"
	TypeAdScanResult      = "adScanResult"
	TypeShowChooser       = "showDeviceChooser"
	TypeHideChooser       = "hideDeviceChooser"
	TypeChooserWinError   = "deviceChooserWinError"
	TypeShowInstallPrompt = "showInstallPrompt"
)

// ByteList is a byte slice encoded as a JSON array of numbers, the
// representation the native host and the page API use for values and data
// prefixes (as opposed to encoding/json's base64 default for []byte).
type ByteList []byte

// MarshalJSON encodes the bytes as a JSON number array.
func (b ByteList) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON decodes a JSON number array, rejecting anything that is not a
// finite sequence of byte values.
func (b *ByteList) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("byte list must be an array of numbers: %w", err)
	}
	out := make([]byte, len(raw))
	for i, n := range raw {
		v, err := strconv.ParseUint(n.String(), 10, 8)
		if err != nil {
			return fmt.Errorf("byte list element %d out of range: %s", i, n)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Request is an outbound native command. Params are flattened next to cmd and
// _id in the encoded object.
type Request struct {
	Cmd    string
	ID     uint64
	Params map[string]any
}

// MarshalJSON flattens Params into the top-level object alongside cmd/_id.
func (r Request) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Params)+2)
	for k, v := range r.Params {
		obj[k] = v
	}
	obj["cmd"] = r.Cmd
	obj["_id"] = r.ID
	return json.Marshal(obj)
}

// UnmarshalJSON is the inverse of MarshalJSON, used by tests and fakes.
func (r *Request) UnmarshalJSON(data []byte) error {
	obj := make(map[string]any)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	cmd, _ := obj["cmd"].(string)
	id, _ := obj["_id"].(float64)
	delete(obj, "cmd")
	delete(obj, "_id")
	r.Cmd = cmd
	r.ID = uint64(id)
	r.Params = obj
	return nil
}

// ServiceDataEntry is one advertised service-data element.
type ServiceDataEntry struct {
	Service string   `json:"service"`
	Data    ByteList `json:"data,omitempty"`
}

// ManufacturerDataEntry is one advertised manufacturer-data element.
type ManufacturerDataEntry struct {
	CompanyIdentifier uint16   `json:"companyIdentifier"`
	Data              ByteList `json:"data,omitempty"`
}

// Envelope is an inbound native message, a union of every _type the host
// emits. Pairing-ceremony variants carry PairingType plus an _id to be echoed
// back via accept/acceptPin/acceptPasswordCredential/cancel.
type Envelope struct {
	Type        string  `json:"_type"`
	ID          *uint64 `json:"_id,omitempty"`
	PairingType bool    `json:"pairingType,omitempty"`

	// Start
	APIVersion    int    `json:"apiVersion,omitempty"`
	ServerName    string `json:"serverName,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`

	// response
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// scanResult / adScanResult
	BluetoothAddress string                  `json:"bluetoothAddress,omitempty"`
	LocalName        string                  `json:"localName,omitempty"`
	RSSI             int                     `json:"rssi,omitempty"`
	ServiceUUIDs     []string                `json:"serviceUuids,omitempty"`
	ServiceData      []ServiceDataEntry      `json:"serviceData,omitempty"`
	ManufacturerData []ManufacturerDataEntry `json:"manufacturerData,omitempty"`
	GattID           string                  `json:"gattId,omitempty"`

	// valueChangedNotification
	SubscriptionID json.Number `json:"subscriptionId,omitempty"`
	Value          ByteList    `json:"value,omitempty"`

	// disconnectEvent
	Device string `json:"device,omitempty"`

	// pairing_displayPin / pairing_confirmPinMatch
	Pin string `json:"pin,omitempty"`
}

// DecodeStringID decodes a response result that identifies a native resource
// (connection handle, subscription id). Hosts have emitted both JSON strings
// and numbers for these.
func DecodeStringID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unexpected identifier result: %s", raw)
}
