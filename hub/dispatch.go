package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stevennyman/webbt/internal/protocol"
)

type commandHandler func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error)

// HandleMessage processes one message from a session: either a command, which
// yields a response tagged with the request's id and origin, or a chooser
// verdict, which yields none.
func (h *Hub) HandleMessage(ctx context.Context, sess *Session, raw []byte) *protocol.SessionResponse {
	var req struct {
		Command string          `json:"command"`
		Args    json.RawMessage `json:"args"`
		ID      json.RawMessage `json:"id"`

		Cmd      string `json:"cmd"`
		DeviceID string `json:"deviceId"`
		GattID   string `json:"gattId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return &protocol.SessionResponse{Error: "malformed message: " + err.Error(), Origin: sess.origin}
	}

	switch req.Cmd {
	case protocol.ChooserPair:
		if err := h.deliverChooserReply(sess, chooserReply{address: req.DeviceID, gattID: req.GattID}); err != nil {
			h.logger.WithError(err).Warn("Discarding chooser reply")
		}
		return nil
	case protocol.ChooserCancel:
		if err := h.deliverChooserReply(sess, chooserReply{cancelled: true}); err != nil {
			h.logger.WithError(err).Warn("Discarding chooser reply")
		}
		return nil
	}

	respond := func(result any, err error) *protocol.SessionResponse {
		resp := &protocol.SessionResponse{ID: req.ID, Origin: sess.origin, Advisory: h.Advisory()}
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = result
		return resp
	}

	if req.Command == "" {
		return respond(nil, validationf("Missing `command`"))
	}

	var args []json.RawMessage
	if len(req.Args) == 0 || string(req.Args) == "null" {
		return respond(nil, validationf("`args` must be an array"))
	}
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return respond(nil, validationf("`args` must be an array"))
	}

	handler, ok := h.commands[req.Command]
	if !ok {
		return respond(nil, validationf("Unknown command: %s", req.Command))
	}

	h.logger.WithFields(map[string]any{
		"command": req.Command,
		"origin":  sess.origin,
	}).Debug("Handling session command")

	result, err := handler(ctx, sess, args)
	return respond(result, err)
}

// decodeArgs positionally decodes args into targets. Missing or null
// positions leave the target at its zero value.
func decodeArgs(args []json.RawMessage, targets ...any) error {
	for i, target := range targets {
		if i >= len(args) || len(args[i]) == 0 || string(args[i]) == "null" {
			continue
		}
		if err := json.Unmarshal(args[i], target); err != nil {
			return validationf("Invalid argument %d: %v", i, err)
		}
	}
	return nil
}

// stringArgs is the common shape of GATT addressing arguments.
func stringArgs(args []json.RawMessage, names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, name := range names {
		if i >= len(args) || len(args[i]) == 0 || string(args[i]) == "null" {
			continue
		}
		if err := json.Unmarshal(args[i], &out[i]); err != nil {
			return nil, validationf("Invalid argument: %s", name)
		}
	}
	return out, nil
}

func valueArg(args []json.RawMessage, pos int) (protocol.ByteList, error) {
	if pos >= len(args) {
		return nil, validationf("Invalid argument: value")
	}
	var value protocol.ByteList
	if err := json.Unmarshal(args[pos], &value); err != nil {
		return nil, fmt.Errorf("%w: value", ErrInvalidArgument)
	}
	return value, nil
}

func (h *Hub) commandTable() map[string]commandHandler {
	return map[string]commandHandler{
		"requestDevice": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			var options RequestDeviceOptions
			if err := decodeArgs(args, &options); err != nil {
				return nil, err
			}
			return h.RequestDevice(ctx, sess, options)
		},
		"gattConnect": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device")
			if err != nil {
				return nil, err
			}
			return h.GattConnect(ctx, sess, vals[0])
		},
		"gattDisconnect": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device")
			if err != nil {
				return nil, err
			}
			return nil, h.GattDisconnect(ctx, sess, vals[0])
		},
		"getPrimaryService": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service")
			if err != nil {
				return nil, err
			}
			return h.GetPrimaryService(ctx, sess, vals[0], vals[1])
		},
		"getPrimaryServices": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service")
			if err != nil {
				return nil, err
			}
			return h.GetPrimaryServices(ctx, sess, vals[0], vals[1])
		},
		"getCharacteristic": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			return h.GetCharacteristic(ctx, sess, vals[0], vals[1], vals[2])
		},
		"getCharacteristics": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			return h.GetCharacteristics(ctx, sess, vals[0], vals[1], vals[2])
		},
		"readValue": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			return h.ReadValue(ctx, sess, vals[0], vals[1], vals[2])
		},
		"writeValue": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			value, err := valueArg(args, 3)
			if err != nil {
				return nil, err
			}
			return h.WriteValue(ctx, sess, vals[0], vals[1], vals[2], value)
		},
		"writeValueWithResponse": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			value, err := valueArg(args, 3)
			if err != nil {
				return nil, err
			}
			return h.WriteValueWithResponse(ctx, sess, vals[0], vals[1], vals[2], value)
		},
		"writeValueWithoutResponse": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			value, err := valueArg(args, 3)
			if err != nil {
				return nil, err
			}
			return h.WriteValueWithoutResponse(ctx, sess, vals[0], vals[1], vals[2], value)
		},
		"startNotifications": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			return h.StartNotifications(ctx, sess, vals[0], vals[1], vals[2])
		},
		"stopNotifications": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic")
			if err != nil {
				return nil, err
			}
			return h.StopNotifications(ctx, sess, vals[0], vals[1], vals[2])
		},
		"accept": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			var id uint64
			if err := decodeArgs(args, &id); err != nil {
				return nil, err
			}
			return h.PairingAccept(ctx, sess, id)
		},
		"acceptPasswordCredential": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			var id uint64
			var username, password string
			if err := decodeArgs(args, &id, &username, &password); err != nil {
				return nil, err
			}
			return h.PairingAcceptPasswordCredential(ctx, sess, id, username, password)
		},
		"acceptPin": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			var id uint64
			var pin string
			if err := decodeArgs(args, &id, &pin); err != nil {
				return nil, err
			}
			return h.PairingAcceptPin(ctx, sess, id, pin)
		},
		"cancel": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			var id uint64
			if err := decodeArgs(args, &id); err != nil {
				return nil, err
			}
			return h.PairingCancel(ctx, sess, id)
		},
		"availability": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			return h.Availability(ctx, sess)
		},
		"getDescriptor": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic", "descriptor")
			if err != nil {
				return nil, err
			}
			return h.GetDescriptor(ctx, sess, vals[0], vals[1], vals[2], vals[3])
		},
		"getDescriptors": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic", "descriptor")
			if err != nil {
				return nil, err
			}
			return h.GetDescriptors(ctx, sess, vals[0], vals[1], vals[2], vals[3])
		},
		"readDescriptorValue": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic", "descriptor")
			if err != nil {
				return nil, err
			}
			return h.ReadDescriptorValue(ctx, sess, vals[0], vals[1], vals[2], vals[3])
		},
		"writeDescriptorValue": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "service", "characteristic", "descriptor")
			if err != nil {
				return nil, err
			}
			value, err := valueArg(args, 4)
			if err != nil {
				return nil, err
			}
			return h.WriteDescriptorValue(ctx, sess, vals[0], vals[1], vals[2], vals[3], value)
		},
		"getOriginDevices": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			return h.GetOriginDevices(ctx, sess)
		},
		"watchAdvertisements": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device")
			if err != nil {
				return nil, err
			}
			if err := h.WatchAdvertisements(ctx, sess, vals[0]); err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
		"stopAdvertisements": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device")
			if err != nil {
				return nil, err
			}
			h.StopAdvertisements(ctx, sess, vals[0], false)
			return nil, nil
		},
		"forgetDevice": func(ctx context.Context, sess *Session, args []json.RawMessage) (any, error) {
			vals, err := stringArgs(args, "device", "gattId", "origin")
			if err != nil {
				return nil, err
			}
			return nil, h.ForgetDevice(ctx, sess, vals[0], vals[2])
		},
	}
}
