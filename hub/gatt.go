package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stevennyman/webbt/internal/bleuuid"
	"github.com/stevennyman/webbt/internal/protocol"
)

// GattConnect opens (or joins) the native connection to a previously
// authorized device and returns its connection handle. The handle is also
// persisted on the device record, and the session is told about the mapping so
// it can route disconnect events.
func (h *Hub) GattConnect(ctx context.Context, sess *Session, webID string) (string, error) {
	h.mu.Lock()
	_, known := sess.knownDeviceIDs[webID]
	h.mu.Unlock()
	if !known {
		return "", ErrUnknownDevice
	}

	rec, ok, err := h.store.Lookup(ctx, sess.origin, webID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnknownDevice
	}

	raw, err := h.request(ctx, sess, "connect", map[string]any{
		"address": strings.ReplaceAll(rec.Address, ":", ""),
	})
	if err != nil {
		return "", err
	}
	gattID, err := protocol.DecodeStringID(raw)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	sess.devices[gattID] = struct{}{}
	sess.knownGattIDs[gattID] = struct{}{}
	set := h.connections[gattID]
	if set == nil {
		set = make(map[*Session]struct{})
		h.connections[gattID] = set
	}
	set[sess] = struct{}{}
	h.mu.Unlock()

	if err := h.store.UpdateConnection(ctx, sess.origin, webID, gattID); err != nil {
		h.logger.WithError(err).WithField("webId", webID).Warn("Failed to persist connection handle")
	}
	sess.sink.Post(deviceEvent{Event: "gattIdUpdateEvent", Address: webID, GattID: gattID})
	return gattID, nil
}

// GattDisconnect drops the session's reference to the connection. The native
// link is torn down, and the cached characteristic enumerations with it, only
// when the last referencing session is gone.
func (h *Hub) GattDisconnect(ctx context.Context, sess *Session, gattID string) error {
	h.mu.Lock()
	delete(sess.devices, gattID)
	set, tracked := h.connections[gattID]
	last := false
	if tracked {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.connections, gattID)
			h.purgeCharacteristicCacheLocked(gattID)
			last = true
		}
	}
	h.mu.Unlock()

	if !last {
		return nil
	}
	_, err := h.request(ctx, sess, "disconnect", map[string]any{"device": gattID})
	return err
}

// GetPrimaryServices enumerates the device's services, optionally restricted
// to one service uuid. Results come back normalized to long form.
func (h *Hub) GetPrimaryServices(ctx context.Context, sess *Session, gattID, service string) ([]string, error) {
	params := map[string]any{"device": gattID}
	if service != "" {
		platform, err := bleuuid.PlatformService(service)
		if err != nil {
			return nil, err
		}
		params["service"] = platform
	}

	raw, err := h.request(ctx, sess, "services", params)
	if err != nil {
		return nil, err
	}
	var services []string
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("unexpected services result: %w", err)
	}
	out := make([]string, len(services))
	for i, s := range services {
		normalized, err := bleuuid.NormalizeService(s)
		if err != nil {
			return nil, err
		}
		out[i] = normalized
	}
	return out, nil
}

// GetPrimaryService returns the first matching service.
func (h *Hub) GetPrimaryService(ctx context.Context, sess *Session, gattID, service string) (string, error) {
	services, err := h.GetPrimaryServices(ctx, sess, gattID, service)
	if err != nil {
		return "", err
	}
	if len(services) == 0 {
		return "", fmt.Errorf("service %s not found", service)
	}
	return services[0], nil
}

// GetCharacteristics enumerates a service's characteristics. The native
// enumeration is cached per (connection, service) and shared by concurrent
// callers; the cache lives until the connection closes.
func (h *Hub) GetCharacteristics(ctx context.Context, sess *Session, gattID, service, characteristic string) ([]map[string]any, error) {
	platformSvc, err := bleuuid.PlatformService(service)
	if err != nil {
		return nil, err
	}
	normalizedSvc, err := bleuuid.NormalizeService(service)
	if err != nil {
		return nil, err
	}
	key := charKey{gattID: gattID, service: normalizedSvc}

	chars, err := h.cachedCharacteristics(ctx, sess, key, platformSvc)
	if err != nil {
		return nil, err
	}

	var want string
	if characteristic != "" {
		if want, err = bleuuid.NormalizeCharacteristic(characteristic); err != nil {
			return nil, err
		}
	}

	out := make([]map[string]any, 0, len(chars))
	for _, c := range chars {
		if want != "" && c["uuid"] != want {
			continue
		}
		copied := make(map[string]any, len(c))
		for k, v := range c {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return out, nil
}

func (h *Hub) cachedCharacteristics(ctx context.Context, sess *Session, key charKey, platformSvc string) ([]map[string]any, error) {
	if cached, ok := h.charCache.Get(key); ok {
		return cached, nil
	}

	v, err, _ := h.charFlight.Do(key.gattID+"\x00"+key.service, func() (any, error) {
		h.mu.Lock()
		gen := h.charGen[key.gattID]
		h.mu.Unlock()

		raw, err := h.request(ctx, sess, "characteristics", map[string]any{
			"device":  key.gattID,
			"service": platformSvc,
		})
		if err != nil {
			return nil, err
		}
		var chars []map[string]any
		if err := json.Unmarshal(raw, &chars); err != nil {
			return nil, fmt.Errorf("unexpected characteristics result: %w", err)
		}
		for _, c := range chars {
			if u, ok := c["uuid"].(string); ok {
				normalized, err := bleuuid.NormalizeCharacteristic(u)
				if err != nil {
					return nil, err
				}
				c["uuid"] = normalized
			}
		}
		// A purge while the enumeration was in flight means the connection is
		// gone; the result is still valid for this caller but must not be
		// cached.
		h.mu.Lock()
		if h.charGen[key.gattID] == gen {
			h.charCache.Add(key, chars)
		}
		h.mu.Unlock()
		return chars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]map[string]any), nil
}

// GetCharacteristic returns the first matching characteristic.
func (h *Hub) GetCharacteristic(ctx context.Context, sess *Session, gattID, service, characteristic string) (map[string]any, error) {
	chars, err := h.GetCharacteristics(ctx, sess, gattID, service, characteristic)
	if err != nil {
		return nil, err
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", characteristic)
	}
	return chars[0], nil
}

func characteristicParams(gattID, service, characteristic string) (map[string]any, error) {
	platformSvc, err := bleuuid.PlatformService(service)
	if err != nil {
		return nil, err
	}
	platformChar, err := bleuuid.PlatformCharacteristic(characteristic)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"device":         gattID,
		"service":        platformSvc,
		"characteristic": platformChar,
	}, nil
}

// ReadValue reads the characteristic, returning the value as the host encoded
// it (an array of byte values).
func (h *Hub) ReadValue(ctx context.Context, sess *Session, gattID, service, characteristic string) (json.RawMessage, error) {
	params, err := characteristicParams(gattID, service, characteristic)
	if err != nil {
		return nil, err
	}
	return h.request(ctx, sess, "read", params)
}

func (h *Hub) writeValue(ctx context.Context, sess *Session, cmd, gattID, service, characteristic string, value protocol.ByteList) (json.RawMessage, error) {
	params, err := characteristicParams(gattID, service, characteristic)
	if err != nil {
		return nil, err
	}
	params["value"] = value
	return h.request(ctx, sess, cmd, params)
}

// WriteValue writes with the host's default write mode.
func (h *Hub) WriteValue(ctx context.Context, sess *Session, gattID, service, characteristic string, value protocol.ByteList) (json.RawMessage, error) {
	return h.writeValue(ctx, sess, "write", gattID, service, characteristic, value)
}

// WriteValueWithResponse writes and waits for the peripheral's acknowledgment.
func (h *Hub) WriteValueWithResponse(ctx context.Context, sess *Session, gattID, service, characteristic string, value protocol.ByteList) (json.RawMessage, error) {
	return h.writeValue(ctx, sess, "writeWithResponse", gattID, service, characteristic, value)
}

// WriteValueWithoutResponse issues an unacknowledged write.
func (h *Hub) WriteValueWithoutResponse(ctx context.Context, sess *Session, gattID, service, characteristic string, value protocol.ByteList) (json.RawMessage, error) {
	return h.writeValue(ctx, sess, "writeWithoutResponse", gattID, service, characteristic, value)
}

func descriptorParams(gattID, service, characteristic, descriptor string) (map[string]any, error) {
	params, err := characteristicParams(gattID, service, characteristic)
	if err != nil {
		return nil, err
	}
	platformDesc, err := bleuuid.PlatformDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	params["descriptor"] = platformDesc
	return params, nil
}

// descriptorResult decodes a descriptor response and normalizes its uuid.
func descriptorResult(raw json.RawMessage) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unexpected descriptor result: %w", err)
	}
	if u, ok := obj["uuid"].(string); ok {
		normalized, err := bleuuid.NormalizeDescriptor(u)
		if err != nil {
			return nil, err
		}
		obj["uuid"] = normalized
	}
	return obj, nil
}

// GetDescriptor fetches a single descriptor.
func (h *Hub) GetDescriptor(ctx context.Context, sess *Session, gattID, service, characteristic, descriptor string) (map[string]any, error) {
	params, err := descriptorParams(gattID, service, characteristic, descriptor)
	if err != nil {
		return nil, err
	}
	raw, err := h.request(ctx, sess, "getDescriptor", params)
	if err != nil {
		return nil, err
	}
	return descriptorResult(raw)
}

// GetDescriptors enumerates a characteristic's descriptors, descriptor uuid
// optional. The result object carries the matches under "list".
func (h *Hub) GetDescriptors(ctx context.Context, sess *Session, gattID, service, characteristic, descriptor string) (map[string]any, error) {
	params, err := descriptorParams(gattID, service, characteristic, descriptor)
	if err != nil {
		return nil, err
	}
	raw, err := h.request(ctx, sess, "getDescriptors", params)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unexpected descriptors result: %w", err)
	}
	list, _ := obj["list"].([]any)
	for _, elem := range list {
		entry, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if u, ok := entry["uuid"].(string); ok {
			normalized, err := bleuuid.NormalizeDescriptor(u)
			if err != nil {
				return nil, err
			}
			entry["uuid"] = normalized
		}
	}
	return obj, nil
}

// ReadDescriptorValue reads a descriptor's value.
func (h *Hub) ReadDescriptorValue(ctx context.Context, sess *Session, gattID, service, characteristic, descriptor string) (map[string]any, error) {
	params, err := descriptorParams(gattID, service, characteristic, descriptor)
	if err != nil {
		return nil, err
	}
	raw, err := h.request(ctx, sess, "readDescriptorValue", params)
	if err != nil {
		return nil, err
	}
	return descriptorResult(raw)
}

// WriteDescriptorValue writes a descriptor's value.
func (h *Hub) WriteDescriptorValue(ctx context.Context, sess *Session, gattID, service, characteristic, descriptor string, value protocol.ByteList) (map[string]any, error) {
	params, err := descriptorParams(gattID, service, characteristic, descriptor)
	if err != nil {
		return nil, err
	}
	params["value"] = value
	raw, err := h.request(ctx, sess, "writeDescriptorValue", params)
	if err != nil {
		return nil, err
	}
	return descriptorResult(raw)
}

// Pairing-ceremony replies. Each echoes the native request id that carried
// the prompt; the original request stays pending until the host resolves it.

// PairingAccept confirms a simple pairing prompt.
func (h *Hub) PairingAccept(ctx context.Context, sess *Session, origID uint64) (json.RawMessage, error) {
	return h.request(ctx, sess, "accept", map[string]any{"origId": origID})
}

// PairingAcceptPasswordCredential answers a username/password pairing prompt.
func (h *Hub) PairingAcceptPasswordCredential(ctx context.Context, sess *Session, origID uint64, username, password string) (json.RawMessage, error) {
	return h.request(ctx, sess, "acceptPasswordCredential", map[string]any{
		"origId":   origID,
		"username": username,
		"password": password,
	})
}

// PairingAcceptPin answers a PIN entry prompt.
func (h *Hub) PairingAcceptPin(ctx context.Context, sess *Session, origID uint64, pin string) (json.RawMessage, error) {
	return h.request(ctx, sess, "acceptPin", map[string]any{"origId": origID, "pin": pin})
}

// PairingCancel aborts the pairing ceremony.
func (h *Hub) PairingCancel(ctx context.Context, sess *Session, origID uint64) (json.RawMessage, error) {
	return h.request(ctx, sess, "cancel", map[string]any{"origId": origID})
}

// Availability reports whether the host's radio is present and usable.
func (h *Hub) Availability(ctx context.Context, sess *Session) (json.RawMessage, error) {
	return h.request(ctx, sess, "availability", nil)
}
