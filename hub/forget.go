package hub

import (
	"context"

	"github.com/stevennyman/webbt/internal/storage"
)

// GetOriginDevices lists the devices persisted for the session's origin.
func (h *Hub) GetOriginDevices(ctx context.Context, sess *Session) ([]storage.DeviceRecord, error) {
	return h.store.List(ctx, sess.origin)
}

// ForgetDevice revokes a device across the whole origin: the persisted record
// is removed, every session of the origin loses its grant, open connections
// are dropped, live subscriptions are unsubscribed and advertisement watches
// stopped. Origin may be supplied by management sessions to act on behalf of
// another origin; counted sessions always act on their own.
func (h *Hub) ForgetDevice(ctx context.Context, sess *Session, webID, origin string) error {
	if origin == "" || !sess.management {
		origin = sess.origin
	}

	rec, existed, err := h.store.Remove(ctx, origin, webID)
	if err != nil {
		return err
	}
	if !existed {
		return ErrUnknownDevice
	}

	// Snapshot the origin's sessions and the live state to tear down before
	// any native round-trips.
	h.mu.Lock()
	var affected []*Session
	for s := range h.sessions {
		if s.origin != origin {
			continue
		}
		affected = append(affected, s)
		delete(s.knownDeviceIDs, webID)
		delete(s.deviceNames, webID)
		if rec.GattID != "" {
			delete(s.knownGattIDs, rec.GattID)
		}
	}
	var subs []subEntry
	if rec.GattID != "" {
		key := originDevice{origin: origin, gattID: rec.GattID}
		subs = append(subs, h.subIndex[key]...)
	}
	h.mu.Unlock()

	for _, e := range subs {
		if _, err := h.StopNotifications(ctx, e.session, rec.GattID, e.service, e.characteristic); err != nil {
			h.logger.WithError(err).WithField("device", rec.GattID).Warn("Unsubscribe during forget failed")
		}
	}
	for _, s := range affected {
		if rec.GattID != "" {
			if err := h.GattDisconnect(ctx, s, rec.GattID); err != nil {
				h.logger.WithError(err).WithField("device", rec.GattID).Warn("Disconnect during forget failed")
			}
		}
		h.StopAdvertisements(ctx, s, webID, true)
	}
	return nil
}
