package hub

import (
	"context"

	"github.com/stevennyman/webbt/internal/bleuuid"
	"github.com/stevennyman/webbt/internal/protocol"
)

// scanListener observes raw scan results while registered. Used by the
// device-chooser flow, which needs every advertisement rather than the
// per-device stream watchers get.
type scanListener struct {
	fn func(protocol.Envelope)
}

func (h *Hub) addScanListener(fn func(protocol.Envelope)) *scanListener {
	l := &scanListener{fn: fn}
	h.mu.Lock()
	h.scanListeners[l] = struct{}{}
	h.mu.Unlock()
	return l
}

func (h *Hub) removeScanListener(l *scanListener) {
	h.mu.Lock()
	delete(h.scanListeners, l)
	h.mu.Unlock()
}

// startScanning takes one scan reference for the session. The radio is only
// told to scan on the zero-to-one edge of the global count; a failed native
// call rolls the reference back.
func (h *Hub) startScanning(ctx context.Context, sess *Session) error {
	h.mu.Lock()
	h.scanCount++
	sess.scanCount++
	first := h.scanCount == 1
	h.mu.Unlock()

	if !first {
		return nil
	}
	if _, err := h.request(ctx, sess, "scan", nil); err != nil {
		h.mu.Lock()
		h.scanCount--
		sess.scanCount--
		h.mu.Unlock()
		return err
	}
	return nil
}

// stopScanning releases one scan reference. The radio is told to stop on the
// one-to-zero edge; with no channel up there is nothing to tell.
func (h *Hub) stopScanning(ctx context.Context, sess *Session) {
	h.mu.Lock()
	if sess.scanCount <= 0 {
		h.mu.Unlock()
		return
	}
	sess.scanCount--
	h.scanCount--
	last := h.scanCount == 0
	hasChannel := h.transport != nil
	h.mu.Unlock()

	if !last || !hasChannel {
		return
	}
	if _, err := h.request(ctx, sess, "stopScan", nil); err != nil {
		h.logger.WithError(err).Warn("Failed to stop scanning")
	}
}

// WatchAdvertisements starts streaming a known device's advertisements to the
// session. Repeated watches of the same device are reference counted and
// share a single scan reference.
func (h *Hub) WatchAdvertisements(ctx context.Context, sess *Session, webID string) error {
	rec, ok, err := h.store.Lookup(ctx, sess.origin, webID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownDevice
	}

	// A persisted grant authorizes the session again, so a context restored
	// from getOriginDevices can reconnect without a new chooser flow.
	h.mu.Lock()
	sess.knownDeviceIDs[webID] = struct{}{}
	if rec.GattID != "" {
		sess.knownGattIDs[rec.GattID] = struct{}{}
	}
	h.mu.Unlock()

	key := watchKey{session: sess, webID: webID}

	h.mu.Lock()
	if w, ok := h.watchers[key]; ok {
		w.refs++
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.startScanning(ctx, sess); err != nil {
		return err
	}

	h.mu.Lock()
	if w, ok := h.watchers[key]; ok {
		// Lost a race with a concurrent watch; fold into it and give the
		// extra scan reference back.
		w.refs++
		h.mu.Unlock()
		h.stopScanning(ctx, sess)
		return nil
	}
	h.watchers[key] = &watcher{
		address: rec.Address,
		gattID:  rec.GattID,
		webID:   webID,
		name:    rec.Name,
		refs:    1,
	}
	h.mu.Unlock()
	return nil
}

// StopAdvertisements releases one watch reference, or with all set the whole
// watch. Stopping a device that is not being watched is a no-op.
func (h *Hub) StopAdvertisements(ctx context.Context, sess *Session, webID string, all bool) {
	key := watchKey{session: sess, webID: webID}

	h.mu.Lock()
	w, ok := h.watchers[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	if all {
		w.refs = 0
	} else {
		w.refs--
	}
	if w.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.watchers, key)
	h.mu.Unlock()

	h.stopScanning(ctx, sess)
}

// adEvent is the advertisement stream message delivered to watching sessions.
type adEvent struct {
	Type             string                           `json:"_type"`
	SubscriptionID   string                           `json:"subscriptionId"`
	Device           string                           `json:"device"`
	LocalName        string                           `json:"localName,omitempty"`
	RSSI             int                              `json:"rssi"`
	ServiceUUIDs     []string                         `json:"serviceUuids,omitempty"`
	ServiceData      []protocol.ServiceDataEntry      `json:"serviceData,omitempty"`
	ManufacturerData []protocol.ManufacturerDataEntry `json:"manufacturerData,omitempty"`
}

// fanoutScanResult feeds one raw scan result to every registered listener and
// to each watcher whose device it belongs to.
func (h *Hub) fanoutScanResult(env protocol.Envelope) {
	h.mu.Lock()
	listeners := make([]*scanListener, 0, len(h.scanListeners))
	for l := range h.scanListeners {
		listeners = append(listeners, l)
	}
	type hit struct {
		session *Session
		webID   string
		name    string
	}
	var hits []hit
	for key, w := range h.watchers {
		matched := (w.address != "" && w.address == env.BluetoothAddress) ||
			(w.gattID != "" && env.GattID != "" && w.gattID == env.GattID)
		if !matched {
			continue
		}
		if env.LocalName != "" {
			w.name = env.LocalName
		}
		hits = append(hits, hit{session: key.session, webID: w.webID, name: w.name})
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l.fn(env)
	}

	// Watched streams expose long-form service uuids; the raw frame may carry
	// short or braced forms.
	serviceData := env.ServiceData
	if len(hits) > 0 && len(serviceData) > 0 {
		serviceData = make([]protocol.ServiceDataEntry, len(env.ServiceData))
		copy(serviceData, env.ServiceData)
		for i := range serviceData {
			if n, err := bleuuid.NormalizeService(serviceData[i].Service); err == nil {
				serviceData[i].Service = n
			}
		}
	}
	for _, t := range hits {
		name := env.LocalName
		if name == "" {
			name = t.name
		}
		t.session.sink.Post(adEvent{
			Type:             protocol.TypeAdScanResult,
			SubscriptionID:   "scanRequest_" + t.webID,
			Device:           t.webID,
			LocalName:        name,
			RSSI:             env.RSSI,
			ServiceUUIDs:     env.ServiceUUIDs,
			ServiceData:      serviceData,
			ManufacturerData: env.ManufacturerData,
		})
	}
}
