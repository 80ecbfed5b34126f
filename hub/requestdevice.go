package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/stevennyman/webbt/internal/bleuuid"
	"github.com/stevennyman/webbt/internal/filter"
	"github.com/stevennyman/webbt/internal/protocol"
)

// RequestDeviceOptions mirrors the page-level requestDevice options object.
type RequestDeviceOptions struct {
	Filters          []filter.Filter `json:"filters,omitempty"`
	ExclusionFilters []filter.Filter `json:"exclusionFilters,omitempty"`
	AcceptAllDevices bool            `json:"acceptAllDevices,omitempty"`
}

// Validate rejects option shapes before any scanning begins.
func (o *RequestDeviceOptions) Validate() error {
	if (o.Filters == nil && !o.AcceptAllDevices) || (o.Filters != nil && o.AcceptAllDevices) {
		return validationf("One of filters or acceptAllDevices must be provided")
	}
	if o.ExclusionFilters != nil && o.Filters == nil {
		return validationf("exclusionFilters requires filters")
	}
	for i := range o.Filters {
		if err := o.Filters[i].Validate(); err != nil {
			return &ValidationError{Msg: err.Error()}
		}
	}
	for i := range o.ExclusionFilters {
		if err := o.ExclusionFilters[i].Validate(); err != nil {
			return &ValidationError{Msg: err.Error()}
		}
	}
	return nil
}

// SelectedDevice is the requestDevice result. Address carries the
// origin-scoped opaque identifier, never the hardware address.
type SelectedDevice struct {
	Address string `json:"address"`
	RSSI    int    `json:"__rssi"`
	Name    string `json:"name,omitempty"`
	GattID  string `json:"gattId,omitempty"`
}

// RequestDevice runs the device chooser flow: scan, stream matching
// advertisements to the session's chooser UI, wait for the pick (or cancel),
// persist the selection and grant the session access to it.
func (h *Hub) RequestDevice(ctx context.Context, sess *Session, options RequestDeviceOptions) (*SelectedDevice, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	replies := make(chan chooserReply, 1)
	h.mu.Lock()
	if sess.chooser != nil {
		h.mu.Unlock()
		return nil, validationf("a device chooser is already open")
	}
	sess.chooser = replies
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		sess.chooser = nil
		h.mu.Unlock()
	}()

	// Transient per-flow caches. Some advertisement frames omit the name, so
	// the last seen name and rssi per address are carried forward.
	var cacheMu sync.Mutex
	names := make(map[string]string)
	rssi := make(map[string]int)

	listener := h.addScanListener(func(env protocol.Envelope) {
		cacheMu.Lock()
		if env.LocalName != "" {
			names[env.BluetoothAddress] = env.LocalName
		} else {
			env.LocalName = names[env.BluetoothAddress]
		}
		rssi[env.BluetoothAddress] = env.RSSI
		cacheMu.Unlock()

		for i := range env.ServiceData {
			if n, err := bleuuid.NormalizeService(env.ServiceData[i].Service); err == nil {
				env.ServiceData[i].Service = n
			}
		}

		if !options.AcceptAllDevices {
			ok, err := filter.MatchesAny(options.Filters, &env)
			if err != nil {
				h.logger.WithError(err).Warn("Dropping advertisement on filter error")
				return
			}
			if !ok {
				return
			}
		}
		if len(options.ExclusionFilters) > 0 {
			excluded, err := filter.MatchesAny(options.ExclusionFilters, &env)
			if err != nil {
				h.logger.WithError(err).Warn("Dropping advertisement on filter error")
				return
			}
			if excluded {
				return
			}
		}
		sess.sink.Post(env)
	})
	defer h.removeScanListener(listener)

	sess.sink.Post(protocol.Envelope{Type: protocol.TypeShowChooser})
	defer sess.sink.Post(protocol.Envelope{Type: protocol.TypeHideChooser})

	if err := h.startScanning(ctx, sess); err != nil {
		if isAdapterNotReady(err) {
			sess.sink.Post(protocol.Envelope{Type: protocol.TypeChooserWinError})
		}
		return nil, err
	}
	// Teardown must run even when the caller's context is already gone.
	defer h.stopScanning(context.Background(), sess)

	var reply chooserReply
	select {
	case reply = <-replies:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if reply.cancelled {
		return nil, ErrUserCancelled
	}

	cacheMu.Lock()
	name := names[reply.address]
	signal := rssi[reply.address]
	cacheMu.Unlock()

	rec, err := h.store.Select(ctx, sess.origin, reply.address, reply.gattID, name)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	sess.knownDeviceIDs[rec.WebID] = struct{}{}
	if reply.gattID != "" {
		sess.knownGattIDs[reply.gattID] = struct{}{}
	}
	sess.deviceNames[rec.WebID] = rec.Name
	h.mu.Unlock()

	return &SelectedDevice{
		Address: rec.WebID,
		RSSI:    signal,
		Name:    rec.Name,
		GattID:  rec.GattID,
	}, nil
}

// deliverChooserReply routes a chooser UI verdict to the session's pending
// requestDevice flow.
func (h *Hub) deliverChooserReply(sess *Session, reply chooserReply) error {
	h.mu.Lock()
	ch := sess.chooser
	h.mu.Unlock()
	if ch == nil {
		return errors.New("no device chooser is open")
	}
	select {
	case ch <- reply:
		return nil
	default:
		return errors.New("chooser already answered")
	}
}
