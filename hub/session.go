package hub

import "context"

// Sink receives unsolicited messages for one session: chooser prompts, scan
// results, value-change notifications and disconnect events. Post must not
// block.
type Sink interface {
	Post(msg any)
}

// Session is the per-connected-context state. All fields except the
// immutable identity ones are guarded by the hub mutex; a session's resources
// are released in full when it detaches.
type Session struct {
	origin     string
	management bool
	sink       Sink

	scanCount      int
	devices        map[string]struct{} // open native connection handles
	subscriptions  map[string]struct{} // active native subscription ids
	knownDeviceIDs map[string]struct{} // webIds authorized via requestDevice
	knownGattIDs   map[string]struct{}
	deviceNames    map[string]string // webId -> cached display name

	// Non-nil while a requestDevice flow is awaiting the chooser.
	chooser chan chooserReply
}

type chooserReply struct {
	address   string
	gattID    string
	cancelled bool
}

// Origin returns the web origin this session speaks for.
func (s *Session) Origin() string {
	return s.origin
}

// Attach registers a new browser context. The native channel is not spawned
// until the session issues its first command.
func (h *Hub) Attach(origin string, sink Sink) *Session {
	return h.attach(origin, sink, false)
}

// AttachManagement registers a non-counting management context (options or
// permissions UI). It neither triggers host startup nor keeps the host alive.
func (h *Hub) AttachManagement(origin string, sink Sink) *Session {
	return h.attach(origin, sink, true)
}

func (h *Hub) attach(origin string, sink Sink, management bool) *Session {
	sess := &Session{
		origin:         origin,
		management:     management,
		sink:           sink,
		devices:        make(map[string]struct{}),
		subscriptions:  make(map[string]struct{}),
		knownDeviceIDs: make(map[string]struct{}),
		knownGattIDs:   make(map[string]struct{}),
		deviceNames:    make(map[string]string),
	}

	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	if !management {
		h.counted++
	}
	h.mu.Unlock()

	h.logger.WithFields(map[string]any{
		"origin":     origin,
		"management": management,
	}).Debug("Session attached")
	return sess
}

// Detach tears down every resource the session holds: advertisement watches,
// open connections, leftover scan references and subscription memberships.
// When the last counted session leaves, the native host is shut down.
func (h *Hub) Detach(ctx context.Context, sess *Session) {
	// Watches first: each holds a scan reference of its own.
	h.mu.Lock()
	var watched []string
	for key := range h.watchers {
		if key.session == sess {
			watched = append(watched, key.webID)
		}
	}
	openDevices := make([]string, 0, len(sess.devices))
	for gattID := range sess.devices {
		openDevices = append(openDevices, gattID)
	}
	h.mu.Unlock()

	for _, webID := range watched {
		h.StopAdvertisements(ctx, sess, webID, true)
	}
	for _, gattID := range openDevices {
		if err := h.GattDisconnect(ctx, sess, gattID); err != nil {
			h.logger.WithError(err).WithField("device", gattID).Warn("Disconnect during session teardown failed")
		}
	}
	for {
		h.mu.Lock()
		remaining := sess.scanCount
		h.mu.Unlock()
		if remaining <= 0 {
			break
		}
		h.stopScanning(ctx, sess)
	}

	h.mu.Lock()
	for subID, set := range h.subscriptions {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.subscriptions, subID)
		}
	}
	for key, entries := range h.subIndex {
		kept := entries[:0]
		for _, e := range entries {
			if e.session != sess {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(h.subIndex, key)
		} else {
			h.subIndex[key] = kept
		}
	}
	for gattID, set := range h.connections {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.connections, gattID)
		}
	}
	delete(h.sessions, sess)
	idle := false
	if !sess.management {
		h.counted--
		idle = h.counted == 0
	}
	h.mu.Unlock()

	if idle {
		h.shutdownChannel()
	}
	h.logger.WithField("origin", sess.origin).Debug("Session detached")
}
