package hub

import (
	"context"

	"github.com/stevennyman/webbt/internal/protocol"
)

// StartNotifications subscribes the session to a characteristic's value
// changes and returns the subscription id notifications will be tagged with.
// Multiple sessions may share one native subscription.
func (h *Hub) StartNotifications(ctx context.Context, sess *Session, gattID, service, characteristic string) (string, error) {
	params, err := characteristicParams(gattID, service, characteristic)
	if err != nil {
		return "", err
	}
	raw, err := h.request(ctx, sess, "subscribe", params)
	if err != nil {
		return "", err
	}
	subID, err := protocol.DecodeStringID(raw)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	set := h.subscriptions[subID]
	if set == nil {
		set = make(map[*Session]struct{})
		h.subscriptions[subID] = set
	}
	set[sess] = struct{}{}
	sess.subscriptions[subID] = struct{}{}

	key := originDevice{origin: sess.origin, gattID: gattID}
	h.subIndex[key] = append(h.subIndex[key], subEntry{
		service:        service,
		characteristic: characteristic,
		session:        sess,
	})
	h.mu.Unlock()

	return subID, nil
}

// StopNotifications unsubscribes the session. Stopping a characteristic the
// session is not subscribed to is harmless; the native unsubscribe still runs
// so the host can reconcile its own state.
func (h *Hub) StopNotifications(ctx context.Context, sess *Session, gattID, service, characteristic string) (string, error) {
	params, err := characteristicParams(gattID, service, characteristic)
	if err != nil {
		return "", err
	}
	raw, err := h.request(ctx, sess, "unsubscribe", params)
	if err != nil {
		return "", err
	}
	subID, err := protocol.DecodeStringID(raw)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	if set, ok := h.subscriptions[subID]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.subscriptions, subID)
		}
	}
	delete(sess.subscriptions, subID)

	key := originDevice{origin: sess.origin, gattID: gattID}
	entries := h.subIndex[key]
	for i, e := range entries {
		if e.session == sess && e.service == service && e.characteristic == characteristic {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(h.subIndex, key)
	} else {
		h.subIndex[key] = entries
	}
	h.mu.Unlock()

	return subID, nil
}

// fanoutValueChanged forwards one notification to every session subscribed
// under its subscription id.
func (h *Hub) fanoutValueChanged(env protocol.Envelope) {
	subID := env.SubscriptionID.String()

	h.mu.Lock()
	targets := make([]*Session, 0, len(h.subscriptions[subID]))
	for s := range h.subscriptions[subID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.WithField("subscriptionId", subID).Debug("Dropping notification with no subscribers")
		return
	}
	for _, s := range targets {
		s.sink.Post(env)
	}
}
