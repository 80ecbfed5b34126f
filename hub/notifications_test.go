package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevennyman/webbt/internal/protocol"
)

func TestNotifications_FanoutToSubscribedSessions(t *testing.T) {
	h, host := newTestHub(t, okResponder(map[string]any{
		"subscribe":   "sub-1",
		"unsubscribe": "sub-1",
	}))
	ctx := context.Background()
	sink1, sink2 := &fakeSink{}, &fakeSink{}
	s1 := h.Attach("https://one.example", sink1)
	s2 := h.Attach("https://two.example", sink2)
	defer h.Detach(ctx, s1)
	defer h.Detach(ctx, s2)

	subID, err := h.StartNotifications(ctx, s1, "gatt-1", "heart_rate", "heart_rate_measurement")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", subID)
	_, err = h.StartNotifications(ctx, s2, "gatt-1", "heart_rate", "heart_rate_measurement")
	require.NoError(t, err)

	host.deliver(protocol.Envelope{
		Type:           protocol.TypeValueChanged,
		SubscriptionID: "sub-1",
		Value:          protocol.ByteList{0x06, 0x48},
	})
	assert.Len(t, sink1.envelopesOfType(protocol.TypeValueChanged), 1)
	assert.Len(t, sink2.envelopesOfType(protocol.TypeValueChanged), 1)
	assert.Equal(t, protocol.ByteList{0x06, 0x48}, sink1.envelopesOfType(protocol.TypeValueChanged)[0].Value)

	// One session stops; the other keeps receiving.
	_, err = h.StopNotifications(ctx, s1, "gatt-1", "heart_rate", "heart_rate_measurement")
	require.NoError(t, err)
	host.deliver(protocol.Envelope{Type: protocol.TypeValueChanged, SubscriptionID: "sub-1", Value: protocol.ByteList{0x01}})
	assert.Len(t, sink1.envelopesOfType(protocol.TypeValueChanged), 1)
	assert.Len(t, sink2.envelopesOfType(protocol.TypeValueChanged), 2)
}

func TestStopNotifications_WithoutSubscriptionIsHarmless(t *testing.T) {
	h, host := newTestHub(t, okResponder(map[string]any{"unsubscribe": "sub-9"}))
	ctx := context.Background()
	sess := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, sess)

	subID, err := h.StopNotifications(ctx, sess, "gatt-1", "heart_rate", "heart_rate_measurement")
	require.NoError(t, err)
	assert.Equal(t, "sub-9", subID)
	assert.Equal(t, 1, host.countSent("unsubscribe"))
}

func TestNotifications_NumericSubscriptionIDsCorrelate(t *testing.T) {
	h, host := newTestHub(t, okResponder(map[string]any{"subscribe": 42}))
	ctx := context.Background()
	sink := &fakeSink{}
	sess := h.Attach("https://example.com", sink)
	defer h.Detach(ctx, sess)

	subID, err := h.StartNotifications(ctx, sess, "gatt-1", "heart_rate", "heart_rate_measurement")
	require.NoError(t, err)
	assert.Equal(t, "42", subID)

	host.deliver(protocol.Envelope{Type: protocol.TypeValueChanged, SubscriptionID: "42", Value: protocol.ByteList{0x01}})
	assert.Len(t, sink.envelopesOfType(protocol.TypeValueChanged), 1)
}

func TestDisconnectEvent_NotifiesConnectedSessions(t *testing.T) {
	h, host := newTestHub(t, okResponder(map[string]any{"connect": "gatt-1"}))
	ctx := context.Background()
	sink := &fakeSink{}
	other := &fakeSink{}
	sess := h.Attach("https://example.com", sink)
	bystander := h.Attach("https://other.example", other)
	defer h.Detach(ctx, sess)
	defer h.Detach(ctx, bystander)

	rec := grantDevice(t, h, sess, "AA:BB:CC:DD:EE:FF", "")
	_, err := h.GattConnect(ctx, sess, rec.WebID)
	require.NoError(t, err)

	host.deliver(protocol.Envelope{Type: protocol.TypeDisconnectEvent, Device: "gatt-1"})

	var events []deviceEvent
	for _, m := range sink.snapshot() {
		if ev, ok := m.(deviceEvent); ok && ev.Event == "disconnectEvent" {
			events = append(events, ev)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, "gatt-1", events[0].Device)

	for _, m := range other.snapshot() {
		if ev, ok := m.(deviceEvent); ok {
			assert.NotEqual(t, "disconnectEvent", ev.Event)
		}
	}

	// The connection is gone; a fresh disconnect has nothing to tear down.
	require.NoError(t, h.GattDisconnect(ctx, sess, "gatt-1"))
	assert.Equal(t, 0, host.countSent("disconnect"))
}

func TestForgetDevice_CascadesAcrossOriginSessions(t *testing.T) {
	h, host := newTestHub(t, okResponder(map[string]any{
		"connect":     "gatt-1",
		"subscribe":   "sub-1",
		"unsubscribe": "sub-1",
	}))
	ctx := context.Background()
	sink := &fakeSink{}
	sess := h.Attach("https://example.com", sink)
	defer h.Detach(ctx, sess)

	rec := grantDevice(t, h, sess, "AA:BB:CC:DD:EE:FF", "Heart Monitor")
	_, err := h.GattConnect(ctx, sess, rec.WebID)
	require.NoError(t, err)
	_, err = h.StartNotifications(ctx, sess, "gatt-1", "heart_rate", "heart_rate_measurement")
	require.NoError(t, err)
	require.NoError(t, h.WatchAdvertisements(ctx, sess, rec.WebID))

	require.NoError(t, h.ForgetDevice(ctx, sess, rec.WebID, ""))

	// Persisted record gone, grant revoked, native teardown issued.
	_, found, err := h.store.Lookup(ctx, "https://example.com", rec.WebID)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, host.countSent("unsubscribe"))
	assert.Equal(t, 1, host.countSent("disconnect"))
	assert.Equal(t, 1, host.countSent("stopScan"))

	h.mu.Lock()
	_, stillKnown := sess.knownDeviceIDs[rec.WebID]
	watchCount := len(h.watchers)
	h.mu.Unlock()
	assert.False(t, stillKnown)
	assert.Zero(t, watchCount)

	_, err = h.GattConnect(ctx, sess, rec.WebID)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestForgetDevice_UnknownDevice(t *testing.T) {
	h, _ := newTestHub(t, okResponder(nil))
	ctx := context.Background()
	sess := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, sess)

	err := h.ForgetDevice(ctx, sess, "never-granted", "")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}
