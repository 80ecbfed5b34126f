package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevennyman/webbt/internal/storage"
)

func TestHandleMessage_Validation(t *testing.T) {
	h, _ := newTestHub(t, okResponder(nil))
	ctx := context.Background()
	sess := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, sess)

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "missing command",
			raw:     `{"args":[],"id":1}`,
			wantErr: "Missing `command`",
		},
		{
			name:    "args not an array",
			raw:     `{"command":"availability","args":{"bogus":true},"id":2}`,
			wantErr: "`args` must be an array",
		},
		{
			name:    "args absent",
			raw:     `{"command":"availability","id":4}`,
			wantErr: "`args` must be an array",
		},
		{
			name:    "args null",
			raw:     `{"command":"availability","args":null,"id":5}`,
			wantErr: "`args` must be an array",
		},
		{
			name:    "unknown command",
			raw:     `{"command":"selfDestruct","args":[],"id":3}`,
			wantErr: "Unknown command: selfDestruct",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.HandleMessage(ctx, sess, []byte(tt.raw))
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantErr, resp.Error)
			assert.Equal(t, "https://example.com", resp.Origin)
		})
	}
}

func TestHandleMessage_EchoesRequestID(t *testing.T) {
	h, _ := newTestHub(t, okResponder(map[string]any{"availability": true}))
	ctx := context.Background()
	sess := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, sess)

	resp := h.HandleMessage(ctx, sess, []byte(`{"command":"availability","args":[],"id":"req-17"}`))
	require.NotNil(t, resp)
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `"req-17"`, string(resp.ID))
	assert.Equal(t, "https://example.com", resp.Origin)
}

func TestHandleMessage_GetOriginDevices(t *testing.T) {
	h, _ := newTestHub(t, okResponder(nil))
	ctx := context.Background()
	sess := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, sess)

	rec, err := h.store.Select(ctx, "https://example.com", "AA:BB:CC:DD:EE:FF", "gatt-1", "Heart Monitor")
	require.NoError(t, err)
	_, err = h.store.Select(ctx, "https://other.example", "11:22:33:44:55:66", "", "Thermometer")
	require.NoError(t, err)

	resp := h.HandleMessage(ctx, sess, []byte(`{"command":"getOriginDevices","args":[],"id":1}`))
	require.NotNil(t, resp)
	require.Empty(t, resp.Error)

	records, ok := resp.Result.([]storage.DeviceRecord)
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, rec.WebID, records[0].WebID)
	assert.Equal(t, "Heart Monitor", records[0].Name)
}

func TestHandleMessage_ChooserReplyWithoutOpenChooser(t *testing.T) {
	h, _ := newTestHub(t, okResponder(nil))
	ctx := context.Background()
	sess := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, sess)

	// No requestDevice in flight; the stray verdict is logged and dropped.
	resp := h.HandleMessage(ctx, sess, []byte(`{"cmd":"chooserPair","deviceId":"AA:BB:CC:DD:EE:FF"}`))
	assert.Nil(t, resp)
}

func TestHandleMessage_MalformedJSON(t *testing.T) {
	h, _ := newTestHub(t, okResponder(nil))
	ctx := context.Background()
	sess := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, sess)

	resp := h.HandleMessage(ctx, sess, []byte(`{not json`))
	require.NotNil(t, resp)
	assert.Contains(t, resp.Error, "malformed message")
}
