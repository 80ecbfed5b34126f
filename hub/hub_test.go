package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevennyman/webbt/internal/protocol"
	"github.com/stevennyman/webbt/internal/transport"
)

// fakeHost stands in for the native host process. Responses are produced
// synchronously by the respond callback; a nil callback (or a nil return)
// leaves the request pending so tests can answer manually and out of order.
type fakeHost struct {
	mu        sync.Mutex
	onMessage transport.Handler
	sent      []protocol.Request
	respond   func(req protocol.Request) *protocol.Envelope
	closed    bool
	spawns    int
}

func (f *fakeHost) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	f.mu.Lock()
	f.sent = append(f.sent, req)
	respond := f.respond
	onMessage := f.onMessage
	f.mu.Unlock()

	if respond != nil {
		if env := respond(req); env != nil {
			onMessage(*env)
		}
	}
	return nil
}

func (f *fakeHost) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHost) deliver(env protocol.Envelope) {
	f.mu.Lock()
	onMessage := f.onMessage
	f.mu.Unlock()
	onMessage(env)
}

// countSent returns how many requests with the given cmd went out.
func (f *fakeHost) countSent(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.sent {
		if req.Cmd == cmd {
			n++
		}
	}
	return n
}

func (f *fakeHost) lastSent(cmd string) (protocol.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Cmd == cmd {
			return f.sent[i], true
		}
	}
	return protocol.Request{}, false
}

// okResponder answers every request, taking canned results per cmd and
// defaulting to null.
func okResponder(results map[string]any) func(protocol.Request) *protocol.Envelope {
	return func(req protocol.Request) *protocol.Envelope {
		id := req.ID
		var raw json.RawMessage = []byte("null")
		if results != nil {
			if res, ok := results[req.Cmd]; ok {
				raw, _ = json.Marshal(res)
			}
		}
		return &protocol.Envelope{Type: protocol.TypeResponse, ID: &id, Result: raw}
	}
}

const (
	timeoutEventually = time.Second
	tickEventually    = time.Millisecond
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestHub(t *testing.T, respond func(protocol.Request) *protocol.Envelope) (*Hub, *fakeHost) {
	t.Helper()
	host := &fakeHost{respond: respond}
	factory := func(onMessage transport.Handler, onDisconnect func(error)) (transport.Transport, error) {
		host.mu.Lock()
		host.onMessage = onMessage
		host.closed = false
		host.spawns++
		host.mu.Unlock()
		onMessage(protocol.Envelope{
			Type:          protocol.TypeStart,
			APIVersion:    DefaultHostAPIVersion,
			ServerName:    "fake host",
			ServerVersion: "1.0.0",
		})
		return host, nil
	}
	h, err := New(Options{Transport: factory, Logger: quietLogger()})
	require.NoError(t, err)
	return h, host
}

// fakeSink collects per-session messages.
type fakeSink struct {
	mu   sync.Mutex
	msgs []any
}

func (s *fakeSink) Post(msg any) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

func (s *fakeSink) envelopesOfType(typ string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, m := range s.snapshot() {
		if env, ok := m.(protocol.Envelope); ok && env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func TestRequestCorrelation_OutOfOrderResponses(t *testing.T) {
	h, host := newTestHub(t, nil)
	sink := &fakeSink{}
	sess := h.Attach("https://example.com", sink)
	defer h.Detach(context.Background(), sess)

	type outcome struct {
		cmd string
		raw json.RawMessage
		err error
	}
	results := make(chan outcome, 3)
	for _, cmd := range []string{"alpha", "beta", "gamma"} {
		cmd := cmd
		go func() {
			raw, err := h.request(context.Background(), sess, cmd, nil)
			results <- outcome{cmd: cmd, raw: raw, err: err}
		}()
	}

	require.Eventually(t, func() bool {
		return host.countSent("alpha")+host.countSent("beta")+host.countSent("gamma") == 3
	}, time.Second, time.Millisecond)

	// Answer in reverse order of sending; each caller must still receive the
	// result tied to its own id.
	host.mu.Lock()
	byCmd := make(map[string]uint64)
	for _, req := range host.sent {
		byCmd[req.Cmd] = req.ID
	}
	host.mu.Unlock()

	for _, cmd := range []string{"gamma", "alpha", "beta"} {
		id := byCmd[cmd]
		host.deliver(protocol.Envelope{
			Type:   protocol.TypeResponse,
			ID:     &id,
			Result: json.RawMessage(fmt.Sprintf("%q", "result-"+cmd)),
		})
	}

	for i := 0; i < 3; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.JSONEq(t, fmt.Sprintf("%q", "result-"+out.cmd), string(out.raw))
	}
}

func TestRequestCorrelation_NativeErrorPropagatesVerbatim(t *testing.T) {
	h, host := newTestHub(t, func(req protocol.Request) *protocol.Envelope {
		id := req.ID
		return &protocol.Envelope{Type: protocol.TypeResponse, ID: &id, Error: "Element not found."}
	})
	sink := &fakeSink{}
	sess := h.Attach("https://example.com", sink)
	defer h.Detach(context.Background(), sess)

	_, err := h.request(context.Background(), sess, "read", nil)
	require.Error(t, err)
	assert.Equal(t, "Element not found.", err.Error())
	_ = host
}

func TestVersionMismatch_RejectsInFlightRequests(t *testing.T) {
	host := &fakeHost{}
	factory := func(onMessage transport.Handler, onDisconnect func(error)) (transport.Transport, error) {
		host.mu.Lock()
		host.onMessage = onMessage
		host.spawns++
		host.mu.Unlock()
		return host, nil
	}
	h, err := New(Options{Transport: factory, Logger: quietLogger()})
	require.NoError(t, err)

	sink := &fakeSink{}
	sess := h.Attach("https://example.com", sink)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.request(context.Background(), sess, "ping", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return host.countSent("ping") >= 1 }, time.Second, time.Millisecond)

	host.deliver(protocol.Envelope{Type: protocol.TypeStart, APIVersion: 99})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrVersionIncompatible)
	case <-time.After(time.Second):
		t.Fatal("request was not rejected")
	}
	assert.True(t, host.closed)
}

func TestVersionMismatch_SurfacesToAnnouncementWaiters(t *testing.T) {
	host := &fakeHost{}
	factory := func(onMessage transport.Handler, onDisconnect func(error)) (transport.Transport, error) {
		host.mu.Lock()
		host.onMessage = onMessage
		host.spawns++
		host.mu.Unlock()
		go host.deliver(protocol.Envelope{Type: protocol.TypeStart, APIVersion: 99})
		return host, nil
	}
	h, err := New(Options{Transport: factory, Logger: quietLogger()})
	require.NoError(t, err)

	sink := &fakeSink{}
	sess := h.Attach("https://example.com", sink)
	defer h.Detach(context.Background(), sess)

	// The command parks on the startup announcement; the mismatch must wake
	// it with the version error, not a generic unavailability.
	_, err = h.request(context.Background(), sess, "availability", nil)
	assert.ErrorIs(t, err, ErrVersionIncompatible)
}

func TestUpdateAdvisory_RaisedForOlderHost(t *testing.T) {
	host := &fakeHost{respond: okResponder(nil)}
	factory := func(onMessage transport.Handler, onDisconnect func(error)) (transport.Transport, error) {
		host.mu.Lock()
		host.onMessage = onMessage
		host.mu.Unlock()
		onMessage(protocol.Envelope{Type: protocol.TypeStart, APIVersion: DefaultHostAPIVersion, ServerVersion: "1.2.0"})
		return host, nil
	}
	h, err := New(Options{
		Transport:                factory,
		Logger:                   quietLogger(),
		RecommendedServerVersion: "2.0.0",
	})
	require.NoError(t, err)

	sink := &fakeSink{}
	sess := h.Attach("https://example.com", sink)
	defer h.Detach(context.Background(), sess)

	_, err = h.request(context.Background(), sess, "availability", nil)
	require.NoError(t, err)
	assert.Contains(t, h.Advisory(), "update recommended")
}

func TestScanRefcount_SingleNativeScanAcrossSessions(t *testing.T) {
	h, host := newTestHub(t, okResponder(nil))
	ctx := context.Background()
	s1 := h.Attach("https://one.example", &fakeSink{})
	s2 := h.Attach("https://two.example", &fakeSink{})
	defer h.Detach(ctx, s1)
	defer h.Detach(ctx, s2)

	require.NoError(t, h.startScanning(ctx, s1))
	require.NoError(t, h.startScanning(ctx, s1))
	require.NoError(t, h.startScanning(ctx, s2))
	assert.Equal(t, 1, host.countSent("scan"))

	h.stopScanning(ctx, s1)
	h.stopScanning(ctx, s2)
	assert.Equal(t, 0, host.countSent("stopScan"))

	h.stopScanning(ctx, s1)
	assert.Equal(t, 1, host.countSent("stopScan"))

	// Releasing more references than were taken is ignored.
	h.stopScanning(ctx, s1)
	assert.Equal(t, 1, host.countSent("stopScan"))
}

func TestIdleShutdown_LastCountedSessionStopsHost(t *testing.T) {
	h, host := newTestHub(t, okResponder(nil))
	ctx := context.Background()

	mgmt := h.AttachManagement("webbt://options", &fakeSink{})
	sess := h.Attach("https://example.com", &fakeSink{})

	_, err := h.request(ctx, sess, "availability", nil)
	require.NoError(t, err)

	// A management session leaving does not stop the host.
	h.Detach(ctx, mgmt)
	assert.False(t, host.closed)

	h.Detach(ctx, sess)
	assert.True(t, host.closed)
}

func TestManagementSession_DoesNotSpawnHost(t *testing.T) {
	h, host := newTestHub(t, okResponder(nil))
	mgmt := h.AttachManagement("webbt://options", &fakeSink{})
	defer h.Detach(context.Background(), mgmt)

	_, err := h.request(context.Background(), mgmt, "availability", nil)
	assert.ErrorIs(t, err, ErrHostUnavailable)
	assert.Equal(t, 0, host.spawns)
}

func TestHostRespawn_AfterIdleShutdown(t *testing.T) {
	h, host := newTestHub(t, okResponder(nil))
	ctx := context.Background()

	s1 := h.Attach("https://example.com", &fakeSink{})
	_, err := h.request(ctx, s1, "availability", nil)
	require.NoError(t, err)
	h.Detach(ctx, s1)
	require.True(t, host.closed)

	s2 := h.Attach("https://example.com", &fakeSink{})
	defer h.Detach(ctx, s2)
	_, err = h.request(ctx, s2, "availability", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, host.spawns)
}
