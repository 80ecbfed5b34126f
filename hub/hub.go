// Package hub is the multiplexing core of the Web Bluetooth bridge: it owns
// the single shared channel to the native BLE host, correlates request and
// response pairs across it, fans unsolicited native events out to the
// interested sessions, and reference-counts the shared resources (the host
// process, active scans, GATT connections, subscriptions) that independent
// browser contexts compete over.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blang/semver"
	"github.com/cornelk/hashmap"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/stevennyman/webbt/internal/protocol"
	"github.com/stevennyman/webbt/internal/storage"
	"github.com/stevennyman/webbt/internal/transport"
)

// DefaultHostAPIVersion is the handshake API version required from the host
// unless configured otherwise.
const DefaultHostAPIVersion = 1

// installPromptInterval rate-limits the installation prompt shown when the
// host binary is missing.
const installPromptInterval = time.Minute

// characteristicCacheSize bounds the memoized characteristic enumerations.
const characteristicCacheSize = 128

type channelState int

const (
	channelAbsent channelState = iota
	channelConnecting
	channelReady
	channelClosing
)

// Composite map keys. Structured on purpose: string concatenation of
// heterogeneous fields risks collisions.
type originDevice struct {
	origin string
	gattID string
}

type subEntry struct {
	service        string
	characteristic string
	session        *Session
}

type watchKey struct {
	session *Session
	webID   string
}

type watcher struct {
	address string
	gattID  string
	webID   string
	name    string
	refs    int
}

type charKey struct {
	gattID  string
	service string
}

type nativeResult struct {
	raw json.RawMessage
	err error
}

type pendingRequest struct {
	session *Session
	once    sync.Once
	ch      chan nativeResult
}

func (p *pendingRequest) resolve(r nativeResult) {
	p.once.Do(func() { p.ch <- r })
}

// Options configures a Hub.
type Options struct {
	Logger    *logrus.Logger
	Store     *storage.DeviceStore
	KV        storage.KV
	Transport transport.Factory
	// HostAPIVersion overrides DefaultHostAPIVersion when non-zero.
	HostAPIVersion int
	// RecommendedServerVersion, when parseable, enables the update advisory
	// for older host builds.
	RecommendedServerVersion string
}

// Hub owns all process-wide shared state. Lifecycle: New, per-session
// Attach/Detach, automatic host shutdown when idle.
type Hub struct {
	logger      *logrus.Logger
	store       *storage.DeviceStore
	kv          storage.KV
	factory     transport.Factory
	apiVersion  int
	recommended *semver.Version

	mu         sync.Mutex
	state      channelState
	transport  transport.Transport
	spawning     chan struct{} // non-nil while a spawn is in flight
	ready        chan struct{} // closed once the startup announcement arrives
	started      bool          // startup announcement seen for this channel
	incompatible bool          // last channel was condemned by the handshake
	generation   uint64
	advisory     string

	sessions map[*Session]struct{}
	counted  int // non-management sessions

	scanCount     int
	scanListeners map[*scanListener]struct{}
	watchers      map[watchKey]*watcher

	subscriptions map[string]map[*Session]struct{}
	subIndex      map[originDevice][]subEntry
	connections   map[string]map[*Session]struct{}

	installPromptLast time.Time

	nextRequestID atomic.Uint64
	pending       *hashmap.Map[uint64, *pendingRequest]

	charCache  *lru.Cache[charKey, []map[string]any]
	charGen    map[string]uint64 // bumped on purge, stales in-flight enumerations
	charFlight singleflight.Group

	commands map[string]commandHandler
}

// New creates a hub. The native channel is spawned lazily by the first
// command from a counted session.
func New(opts Options) (*Hub, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("hub requires a transport factory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	kv := opts.KV
	if kv == nil {
		kv = storage.NewMemoryKV()
	}
	store := opts.Store
	if store == nil {
		store = storage.NewDeviceStore(kv, logger)
	}
	apiVersion := opts.HostAPIVersion
	if apiVersion == 0 {
		apiVersion = DefaultHostAPIVersion
	}

	var recommended *semver.Version
	if opts.RecommendedServerVersion != "" {
		v, err := semver.Parse(opts.RecommendedServerVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid recommended server version %q: %w", opts.RecommendedServerVersion, err)
		}
		recommended = &v
	}

	cache, err := lru.New[charKey, []map[string]any](characteristicCacheSize)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		logger:        logger,
		store:         store,
		kv:            kv,
		factory:       opts.Transport,
		apiVersion:    apiVersion,
		recommended:   recommended,
		sessions:      make(map[*Session]struct{}),
		scanListeners: make(map[*scanListener]struct{}),
		watchers:      make(map[watchKey]*watcher),
		subscriptions: make(map[string]map[*Session]struct{}),
		subIndex:      make(map[originDevice][]subEntry),
		connections:   make(map[string]map[*Session]struct{}),
		pending:       hashmap.New[uint64, *pendingRequest](),
		charCache:     cache,
		charGen:       make(map[string]uint64),
	}
	h.commands = h.commandTable()
	return h, nil
}

// Store exposes the origin device store, used by the management CLI.
func (h *Hub) Store() *storage.DeviceStore {
	return h.store
}

// ensureChannel makes sure a native channel exists, spawning the host on
// demand. Management sessions never trigger a spawn.
func (h *Hub) ensureChannel(ctx context.Context, sess *Session) error {
	for {
		h.mu.Lock()
		if h.transport != nil {
			h.mu.Unlock()
			return nil
		}
		if h.spawning != nil {
			done := h.spawning
			h.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if sess != nil && sess.management {
			h.mu.Unlock()
			return ErrHostUnavailable
		}

		done := make(chan struct{})
		h.spawning = done
		h.state = channelConnecting
		h.ready = make(chan struct{})
		h.started = false
		h.incompatible = false
		h.generation++
		gen := h.generation
		h.mu.Unlock()

		t, err := h.factory(
			func(env protocol.Envelope) { h.handleNative(gen, env) },
			func(cause error) { h.channelDisconnected(gen, cause) },
		)

		h.mu.Lock()
		h.spawning = nil
		close(done)
		if err != nil {
			h.state = channelAbsent
			h.mu.Unlock()
			h.logger.WithError(err).Error("Failed to start native host")
			h.showInstallPrompt(ctx, sess)
			return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
		}
		if h.generation != gen {
			// The handshake already condemned this channel.
			h.mu.Unlock()
			_ = t.Close()
			return ErrVersionIncompatible
		}
		h.transport = t
		h.mu.Unlock()

		// Liveness probe; exempt from the startup-announcement gate.
		go func() {
			if _, err := h.request(context.Background(), sess, "ping", nil); err != nil {
				h.logger.WithError(err).Warn("Native host liveness probe failed")
				return
			}
			h.logger.Info("Connected to native host")
		}()
		return nil
	}
}

// shutdownChannel stops the host once no counted session remains.
func (h *Hub) shutdownChannel() {
	h.mu.Lock()
	t := h.transport
	if t == nil {
		h.mu.Unlock()
		return
	}
	h.state = channelClosing
	h.transport = nil
	h.generation++
	ready := h.ready
	started := h.started
	h.mu.Unlock()

	if !started && ready != nil {
		close(ready)
	}

	h.logger.Info("No sessions remain, stopping native host")
	_ = t.Close()
	h.rejectAll(ErrHostUnavailable)

	h.mu.Lock()
	h.state = channelAbsent
	h.mu.Unlock()
}

func (h *Hub) channelDisconnected(gen uint64, cause error) {
	h.mu.Lock()
	if h.generation != gen {
		h.mu.Unlock()
		return
	}
	h.transport = nil
	h.state = channelAbsent
	ready := h.ready
	started := h.started
	h.mu.Unlock()

	if cause != nil {
		h.logger.WithError(cause).Warn("Native host disconnected")
	}
	h.rejectAll(ErrHostUnavailable)
	if !started && ready != nil {
		close(ready)
	}
}

// rejectAll forcibly fails every in-flight request, used when the channel is
// judged incompatible or disconnects.
func (h *Hub) rejectAll(err error) {
	h.pending.Range(func(id uint64, pr *pendingRequest) bool {
		h.pending.Del(id)
		pr.resolve(nativeResult{err: err})
		return true
	})
}

// request is the correlator: it allocates a request id, records the pending
// continuation, sends via the shared channel, and suspends until the matching
// response arrives. Responses may arrive interleaved and out of order;
// correctness relies solely on id correlation.
func (h *Hub) request(ctx context.Context, sess *Session, cmd string, params map[string]any) (json.RawMessage, error) {
	if err := h.ensureChannel(ctx, sess); err != nil {
		return nil, err
	}

	// Every request except the liveness probe waits for the startup
	// announcement.
	if cmd != "ping" {
		h.mu.Lock()
		ready := h.ready
		h.mu.Unlock()
		if ready != nil {
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	h.mu.Lock()
	t := h.transport
	incompatible := h.incompatible
	h.mu.Unlock()
	if t == nil {
		// The handshake may have condemned the channel while this caller was
		// parked on the gate.
		if incompatible {
			return nil, ErrVersionIncompatible
		}
		return nil, ErrHostUnavailable
	}

	id := h.nextRequestID.Add(1)
	pr := &pendingRequest{session: sess, ch: make(chan nativeResult, 1)}
	h.pending.Set(id, pr)

	h.logger.WithFields(logrus.Fields{
		"cmd": cmd,
		"id":  id,
	}).Debug("Sending native request")

	if err := t.Send(protocol.Request{Cmd: cmd, ID: id, Params: params}); err != nil {
		h.pending.Del(id)
		h.showInstallPrompt(ctx, sess)
		return nil, fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}

	select {
	case res := <-pr.ch:
		return res.raw, res.err
	case <-ctx.Done():
		h.pending.Del(id)
		return nil, ctx.Err()
	}
}

// handleNative dispatches one inbound native message by its _type.
func (h *Hub) handleNative(gen uint64, env protocol.Envelope) {
	h.mu.Lock()
	stale := h.generation != gen
	h.mu.Unlock()
	if stale {
		return
	}

	// Pairing-ceremony messages are forwarded raw to the session that owns
	// the request, which stays pending until its terminal response.
	if env.PairingType && env.ID != nil {
		if pr, ok := h.pending.Get(*env.ID); ok {
			pr.session.sink.Post(env)
		}
	}

	switch env.Type {
	case protocol.TypeStart:
		h.handleStart(env)
	case protocol.TypeResponse:
		h.handleResponse(env)
	case protocol.TypeScanResult:
		h.fanoutScanResult(env)
	case protocol.TypeValueChanged:
		h.fanoutValueChanged(env)
	case protocol.TypeDisconnectEvent:
		h.handleDisconnectEvent(env)
	}
}

// handleStart gates the channel on the host's startup announcement: an API
// version mismatch condemns the channel and rejects everything in flight,
// while an old-but-compatible server build raises the update advisory.
func (h *Hub) handleStart(env protocol.Envelope) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true

	if env.APIVersion != h.apiVersion {
		t := h.transport
		h.transport = nil
		h.state = channelAbsent
		h.incompatible = true
		h.generation++
		ready := h.ready
		h.mu.Unlock()

		h.logger.WithFields(logrus.Fields{
			"apiVersion": env.APIVersion,
			"supported":  h.apiVersion,
		}).Error("Native host API version is unsupported")
		if t != nil {
			_ = t.Close()
		}
		h.rejectAll(ErrVersionIncompatible)
		close(ready)
		return
	}

	if h.recommended != nil && env.ServerVersion != "" {
		if v, err := semver.Parse(env.ServerVersion); err == nil {
			if v.LT(*h.recommended) {
				h.advisory = fmt.Sprintf("native host update recommended: %s is older than %s", v, *h.recommended)
			} else {
				h.advisory = ""
			}
		}
	}

	h.state = channelReady
	ready := h.ready
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"serverName":    env.ServerName,
		"serverVersion": env.ServerVersion,
	}).Info("Native host announced")
	close(ready)
}

func (h *Hub) handleResponse(env protocol.Envelope) {
	if env.ID == nil {
		h.logger.Warn("Discarding native response without an id")
		return
	}
	pr, ok := h.pending.Get(*env.ID)
	if !ok {
		return
	}
	h.pending.Del(*env.ID)

	if env.Error != "" {
		pr.resolve(nativeResult{err: &NativeError{Msg: env.Error}})
		return
	}
	pr.resolve(nativeResult{raw: env.Result})
}

func (h *Hub) handleDisconnectEvent(env protocol.Envelope) {
	gattID := env.Device

	h.mu.Lock()
	set := h.connections[gattID]
	delete(h.connections, gattID)
	targets := make([]*Session, 0, len(set))
	for s := range set {
		delete(s.devices, gattID)
		targets = append(targets, s)
	}
	h.purgeCharacteristicCacheLocked(gattID)
	h.mu.Unlock()

	for _, s := range targets {
		s.sink.Post(deviceEvent{Event: "disconnectEvent", Device: gattID})
	}
}

func (h *Hub) purgeCharacteristicCacheLocked(gattID string) {
	h.charGen[gattID]++
	for _, key := range h.charCache.Keys() {
		if key.gattID == gattID {
			h.charCache.Remove(key)
		}
	}
}

// deviceEvent is an unsolicited per-session notification.
type deviceEvent struct {
	Event   string `json:"event"`
	Device  string `json:"device,omitempty"`
	Address string `json:"address,omitempty"`
	GattID  string `json:"gattId,omitempty"`
}

// Advisory returns the current update advisory, empty when none applies.
func (h *Hub) Advisory() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advisory
}

// showInstallPrompt asks the calling session to display the host
// installation page, rate-limited and suppressible by persisted preference.
func (h *Hub) showInstallPrompt(ctx context.Context, sess *Session) {
	if sess == nil || storage.InstallPromptHidden(ctx, h.kv) {
		return
	}
	h.mu.Lock()
	if time.Since(h.installPromptLast) < installPromptInterval {
		h.mu.Unlock()
		return
	}
	h.installPromptLast = time.Now()
	h.mu.Unlock()

	sess.sink.Post(protocol.Envelope{Type: protocol.TypeShowInstallPrompt})
}
