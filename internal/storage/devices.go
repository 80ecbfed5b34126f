package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DeviceRecord is one persisted (origin, device) entry. WebID is the opaque,
// origin-scoped identifier exposed to pages; the hardware address may rotate
// underneath it, so WebID is the durable key.
type DeviceRecord struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	GattID  string `json:"gattId,omitempty"`
	WebID   string `json:"webId"`
}

// DeviceStore maps (origin, webId) to device records, backed by the KV
// collaborator with a per-origin ordered in-memory cache. The cache preserves
// record insertion order so the persisted arrays stay stable.
type DeviceStore struct {
	kv     KV
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]*orderedmap.OrderedMap[string, *DeviceRecord]
}

// NewDeviceStore creates a store over the given KV backend.
func NewDeviceStore(kv KV, logger *logrus.Logger) *DeviceStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &DeviceStore{
		kv:     kv,
		logger: logger,
		cache:  make(map[string]*orderedmap.OrderedMap[string, *DeviceRecord]),
	}
}

// origin must be loaded with s.mu held; the KV round-trip happens before any
// cache mutation so interleaved handlers never observe a half-built origin.
func (s *DeviceStore) load(ctx context.Context, origin string) (*orderedmap.OrderedMap[string, *DeviceRecord], error) {
	if om, ok := s.cache[origin]; ok {
		return om, nil
	}

	s.mu.Unlock()
	raw, err := s.kv.Get(ctx, originKeyPrefix+origin)
	s.mu.Lock()
	if err != nil {
		return nil, fmt.Errorf("failed to load devices for origin %s: %w", origin, err)
	}

	// Another handler may have populated the cache while we were suspended.
	if om, ok := s.cache[origin]; ok {
		return om, nil
	}

	om := orderedmap.New[string, *DeviceRecord]()
	if raw != nil {
		var records []DeviceRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("corrupt device records for origin %s: %w", origin, err)
		}
		for i := range records {
			rec := records[i]
			om.Set(rec.WebID, &rec)
		}
	}
	s.cache[origin] = om
	return om, nil
}

// save persists the origin collection, removing the key entirely when the
// last record is gone. Called with s.mu held; the KV write happens unlocked.
func (s *DeviceStore) save(ctx context.Context, origin string, om *orderedmap.OrderedMap[string, *DeviceRecord]) error {
	key := originKeyPrefix + origin
	if om.Len() == 0 {
		s.mu.Unlock()
		err := s.kv.Remove(ctx, key)
		s.mu.Lock()
		return err
	}

	records := make([]DeviceRecord, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		records = append(records, *pair.Value)
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}

	s.mu.Unlock()
	err = s.kv.Set(ctx, key, raw)
	s.mu.Lock()
	return err
}

// List returns the origin's records in insertion order.
func (s *DeviceStore) List(ctx context.Context, origin string) ([]DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	om, err := s.load(ctx, origin)
	if err != nil {
		return nil, err
	}
	records := make([]DeviceRecord, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		records = append(records, *pair.Value)
	}
	return records, nil
}

// Lookup returns the record for (origin, webID), reporting whether it exists.
func (s *DeviceStore) Lookup(ctx context.Context, origin, webID string) (DeviceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	om, err := s.load(ctx, origin)
	if err != nil {
		return DeviceRecord{}, false, err
	}
	rec, ok := om.Get(webID)
	if !ok {
		return DeviceRecord{}, false, nil
	}
	return *rec, true, nil
}

// FindByGattID reverse-looks-up the record holding the given native
// connection handle within an origin.
func (s *DeviceStore) FindByGattID(ctx context.Context, origin, gattID string) (DeviceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	om, err := s.load(ctx, origin)
	if err != nil {
		return DeviceRecord{}, false, err
	}
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.GattID == gattID {
			return *pair.Value, true, nil
		}
	}
	return DeviceRecord{}, false, nil
}

// Select records a chooser selection. An existing record matching the
// hardware address or the native connection handle keeps its webId even when
// the address has rotated; otherwise a fresh unguessable identifier is
// allocated.
func (s *DeviceStore) Select(ctx context.Context, origin, address, gattID, name string) (DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	om, err := s.load(ctx, origin)
	if err != nil {
		return DeviceRecord{}, err
	}

	var rec *DeviceRecord
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Address == address || (gattID != "" && pair.Value.GattID == gattID) {
			rec = pair.Value
			break
		}
	}

	if rec == nil {
		rec = &DeviceRecord{
			Address: address,
			Name:    name,
			GattID:  gattID,
			WebID:   s.newWebID(om),
		}
		om.Set(rec.WebID, rec)
		s.logger.WithFields(logrus.Fields{
			"origin": origin,
			"webId":  rec.WebID,
		}).Debug("Recorded new origin device")
	} else {
		rec.Address = address
		if name != "" {
			rec.Name = name
		}
		if gattID != "" {
			rec.GattID = gattID
		}
	}

	out := *rec
	return out, s.save(ctx, origin, om)
}

// newWebID allocates a fresh identifier, retrying on the (astronomically
// unlikely) collision with an existing id for the origin.
func (s *DeviceStore) newWebID(om *orderedmap.OrderedMap[string, *DeviceRecord]) string {
	for {
		id := uuid.NewV4().String()
		if _, exists := om.Get(id); !exists {
			return id
		}
	}
}

// UpdateConnection refreshes the record's native connection handle after a
// successful GATT connect.
func (s *DeviceStore) UpdateConnection(ctx context.Context, origin, webID, gattID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	om, err := s.load(ctx, origin)
	if err != nil {
		return err
	}
	rec, ok := om.Get(webID)
	if !ok {
		return fmt.Errorf("no record for device %s in origin %s", webID, origin)
	}
	if rec.GattID == gattID {
		return nil
	}
	rec.GattID = gattID
	return s.save(ctx, origin, om)
}

// Remove forgets the record, deleting the persisted key entirely when it was
// the origin's last device. Returns the removed record so callers can cascade
// live teardown.
func (s *DeviceStore) Remove(ctx context.Context, origin, webID string) (DeviceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	om, err := s.load(ctx, origin)
	if err != nil {
		return DeviceRecord{}, false, err
	}
	rec, ok := om.Get(webID)
	if !ok {
		return DeviceRecord{}, false, nil
	}
	removed := *rec
	om.Delete(webID)
	return removed, true, s.save(ctx, origin, om)
}
