// Package storage persists the per-origin device allow-list and user
// preferences. The backing store is an external asynchronous key-value
// collaborator; an in-memory cache mirrors the per-origin device collections
// to avoid repeated round-trips.
package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// KV is the external asynchronous key-value store. Get returns (nil, nil)
// when the key is absent.
type KV interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Remove(ctx context.Context, key string) error
}

// Well-known keys.
const (
	hideInstallationKey = "hideInstallation"
	originKeyPrefix     = "originDevices_"
)

// MemoryKV is an in-process KV used by tests and the default serve mode.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]json.RawMessage)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// InstallPromptHidden reports whether the user suppressed the host
// installation prompt.
func InstallPromptHidden(ctx context.Context, kv KV) bool {
	raw, err := kv.Get(ctx, hideInstallationKey)
	if err != nil || raw == nil {
		return false
	}
	var hidden bool
	if err := json.Unmarshal(raw, &hidden); err != nil {
		return false
	}
	return hidden
}

// SetInstallPromptHidden persists the installation-prompt suppression flag.
func SetInstallPromptHidden(ctx context.Context, kv KV, hidden bool) error {
	raw, err := json.Marshal(hidden)
	if err != nil {
		return err
	}
	return kv.Set(ctx, hideInstallationKey, raw)
}
