// ABOUTME: Proxy-side cache of the service's last known snapshot fields
// ABOUTME: Changed only by applying snapshot notifications in arrival order

package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
)

// StateCache is the projection of the snapshot notification stream.
type StateCache struct {
	mu      sync.RWMutex
	fields  map[string]json.RawMessage
	version uint64
}

// NewStateCache returns an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{fields: make(map[string]json.RawMessage)}
}

// Apply merges the top-level fields of a snapshot notification's payload.
// A null or empty payload changes nothing.
func (s *StateCache) Apply(n protocol.Notification) error {
	if !n.Snapshot {
		return nil
	}
	payload := bytes.TrimSpace(n.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("snapshot %s is not a JSON object: %w", n.Kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		s.fields[k] = v
	}
	s.version++
	return nil
}

// Snapshot returns a copy of every cached field.
func (s *StateCache) Snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.fields)
}

// Field decodes the cached value for key into v. It reports false when the
// key has never been seen.
func (s *StateCache) Field(key string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.fields[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decoding state field %q: %w", key, err)
	}
	return true, nil
}

// Version counts applied snapshots.
func (s *StateCache) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
