// Package taskstore implements the PersistentOrderedMap: an
// ordered string-keyed store of JSON-serializable records with optional
// on-disk persistence, a capacity limit, and FIFO eviction restricted to
// keys explicitly tagged for removal.
//
// Concurrency is intentionally simple: a single mutex serializes every
// read and write. The store is small and low-traffic (one row per
// Task); the simplicity is worth more than any contention it could
// ever see.
package taskstore

import (
	"encoding/json"
	"sync"

	"github.com/freitascorp/concierge/pkg/concierr"
)

// Backend is the persistence strategy behind a Store: either an
// in-memory map (no filepath configured) or a content-addressable
// on-disk store with a sidecar order/tag file.
type Backend interface {
	// Get returns the raw JSON for key, or ok=false if absent.
	Get(key string) (json.RawMessage, bool, error)
	// Put writes value under key.
	Put(key string, value json.RawMessage) error
	// Delete removes key. No-op if absent.
	Delete(key string) error
	// Keys returns every key currently stored, in no particular order;
	// the Store itself is the source of truth for ordering.
	Keys() ([]string, error)
	// Close releases any resources (file handles, DB connections).
	Close() error
}

// Store is the ordered, capacity-bounded, tag-evictable map.
type Store struct {
	mu      sync.Mutex
	backend Backend
	order   []string        // insertion order, oldest first
	tagged  map[string]bool // keys eligible for FIFO eviction
	maxSize int
}

// Open constructs a Store over backend, restoring order/tag state via
// meta. Restored order is filtered to keys actually present in the
// backend; missing keys are dropped.
func Open(backend Backend, meta *SidecarMeta, maxSize int) (*Store, error) {
	s := &Store{
		backend: backend,
		tagged:  make(map[string]bool),
		maxSize: maxSize,
	}

	present, err := backend.Keys()
	if err != nil {
		return nil, err
	}
	presentSet := make(map[string]bool, len(present))
	for _, k := range present {
		presentSet[k] = true
	}

	if meta != nil {
		for _, k := range meta.Order {
			if presentSet[k] {
				s.order = append(s.order, k)
				delete(presentSet, k)
			}
		}
		for k := range meta.Tagged {
			if contains(s.order, k) {
				s.tagged[k] = true
			}
		}
	}
	// Any backend key not named in the sidecar order still belongs in
	// the map; append it so nothing present on disk is silently lost.
	for k := range presentSet {
		s.order = append(s.order, k)
	}

	return s, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// SidecarMeta is the `<path>_metadata.json` shape.
type SidecarMeta struct {
	Order  []string        `json:"order"`
	Tagged map[string]bool `json:"tagged"`
}

func (s *Store) snapshotMeta() *SidecarMeta {
	return &SidecarMeta{Order: append([]string(nil), s.order...), Tagged: copyTagged(s.tagged)}
}

func copyTagged(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		if v {
			out[k] = true
		}
	}
	return out
}

// Get returns the value stored under key, decoded into v.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.backend.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Set inserts or updates key with value. On insert of a *new* key
// while the map is at maxSize, the oldest tagged
// key is evicted; if none is tagged, the insert fails with
// FullCapacity. Updating an existing key never evicts and clears any
// tag on that key.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, err := s.backend.Get(key)
	if err != nil {
		return err
	}

	if exists {
		if err := s.backend.Put(key, raw); err != nil {
			return err
		}
		if s.tagged[key] {
			delete(s.tagged, key)
			s.persistMetaLocked()
		}
		return nil
	}

	if s.maxSize > 0 && len(s.order) >= s.maxSize {
		victim, ok := s.oldestTaggedLocked()
		if !ok {
			return concierr.New(concierr.KindFullCapacity, "task store is at capacity and no entry is tagged for removal")
		}
		if err := s.deleteLocked(victim); err != nil {
			return err
		}
	}

	if err := s.backend.Put(key, raw); err != nil {
		return err
	}
	s.order = append(s.order, key)
	s.persistMetaLocked()
	return nil
}

// persistMetaLocked flushes order/tag state to the backend's sidecar,
// if it has one. Called with mu held after every mutation so a crash
// between writes never leaves the sidecar more than one operation
// stale; the startup recovery pass depends on that bound.
func (s *Store) persistMetaLocked() {
	if sync, ok := s.backend.(interface{ SyncMeta(*SidecarMeta) error }); ok {
		sync.SyncMeta(s.snapshotMeta())
	}
}

func (s *Store) oldestTaggedLocked() (string, bool) {
	for _, k := range s.order {
		if s.tagged[k] {
			return k, true
		}
	}
	return "", false
}

// Delete removes key. Returns concierr.KindKeyMissing if absent.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists, err := s.backend.Get(key)
	if err != nil {
		return err
	}
	if !exists {
		return concierr.New(concierr.KindKeyMissing, "key not found: "+key)
	}
	return s.deleteLocked(key)
}

func (s *Store) deleteLocked(key string) error {
	if err := s.backend.Delete(key); err != nil {
		return err
	}
	out := s.order[:0]
	for _, k := range s.order {
		if k != key {
			out = append(out, k)
		}
	}
	s.order = out
	delete(s.tagged, key)
	s.persistMetaLocked()
	return nil
}

// Contains reports whether key is present.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists, _ := s.backend.Get(key)
	return exists
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Keys returns all keys in insertion order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Newest returns the most recently inserted key, or "" if empty.
func (s *Store) Newest() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return "", false
	}
	return s.order[len(s.order)-1], true
}

// OldestKey returns the least recently inserted key, or "" if empty.
func (s *Store) OldestKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return "", false
	}
	return s.order[0], true
}

// ItemsReversed calls fn with every key and its raw JSON value, newest
// first.
func (s *Store) ItemsReversed(fn func(key string, raw json.RawMessage) error) error {
	s.mu.Lock()
	keys := append([]string(nil), s.order...)
	s.mu.Unlock()

	for i := len(keys) - 1; i >= 0; i-- {
		s.mu.Lock()
		raw, ok, err := s.backend.Get(keys[i])
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(keys[i], raw); err != nil {
			return err
		}
	}
	return nil
}

// TagForRemoval marks key as eligible for FIFO eviction under capacity
// pressure. No-op if key is absent.
func (s *Store) TagForRemoval(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists, _ := s.backend.Get(key); exists {
		s.tagged[key] = true
		s.persistMetaLocked()
	}
}

// Close releases the backend and, for file-backed stores, flushes the
// sidecar metadata one last time.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sync, ok := s.backend.(interface{ SyncMeta(*SidecarMeta) error }); ok {
		if err := sync.SyncMeta(s.snapshotMeta()); err != nil {
			return err
		}
	}
	return s.backend.Close()
}
