package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	watchers map[*watcher]struct{}
	revision uint64
	closed   atomic.Bool

	// For TTL cleanup
	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
	expires  time.Time // Zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
	closed  atomic.Bool
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		watchers:      make(map[*watcher]struct{}),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// cleanupLoop removes expired entries periodically.
func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired removes entries that have expired.
func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			s.notifyWatchers(key, nil, OpDelete)
		}
	}
}

// live returns the entry for key unless it is missing or expired.
// Must be called with lock held.
func (s *MemoryStore) live(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e, true
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent mutation
	val := make([]byte, len(e.value))
	copy(val, e.value)

	return &KeyValue{
		Key:       key,
		Value:     val,
		Revision:  e.revision,
		Operation: OpPut,
		Created:   e.created,
		Modified:  e.modified,
	}, nil
}

// Create stores a value only if the key is absent (or expired).
func (s *MemoryStore) Create(key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := s.checkWrite(key, ttl); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return 0, ErrKeyExists
	}
	return s.write(key, value, ttl), nil
}

// Update replaces a value only if its revision still matches.
func (s *MemoryStore) Update(key string, value []byte, rev uint64, ttl time.Duration) (uint64, error) {
	if err := s.checkWrite(key, ttl); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.revision != rev {
		return 0, ErrRevisionMismatch
	}
	return s.write(key, value, ttl), nil
}

// Put stores a value with optional TTL.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := s.checkWrite(key, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.write(key, value, ttl)
	return nil
}

func (s *MemoryStore) checkWrite(key string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// write stores the entry and returns its new revision.
// Must be called with lock held.
func (s *MemoryStore) write(key string, value []byte, ttl time.Duration) uint64 {
	now := time.Now()
	s.revision++
	rev := s.revision

	// Copy value to prevent external mutation
	val := make([]byte, len(value))
	copy(val, value)

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	created := now
	if existing, ok := s.live(key); ok {
		created = existing.created
	}

	s.data[key] = &entry{
		value:    val,
		revision: rev,
		created:  created,
		modified: now,
		expires:  expires,
	}

	s.notifyWatchers(key, val, OpPut)
	return rev
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.notifyWatchers(key, nil, OpDelete)
	}

	return nil
}

// DeleteRevision removes a key only if its revision still matches.
func (s *MemoryStore) DeleteRevision(key string, rev uint64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil
	}
	if e.revision != rev {
		return ErrRevisionMismatch
	}
	delete(s.data, key)
	s.notifyWatchers(key, nil, OpDelete)
	return nil
}

// Keys returns all keys matching a pattern.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if e.expired(now) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch watches for changes to keys matching a pattern until ctx is done.
func (s *MemoryStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	w := &watcher{
		pattern: pattern,
		ch:      make(chan *KeyValue, 64),
	}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}()

	return w.ch, nil
}

// notifyWatchers sends notifications to matching watchers.
// Must be called with lock held.
func (s *MemoryStore) notifyWatchers(key string, value []byte, op Operation) {
	rev := s.revision
	if op == OpDelete {
		s.revision++
		rev = s.revision
	}
	kv := &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  rev,
		Operation: op,
		Modified:  time.Now(),
	}

	for w := range s.watchers {
		if w.closed.Load() {
			continue
		}
		if MatchPattern(w.pattern, key) {
			select {
			case w.ch <- kv:
			default:
				// Channel full, drop notification
			}
		}
	}
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Close all watchers
	for w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	s.data = nil

	return nil
}
