package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store using NATS JetStream KV.
//
// JetStream KV expires entries per bucket, not per key, so the ttl arguments
// are only validated here. Callers that need per-entry leases keep the
// deadline in the value, as the claim registry does.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
	done   chan struct{}
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL is the bucket-wide entry TTL (0 = no expiry).
	TTL time.Duration

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 64KB
	MaxValueSize int32

	// Timeout bounds every KV round trip.
	// Default: 5s
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "singletons",
		History:      1,
		MaxValueSize: 64 * 1024,
		Timeout:      5 * time.Second,
	}
}

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		done:   make(chan struct{}),
	}, nil
}

func (s *NATSStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.Timeout)
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *NATSStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	return entryToKeyValue(entry), nil
}

func entryToKeyValue(entry jetstream.KeyValueEntry) *KeyValue {
	return &KeyValue{
		Key:       entry.Key(),
		Value:     entry.Value(),
		Revision:  entry.Revision(),
		Operation: opFromNATS(entry.Operation()),
		Created:   entry.Created(),
		Modified:  entry.Created(), // NATS KV uses Created for last modified
	}
}

// opFromNATS converts NATS operation to our Operation type.
func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValuePut:
		return OpPut
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

// isWrongRevision reports whether err is JetStream rejecting an expected
// last-sequence check.
func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

func (s *NATSStore) checkWrite(key string, ttl time.Duration) error {
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

// Create stores a value only if the key does not exist.
func (s *NATSStore) Create(key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := s.checkWrite(key, ttl); err != nil {
		return 0, err
	}

	ctx, cancel := s.opContext()
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongRevision(err) {
			return 0, ErrKeyExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Update replaces a value only if its current revision is rev.
func (s *NATSStore) Update(key string, value []byte, rev uint64, ttl time.Duration) (uint64, error) {
	if err := s.checkWrite(key, ttl); err != nil {
		return 0, err
	}

	ctx, cancel := s.opContext()
	defer cancel()

	next, err := s.kv.Update(ctx, key, value, rev)
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return next, nil
}

// Put stores a value unconditionally.
func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := s.checkWrite(key, ttl); err != nil {
		return err
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// DeleteRevision removes a key only if its current revision is rev.
func (s *NATSStore) DeleteRevision(key string, rev uint64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	err := s.kv.Delete(ctx, key, jetstream.LastRevision(rev))
	switch {
	case err == nil, errors.Is(err, jetstream.ErrKeyNotFound):
		return nil
	case isWrongRevision(err):
		return ErrRevisionMismatch
	default:
		return fmt.Errorf("kv delete: %w", err)
	}
}

// natsPattern converts a *-suffix pattern to a NATS subject filter.
func natsPattern(pattern string) string {
	if pattern == "*" {
		return ">"
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return pattern
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch streams changes to keys matching a pattern until ctx is done.
// Only updates after the call are delivered.
func (s *NATSStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var watcher jetstream.KeyWatcher
	var err error

	if p := natsPattern(pattern); p == ">" {
		watcher, err = s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	} else {
		watcher, err = s.kv.Watch(ctx, p, jetstream.UpdatesOnly())
	}
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *KeyValue, 64)
	go s.watchLoop(ctx, watcher, ch, pattern)
	return ch, nil
}

// watchLoop processes watch updates.
func (s *NATSStore) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher, ch chan *KeyValue, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // Initial sync complete marker
			}

			// Filter by our pattern if NATS pattern was broader
			if !MatchPattern(pattern, entry.Key()) {
				continue
			}

			select {
			case ch <- entryToKeyValue(entry):
			default:
				// Channel full
			}
		}
	}
}

// Close shuts down the store. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	return nil
}
