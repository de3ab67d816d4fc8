package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidTTL       = errors.New("invalid TTL")
)

// Operation represents the type of change to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted or expired.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value. Nil for deletes.
	Value []byte

	// Revision is a monotonic version number.
	Revision uint64

	// Operation indicates the type of change.
	Operation Operation

	// Created is when the key was first created.
	Created time.Time

	// Modified is when the key was last modified.
	Modified time.Time
}

// Store provides key-value storage with TTL, conditional writes and watches.
// Create, Update and DeleteRevision are the atomic primitives the claim
// registry is built on.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetKeyValue retrieves the full KeyValue entry.
	// Returns ErrNotFound if the key does not exist.
	GetKeyValue(key string) (*KeyValue, error)

	// Create stores a value only if the key does not exist.
	// Returns ErrKeyExists otherwise.
	Create(key string, value []byte, ttl time.Duration) (uint64, error)

	// Update replaces a value only if its current revision is rev.
	// Returns ErrRevisionMismatch (or ErrNotFound) otherwise.
	Update(key string, value []byte, rev uint64, ttl time.Duration) (uint64, error)

	// Put stores a value unconditionally.
	// If ttl is 0, the key never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(key string) error

	// DeleteRevision removes a key only if its current revision is rev.
	// Returns ErrRevisionMismatch otherwise, nil if the key does not exist.
	DeleteRevision(key string, rev uint64) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "singleton.*").
	Keys(pattern string) ([]string, error)

	// Watch streams changes to keys matching a pattern until ctx is done.
	// The channel is closed when the watch ends or the store closes.
	Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, " ") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "singleton.*" matches "singleton.cron").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
