package registry

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/singletonkit/state"
)

// DefaultKeyPrefix prefixes every claim key.
const DefaultKeyPrefix = "singleton"

// StoreBackend keeps claims in a state.Store under <prefix>.<name>.
// The store is owned by the caller.
type StoreBackend struct {
	store  state.Store
	prefix string
}

var (
	_ Backend = (*StoreBackend)(nil)
	_ Watcher = (*StoreBackend)(nil)
)

// NewStoreBackend wraps store. An empty prefix means DefaultKeyPrefix.
func NewStoreBackend(store state.Store, prefix string) *StoreBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &StoreBackend{store: store, prefix: prefix}
}

func (b *StoreBackend) key(name string) string {
	return b.prefix + "." + name
}

// Create stores data only if the key is absent.
func (b *StoreBackend) Create(ctx context.Context, name string, data []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := b.store.Create(b.key(name), data, ttl)
	if errors.Is(err, state.ErrKeyExists) {
		return 0, ErrExists
	}
	return rev, err
}

// Get returns the record and its revision.
func (b *StoreBackend) Get(ctx context.Context, name string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	kv, err := b.store.GetKeyValue(b.key(name))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return kv.Value, kv.Revision, nil
}

// Swap replaces the record if it is still at rev.
func (b *StoreBackend) Swap(ctx context.Context, name string, data []byte, rev uint64, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	next, err := b.store.Update(b.key(name), data, rev, ttl)
	switch {
	case errors.Is(err, state.ErrRevisionMismatch):
		return 0, ErrConflict
	case errors.Is(err, state.ErrNotFound):
		return 0, ErrNotFound
	}
	return next, err
}

// Remove deletes the record if it is still at rev.
func (b *StoreBackend) Remove(ctx context.Context, name string, rev uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.store.DeleteRevision(b.key(name), rev)
	if errors.Is(err, state.ErrRevisionMismatch) {
		return ErrConflict
	}
	return err
}

// Watch signals whenever the claim key changes.
func (b *StoreBackend) Watch(ctx context.Context, name string) (<-chan struct{}, error) {
	events, err := b.store.Watch(ctx, b.key(name))
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range events {
			select {
			case out <- struct{}{}:
			default:
				// A signal is already pending.
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the store belongs to the caller.
func (b *StoreBackend) Close() error {
	return nil
}
