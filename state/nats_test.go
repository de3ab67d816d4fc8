//go:build integration

package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// getNATSURL returns the NATS URL from environment or default.
func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

// newTestNATSStore creates a NATSStore on a fresh bucket.
func newTestNATSStore(t *testing.T, bucket string) *NATSStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	store, err := NewNATSStore(NATSStoreConfig{
		Conn:   conn,
		Bucket: bucket,
	})
	if err != nil {
		conn.Close()
		t.Fatalf("NewNATSStore failed: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.js.DeleteKeyValue(ctx, bucket)
		store.Close()
		conn.Close()
	})

	return store
}

func TestNATSStore_Get_NotFound(t *testing.T) {
	s := newTestNATSStore(t, "test-get-notfound")

	if _, err := s.Get("nonexistent"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNATSStore_CreateConflict(t *testing.T) {
	s := newTestNATSStore(t, "test-create")

	rev, err := s.Create("singleton.cron", []byte("a"), 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rev == 0 {
		t.Error("expected non-zero revision")
	}
	if _, err := s.Create("singleton.cron", []byte("b"), 0); err != ErrKeyExists {
		t.Errorf("expected ErrKeyExists, got %v", err)
	}
}

func TestNATSStore_UpdateAndDeleteRevision(t *testing.T) {
	s := newTestNATSStore(t, "test-cas")

	rev, _ := s.Create("singleton.cron", []byte("a"), 0)
	next, err := s.Update("singleton.cron", []byte("b"), rev, 0)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := s.Update("singleton.cron", []byte("c"), rev, 0); err != ErrRevisionMismatch {
		t.Errorf("expected ErrRevisionMismatch, got %v", err)
	}
	if err := s.DeleteRevision("singleton.cron", rev); err != ErrRevisionMismatch {
		t.Errorf("expected ErrRevisionMismatch, got %v", err)
	}
	if err := s.DeleteRevision("singleton.cron", next); err != nil {
		t.Fatalf("DeleteRevision failed: %v", err)
	}
	if _, err := s.Get("singleton.cron"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// A deleted key can be created again.
	if _, err := s.Create("singleton.cron", []byte("d"), 0); err != nil {
		t.Errorf("Create after delete failed: %v", err)
	}
}

func TestNATSStore_Watch(t *testing.T) {
	s := newTestNATSStore(t, "test-watch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "singleton.*")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	s.Put("singleton.cron", []byte("a"), 0)

	select {
	case kv := <-ch:
		if kv.Key != "singleton.cron" || kv.Operation != OpPut {
			t.Errorf("unexpected event %+v", kv)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestNATSStore_Keys(t *testing.T) {
	s := newTestNATSStore(t, "test-keys")

	s.Put("singleton.a", []byte("1"), 0)
	s.Put("singleton.b", []byte("2"), 0)
	s.Put("other.c", []byte("3"), 0)

	keys, err := s.Keys("singleton.*")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %v", keys)
	}
}
