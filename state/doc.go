// Package state provides the key-value store singleton claims live in.
//
// The Store interface offers plain reads and writes plus the conditional
// primitives needed for cluster-wide registration: Create (put if absent),
// Update (compare-and-swap on revision) and DeleteRevision (compare-and-delete).
//
// # Backends
//
//   - NATSStore: NATS JetStream KV (production)
//   - MemoryStore: in-process map with TTL expiry (tests, single node)
//
// # Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{
//	    Conn:   nc,
//	    Bucket: "singletons",
//	})
//
//	rev, err := store.Create("singleton.scheduler", claim, 0)
//	if err == state.ErrKeyExists {
//	    // someone else owns it
//	}
//	_, err = store.Update("singleton.scheduler", renewed, rev, 0)
//
//	ch, _ := store.Watch(ctx, "singleton.*")
//	for kv := range ch {
//	    fmt.Printf("%s %s\n", kv.Operation, kv.Key)
//	}
package state
