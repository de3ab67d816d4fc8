// Package registry provides cluster-wide claim-or-get registration of
// singleton names.
//
// # Overview
//
// A claim records which worker handle currently owns a singleton name.
// ClaimOrGet either creates the claim (and spawns the worker locally) or
// returns the handle already registered. Claims carry a lease deadline that
// the owning node renews; a claim past its deadline is taken over by the
// next node that asks.
//
// # Backends
//
//   - StoreBackend: any state.Store (NATS JetStream KV, in-memory)
//   - RedisBackend: Redis SET NX plus Lua compare-and-set
//
// # Usage
//
//	reg, _ := registry.New(registry.Config{
//	    Backend: registry.NewStoreBackend(store, ""),
//	    Spawner: host,
//	    NodeID:  "node-a",
//	})
//	defer reg.Close()
//
//	h, role, err := reg.ClaimOrGet(ctx, "scheduler", registry.Factory{Kind: "exec", Args: []string{"/usr/bin/cron-runner"}})
//	switch {
//	case err != nil:
//	    // backend unreachable, bad name, spawn failed
//	case role == registry.RoleOwner:
//	    // h runs here
//	default:
//	    // h runs on h.Node
//	}
//
// The worker host calls Release when a worker exits so followers can claim
// the name without waiting for the lease to run out.
package registry
