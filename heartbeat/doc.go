// Package heartbeat keeps leases alive.
//
// A Keeper calls a renew function immediately and then on every tick. The
// registry runs one Keeper per claim this node owns; the renew function pushes
// the claim's expiry forward with a compare-and-swap.
//
// Renewal failures fall into two groups:
//
//   - transient (registry unreachable): logged, retried on the next tick
//   - lost (LEASE_LOST or any permanent error): OnLost fires once, the loop ends
//
// # Usage
//
//	k, _ := heartbeat.NewKeeper(heartbeat.Config{
//	    Interval: 5 * time.Second,
//	    Renew:    func(ctx context.Context) error { return reg.renew(ctx, claim) },
//	    OnLost:   func(err error) { host.Kill(handle.ID) },
//	})
//	k.Start(ctx)
//	defer k.Stop()
package heartbeat
