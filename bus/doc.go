// Package bus provides the pub/sub transport worker exit notifications
// travel over.
//
// # Available Implementations
//
//   - NATSBus: production messaging using NATS core pub/sub
//   - RedisBus: Redis pub/sub, for clusters that keep claims in Redis
//   - MemoryBus: in-process fan-out for tests and single-node setups
//
// Delivery is at-most-once. Consumers that cannot afford to miss a message
// (the monitor facility) pair the subscription with a polling fallback.
//
//	sub, _ := b.Subscribe("singleton.down.scheduler")
//	defer sub.Unsubscribe()
//	for msg := range sub.Messages() {
//	    // decode msg.Data
//	}
package bus
