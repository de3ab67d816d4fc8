// Package node runs every configured singleton watchdog of one cluster member.
//
// A Node wires the pieces together from a config.Config:
//
//	        ┌──────────── watchdog (one per [[singleton]]) ───────────┐
//	        │ ClaimOrGet                                Watch          │
//	        ▼                                             ▼            │
//	registry.Registry ──Spawn──► worker.Host      monitor.Facility     │
//	        │                        │ OnExit            ▲             │
//	        ▼                        ▼                   │             │
//	claim backend              BusPublisher ──── Down ───┘             │
//	(memory / NATS KV / Redis)   (memory / NATS / Redis bus)           │
//
// When a local worker exits the host publishes its Down, records the exit
// in the claim backend and then releases the claim, so every watcher learns
// how the worker ended before the name is free.
//
// Run starts all watchdogs; Shutdown stops them in phases so that
// workers hand over to other nodes:
//
//	n, err := node.New(ctx, *cfg)
//	n.Register("report", runReport)
//	n.HandleSignals()
//	go n.Run(ctx)
//	<-n.Done()
package node
