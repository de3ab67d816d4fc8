// Package shutdown coordinates graceful node shutdown.
//
// # Overview
//
// A singleton node owns workers that other nodes are watching. Stopping the
// node in the right order lets those watchers take over quickly: watchdogs
// stop first so nothing re-elects locally, then workers stop with reason
// shutdown so every peer sees a Down and elects a new owner, then lease
// renewal stops and the transport closes.
//
//	SIGTERM / SIGINT / Shutdown()
//	            │
//	            ▼
//	┌────────────────────────────────────────────────────────┐
//	│ phase 10  watchdogs     stop re-election                │
//	│ phase 20  workers       Down(shutdown) + release claim  │
//	│ phase 30  registry      stop lease renewal              │
//	│ phase 40  transport     close bus, store, connections   │
//	│ phase 50  telemetry     flush spans                     │
//	└────────────────────────────────────────────────────────┘
//
// Handlers in the same phase run concurrently. Lower phases run first.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Logger: logger})
//	coord.HandleSignals()
//
//	coord.RegisterFuncWithPhase("workers", host.StopAll, shutdown.PhaseWorkers)
//	coord.RegisterFuncWithPhase("bus", func(ctx context.Context) error {
//		return b.Close()
//	}, shutdown.PhaseTransport)
//
//	<-coord.Done()
//
// # Errors
//
// With ContinueOnError set, a failing handler does not stop later phases.
// The overall error matches ErrHandlerFailed and wraps each handler error.
package shutdown
