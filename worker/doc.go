// Package worker hosts the singleton workers a node owns.
//
// A Host maps factory kinds to worker functions, starts one goroutine per
// spawned handle and reports every exit as a monitor.Down to its exit hooks:
//
//	host := worker.NewHost(worker.Config{Node: nodeID})
//	host.Register("reindex", func(ctx context.Context, args []string) error {
//	    return reindexLoop(ctx)
//	})
//	host.OnExit(func(d monitor.Down) {
//	    publisher.Publish(d)
//	    reg.Release(context.Background(), d.Handle)
//	})
//
// Exit classification:
//
//   - the worker returns nil: normal
//   - the worker returns an error: crash, with a WORKER_CRASHED error
//   - the worker panics: panic, with a PANIC error
//   - Stop: normal
//   - StopAll: shutdown
//   - Kill: killed, with a LEASE_LOST error
//
// The built-in "exec" kind runs an external command; exit status 0 is a
// graceful exit.
package worker
