// Package watchdog keeps exactly one instance of a worker running across a
// cluster.
//
// Every node runs a Watchdog for the same singleton name. Each one claims
// the name through an Elector; the winner's registry starts the worker and
// the watchdog becomes its owner, the others follow the winner's handle.
// All of them watch that handle through a Monitor:
//
//	w, err := watchdog.New(watchdog.Spec{
//	    Name:    "scheduler",
//	    Factory: registry.Factory{Kind: "exec", Args: []string{"/usr/bin/scheduler"}},
//	}, watchdog.Config{
//	    Elector: reg,
//	    Monitor: facility,
//	})
//	if err != nil {
//	    return err
//	}
//	return w.Run(ctx)
//
// When the watched worker exits normally every watchdog stops. Any other
// exit sends each watchdog back to the election after a random delay in
// [JitterMin, JitterMax], so followers do not stampede the registry.
//
// Only the first election can fail Run: its error comes back as a
// FATAL_INIT error. Later election errors are logged and retried.
package watchdog
