// Package monitor tells watchdogs when a worker handle is gone.
//
// Two signals feed a watch:
//
//   - Down notifications published on singleton.down.<name> by the worker
//     host of the owning node when a worker exits
//   - the claim itself, re-read on every tick (and on every change when the
//     registry can watch): a claim that disappeared, was replaced, or whose
//     lease ran out means the owner node is gone
//
// Each watch delivers at most one Down and then closes its channel.
//
//	f, _ := monitor.NewFacility(monitor.Config{Bus: b, Claims: reg})
//	downs, _ := f.Watch(ctx, handle)
//	d, ok := <-downs
//	if ok && !d.Reason.IsNormal() {
//	    // re-elect
//	}
package monitor
