// Package metrics exposes watchdog counters and gauges.
//
// Components take a Recorder; NoopRecorder is used when metrics are off and
// PrometheusRecorder exports them under the "singleton" namespace:
//
//	singleton_elections_total{name,outcome}
//	singleton_worker_down_total{name,reason}
//	singleton_role{name,role}
//	singleton_reelect_delay_seconds{name}
//	singleton_stale_down_total{name}
package metrics
