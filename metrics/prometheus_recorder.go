package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// roles is every value SetRole exports; the current one is 1, the rest 0.
var roles = []string{"electing", "owner", "follower", "stopped", "fatal"}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once         sync.Once
	elections    *prom.CounterVec
	workerDowns  *prom.CounterVec
	role         *prom.GaugeVec
	reelectDelay *prom.HistogramVec
	staleDowns   *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the watchdog metrics.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.elections = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "singleton",
			Name:      "elections_total",
			Help:      "Election attempts by singleton and outcome",
		}, []string{"name", "outcome"})
		pr.workerDowns = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "singleton",
			Name:      "worker_down_total",
			Help:      "Watched worker terminations by singleton and reason",
		}, []string{"name", "reason"})
		pr.role = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "singleton",
			Name:      "role",
			Help:      "Current watchdog state per singleton (1 for the active state)",
		}, []string{"name", "role"})
		pr.reelectDelay = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "singleton",
			Name:      "reelect_delay_seconds",
			Help:      "Jittered delay before re-election",
			Buckets:   []float64{1, 2, 5, 7.5, 10, 15, 30},
		}, []string{"name"})
		pr.staleDowns = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "singleton",
			Name:      "stale_down_total",
			Help:      "Down notifications ignored because they named an old handle",
		}, []string{"name"})
		reg.MustRegister(pr.elections, pr.workerDowns, pr.role, pr.reelectDelay, pr.staleDowns)
	})
	return pr
}

func (p *PrometheusRecorder) IncElection(name string, outcome Outcome) {
	if p == nil || p.elections == nil {
		return
	}
	p.elections.WithLabelValues(name, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncWorkerDown(name, reason string) {
	if p == nil || p.workerDowns == nil {
		return
	}
	p.workerDowns.WithLabelValues(name, reason).Inc()
}

func (p *PrometheusRecorder) SetRole(name, role string) {
	if p == nil || p.role == nil {
		return
	}
	for _, r := range roles {
		v := 0.0
		if r == role {
			v = 1
		}
		p.role.WithLabelValues(name, r).Set(v)
	}
}

func (p *PrometheusRecorder) ObserveReelectDelay(name string, d time.Duration) {
	if p == nil || p.reelectDelay == nil {
		return
	}
	p.reelectDelay.WithLabelValues(name).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStaleDown(name string) {
	if p == nil || p.staleDowns == nil {
		return
	}
	p.staleDowns.WithLabelValues(name).Inc()
}
