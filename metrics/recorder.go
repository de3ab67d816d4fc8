package metrics

import "time"

// Outcome labels election results.
type Outcome string

const (
	OutcomeOwner    Outcome = "owner"
	OutcomeFollower Outcome = "follower"
	OutcomeError    Outcome = "error"
	OutcomeFatal    Outcome = "fatal"
)

// Recorder defines observability hooks for watchdogs. Implementations may
// forward to Prometheus or elsewhere. NoopRecorder is the default when
// metrics are not configured.
type Recorder interface {
	IncElection(name string, outcome Outcome)
	IncWorkerDown(name, reason string)
	SetRole(name, role string)
	ObserveReelectDelay(name string, d time.Duration)
	IncStaleDown(name string)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncElection(string, Outcome)               {}
func (NoopRecorder) IncWorkerDown(string, string)              {}
func (NoopRecorder) SetRole(string, string)                    {}
func (NoopRecorder) ObserveReelectDelay(string, time.Duration) {}
func (NoopRecorder) IncStaleDown(string)                       {}
