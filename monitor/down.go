package monitor

import (
	"encoding/json"
	"time"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/registry"
)

// Reason classifies why a watched worker is gone.
type Reason string

const (
	// ReasonNormal is a graceful exit. It is the only reason that ends the
	// watchdogs following the worker.
	ReasonNormal Reason = "normal"

	// ReasonShutdown means the hosting node is stopping. Abnormal, so the
	// singleton moves to another node.
	ReasonShutdown Reason = "shutdown"

	// ReasonCrash means the worker returned an error or exited non-zero.
	ReasonCrash Reason = "crash"

	// ReasonPanic means the worker panicked.
	ReasonPanic Reason = "panic"

	// ReasonKilled means the worker was killed, typically after its lease was lost.
	ReasonKilled Reason = "killed"

	// ReasonNoConnection means the owner stopped renewing its claim or the
	// claim vanished without a notification.
	ReasonNoConnection Reason = "noconnection"

	// ReasonNoProc means the handle was already gone, or replaced, when checked.
	ReasonNoProc Reason = "noproc"

	// ReasonSpawnFailed means the worker never started.
	ReasonSpawnFailed Reason = "spawn_failed"
)

// IsNormal reports whether r ends the watchdogs instead of triggering re-election.
func (r Reason) IsNormal() bool {
	return r == ReasonNormal
}

// SubjectPrefix is the bus subject prefix for Down notifications.
const SubjectPrefix = "singleton.down."

// Subject returns the bus subject Down notifications for name travel on.
func Subject(name string) string {
	return SubjectPrefix + name
}

// Down reports that a worker handle has terminated.
type Down struct {
	Handle registry.Handle `json:"handle"`
	Reason Reason          `json:"reason"`
	Error  *skerrors.Error `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

// Err returns the failure carried by d as an error, or nil.
func (d Down) Err() error {
	if d.Error == nil {
		return nil
	}
	return d.Error
}

// Marshal serializes a Down notification to JSON.
func (d Down) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDown deserializes a Down notification.
func UnmarshalDown(data []byte) (Down, error) {
	var d Down
	if err := json.Unmarshal(data, &d); err != nil {
		return Down{}, err
	}
	return d, nil
}
