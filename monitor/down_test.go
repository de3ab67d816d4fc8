package monitor

import (
	"fmt"
	"testing"
	"time"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/registry"
)

func TestReason_IsNormal(t *testing.T) {
	tests := []struct {
		reason Reason
		want   bool
	}{
		{ReasonNormal, true},
		{ReasonShutdown, false},
		{ReasonCrash, false},
		{ReasonPanic, false},
		{ReasonKilled, false},
		{ReasonNoConnection, false},
		{ReasonNoProc, false},
		{ReasonSpawnFailed, false},
		{Reason("whatever"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsNormal(); got != tt.want {
				t.Errorf("IsNormal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("scheduler"); got != "singleton.down.scheduler" {
		t.Errorf("Subject() = %q", got)
	}
}

func TestDown_CarriesErrorAcrossNodes(t *testing.T) {
	d := Down{
		Handle: registry.Handle{ID: "h1", Name: "cron", Node: "node-a"},
		Reason: ReasonCrash,
		Error:  skerrors.WorkerCrashed("cron", fmt.Errorf("exit status 3"), skerrors.WithNode("node-a")),
		At:     time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}

	data, err := d.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := UnmarshalDown(data)
	if err != nil {
		t.Fatalf("UnmarshalDown failed: %v", err)
	}

	if got.Handle != d.Handle || got.Reason != ReasonCrash || !got.At.Equal(d.At) {
		t.Errorf("unexpected down %+v", got)
	}
	if got.Error == nil || got.Error.Code() != skerrors.ErrCodeWorkerCrashed || got.Error.Node() != "node-a" {
		t.Errorf("error lost in transit: %v", got.Error)
	}
}

func TestDown_NormalHasNoError(t *testing.T) {
	d := Down{Handle: registry.Handle{ID: "h1", Name: "cron"}, Reason: ReasonNormal}
	data, _ := d.Marshal()
	got, err := UnmarshalDown(data)
	if err != nil {
		t.Fatalf("UnmarshalDown failed: %v", err)
	}
	if got.Error != nil {
		t.Errorf("expected nil error, got %v", got.Error)
	}
}

func TestDown_Err(t *testing.T) {
	if err := (Down{Reason: ReasonNormal}).Err(); err != nil {
		t.Errorf("Err() = %v, want a nil interface", err)
	}

	crash := skerrors.WorkerCrashed("cron", fmt.Errorf("exit status 1"))
	err := Down{Reason: ReasonCrash, Error: crash}.Err()
	if err == nil || !skerrors.Is(err, skerrors.ErrCodeWorkerCrashed) {
		t.Errorf("Err() = %v, want WORKER_CRASHED", err)
	}
}

func TestUnmarshalDown_Invalid(t *testing.T) {
	if _, err := UnmarshalDown([]byte("not json")); err == nil {
		t.Error("expected error")
	}
}
