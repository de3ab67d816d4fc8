package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "operation timed out", CategoryTransient},
		{"lease_lost", ErrCodeLeaseLost, "lease lost", CategoryTransient},
		{"worker_crashed", ErrCodeWorkerCrashed, "boom", CategoryTransient},
		{"not_found", ErrCodeNotFound, "claim not found", CategoryPermanent},
		{"fatal_init", ErrCodeFatalInit, "bad declaration", CategoryPermanent},
		{"spawn_failed", ErrCodeSpawnFailed, "no such factory", CategoryPermanent},
		{"internal", ErrCodeInternal, "internal error", CategoryInternal},
		{"unknown code", ErrorCode("WHATEVER"), "odd", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeNotFound, "singleton %s not claimed", "scheduler")
	want := "singleton scheduler not claimed"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeLeaseLost, WithMetadata("key", "singleton.scheduler"))
	if err.Error() != "claim lease lost" {
		t.Errorf("Error() = %v, want default description", err.Error())
	}
	if err.Metadata()["key"] != "singleton.scheduler" {
		t.Error("expected metadata 'key' to be set")
	}
}

func TestDescription_Unknown(t *testing.T) {
	if got := ErrorCode("NOPE").Description(); got != "unknown error" {
		t.Errorf("Description() = %q, want 'unknown error'", got)
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		wantRetry bool
	}{
		{"timeout is retryable", ErrCodeTimeout, true},
		{"unavailable is retryable", ErrCodeUnavailable, true},
		{"lease_lost is retryable", ErrCodeLeaseLost, true},
		{"worker_crashed is retryable", ErrCodeWorkerCrashed, true},
		{"fatal_init is not retryable", ErrCodeFatalInit, false},
		{"invalid_input is not retryable", ErrCodeInvalidInput, false},
		{"internal is not retryable", ErrCodeInternal, false},
		{"panic is not retryable", ErrCodePanic, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "test")
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if tt.code.DefaultRetryable() != tt.wantRetry {
				t.Errorf("DefaultRetryable() = %v, want %v", tt.code.DefaultRetryable(), tt.wantRetry)
			}
		})
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeUnavailable, "registry gone for good", WithRetryable(false))
	if err.Retryable() {
		t.Error("expected error to be non-retryable after override")
	}

	err2 := New(ErrCodeNotFound, "maybe later", WithRetryable(true))
	if !err2.Retryable() {
		t.Error("expected error to be retryable after override")
	}
}

func TestWithCategory(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithCategory(CategoryTransient))
	if !err.Retryable() {
		t.Error("category override should drive retryability")
	}
}

// ============================================================================
// 3. Domain constructors
// ============================================================================

func TestFatalInit(t *testing.T) {
	cause := fmt.Errorf("registry unreachable")
	err := FatalInit("scheduler", cause, WithNode("node-a"))

	if err.Code() != ErrCodeFatalInit {
		t.Errorf("Code() = %v, want FATAL_INIT", err.Code())
	}
	if err.Name() != "scheduler" {
		t.Errorf("Name() = %q, want scheduler", err.Name())
	}
	if err.Node() != "node-a" {
		t.Errorf("Node() = %q, want node-a", err.Node())
	}
	if !errors.Is(err, cause) {
		t.Error("FatalInit should wrap its cause")
	}
	want := "singleton scheduler: initial election failed: registry unreachable"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDomainConstructors(t *testing.T) {
	cause := fmt.Errorf("exit status 2")
	tests := []struct {
		name string
		err  *Error
		code ErrorCode
	}{
		{"spawn failed", SpawnFailed("cron", cause), ErrCodeSpawnFailed},
		{"worker crashed", WorkerCrashed("cron", cause), ErrCodeWorkerCrashed},
		{"lease lost", LeaseLost("cron"), ErrCodeLeaseLost},
		{"invalid input", InvalidInput("bad"), ErrCodeInvalidInput},
		{"unavailable", Unavailable("down"), ErrCodeUnavailable},
		{"internal", Internal("bug"), ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", tt.err.Code(), tt.code)
			}
		})
	}
}

// ============================================================================
// 4. Wrapping and inspection
// ============================================================================

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "ctx") != nil {
		t.Error("WrapWithCode(nil) should return nil")
	}
}

func TestWrap_PreservesCode(t *testing.T) {
	inner := LeaseLost("scheduler", WithMetadata("revision", "7"))
	wrapped := Wrap(inner, "renewing claim")

	if wrapped.Code() != ErrCodeLeaseLost {
		t.Errorf("Code() = %v, want LEASE_LOST", wrapped.Code())
	}
	if wrapped.Name() != "scheduler" {
		t.Errorf("Name() = %q, want scheduler", wrapped.Name())
	}
	if wrapped.Metadata()["revision"] != "7" {
		t.Error("metadata should be preserved")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error should unwrap to inner")
	}
}

func TestWrap_ContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "claim").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline exceeded code = %v, want TIMEOUT", got)
	}
	if got := Wrap(context.Canceled, "claim").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled code = %v, want CANCELED", got)
	}
	if got := Wrap(fmt.Errorf("plain"), "claim").Code(); got != ErrCodeInternal {
		t.Errorf("plain error code = %v, want INTERNAL", got)
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(fmt.Errorf("dial tcp"), "claim %s", "scheduler")
	if err.Error() != "claim scheduler: dial tcp" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestInspectionHelpers(t *testing.T) {
	transient := fmt.Errorf("outer: %w", Unavailable("nats down"))
	permanent := InvalidInput("empty name")
	plain := fmt.Errorf("plain")

	if !IsTransient(transient) || IsPermanent(transient) {
		t.Error("expected transient classification through fmt wrapping")
	}
	if !IsPermanent(permanent) {
		t.Error("expected permanent classification")
	}
	if !IsRetryable(transient) || IsRetryable(permanent) || IsRetryable(plain) {
		t.Error("unexpected retryability")
	}
	if Code(transient) != ErrCodeUnavailable || Code(plain) != "" {
		t.Error("unexpected Code() result")
	}
	if !Is(transient, ErrCodeUnavailable) || Is(plain, ErrCodeUnavailable) {
		t.Error("unexpected Is() result")
	}
	if AsSingletonError(plain) != nil || AsSingletonError(permanent) == nil {
		t.Error("unexpected AsSingletonError() result")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	err := Wrap(Wrap(root, "mid"), "top")
	if Cause(err) != root {
		t.Errorf("Cause() = %v, want root", Cause(err))
	}
}

func TestJoin(t *testing.T) {
	if Join(nil, nil) != nil {
		t.Error("Join of nils should be nil")
	}
	a, b := fmt.Errorf("a"), fmt.Errorf("b")
	j := Join(a, b)
	if !errors.Is(j, a) || !errors.Is(j, b) {
		t.Error("Join should contain both errors")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should return nil")
	}

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"string", "boom", "boom"},
		{"error", fmt.Errorf("bad"), "bad"},
		{"int", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RecoverPanic(tt.value)
			if err.Code() != ErrCodePanic {
				t.Errorf("Code() = %v, want PANIC", err.Code())
			}
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

// ============================================================================
// 5. JSON round trip across nodes
// ============================================================================

func TestJSON_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	orig := WorkerCrashed("scheduler", fmt.Errorf("exit status 1"),
		WithNode("node-b"),
		WithMetadata("handle", "h-1"),
		WithTimestamp(ts),
	)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if got.Code() != ErrCodeWorkerCrashed {
		t.Errorf("Code() = %v", got.Code())
	}
	if got.Name() != "scheduler" || got.Node() != "node-b" {
		t.Errorf("Name/Node = %q/%q", got.Name(), got.Node())
	}
	if got.Metadata()["handle"] != "h-1" {
		t.Error("metadata lost in round trip")
	}
	if !got.Retryable() {
		t.Error("retryable flag lost in round trip")
	}
	if !got.Timestamp().Equal(ts) {
		t.Errorf("Timestamp() = %v, want %v", got.Timestamp(), ts)
	}
	if got.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", got.Error(), orig.Error())
	}
}

func TestJSON_InvalidPayload(t *testing.T) {
	var e Error
	if err := json.Unmarshal([]byte(`{"code":`), &e); err == nil {
		t.Error("expected error for truncated JSON")
	}
}
