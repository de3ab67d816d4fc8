package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: registry unreachable, worker crash, lease lost.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed singleton declaration, unknown worker factory.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for common failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout       ErrorCode = "TIMEOUT"        // Operation timed out
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"    // Registry or bus temporarily unavailable
	ErrCodeNetworkErr    ErrorCode = "NETWORK_ERR"    // Network connectivity issue
	ErrCodeLeaseLost     ErrorCode = "LEASE_LOST"     // Claim lease taken over or expired
	ErrCodeWorkerCrashed ErrorCode = "WORKER_CRASHED" // Worker returned an error

	// Permanent errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Claim or handle does not exist
	ErrCodeConflict      ErrorCode = "CONFLICT"       // Compare-and-swap lost to another writer
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed name, factory or config
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Handle already running
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"    // Unknown factory kind or backend
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled
	ErrCodeSpawnFailed   ErrorCode = "SPAWN_FAILED"   // Worker could not be started
	ErrCodeFatalInit     ErrorCode = "FATAL_INIT"     // First election could not be evaluated

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored claim could not be decoded
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeLeaseLost, ErrCodeWorkerCrashed:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeAlreadyExists,
		ErrCodeUnsupported, ErrCodeCanceled, ErrCodeSpawnFailed, ErrCodeFatalInit:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeUnavailable:   "service temporarily unavailable",
	ErrCodeNetworkErr:    "network connectivity error",
	ErrCodeLeaseLost:     "claim lease lost",
	ErrCodeWorkerCrashed: "worker crashed",
	ErrCodeNotFound:      "not found",
	ErrCodeConflict:      "conflicting update",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodeAlreadyExists: "already exists",
	ErrCodeUnsupported:   "operation not supported",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeSpawnFailed:   "worker spawn failed",
	ErrCodeFatalInit:     "singleton initialization failed",
	ErrCodeInternal:      "internal error",
	ErrCodeCorruption:    "data corruption detected",
	ErrCodePanic:         "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
