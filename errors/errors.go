package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// SingletonError is the interface for all structured errors in singletonkit.
// It extends the standard error interface with the context a watchdog needs
// to decide between retrying and giving up.
type SingletonError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of SingletonError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	name      string // singleton name, if applicable
	node      string // reporting node, if applicable
}

var (
	_ SingletonError   = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Name returns the singleton name, if set.
func (e *Error) Name() string {
	return e.name
}

// Node returns the reporting node ID, if set.
func (e *Error) Node() string {
	return e.node
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	Name      string            `json:"name,omitempty"`
	Node      string            `json:"node,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Name:      e.name,
		Node:      e.node,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
// The cause survives only as text.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.name = j.Name
	e.node = j.Node
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithName sets the singleton name the error relates to.
func WithName(name string) Option {
	return func(e *Error) {
		e.name = name
	}
}

// WithNode sets the node that reported the error.
func WithNode(node string) Option {
	return func(e *Error) {
		e.node = node
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Unavailable creates an error for an unreachable collaborator.
func Unavailable(message string, opts ...Option) *Error {
	return New(ErrCodeUnavailable, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// FatalInit creates the error a watchdog returns when its first election
// cannot be evaluated.
func FatalInit(name string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithName(name), WithCause(cause)}, opts...)
	return New(ErrCodeFatalInit, fmt.Sprintf("singleton %s: initial election failed", name), opts...)
}

// SpawnFailed creates an error for a worker that could not be started.
func SpawnFailed(name string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithName(name), WithCause(cause)}, opts...)
	return New(ErrCodeSpawnFailed, fmt.Sprintf("singleton %s: spawn failed", name), opts...)
}

// WorkerCrashed creates an error describing an abnormal worker exit.
func WorkerCrashed(name string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithName(name), WithCause(cause)}, opts...)
	return New(ErrCodeWorkerCrashed, fmt.Sprintf("singleton %s: worker crashed", name), opts...)
}

// LeaseLost creates an error for a claim whose lease could not be renewed.
func LeaseLost(name string, opts ...Option) *Error {
	opts = append([]Option{WithName(name)}, opts...)
	return New(ErrCodeLeaseLost, fmt.Sprintf("singleton %s: lease lost", name), opts...)
}
