package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, its code and category are kept.
// Otherwise a new Internal error (or Timeout/Canceled for context errors) wraps the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		wrapped := &Error{
			code:      se.code,
			category:  se.category,
			message:   message,
			cause:     err,
			metadata:  se.Metadata(),
			retryable: se.retryable,
			timestamp: se.timestamp,
			name:      se.name,
			node:      se.node,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsSingletonError extracts a SingletonError from an error chain.
// Returns nil if none is found.
func AsSingletonError(err error) SingletonError {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Is checks if the outermost *Error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.code == code
	}
	return false
}

// IsCategory checks if the outermost *Error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are not.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
