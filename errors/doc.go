// Package errors provides the structured error taxonomy used across
// singletonkit. Every failure that can reach a watchdog is classified by a
// code and a category so the state machine can tell a configuration problem
// (stop and report) from a cluster hiccup (wait and re-elect).
//
// # Error Categories
//
//   - Transient: the registry was unreachable, a worker crashed, a lease was lost
//   - Permanent: a malformed name, an unknown worker factory, a failed first election
//   - Internal: corrupted claims, recovered panics, bugs
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeInvalidInput, "singleton name is empty")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "claiming scheduler")
//
// The only error a watchdog returns to its caller is FATAL_INIT:
//
//	if errors.Is(err, errors.ErrCodeFatalInit) {
//	    // configuration problem, do not restart
//	}
//
// # JSON Serialization
//
// Errors serialize to JSON so a worker failure on one node can travel inside
// a Down notification to followers on other nodes.
package errors
