// Package errors provides the structured error taxonomy used by regsync.
//
// Every failure the registry surfaces or logs carries a code, a category and
// optional context (canonical key, operation, metadata) so callers can decide
// whether to retry, drop or report it.
//
// # Error Categories
//
//   - Transient: the backend may recover (connect refused, task failure, backup I/O)
//   - Permanent: retry will not help (registry closed, malformed URL, exhausted budget)
//   - Internal: bugs and recovered panics
//
// # Error Codes
//
//   - CONNECT: connecting to the coordination backend failed
//   - TASK: a register/deregister/subscribe/unsubscribe call failed
//   - BACKUP_IO: writing or reading a local backup failed
//   - CLOSED: the operation lost a race against Close
//   - RETRY_EXHAUSTED: a bounded retry budget was used up
//
// # Usage
//
//	err := errors.TaskFailed("register", key, cause)
//
//	if errors.Is(err, errors.ErrCodeClosed) {
//	    // registry shut down underneath us
//	}
//
// Errors compare by code under the standard library's errors.Is, so a
// sentinel such as registry.ErrClosed matches any CLOSED error:
//
//	_, err := reg.Register(u).Wait(ctx)
//	if stderrors.Is(err, registry.ErrClosed) { ... }
package errors
