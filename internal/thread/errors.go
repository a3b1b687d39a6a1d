package thread

import "errors"

var (
	// ErrAuthRequired indicates the caller presented no identity while
	// authentication is required. Applies to every thread-scoped operation
	// including creation.
	ErrAuthRequired = errors.New("authentication required")

	// ErrAccessDenied indicates the caller is not the owner of the thread
	// while user isolation is enabled.
	ErrAccessDenied = errors.New("access denied")

	// ErrCorruptCheckpoint indicates a thread's stored history could not be
	// decoded. The error is scoped to that one thread; other threads and
	// the session itself are unaffected.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrThreadLimit indicates the caller already owns the maximum number
	// of threads allowed by configuration.
	ErrThreadLimit = errors.New("thread limit reached")

	// ErrTooManyRetries indicates an append lost the optimistic-concurrency
	// race repeatedly and gave up. The caller may simply retry.
	ErrTooManyRetries = errors.New("too many concurrent modifications, please retry")

	// ErrInvalidTurn indicates an append with an unknown role or empty
	// content.
	ErrInvalidTurn = errors.New("invalid turn")
)
