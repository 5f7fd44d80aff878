package executor

import "errors"

var (
	// ErrTimeout reports that the tool process outlived its deadline and
	// was killed.
	ErrTimeout = errors.New("tool execution timed out")

	// ErrCancelled reports that the caller's context was cancelled and the
	// tool process was killed before completing.
	ErrCancelled = errors.New("tool execution cancelled")

	// ErrExecution reports a failed invocation: the process could not be
	// started, exited non-zero, or produced an unusable response.
	ErrExecution = errors.New("tool execution failed")

	// ErrApprovalDenied reports that the approval gate rejected the
	// invocation before any process was started.
	ErrApprovalDenied = errors.New("approval denied")

	// ErrApprovalTimeout reports that no approval decision arrived within
	// the approval window. Distinct from ErrTimeout.
	ErrApprovalTimeout = errors.New("approval timed out")
)
