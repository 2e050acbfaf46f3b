package mesh

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator failures for callers that branch on
// failure class rather than message text.
type ErrorKind string

// Protocol error kinds.
const (
	KindInvalidMessage  ErrorKind = "invalid_message"
	KindVersionMismatch ErrorKind = "version_mismatch"
	KindExpiredMessage  ErrorKind = "expired_message"
	KindChecksumFailed  ErrorKind = "checksum_failed"
	KindSendTimeout     ErrorKind = "send_timeout"
)

// Workflow error kinds.
const (
	KindUnknownWorkflow ErrorKind = "unknown_workflow"
	KindCyclicWorkflow  ErrorKind = "cyclic_workflow"
	KindUnmetDependency ErrorKind = "unmet_dependency"
	KindStepTimeout     ErrorKind = "step_timeout"
	KindRetryExhausted  ErrorKind = "retry_exhausted"
)

// Router error kinds.
const (
	KindNoCandidateWorker ErrorKind = "no_candidate_worker"
	KindTaskTimeout       ErrorKind = "task_timeout"
	KindWorkerOffline     ErrorKind = "worker_offline"
)

// Collaborator error kinds.
const (
	KindPersistenceUnavailable ErrorKind = "persistence_unavailable"
)

// Error carries a failure kind alongside the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded error. err may be nil when the kind says enough.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err's chain, or "" when untyped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
