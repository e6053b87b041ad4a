package sandbox

import "fmt"

// Kind classifies why a run did not produce a normal outcome.
type Kind int

// Run error kinds
const (
	KindInternal Kind = iota
	KindValidation
	KindWorkspace
	KindConnection
	KindImagePull
	KindRuntime
	KindDaemon
	KindTimeout
	KindWait
)

// String returns the kind's metrics label.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "rejected"
	case KindWorkspace:
		return "workspace_error"
	case KindConnection:
		return "connection_error"
	case KindImagePull:
		return "image_error"
	case KindRuntime:
		return "runtime_error"
	case KindDaemon:
		return "daemon_error"
	case KindTimeout:
		return "timeout"
	case KindWait:
		return "wait_error"
	default:
		return "internal_error"
	}
}

// RunError is the failure variant threaded through each step of a run.
// Msg is the text surfaced in Result.Error.
type RunError struct {
	Kind Kind
	Msg  string
	Err  error
}

func newRunError(kind Kind, err error, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *RunError) Error() string {
	return e.Msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}
