package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrNodeStart  = errors.New("node failed to start")
	ErrNetworkKey = errors.New("network key rejected")
	ErrNoNode     = errors.New("node not running")
	ErrShutdown   = errors.New("bridge shut down")
	ErrPanic      = errors.New("panic")
)

// Kind classifies a failure by how far it is allowed to propagate.
type Kind int

const (
	KindUnknown Kind = iota
	// KindFatalStartup aborts the process: no stick, dead node or rejected key.
	KindFatalStartup
	// KindDegradedSession leaves one session absent and the bridge running.
	KindDegradedSession
	// KindTransientBroadcast is a failed transmitter update; the next tick retries.
	KindTransientBroadcast
	// KindShutdownCleanup is logged and swallowed during teardown.
	KindShutdownCleanup
	// KindUnhandled escaped the loop and ends the run with a non-zero status.
	KindUnhandled
)

func (k Kind) String() string {
	switch k {
	case KindFatalStartup:
		return "fatal-startup"
	case KindDegradedSession:
		return "degraded-session"
	case KindTransientBroadcast:
		return "transient-broadcast"
	case KindShutdownCleanup:
		return "shutdown-cleanup"
	case KindUnhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind terminate the process.
func (k Kind) Fatal() bool {
	return k == KindFatalStartup || k == KindUnhandled
}

// Error is a bridge failure tagged with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}
