package proc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures that abort a whole unwind call.
// Failures that only affect one frame are never reported as errors.
type ErrorKind uint8

const (
	// UnwindInitFailed means the initial register context could not be
	// captured or the unwinding state could not be created.
	UnwindInitFailed ErrorKind = iota + 1
	// DebugInfoInitFailed means the module map of the calling process
	// could not be enumerated.
	DebugInfoInitFailed
	// AttachFailed means the target could not be attached (EPERM, ESRCH...).
	AttachFailed
	// WaitFailed means waiting for the attach stop failed.
	WaitFailed
	// UnexpectedProcessState means the target reported something other
	// than a stop after the attach (it exited or was killed).
	UnexpectedProcessState
	// ModuleEnumerationFailed means the module map of the target could not
	// be read.
	ModuleEnumerationFailed
	// LeaseConflict means another lease is held on the same pid.
	LeaseConflict
	// Unsupported means the operation is not available on this platform.
	Unsupported
)

var errorKindNames = [...]string{
	UnwindInitFailed:        "unwind initialization failed",
	DebugInfoInitFailed:     "debug info initialization failed",
	AttachFailed:            "attach failed",
	WaitFailed:              "wait failed",
	UnexpectedProcessState:  "unexpected process state",
	ModuleEnumerationFailed: "module enumeration failed",
	LeaseConflict:           "process already leased",
	Unsupported:             "not supported",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) && errorKindNames[k] != "" {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// Error is the error returned by unwind operations that fail as a whole.
// Use errors.Is with one of the Err* sentinels to test the kind.
type Error struct {
	Kind ErrorKind
	Pid  int    // target process, 0 for local operations
	Op   string // operation that failed, e.g. "attach"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Pid != 0 {
		msg = fmt.Sprintf("pid %d: %s", e.Pid, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels of the same kind: errors.Is(err, ErrAttachFailed)
// is true for every *Error with Kind == AttachFailed.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Pid == 0 && t.Op == "" && t.Err == nil
}

// NewError returns an *Error of the given kind wrapping err.
func NewError(kind ErrorKind, pid int, op string, err error) error {
	return &Error{Kind: kind, Pid: pid, Op: op, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrUnwindInitFailed        = &Error{Kind: UnwindInitFailed}
	ErrDebugInfoInitFailed     = &Error{Kind: DebugInfoInitFailed}
	ErrAttachFailed            = &Error{Kind: AttachFailed}
	ErrWaitFailed              = &Error{Kind: WaitFailed}
	ErrUnexpectedProcessState  = &Error{Kind: UnexpectedProcessState}
	ErrModuleEnumerationFailed = &Error{Kind: ModuleEnumerationFailed}
	ErrLeaseConflict           = &Error{Kind: LeaseConflict}
	ErrUnsupported             = &Error{Kind: Unsupported}
)

// KindOf returns the kind of the first *Error in err's tree, 0 if there
// is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
