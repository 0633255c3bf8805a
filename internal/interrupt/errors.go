package interrupt

import "errors"

// Messages surfaced to callers. Some clients compare these verbatim.
const (
	PendingQueryInterruptedMsg = "Query execution has been interrupted (pending query)"
	RunningQueryInterruptedMsg = "Query execution has been interrupted"
)

// Kind distinguishes where an entry was when the interrupt was observed.
type Kind int

const (
	KindPending Kind = iota + 1
	KindRunning
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending_query_interrupted"
	case KindRunning:
		return "running_query_interrupted"
	default:
		return "unknown"
	}
}

// Error is returned when a cooperative interrupt check observes the session flag.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrPendingQueryInterrupted = &Error{Kind: KindPending, msg: PendingQueryInterruptedMsg}
	ErrRunningQueryInterrupted = &Error{Kind: KindRunning, msg: RunningQueryInterruptedMsg}
)

// KindOf reports the interrupt kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}
