package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/google/uuid"
)

// Kind is the call action carried by a platform transaction.
type Kind int

const (
	KindStart Kind = iota
	KindAnswer
	KindEnd
	KindHold
	KindDTMF
	// KindReport announces an incoming call to the platform.
	KindReport
)

var kindNames = []string{"start", "answer", "end", "hold", "dtmf", "report"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", int(k))
}

// Reason explains why the platform refused an action.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonUnentitled
	ReasonNoProvider
	ReasonEmptyTransaction
	ReasonUnknownCall
	ReasonDuplicateCall
	ReasonInvalidAction
	ReasonCallGroupLimit
	ReasonTimeout
	// ReasonBusy is the platform's do-not-disturb / filtered-call answer.
	ReasonBusy
)

var reasonNames = []string{
	"unknown", "unentitled", "no-provider", "empty-transaction", "unknown-call",
	"duplicate-call", "invalid-action", "call-group-limit", "timeout", "busy",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Unknown(%d)", int(r))
}

// ParseReason maps a reason name back to its value; unknown names map to ReasonUnknown.
func ParseReason(v string) Reason {
	for i, name := range reasonNames {
		if name == v {
			return Reason(i)
		}
	}
	return ReasonUnknown
}

// Action is one platform transaction.
type Action struct {
	// ID identifies the transaction; CallID the record it acts on.
	ID     uuid.UUID
	CallID uuid.UUID
	Kind   Kind

	Handle string
	Video  bool
	Hold   bool
	Digits string
}

// NewAction creates an action with a fresh transaction id.
func NewAction(kind Kind, callID uuid.UUID) Action {
	return Action{ID: uuid.New(), CallID: callID, Kind: kind}
}

func (a Action) String() string {
	switch a.Kind {
	case KindHold:
		return fmt.Sprintf("hold(%v)", a.Hold)
	case KindDTMF:
		return fmt.Sprintf("dtmf(%s)", a.Digits)
	}
	return a.Kind.String()
}

// Outcome is the single resolution of a transaction.
type Outcome struct {
	Granted bool
	Reason  Reason
}

func Granted() Outcome { return Outcome{Granted: true} }

func Denied(r Reason) Outcome { return Outcome{Reason: r} }

// Err returns nil for a granted outcome and a *RequestError otherwise.
func (o Outcome) Err() error {
	if o.Granted {
		return nil
	}
	return &RequestError{Reason: o.Reason}
}

// RequestError is returned by a Platform that refuses a request.
type RequestError struct {
	Reason Reason
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction denied (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transaction denied (%s)", e.Reason)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ReasonOf classifies err into a platform reason.
func ReasonOf(err error) Reason {
	var re *RequestError
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.As(err, &re):
		return re.Reason
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonTimeout
	case errors.Is(err, call.ErrNoActiveCall):
		return ReasonUnknownCall
	case errors.Is(err, call.ErrInvalidTransition):
		return ReasonInvalidAction
	}
	if f, ok := call.AsFailure(err); ok && f.Kind == call.FailureTransactionRejected {
		return ParseReason(f.Reason)
	}
	return ReasonUnknown
}
