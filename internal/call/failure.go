package call

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification with errors.Is.
var (
	// ErrTransactionRejected indicates the platform denied or timed out a call action.
	ErrTransactionRejected = errors.New("transaction rejected")

	// ErrSDKFailure indicates the vendor SDK reported an error or a command failed.
	ErrSDKFailure = errors.New("sdk failure")

	// ErrInvalidTransition indicates the event is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPersistenceFailure indicates the call store could not be written.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrResourceFailure indicates the audio route or PiP surface could not be acquired.
	ErrResourceFailure = errors.New("resource failure")
)

// FailureKind selects one of the sentinel errors above.
type FailureKind int

const (
	FailureTransactionRejected FailureKind = iota
	FailureSDK
	FailureInvalidTransition
	FailurePersistence
	FailureResource
)

var failureKindNames = []string{
	"transactionRejected", "sdkFailure", "invalidTransition", "persistenceFailure", "resourceFailure",
}

func (k FailureKind) String() string {
	if k >= 0 && int(k) < len(failureKindNames) {
		return failureKindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", int(k))
}

func (k FailureKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *FailureKind) UnmarshalText(b []byte) error {
	for i, name := range failureKindNames {
		if name == string(b) {
			*k = FailureKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown failure kind %q", string(b))
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureTransactionRejected:
		return ErrTransactionRejected
	case FailureSDK:
		return ErrSDKFailure
	case FailureInvalidTransition:
		return ErrInvalidTransition
	case FailurePersistence:
		return ErrPersistenceFailure
	case FailureResource:
		return ErrResourceFailure
	}
	return nil
}

// Failure is the structured error surfaced on snapshots and returned from
// coordinator operations.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`
}

func (f *Failure) Error() string {
	msg := f.Kind.String()
	if f.Reason != "" {
		msg += "(" + f.Reason + ")"
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	return msg
}

// Unwrap makes errors.Is(f, ErrTransactionRejected) and friends work.
func (f *Failure) Unwrap() error { return f.Kind.sentinel() }

func Rejected(reason string) *Failure {
	return &Failure{Kind: FailureTransactionRejected, Reason: reason}
}

func InvalidTransition(from State, event string) *Failure {
	return &Failure{
		Kind:    FailureInvalidTransition,
		Message: fmt.Sprintf("%s not allowed in state %s", event, from),
	}
}

// AsFailure extracts a *Failure from err, if there is one in the chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ErrNoActiveCall is returned by operations that need a record when the call
// slot is empty.
var ErrNoActiveCall = errors.New("no active call")
