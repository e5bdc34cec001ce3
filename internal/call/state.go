package call

import "fmt"

// State is the lifecycle position of a call record.
type State int

const (
	StateIdle State = iota
	StateSettingUp
	StateAlerting
	StateRinging
	StateConnecting
	StateConnected
	StateOnHold
	StateTimedOut
	StateBusy
	StateNotFound
	StateSDKError
	StateEnded
)

var stateNames = []string{
	"idle", "settingUp", "alerting", "ringing", "connecting", "connected",
	"onHold", "timedOut", "busy", "notFound", "sdkError", "ended",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// ParseState is the inverse of String. It is used when reading persisted records.
func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown call state %q", v)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// failureStates converge on StateEnded once teardown has been issued.
var failureStates = []State{StateTimedOut, StateBusy, StateNotFound, StateSDKError}

// validTransitions is the only place the call graph is defined. Connected and
// OnHold are the one pair allowed to revisit each other. SettingUp may fall back
// to Idle when the platform refuses to start the call.
var validTransitions = map[State][]State{
	StateIdle:       append([]State{StateSettingUp, StateAlerting, StateConnected, StateEnded}, failureStates...),
	StateSettingUp:  append([]State{StateIdle, StateAlerting, StateRinging, StateConnecting, StateConnected, StateEnded}, failureStates...),
	StateAlerting:   append([]State{StateRinging, StateConnecting, StateConnected, StateEnded}, failureStates...),
	StateRinging:    append([]State{StateConnecting, StateConnected, StateEnded}, failureStates...),
	StateConnecting: append([]State{StateConnected, StateEnded}, failureStates...),
	StateConnected:  append([]State{StateOnHold, StateEnded}, failureStates...),
	StateOnHold:     append([]State{StateConnected, StateEnded}, failureStates...),
	StateTimedOut:   {StateEnded},
	StateBusy:       {StateEnded},
	StateNotFound:   {StateEnded},
	StateSDKError:   {StateEnded},
	StateEnded:      {},
}

// CanTransitionTo reports whether the graph has an edge from s to next.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for Ended and for the failure sub-states that lead to it.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateTimedOut, StateBusy, StateNotFound, StateSDKError:
		return true
	}
	return false
}

// IsFailure reports whether s is one of the terminal failure sub-states.
func (s State) IsFailure() bool {
	return s.IsTerminal() && s != StateEnded
}
