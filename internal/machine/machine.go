// Package machine holds the call state machine. Transition is a pure function
// of a record and an event; it reads no clock and performs no I/O.
package machine

import (
	"fmt"
	"strings"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/dense-identity/callsession/internal/transaction"
)

// Result is the outcome of applying one event.
type Result struct {
	Record  call.Record
	Effects []Effect
	// Path lists the states entered, in order. Empty when the state did not change.
	Path []call.State
	// Err is a *call.Failure when the event was rejected. Record is then
	// the unchanged input and Effects is empty.
	Err error
}

// Noop reports whether the event was unhandled in the record's state.
func (r Result) Noop() bool {
	return len(r.Effects) == 1 && r.Effects[0].Kind == EffectNoop
}

// Requests returns the transaction requested by the result, if any.
func (r Result) Requests() (transaction.Action, bool) {
	for _, e := range r.Effects {
		if e.Kind == EffectRequestTransaction {
			return e.Action, true
		}
	}
	return transaction.Action{}, false
}

type ending int

const (
	endedLocally ending = iota
	endedRemotely
	endedByFailure
	endedByFilter
)

type step struct {
	rec     call.Record
	effects []Effect
	path    []call.State
	diag    string
}

func (s *step) enter(st call.State) {
	s.rec.State = st
	s.path = append(s.path, st)
	switch st {
	case call.StateAlerting, call.StateRinging, call.StateConnecting, call.StateConnected:
		s.rec.Alerted = true
	}
}

func (s *step) emit(k EffectKind) {
	s.effects = append(s.effects, Effect{Kind: k})
}

func (s *step) request(a transaction.Action) {
	s.effects = append(s.effects, Effect{Kind: EffectRequestTransaction, Action: a})
}

func (s *step) ignore(format string, args ...any) {
	s.diag = fmt.Sprintf(format, args...)
}

// Transition applies ev to rec. Every (state, event) pair yields a result:
// unhandled pairs produce a single Noop effect carrying a diagnostic, user
// intents that the state does not allow produce an InvalidTransition error.
func Transition(rec call.Record, ev Event) Result {
	if rec.State.IsTerminal() {
		if IsUserIntent(ev) {
			return Result{Record: rec, Err: call.InvalidTransition(rec.State, ev.String())}
		}
		return noop(rec, fmt.Sprintf("%s ignored: record %s", ev, rec.State))
	}

	s := &step{rec: rec}
	var err error
	switch e := ev.(type) {
	case UserStartRequested:
		err = s.start(ev)
	case UserAnswerRequested:
		err = s.answer(ev)
	case UserEndRequested:
		s.requestEnd()
	case UserHoldToggled:
		err = s.hold(ev, e.Hold)
	case UserMuteToggled:
		err = s.mute(ev, e)
	case UserCameraFlipped:
		err = s.flip(ev)
	case UserDTMF:
		err = s.dtmf(ev, e.Digits)
	case SDKStatusChanged:
		s.sdkStatus(e)
	case SDKCommandFailed:
		s.finish(call.StateSDKError, endedByFailure, true,
			&call.Failure{Kind: call.FailureSDK, Reason: e.Command, Message: e.Err})
	case PlatformReset:
		s.finish(call.StateEnded, endedByFailure, true, nil)
	case TransactionGranted:
		s.granted(e.Action)
	case TransactionDenied:
		s.denied(e)
	default:
		s.ignore("unknown event %T", ev)
	}

	if err != nil {
		return Result{Record: rec, Err: err}
	}
	if s.diag != "" && len(s.effects) == 0 && len(s.path) == 0 {
		return noop(rec, s.diag)
	}
	return Result{Record: s.rec, Effects: s.effects, Path: s.path}
}

func noop(rec call.Record, diag string) Result {
	return Result{Record: rec, Effects: []Effect{{Kind: EffectNoop, Diagnostic: diag}}}
}

func (s *step) start(ev Event) error {
	if s.rec.Direction != call.Outbound || s.rec.State != call.StateIdle {
		return call.InvalidTransition(s.rec.State, ev.String())
	}
	s.enter(call.StateSettingUp)
	a := transaction.NewAction(transaction.KindStart, s.rec.ID)
	a.Handle = s.rec.Handle
	a.Video = s.rec.HasVideo
	s.request(a)
	return nil
}

func (s *step) answer(ev Event) error {
	if s.rec.Direction != call.Inbound || s.rec.State != call.StateAlerting {
		return call.InvalidTransition(s.rec.State, ev.String())
	}
	a := transaction.NewAction(transaction.KindAnswer, s.rec.ID)
	a.Video = s.rec.HasVideo
	s.request(a)
	return nil
}

func (s *step) requestEnd() {
	s.request(transaction.NewAction(transaction.KindEnd, s.rec.ID))
}

func (s *step) hold(ev Event, on bool) error {
	want := call.StateConnected
	if !on {
		want = call.StateOnHold
	}
	if s.rec.State != want {
		return call.InvalidTransition(s.rec.State, ev.String())
	}
	a := transaction.NewAction(transaction.KindHold, s.rec.ID)
	a.Hold = on
	s.request(a)
	return nil
}

// inCall reports whether media controls apply: only once the call is up.
func (s *step) inCall() bool {
	return s.rec.State == call.StateConnected || s.rec.State == call.StateOnHold
}

func (s *step) mute(ev Event, e UserMuteToggled) error {
	if !s.inCall() {
		return call.InvalidTransition(s.rec.State, ev.String())
	}
	if e.Media == MediaVideo {
		if !s.rec.HasVideo {
			return call.InvalidTransition(s.rec.State, ev.String()+" on audio-only call")
		}
		s.rec.IsVideoMuted = e.Muted
		s.effects = append(s.effects, Effect{Kind: EffectSDKVideoMute, Flag: e.Muted})
		return nil
	}
	s.rec.IsMuted = e.Muted
	s.effects = append(s.effects, Effect{Kind: EffectSDKMute, Flag: e.Muted})
	return nil
}

func (s *step) flip(ev Event) error {
	if !s.rec.HasVideo || !s.inCall() {
		return call.InvalidTransition(s.rec.State, ev.String())
	}
	s.emit(EffectSDKFlipCamera)
	return nil
}

func (s *step) dtmf(ev Event, digits string) error {
	if s.rec.State != call.StateConnected || !ValidDTMF(digits) {
		return call.InvalidTransition(s.rec.State, ev.String())
	}
	a := transaction.NewAction(transaction.KindDTMF, s.rec.ID)
	a.Digits = digits
	s.request(a)
	return nil
}

// ValidDTMF reports whether digits is a non-empty run of DTMF symbols.
func ValidDTMF(digits string) bool {
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if !strings.ContainsRune("0123456789*#ABCD", r) {
			return false
		}
	}
	return true
}

func (s *step) sdkStatus(e SDKStatusChanged) {
	st := s.rec.State
	switch e.Status {
	case sdk.StatusSetup:
		if st != call.StateSettingUp {
			s.ignore("setup reported in %s", st)
		}

	case sdk.StatusAlerting:
		switch {
		case s.rec.Direction == call.Outbound && st == call.StateSettingUp:
			s.enter(call.StateAlerting)
		case s.rec.Direction == call.Inbound && st == call.StateAlerting:
		default:
			s.ignore("alerting reported in %s", st)
		}

	case sdk.StatusRinging:
		switch {
		case s.rec.Direction == call.Outbound && (st == call.StateSettingUp || st == call.StateAlerting):
			s.enter(call.StateRinging)
			s.emit(EffectStartRingtone)
		case st == call.StateRinging, s.rec.Direction == call.Inbound && st == call.StateAlerting:
		default:
			s.ignore("ringing reported in %s", st)
		}

	case sdk.StatusMediaPending:
		switch st {
		case call.StateSettingUp, call.StateAlerting, call.StateRinging:
			s.enter(call.StateConnecting)
			s.emit(EffectStopRingtone)
			s.emit(EffectSetConnectingTimestamp)
		case call.StateConnecting:
		default:
			s.ignore("mediaPending reported in %s", st)
		}

	case sdk.StatusInCall:
		switch st {
		case call.StateConnected, call.StateOnHold:
		default:
			s.enter(call.StateConnected)
			s.emit(EffectStopRingtone)
			s.emit(EffectSetConnectedTimestamp)
			s.emit(EffectActivateAudioRoute)
			if s.rec.HasVideo {
				s.emit(EffectSetupPiPSurface)
			}
		}

	case sdk.StatusTimedOut:
		s.finish(call.StateTimedOut, endedRemotely, false, nil)
	case sdk.StatusBusy:
		s.finish(call.StateBusy, endedRemotely, false, nil)
	case sdk.StatusNotFound:
		s.finish(call.StateNotFound, endedRemotely, false, nil)
	case sdk.StatusError:
		s.finish(call.StateSDKError, endedByFailure, false,
			&call.Failure{Kind: call.FailureSDK, Reason: e.Status.String(), Message: e.Detail})
	case sdk.StatusEnded:
		s.finish(call.StateEnded, endedRemotely, false, nil)

	default:
		s.ignore("unknown sdk status %s", e.Status)
	}
}

func (s *step) granted(a transaction.Action) {
	st := s.rec.State
	switch a.Kind {
	case transaction.KindStart:
		if st != call.StateSettingUp {
			s.ignore("start granted in %s", st)
			return
		}
		s.emit(EffectPersistRecord)
		s.emit(EffectSDKDial)

	case transaction.KindReport:
		if st != call.StateIdle || s.rec.Direction != call.Inbound {
			s.ignore("report granted in %s", st)
			return
		}
		s.enter(call.StateAlerting)
		s.emit(EffectPersistRecord)

	case transaction.KindAnswer:
		if st != call.StateAlerting {
			s.ignore("answer granted in %s", st)
			return
		}
		s.enter(call.StateConnecting)
		s.emit(EffectStopRingtone)
		s.emit(EffectSetConnectingTimestamp)
		s.effects = append(s.effects, Effect{Kind: EffectSDKAnswer, Flag: a.Video})

	case transaction.KindEnd:
		s.finish(call.StateEnded, endedLocally, true, nil)

	case transaction.KindHold:
		switch {
		case a.Hold && st == call.StateConnected:
			s.enter(call.StateOnHold)
			s.rec.IsOnHold = true
		case !a.Hold && st == call.StateOnHold:
			s.enter(call.StateConnected)
			s.rec.IsOnHold = false
		default:
			s.ignore("hold(%v) granted in %s", a.Hold, st)
			return
		}
		s.effects = append(s.effects, Effect{Kind: EffectSDKHold, Flag: a.Hold})

	case transaction.KindDTMF:
		if st != call.StateConnected && st != call.StateOnHold {
			s.ignore("dtmf granted in %s", st)
			return
		}
		s.effects = append(s.effects, Effect{Kind: EffectSDKSendDTMF, Digits: a.Digits})

	default:
		s.ignore("granted unknown action %s", a.Kind)
	}
}

func (s *step) denied(e TransactionDenied) {
	if e.Reason == transaction.ReasonDuplicateCall {
		// The platform already tracks this call; proceed as if granted.
		s.granted(e.Action)
		return
	}
	st := s.rec.State
	rejected := call.Rejected(e.Reason.String())

	switch e.Action.Kind {
	case transaction.KindStart:
		if st != call.StateSettingUp {
			s.ignore("start denied in %s", st)
			return
		}
		s.enter(call.StateIdle)
		s.rec.LastError = rejected

	case transaction.KindReport:
		if e.Reason == transaction.ReasonBusy {
			s.finish(call.StateEnded, endedByFilter, true, nil)
			return
		}
		s.finish(call.StateEnded, endedByFailure, true, rejected)

	default:
		s.finish(call.StateEnded, endedByFailure, true, rejected)
	}
}

// finish drives the record to StateEnded through cause, issuing the full
// teardown set exactly once.
func (s *step) finish(cause call.State, how ending, hangup bool, failure *call.Failure) {
	connected := s.rec.State == call.StateConnected || s.rec.State == call.StateOnHold
	outcome := finalOutcome(s.rec, connected, how)

	if cause != call.StateEnded {
		s.enter(cause)
	}
	s.rec.TerminalCause = cause
	s.rec.IsOnHold = false
	if failure != nil {
		s.rec.LastError = failure
	}

	if hangup {
		s.emit(EffectSDKHangup)
	}
	s.emit(EffectStopRingtone)
	s.emit(EffectReleaseAudioRoute)
	s.emit(EffectSetEndedTimestamp)
	s.emit(EffectPersistFinalRecord)
	s.emit(EffectReleasePiP)

	s.rec.Outcome = outcome
	s.enter(call.StateEnded)
}

// finalOutcome is the single mapping from how a call ended to its history
// classification.
//
//   - outbound: completedOutbound once the remote party was alerted, none otherwise
//   - inbound answered: completedInbound
//   - inbound declined by the user or filtered by do-not-disturb: rejected
//   - inbound that alerted and ended any other way: missed
//   - inbound that never alerted: none
func finalOutcome(rec call.Record, connected bool, how ending) call.Outcome {
	if rec.Direction == call.Outbound {
		if connected || rec.Alerted {
			return call.OutcomeCompletedOutbound
		}
		return call.OutcomeNone
	}
	switch {
	case connected:
		return call.OutcomeCompletedInbound
	case how == endedByFilter:
		return call.OutcomeRejected
	case !rec.Alerted:
		return call.OutcomeNone
	case how == endedLocally:
		return call.OutcomeRejected
	}
	return call.OutcomeMissed
}
