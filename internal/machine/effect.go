package machine

import (
	"fmt"

	"github.com/dense-identity/callsession/internal/transaction"
)

// EffectKind names a side effect produced by a transition.
type EffectKind int

const (
	EffectNoop EffectKind = iota
	EffectStartRingtone
	EffectStopRingtone
	EffectSetConnectingTimestamp
	EffectSetConnectedTimestamp
	EffectSetEndedTimestamp
	EffectActivateAudioRoute
	EffectReleaseAudioRoute
	EffectPersistRecord
	EffectPersistFinalRecord
	EffectSetupPiPSurface
	EffectReleasePiP
	EffectRequestTransaction
	EffectSDKDial
	EffectSDKAnswer
	EffectSDKHangup
	EffectSDKHold
	EffectSDKMute
	EffectSDKVideoMute
	EffectSDKFlipCamera
	EffectSDKSendDTMF
)

var effectNames = []string{
	"Noop", "StartRingtone", "StopRingtone", "SetConnectingTimestamp", "SetConnectedTimestamp",
	"SetEndedTimestamp", "ActivateAudioRoute", "ReleaseAudioRoute", "PersistRecord",
	"PersistFinalRecord", "SetupPiPSurface", "ReleasePiP", "RequestTransaction", "SDKDial",
	"SDKAnswer", "SDKHangup", "SDKHold", "SDKMute", "SDKVideoMute", "SDKFlipCamera", "SDKSendDTMF",
}

func (k EffectKind) String() string {
	if k >= 0 && int(k) < len(effectNames) {
		return effectNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", int(k))
}

// Local effects touch only the record and are applied by the coordinator
// before the snapshot is published.
func (k EffectKind) Local() bool {
	switch k {
	case EffectSetConnectingTimestamp, EffectSetConnectedTimestamp, EffectSetEndedTimestamp, EffectNoop:
		return true
	}
	return false
}

// Effect is one action requested by a transition.
type Effect struct {
	Kind EffectKind
	// Action is set for EffectRequestTransaction.
	Action transaction.Action
	// Flag carries the hold or mute value for SDK effects.
	Flag   bool
	Digits string
	// Diagnostic explains an EffectNoop.
	Diagnostic string
}

func (e Effect) String() string {
	switch e.Kind {
	case EffectRequestTransaction:
		return fmt.Sprintf("RequestTransaction(%s)", e.Action)
	case EffectSDKHold, EffectSDKMute, EffectSDKVideoMute:
		return fmt.Sprintf("%s(%v)", e.Kind, e.Flag)
	case EffectSDKSendDTMF:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Digits)
	case EffectNoop:
		return fmt.Sprintf("Noop(%s)", e.Diagnostic)
	}
	return e.Kind.String()
}

// Kinds lists the kinds of effects, in order.
func Kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}
