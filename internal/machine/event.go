package machine

import (
	"fmt"

	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/dense-identity/callsession/internal/transaction"
)

// Event is the closed set of inputs the state machine accepts. Every external
// callback is mapped onto one of these at the boundary.
type Event interface {
	fmt.Stringer
	isEvent()
}

// Media selects the stream a mute toggle applies to.
type Media int

const (
	MediaAudio Media = iota
	MediaVideo
)

func (m Media) String() string {
	if m == MediaVideo {
		return "video"
	}
	return "audio"
}

type UserStartRequested struct{}

type UserAnswerRequested struct{}

type UserEndRequested struct{}

type UserHoldToggled struct{ Hold bool }

type UserMuteToggled struct {
	Media Media
	Muted bool
}

type UserCameraFlipped struct{}

type UserDTMF struct{ Digits string }

type SDKStatusChanged struct {
	Status sdk.Status
	Detail string
}

// SDKCommandFailed reports that a command sent to the vendor SDK failed.
type SDKCommandFailed struct {
	Command string
	Err     string
}

// PlatformReset reports that the platform dropped every call it tracked.
type PlatformReset struct{}

type TransactionGranted struct{ Action transaction.Action }

type TransactionDenied struct {
	Action transaction.Action
	Reason transaction.Reason
}

func (UserStartRequested) isEvent()  {}
func (UserAnswerRequested) isEvent() {}
func (UserEndRequested) isEvent()    {}
func (UserHoldToggled) isEvent()     {}
func (UserMuteToggled) isEvent()     {}
func (UserCameraFlipped) isEvent()   {}
func (UserDTMF) isEvent()            {}
func (SDKStatusChanged) isEvent()    {}
func (SDKCommandFailed) isEvent()    {}
func (PlatformReset) isEvent()       {}
func (TransactionGranted) isEvent()  {}
func (TransactionDenied) isEvent()   {}

func (UserStartRequested) String() string  { return "UserStartRequested" }
func (UserAnswerRequested) String() string { return "UserAnswerRequested" }
func (UserEndRequested) String() string    { return "UserEndRequested" }
func (e UserHoldToggled) String() string   { return fmt.Sprintf("UserHoldToggled(%v)", e.Hold) }
func (e UserMuteToggled) String() string {
	return fmt.Sprintf("UserMuteToggled(%s, %v)", e.Media, e.Muted)
}
func (UserCameraFlipped) String() string  { return "UserCameraFlipped" }
func (e UserDTMF) String() string         { return fmt.Sprintf("UserDTMF(%s)", e.Digits) }
func (e SDKStatusChanged) String() string { return fmt.Sprintf("SDKStatusChanged(%s)", e.Status) }
func (e SDKCommandFailed) String() string {
	return fmt.Sprintf("SDKCommandFailed(%s: %s)", e.Command, e.Err)
}
func (PlatformReset) String() string { return "PlatformReset" }
func (e TransactionGranted) String() string {
	return fmt.Sprintf("TransactionGranted(%s)", e.Action)
}
func (e TransactionDenied) String() string {
	return fmt.Sprintf("TransactionDenied(%s, %s)", e.Action, e.Reason)
}

// IsUserIntent reports whether ev originates from the user.
func IsUserIntent(ev Event) bool {
	switch ev.(type) {
	case UserStartRequested, UserAnswerRequested, UserEndRequested, UserHoldToggled,
		UserMuteToggled, UserCameraFlipped, UserDTMF:
		return true
	}
	return false
}
