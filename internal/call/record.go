package call

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction of a call relative to this client.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "outbound":
		*d = Outbound
	case "inbound":
		*d = Inbound
	default:
		return fmt.Errorf("unknown direction %q", string(b))
	}
	return nil
}

// Outcome is the history classification written when a record ends.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeMissed
	OutcomeRejected
	OutcomeCompletedOutbound
	OutcomeCompletedInbound
)

var outcomeNames = []string{"none", "missed", "rejected", "completedOutbound", "completedInbound"}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Unknown(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	for i, name := range outcomeNames {
		if name == string(b) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(b))
}

// Record is the authoritative state of one call. Records are values; the
// coordinator owns the only mutable copy.
type Record struct {
	ID        uuid.UUID `json:"id"`
	Handle    string    `json:"handle"`
	Direction Direction `json:"direction"`
	HasVideo  bool      `json:"hasVideo"`
	State     State     `json:"state"`

	IsOnHold     bool `json:"isOnHold"`
	IsMuted      bool `json:"isMuted"`
	IsVideoMuted bool `json:"isVideoMuted"`

	ConnectingAt *time.Time `json:"connectingAt,omitempty"`
	ConnectedAt  *time.Time `json:"connectedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`

	Outcome   Outcome `json:"outcome"`
	ContactID string  `json:"contactId,omitempty"`

	// SDKHandle is the vendor's identifier for the media session.
	SDKHandle string `json:"sdkHandle,omitempty"`
	// Alerted is set once the remote or local party has been alerted.
	Alerted bool `json:"alerted"`
	// TerminalCause keeps the failure sub-state a record passed through on its
	// way to StateEnded. It is StateEnded for an ordinary hang-up.
	TerminalCause State    `json:"terminalCause,omitempty"`
	LastError     *Failure `json:"lastError,omitempty"`
}

// NewOutbound creates an idle record for a call the user is placing.
func NewOutbound(handle string, hasVideo bool) Record {
	return Record{ID: uuid.New(), Handle: handle, Direction: Outbound, HasVideo: hasVideo, State: StateIdle}
}

// NewInbound creates an idle record for a call announced by push or the SDK.
// A nil id is replaced with a fresh one.
func NewInbound(id uuid.UUID, handle string, hasVideo bool) Record {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return Record{ID: id, Handle: handle, Direction: Inbound, HasVideo: hasVideo, State: StateIdle}
}

// Active reports whether the record still occupies the single call slot.
func (r Record) Active() bool { return !r.State.IsTerminal() }

// Clone returns a deep copy so snapshots never alias the coordinator's record.
func (r Record) Clone() Record {
	out := r
	out.ConnectingAt = cloneTime(r.ConnectingAt)
	out.ConnectedAt = cloneTime(r.ConnectedAt)
	out.EndedAt = cloneTime(r.EndedAt)
	if r.LastError != nil {
		f := *r.LastError
		out.LastError = &f
	}
	return out
}

// Stamp sets *field to now unless it is already set. It returns false when the
// field was already populated.
func Stamp(field **time.Time, now time.Time) bool {
	if *field != nil {
		return false
	}
	t := now
	*field = &t
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
