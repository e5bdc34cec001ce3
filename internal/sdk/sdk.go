// Package sdk describes the vendor communication SDK the coordinator drives:
// the command surface and the callbacks it delivers from its own goroutines.
package sdk

import (
	"context"
	"fmt"
)

// Status is a call status reported by the vendor SDK.
type Status int

const (
	StatusSetup Status = iota
	StatusAlerting
	StatusRinging
	StatusMediaPending
	StatusInCall
	StatusTimedOut
	StatusBusy
	StatusNotFound
	StatusError
	StatusEnded
)

var statusNames = []string{
	"setup", "alerting", "ringing", "mediaPending", "inCall",
	"timedOut", "busy", "notFound", "error", "ended",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// ParseStatus maps a status name to its value.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return StatusError, fmt.Errorf("unknown sdk status %q", v)
}

// IsTerminal reports whether the SDK has finished the media session.
func (s Status) IsTerminal() bool {
	return s >= StatusTimedOut
}

// Engine is the vendor SDK command surface. handle is the vendor's call id.
type Engine interface {
	// Dial places a call. The returned handle may be empty if the vendor only
	// reveals it through a later status callback.
	Dial(ctx context.Context, uri string, video bool) (string, error)
	Answer(ctx context.Context, handle string, video bool) error
	Hangup(ctx context.Context, handle string) error
	Hold(ctx context.Context, handle string, hold bool) error
	Mute(ctx context.Context, handle string, muted bool) error
	SetVideoMuted(ctx context.Context, handle string, muted bool) error
	FlipCamera(ctx context.Context, handle string) error
	SendDTMF(ctx context.Context, handle string, digits string) error
}

// QualityLevel summarizes media quality for observability.
type QualityLevel int

const (
	QualityExcellent QualityLevel = iota
	QualityGood
	QualityFair
	QualityPoor
	QualityUnacceptable
)

func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	case QualityUnacceptable:
		return "unacceptable"
	}
	return fmt.Sprintf("Unknown(%d)", int(q))
}

// Quality is a periodic media report. It never drives call state.
type Quality struct {
	Level      QualityLevel
	PacketLoss float64
	JitterMs   float64
	RTTMs      float64
}

// Listener receives vendor callbacks. Implementations must not assume any
// particular goroutine.
type Listener interface {
	OnIncoming(handle, peer string, video bool)
	OnStatus(handle string, status Status, detail string)
	OnInterruption(handle string, began bool)
	OnMediaChangeRequest(handle string, video bool)
	OnQuality(handle string, q Quality)
}
