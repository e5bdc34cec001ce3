package effects

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Ringer plays the local ringtone or ringback.
type Ringer interface {
	StartRingtone(ctx context.Context) error
	StopRingtone(ctx context.Context) error
}

// AudioRouter switches the device audio route for the call.
type AudioRouter interface {
	Route(ctx context.Context) error
	Unroute(ctx context.Context) error
}

// PiPHost owns the floating video surface.
type PiPHost interface {
	AcquirePiP(ctx context.Context, callID uuid.UUID) error
	ReleasePiP(ctx context.Context, callID uuid.UUID) error
}

// LogDevices stands in for UI-owned devices on a headless host: it tracks
// device state and logs every change.
type LogDevices struct {
	log *logrus.Entry

	mu      sync.Mutex
	ringing bool
	routed  bool
	pip     uuid.UUID
}

func NewLogDevices(log *logrus.Entry) *LogDevices {
	return &LogDevices{log: log}
}

func (l *LogDevices) StartRingtone(context.Context) error {
	l.set(&l.ringing, true, "ringtone started")
	return nil
}

func (l *LogDevices) StopRingtone(context.Context) error {
	l.set(&l.ringing, false, "ringtone stopped")
	return nil
}

func (l *LogDevices) Route(context.Context) error {
	l.set(&l.routed, true, "audio routed")
	return nil
}

func (l *LogDevices) Unroute(context.Context) error {
	l.set(&l.routed, false, "audio unrouted")
	return nil
}

func (l *LogDevices) AcquirePiP(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	l.pip = id
	l.mu.Unlock()
	l.log.WithField("call", id).Info("pip surface acquired")
	return nil
}

func (l *LogDevices) ReleasePiP(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	l.pip = uuid.Nil
	l.mu.Unlock()
	l.log.WithField("call", id).Info("pip surface released")
	return nil
}

func (l *LogDevices) set(field *bool, v bool, msg string) {
	l.mu.Lock()
	*field = v
	l.mu.Unlock()
	l.log.Info(msg)
}
