// Package sdkbridge turns vendor SDK callbacks, delivered on arbitrary
// goroutines, into coordinator events. Nothing here reads or writes call
// state; every status is posted to the coordinator's queue.
package sdkbridge

import (
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/sirupsen/logrus"
)

// Sink is the coordinator's inbound queue as seen from the SDK side.
type Sink interface {
	// PostSDK enqueues ev for the call the SDK knows as handle.
	PostSDK(handle string, ev machine.Event)
	// IncomingFromSDK announces a call the SDK received before any push.
	IncomingFromSDK(handle, peer string, video bool)
	// Interrupted reports a recoverable media interruption.
	Interrupted(handle string, began bool)
	// MediaChangeRequested reports the remote side asking to turn video on or off.
	MediaChangeRequested(handle string, video bool)
}

// Bridge implements sdk.Listener.
type Bridge struct {
	sink    Sink
	quality *QualityMonitor
	log     *logrus.Entry
}

func New(sink Sink, quality *QualityMonitor, log *logrus.Entry) *Bridge {
	if quality == nil {
		quality = NewQualityMonitor(log)
	}
	return &Bridge{sink: sink, quality: quality, log: log}
}

var _ sdk.Listener = (*Bridge)(nil)

func (b *Bridge) OnIncoming(handle, peer string, video bool) {
	b.log.WithFields(logrus.Fields{"sdk": handle, "video": video}).Info("incoming call from sdk")
	b.sink.IncomingFromSDK(handle, peer, video)
}

func (b *Bridge) OnStatus(handle string, status sdk.Status, detail string) {
	entry := b.log.WithFields(logrus.Fields{"sdk": handle, "status": status.String()})
	if detail != "" {
		entry = entry.WithField("detail", detail)
	}
	entry.Debug("sdk status")

	if status.IsTerminal() {
		b.quality.Forget(handle)
	}
	b.sink.PostSDK(handle, machine.SDKStatusChanged{Status: status, Detail: detail})
}

func (b *Bridge) OnInterruption(handle string, began bool) {
	b.log.WithFields(logrus.Fields{"sdk": handle, "began": began}).Info("media interruption")
	b.sink.Interrupted(handle, began)
}

func (b *Bridge) OnMediaChangeRequest(handle string, video bool) {
	b.log.WithFields(logrus.Fields{"sdk": handle, "video": video}).Info("remote media change request")
	b.sink.MediaChangeRequested(handle, video)
}

// OnQuality never reaches the coordinator.
func (b *Bridge) OnQuality(handle string, q sdk.Quality) {
	b.quality.Observe(handle, q)
}

// Quality exposes the monitor for diagnostics.
func (b *Bridge) Quality() *QualityMonitor { return b.quality }
