package sdkbridge

import (
	"sync"

	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/sirupsen/logrus"
)

// QualityMonitor keeps the latest media report per SDK call and logs level
// changes. Degradation to poor or worse is logged at warn level.
type QualityMonitor struct {
	log *logrus.Entry

	mu       sync.RWMutex
	latest   map[string]sdk.Quality
	callback func(handle string, q sdk.Quality)
}

func NewQualityMonitor(log *logrus.Entry) *QualityMonitor {
	return &QualityMonitor{log: log, latest: make(map[string]sdk.Quality)}
}

// SetCallback registers fn to run on every level change.
func (m *QualityMonitor) SetCallback(fn func(handle string, q sdk.Quality)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = fn
}

func (m *QualityMonitor) Observe(handle string, q sdk.Quality) {
	m.mu.Lock()
	prev, seen := m.latest[handle]
	m.latest[handle] = q
	cb := m.callback
	m.mu.Unlock()

	if seen && prev.Level == q.Level {
		return
	}
	entry := m.log.WithFields(logrus.Fields{
		"sdk":         handle,
		"quality":     q.Level.String(),
		"packet_loss": q.PacketLoss,
		"jitter_ms":   q.JitterMs,
		"rtt_ms":      q.RTTMs,
	})
	if q.Level >= sdk.QualityPoor {
		entry.Warn("call quality degraded")
	} else {
		entry.Info("call quality changed")
	}
	if cb != nil {
		cb(handle, q)
	}
}

// Latest returns the most recent report for handle.
func (m *QualityMonitor) Latest(handle string) (sdk.Quality, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.latest[handle]
	return q, ok
}

func (m *QualityMonitor) Forget(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latest, handle)
}
