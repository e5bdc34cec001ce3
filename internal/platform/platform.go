// Package platform models the host telephony-integration service: the system
// component that arbitrates call UI and audio, accepts transactional action
// requests and answers them through perform callbacks.
package platform

import (
	"context"
	"sync"
	"time"

	"github.com/dense-identity/callsession/internal/transaction"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Service is the platform as the coordinator drives it.
type Service interface {
	transaction.Platform
	// ReportEnded tells the platform a call ended without an end transaction,
	// for example because the remote side hung up. Unknown ids are ignored.
	ReportEnded(ctx context.Context, callID uuid.UUID) error
}

// Provider receives the platform's callbacks. Every Perform* call hands over
// a PlatformAction that must be fulfilled or failed exactly once.
type Provider interface {
	ProviderDidReset()
	PerformStart(a transaction.Action, pa transaction.PlatformAction)
	PerformAnswer(a transaction.Action, pa transaction.PlatformAction)
	PerformEnd(a transaction.Action, pa transaction.PlatformAction)
	PerformHold(a transaction.Action, pa transaction.PlatformAction)
	PerformDTMF(a transaction.Action, pa transaction.PlatformAction)
	DidActivateAudioSession()
	DidDeactivateAudioSession()
}

// Loopback is an in-process platform for hosts without a system call service.
// It performs every accepted request after Delay on its own goroutine and
// activates audio once a call starts or is answered.
type Loopback struct {
	Delay time.Duration
	log   *logrus.Entry

	mu           sync.Mutex
	provider     Provider
	calls        map[uuid.UUID]bool
	deny         map[transaction.Kind]transaction.Reason
	silent       map[transaction.Kind]bool
	doNotDisturb bool
	audioActive  bool
	wg           sync.WaitGroup
}

var _ Service = (*Loopback)(nil)

func NewLoopback(delay time.Duration, log *logrus.Entry) *Loopback {
	return &Loopback{
		Delay:  delay,
		log:    log,
		calls:  make(map[uuid.UUID]bool),
		deny:   make(map[transaction.Kind]transaction.Reason),
		silent: make(map[transaction.Kind]bool),
	}
}

// SetProvider wires the callback target. It must be called before requests.
func (l *Loopback) SetProvider(p Provider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.provider = p
}

// Deny makes every request of kind fail with reason.
func (l *Loopback) Deny(kind transaction.Kind, reason transaction.Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deny[kind] = reason
}

// Silence makes requests of kind go unanswered, as a stalled system service would.
func (l *Loopback) Silence(kind transaction.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.silent[kind] = true
}

// SetDoNotDisturb filters incoming reports.
func (l *Loopback) SetDoNotDisturb(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doNotDisturb = on
}

func (l *Loopback) RequestTransaction(_ context.Context, a transaction.Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider == nil {
		return &transaction.RequestError{Reason: transaction.ReasonNoProvider}
	}
	if r, ok := l.deny[a.Kind]; ok {
		return &transaction.RequestError{Reason: r}
	}
	switch a.Kind {
	case transaction.KindStart:
		if l.calls[a.CallID] {
			return &transaction.RequestError{Reason: transaction.ReasonDuplicateCall}
		}
		if len(l.calls) > 0 {
			return &transaction.RequestError{Reason: transaction.ReasonCallGroupLimit}
		}
		l.calls[a.CallID] = true
	default:
		if !l.calls[a.CallID] {
			return &transaction.RequestError{Reason: transaction.ReasonUnknownCall}
		}
	}
	if l.silent[a.Kind] {
		l.log.WithField("action", a.String()).Debug("request accepted, never performed")
		return nil
	}

	l.wg.Add(1)
	go l.perform(a)
	return nil
}

func (l *Loopback) ReportIncoming(_ context.Context, a transaction.Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.doNotDisturb {
		return &transaction.RequestError{Reason: transaction.ReasonBusy}
	}
	if r, ok := l.deny[transaction.KindReport]; ok {
		return &transaction.RequestError{Reason: r}
	}
	if l.calls[a.CallID] {
		return &transaction.RequestError{Reason: transaction.ReasonDuplicateCall}
	}
	if len(l.calls) > 0 {
		return &transaction.RequestError{Reason: transaction.ReasonCallGroupLimit}
	}
	l.calls[a.CallID] = true
	return nil
}

// EndFromSystem ends a call from the system UI, without a request.
func (l *Loopback) EndFromSystem(callID uuid.UUID) {
	l.wg.Add(1)
	go l.perform(transaction.NewAction(transaction.KindEnd, callID))
}

// Reset simulates the service restarting: every call is dropped.
func (l *Loopback) Reset() {
	l.mu.Lock()
	p := l.provider
	l.calls = make(map[uuid.UUID]bool)
	wasActive := l.audioActive
	l.audioActive = false
	l.mu.Unlock()

	if p == nil {
		return
	}
	p.ProviderDidReset()
	if wasActive {
		p.DidDeactivateAudioSession()
	}
}

// Wait blocks until every perform callback has returned.
func (l *Loopback) Wait() { l.wg.Wait() }

// Tracked reports whether the platform considers callID live.
func (l *Loopback) Tracked(callID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[callID]
}

func (l *Loopback) perform(a transaction.Action) {
	defer l.wg.Done()
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}

	l.mu.Lock()
	p := l.provider
	l.mu.Unlock()
	if p == nil {
		return
	}

	pa := newAction(a)
	entry := l.log.WithField("action", a.String())
	entry.Debug("performing")

	switch a.Kind {
	case transaction.KindStart:
		p.PerformStart(a, pa)
	case transaction.KindAnswer:
		p.PerformAnswer(a, pa)
	case transaction.KindEnd:
		p.PerformEnd(a, pa)
	case transaction.KindHold:
		p.PerformHold(a, pa)
	case transaction.KindDTMF:
		p.PerformDTMF(a, pa)
	default:
		entry.Warn("no perform callback for action")
		return
	}

	fulfilled, settled := pa.result()
	if !settled {
		entry.Error("perform callback returned without settling the action")
		return
	}
	l.after(p, a, fulfilled)
}

// after applies the platform's own bookkeeping for a settled action.
func (l *Loopback) after(p Provider, a transaction.Action, fulfilled bool) {
	l.mu.Lock()
	var activate, deactivate bool
	switch {
	case fulfilled && (a.Kind == transaction.KindStart || a.Kind == transaction.KindAnswer):
		activate = !l.audioActive
		l.audioActive = true
	case a.Kind == transaction.KindEnd, a.Kind == transaction.KindStart && !fulfilled:
		delete(l.calls, a.CallID)
		if len(l.calls) == 0 && l.audioActive {
			l.audioActive = false
			deactivate = true
		}
	}
	l.mu.Unlock()

	if activate {
		p.DidActivateAudioSession()
	}
	if deactivate {
		p.DidDeactivateAudioSession()
	}
}

func (l *Loopback) ReportEnded(_ context.Context, callID uuid.UUID) error {
	l.mu.Lock()
	delete(l.calls, callID)
	deactivate := len(l.calls) == 0 && l.audioActive
	if deactivate {
		l.audioActive = false
	}
	p := l.provider
	l.mu.Unlock()
	if deactivate && p != nil {
		p.DidDeactivateAudioSession()
	}
	return nil
}

type action struct {
	a transaction.Action

	mu        sync.Mutex
	settled   bool
	fulfilled bool
}

func newAction(a transaction.Action) *action { return &action{a: a} }

func (x *action) Fulfill() { x.settle(true) }
func (x *action) Fail()    { x.settle(false) }

func (x *action) settle(ok bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.settled {
		return
	}
	x.settled = true
	x.fulfilled = ok
}

func (x *action) result() (fulfilled, settled bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.fulfilled, x.settled
}
