package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Platform is the telephony-integration service as seen by the gateway.
type Platform interface {
	// RequestTransaction submits a. The platform answers later through a
	// perform callback, or refuses immediately with an error.
	RequestTransaction(ctx context.Context, a Action) error
	// ReportIncoming announces an inbound call. It resolves synchronously.
	ReportIncoming(ctx context.Context, a Action) error
}

type slot struct {
	sem  chan struct{}
	refs int
}

type inflight struct {
	action Action
	fut    *Future
	// claimed is set once a perform callback has taken responsibility for
	// resolving fut; the timeout no longer applies.
	claimed bool
}

type expiry struct {
	callID uuid.UUID
	kind   Kind
}

// Gateway issues platform transactions and resolves each exactly once. At
// most one transaction per call id is in flight.
type Gateway struct {
	platform Platform
	timeout  time.Duration
	log      *logrus.Entry

	mu       sync.Mutex
	slots    map[uuid.UUID]*slot
	inflight map[uuid.UUID]*inflight
	expired  map[expiry]struct{}
}

func NewGateway(p Platform, timeout time.Duration, log *logrus.Entry) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		platform: p,
		timeout:  timeout,
		log:      log,
		slots:    make(map[uuid.UUID]*slot),
		inflight: make(map[uuid.UUID]*inflight),
		expired:  make(map[expiry]struct{}),
	}
}

// Request submits a and blocks until it resolves. A platform that does not
// answer within the gateway timeout produces Denied(ReasonTimeout).
func (g *Gateway) Request(ctx context.Context, a Action) Outcome {
	release, err := g.acquire(ctx, a.CallID)
	if err != nil {
		g.log.WithField("action", a.String()).Warn("transaction slot wait abandoned")
		return Denied(ReasonTimeout)
	}
	defer release()

	fut := NewFuture()
	g.mu.Lock()
	g.inflight[a.CallID] = &inflight{action: a, fut: fut}
	delete(g.expired, expiry{a.CallID, a.Kind})
	g.mu.Unlock()

	entry := g.log.WithFields(logrus.Fields{"call": a.CallID, "tx": a.ID, "action": a.String()})
	entry.Debug("requesting transaction")

	if a.Kind == KindReport {
		err = g.platform.ReportIncoming(ctx, a)
		if err == nil {
			g.completeByID(a, Granted())
		}
	} else {
		err = g.platform.RequestTransaction(ctx, a)
	}
	if err != nil {
		g.completeByID(a, Denied(ReasonOf(err)))
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-fut.Done():
	case <-timer.C:
		if g.expire(a) {
			entry.Warn("transaction timed out")
		}
		<-fut.Done()
	case <-ctx.Done():
		g.expire(a)
		<-fut.Done()
	}

	o, _ := fut.Outcome()
	if o.Granted {
		entry.Debug("transaction granted")
	} else {
		entry.WithField("reason", o.Reason.String()).Info("transaction denied")
	}
	return o
}

// Perform settles a perform callback from the platform. handle applies the
// action to the call; pa is fulfilled if it succeeds and failed otherwise.
// A request waiting on the same call and kind resolves with the same outcome.
// Perform for a request that already timed out fails pa without calling handle.
func (g *Gateway) Perform(ctx context.Context, a Action, pa PlatformAction, handle func(context.Context, Action) error) error {
	settle := Settle(pa)
	in, expired := g.claim(a)
	if expired {
		g.resolve(settle, Denied(ReasonTimeout))
		return &RequestError{Reason: ReasonTimeout}
	}

	err := handle(ctx, a)
	o := Granted()
	if err != nil {
		o = Denied(ReasonOf(err))
	}
	g.resolve(settle, o)
	if in != nil {
		g.mu.Lock()
		if cur, ok := g.inflight[a.CallID]; ok && cur == in {
			delete(g.inflight, a.CallID)
		}
		g.mu.Unlock()
		g.resolve(in.fut, o)
	}
	return err
}

// Pending reports whether a transaction is in flight for callID.
func (g *Gateway) Pending(callID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[callID]
	return ok
}

func (g *Gateway) resolve(f *Future, o Outcome) {
	if err := f.Resolve(o); err != nil {
		g.log.WithError(err).Error("transaction resolved twice")
	}
}

// completeByID resolves the in-flight request for a if it has not been
// claimed by a perform callback.
func (g *Gateway) completeByID(a Action, o Outcome) bool {
	g.mu.Lock()
	in, ok := g.inflight[a.CallID]
	if !ok || in.action.ID != a.ID || in.claimed {
		g.mu.Unlock()
		return false
	}
	delete(g.inflight, a.CallID)
	g.mu.Unlock()
	g.resolve(in.fut, o)
	return true
}

// expire resolves a with a timeout unless a perform callback got there first.
func (g *Gateway) expire(a Action) bool {
	if !g.completeByID(a, Denied(ReasonTimeout)) {
		return false
	}
	g.mu.Lock()
	g.expired[expiry{a.CallID, a.Kind}] = struct{}{}
	g.mu.Unlock()
	return true
}

// claim marks the in-flight request matching a as owned by a perform
// callback. It reports expired when the matching request already timed out.
func (g *Gateway) claim(a Action) (*inflight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := expiry{a.CallID, a.Kind}
	if _, ok := g.expired[key]; ok {
		delete(g.expired, key)
		return nil, true
	}
	in, ok := g.inflight[a.CallID]
	if !ok || in.action.Kind != a.Kind || in.claimed {
		return nil, false
	}
	in.claimed = true
	return in, false
}

func (g *Gateway) acquire(ctx context.Context, callID uuid.UUID) (func(), error) {
	g.mu.Lock()
	s, ok := g.slots[callID]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		g.slots[callID] = s
	}
	s.refs++
	g.mu.Unlock()

	drop := func() {
		g.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(g.slots, callID)
		}
		g.mu.Unlock()
	}

	select {
	case s.sem <- struct{}{}:
		return func() {
			<-s.sem
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// Forget drops timeout bookkeeping for a finished call.
func (g *Gateway) Forget(callID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.expired {
		if k.callID == callID {
			delete(g.expired, k)
		}
	}
}
