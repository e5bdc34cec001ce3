package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/effects"
	"github.com/dense-identity/callsession/internal/helpers"
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/dense-identity/callsession/internal/transaction"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func (c *Coordinator) run() {
	defer c.loop.Done()
	defer c.shutdown()

	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.events:
			c.dispatch(env)
		}
	}
}

func (c *Coordinator) dispatch(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"envelope": fmt.Sprintf("%T", env),
				"panic":    r,
			}).Error("event handler panicked")
		}
	}()

	switch e := env.(type) {
	case startEnv:
		c.handleStart(e)
	case inboundEnv:
		c.handleInbound(e)
	case intentEnv:
		c.handleIntent(e)
	case sdkEnv:
		c.handleSDK(e)
	case interruptEnv:
		c.handleInterrupt(e)
	case mediaEnv:
		c.handleMedia(e)
	case performEnv:
		e.reply <- c.handlePerform(e.action)
	case resolvedEnv:
		c.handleResolved(e)
	case failedEnv:
		c.handleFailed(e)
	case dialedEnv:
		c.handleDialed(e)
	case resetEnv:
		c.log.Warn("platform reset")
		c.step(machine.PlatformReset{})
	case barrierEnv:
		close(e.reply)
	default:
		c.log.WithField("envelope", fmt.Sprintf("%T", env)).Error("unknown envelope")
	}
}

// shutdown tears down an active call and fails everyone still waiting.
func (c *Coordinator) shutdown() {
	if c.active() {
		c.log.WithField("call", c.rec.ID).Info("closing with an active call, tearing it down")
		c.step(machine.PlatformReset{})
	}
	for id, p := range c.pending {
		delete(c.pending, id)
		send(p.reply, c.snapshot(), ErrClosed)
	}
	for id, envs := range c.deferred {
		delete(c.deferred, id)
		for _, env := range envs {
			send(env.reply, c.snapshot(), ErrClosed)
		}
	}
	close(c.done)

	for {
		select {
		case env := <-c.events:
			c.reject(env)
		default:
			return
		}
	}
}

func (c *Coordinator) reject(env envelope) {
	switch e := env.(type) {
	case startEnv:
		send(e.reply, c.snapshot(), ErrClosed)
	case inboundEnv:
		send(e.reply, c.snapshot(), ErrClosed)
	case intentEnv:
		send(e.reply, c.snapshot(), ErrClosed)
	case performEnv:
		e.reply <- ErrClosed
	case barrierEnv:
		close(e.reply)
	}
}

func (c *Coordinator) active() bool {
	return c.rec != nil && c.rec.Active()
}

func (c *Coordinator) snapshot() call.Snapshot {
	return *c.snap.Load()
}

func (c *Coordinator) handleStart(env startEnv) {
	if c.active() {
		c.log.WithField("call", c.rec.ID).Info("start refused, a call is already active")
		send(env.reply, c.snapshot(), call.Rejected(transaction.ReasonDuplicateCall.String()))
		return
	}
	rec := call.NewOutbound(env.handle, env.video)
	rec.ContactID = env.contactID
	c.rec = &rec
	c.lastErr = nil
	c.log.WithFields(logrus.Fields{
		"call":   rec.ID,
		"handle": helpers.Fingerprint(rec.Handle),
		"video":  rec.HasVideo,
	}).Info("outbound call")
	c.handleIntent(intentEnv{ev: machine.UserStartRequested{}, reply: env.reply})
}

func (c *Coordinator) handleInbound(env inboundEnv) {
	if cur := c.rec; cur != nil {
		sameCall := env.id != uuid.Nil && env.id == cur.ID
		sameMedia := env.sdkHandle != "" && env.sdkHandle == cur.SDKHandle
		if sameCall && !cur.Active() {
			send(env.reply, c.snapshot(), nil)
			return
		}
		if cur.Active() {
			// A push and the SDK announce the same call in either order.
			pushed := cur.Direction == call.Inbound && cur.SDKHandle == "" && env.sdkHandle != "" &&
				helpers.NormalizeHandle(cur.Handle) == helpers.NormalizeHandle(env.handle)
			if sameCall || sameMedia || pushed {
				if cur.SDKHandle == "" && env.sdkHandle != "" {
					cur.SDKHandle = env.sdkHandle
					c.publish()
				}
				send(env.reply, c.snapshot(), nil)
				return
			}
			c.log.WithFields(logrus.Fields{
				"call":   cur.ID,
				"handle": helpers.Fingerprint(env.handle),
			}).Info("second inbound call refused")
			send(env.reply, c.snapshot(), call.Rejected(transaction.ReasonCallGroupLimit.String()))
			if env.sdkHandle != "" {
				other := call.NewInbound(uuid.Nil, env.handle, env.video)
				other.SDKHandle = env.sdkHandle
				c.effects.Submit(effects.Batch{Record: other, Effects: []machine.Effect{{Kind: machine.EffectSDKHangup}}})
			}
			return
		}
	}

	rec := call.NewInbound(env.id, env.handle, env.video)
	rec.SDKHandle = env.sdkHandle
	rec.ContactID = env.contactID
	c.rec = &rec
	c.lastErr = nil
	c.log.WithFields(logrus.Fields{
		"call":   rec.ID,
		"handle": helpers.Fingerprint(rec.Handle),
		"video":  rec.HasVideo,
		"sdk":    rec.SDKHandle,
	}).Info("inbound call")
	c.publish()

	a := transaction.NewAction(transaction.KindReport, rec.ID)
	a.Handle = rec.Handle
	a.Video = rec.HasVideo
	c.pending[rec.ID] = &pendingTx{action: a, reply: env.reply}
	c.effects.Submit(effects.Batch{
		Record:  rec.Clone(),
		Effects: []machine.Effect{{Kind: machine.EffectRequestTransaction, Action: a}},
	})
}

func (c *Coordinator) handleIntent(env intentEnv) {
	if env.deferred && (c.rec == nil || c.rec.ID != env.callID || !c.rec.Active()) {
		// The call this intent was meant for is gone. Ending it is already done.
		if _, ok := env.ev.(machine.UserEndRequested); ok {
			send(env.reply, c.snapshot(), nil)
			return
		}
		send(env.reply, c.snapshot(), call.ErrNoActiveCall)
		return
	}
	if !c.active() {
		send(env.reply, c.snapshot(), call.ErrNoActiveCall)
		return
	}

	rec := *c.rec
	entry := c.log.WithFields(logrus.Fields{"call": rec.ID, "event": env.ev.String()})
	res := machine.Transition(rec, env.ev)
	if res.Err != nil {
		entry.WithError(res.Err).Info("intent refused")
		send(env.reply, c.snapshot(), res.Err)
		return
	}

	a, requests := res.Requests()
	if requests {
		if _, busy := c.pending[rec.ID]; busy {
			entry.Debug("intent waits for pending transaction")
			env.callID = rec.ID
			env.deferred = true
			c.deferred[rec.ID] = append(c.deferred[rec.ID], env)
			return
		}
	}
	if res.Noop() {
		entry.Debug(res.Effects[0].Diagnostic)
		send(env.reply, c.snapshot(), nil)
		return
	}

	c.apply(res)
	if requests {
		c.pending[rec.ID] = &pendingTx{action: a, reply: env.reply}
		return
	}
	send(env.reply, c.snapshot(), nil)
}

func (c *Coordinator) handleSDK(env sdkEnv) {
	entry := c.log.WithFields(logrus.Fields{"sdk": env.handle, "event": env.ev.String()})
	if !c.active() {
		entry.Debug("sdk event without active call")
		return
	}
	adopted := false
	switch {
	case c.rec.SDKHandle == "" && env.handle != "":
		if c.isRetired(env.handle) {
			entry.Debug("event for a finished sdk call")
			return
		}
		c.rec.SDKHandle = env.handle
		adopted = true
	case env.handle != "" && env.handle != c.rec.SDKHandle:
		entry.WithField("call", c.rec.ID).Debug("stale sdk event")
		return
	}

	res := machine.Transition(*c.rec, env.ev)
	if res.Err != nil || res.Noop() {
		if res.Noop() {
			entry.WithField("call", c.rec.ID).Debug(res.Effects[0].Diagnostic)
		}
		if adopted {
			c.publish()
		}
		return
	}
	c.apply(res)
}

func (c *Coordinator) handleInterrupt(env interruptEnv) {
	if !c.active() || (env.handle != "" && env.handle != c.rec.SDKHandle) {
		return
	}
	if !env.began {
		c.log.WithField("call", c.rec.ID).Info("media interruption ended")
		return
	}
	if c.rec.State != call.StateConnected {
		c.log.WithFields(logrus.Fields{"call": c.rec.ID, "state": c.rec.State.String()}).
			Debug("interruption outside connected state")
		return
	}
	c.handleIntent(intentEnv{ev: machine.UserHoldToggled{Hold: true}})
}

func (c *Coordinator) handleMedia(env mediaEnv) {
	if !c.active() || (env.handle != "" && env.handle != c.rec.SDKHandle) {
		return
	}
	if !c.rec.HasVideo {
		c.log.WithField("call", c.rec.ID).Debug("media change request on audio-only call")
		return
	}
	switch c.rec.State {
	case call.StateConnected, call.StateOnHold:
		c.handleIntent(intentEnv{ev: machine.UserMuteToggled{Media: machine.MediaVideo, Muted: !env.video}})
	}
}

// handlePerform runs a platform-granted action. The returned error fails the
// platform's action object.
func (c *Coordinator) handlePerform(a transaction.Action) error {
	if !c.active() || c.rec.ID != a.CallID {
		return call.ErrNoActiveCall
	}
	res := machine.Transition(*c.rec, machine.TransactionGranted{Action: a})
	if res.Err != nil {
		return res.Err
	}
	if res.Noop() {
		return call.InvalidTransition(c.rec.State, "perform "+a.String())
	}
	c.apply(res)
	if p, ok := c.pending[a.CallID]; ok && p.action.Kind == a.Kind {
		p.applied = true
	}
	return nil
}

func (c *Coordinator) handleResolved(env resolvedEnv) {
	a := env.action
	p, ok := c.pending[a.CallID]
	if !ok || p.action.ID != a.ID {
		c.log.WithField("action", a.String()).Debug("outcome for unknown transaction")
		return
	}
	delete(c.pending, a.CallID)

	current := c.rec != nil && c.rec.ID == a.CallID
	var err error
	if env.outcome.Granted {
		if !p.applied && current {
			c.step(machine.TransactionGranted{Action: a})
		}
	} else {
		if current {
			c.step(machine.TransactionDenied{Action: a, Reason: env.outcome.Reason})
		}
		err = rejection(a, env.outcome.Reason)
	}
	send(p.reply, c.snapshot(), err)
	c.replay(a.CallID)
}

// rejection is the error a denied action returns to its caller. Denials the
// machine absorbs are not errors.
func rejection(a transaction.Action, r transaction.Reason) error {
	switch {
	case r == transaction.ReasonDuplicateCall:
		return nil
	case a.Kind == transaction.KindReport && r == transaction.ReasonBusy:
		return nil
	}
	return call.Rejected(r.String())
}

func (c *Coordinator) replay(callID uuid.UUID) {
	for len(c.deferred[callID]) > 0 {
		if _, busy := c.pending[callID]; busy {
			return
		}
		env := c.deferred[callID][0]
		c.deferred[callID] = c.deferred[callID][1:]
		c.handleIntent(env)
	}
	delete(c.deferred, callID)
}

func (c *Coordinator) handleFailed(env failedEnv) {
	if !c.active() || c.rec.ID != env.callID {
		return
	}
	f := env.failure
	switch f.Kind {
	case call.FailureSDK:
		c.step(machine.SDKCommandFailed{Command: f.Reason, Err: f.Message})
	default:
		// The call goes on degraded.
		c.log.WithFields(logrus.Fields{"call": c.rec.ID, "failure": f.Error()}).Warn("call degraded")
		c.rec.LastError = f
		c.publish()
	}
}

func (c *Coordinator) handleDialed(env dialedEnv) {
	if !c.active() || c.rec.ID != env.callID || c.rec.SDKHandle != "" {
		return
	}
	c.rec.SDKHandle = env.handle
	c.publish()
}

// step applies an event that did not come from a caller; rejections are
// only logged.
func (c *Coordinator) step(ev machine.Event) {
	if c.rec == nil {
		return
	}
	entry := c.log.WithFields(logrus.Fields{"call": c.rec.ID, "event": ev.String()})
	res := machine.Transition(*c.rec, ev)
	switch {
	case res.Err != nil:
		entry.WithError(res.Err).Warn("event refused")
	case res.Noop():
		entry.Debug(res.Effects[0].Diagnostic)
	default:
		c.apply(res)
	}
}

// apply stamps local effects, hands the rest to the dispatcher and publishes
// the new snapshot.
func (c *Coordinator) apply(res machine.Result) {
	prev := *c.rec
	rec := res.Record
	now := c.now()

	external := make([]machine.Effect, 0, len(res.Effects))
	for _, e := range res.Effects {
		switch e.Kind {
		case machine.EffectNoop:
		case machine.EffectSetConnectingTimestamp:
			call.Stamp(&rec.ConnectingAt, now)
		case machine.EffectSetConnectedTimestamp:
			call.Stamp(&rec.ConnectedAt, now)
		case machine.EffectSetEndedTimestamp:
			call.Stamp(&rec.EndedAt, now)
		default:
			external = append(external, e)
		}
	}

	if len(res.Path) > 0 {
		path := make([]string, len(res.Path))
		for i, st := range res.Path {
			path[i] = st.String()
		}
		entry := c.log.WithFields(logrus.Fields{
			"call": rec.ID,
			"from": prev.State.String(),
			"path": strings.Join(path, ">"),
		})
		if rec.State == call.StateEnded {
			entry = entry.WithField("outcome", rec.Outcome.String())
		}
		entry.Info("call state changed")
	}

	if rec.Direction == call.Outbound && rec.State == call.StateIdle && rec.LastError != nil {
		// A refused start leaves nothing behind but the error.
		c.lastErr = rec.LastError
		c.rec = nil
	} else {
		c.rec = &rec
	}
	if len(external) > 0 {
		c.effects.Submit(effects.Batch{Record: rec.Clone(), Effects: external})
	}
	if prev.Active() && !rec.Active() {
		c.retire(rec)
	}
	c.publish()
}

func (c *Coordinator) retire(rec call.Record) {
	c.gateway.Forget(rec.ID)
	if rec.SDKHandle != "" {
		c.retired = append(c.retired, rec.SDKHandle)
		if len(c.retired) > retiredHandles {
			c.retired = c.retired[len(c.retired)-retiredHandles:]
		}
	}

	c.bg.Add(1)
	go func(id uuid.UUID) {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TransactionTimeout)
		defer cancel()
		if err := c.opts.Platform.ReportEnded(ctx, id); err != nil {
			c.log.WithError(err).WithField("call", id).Warn("reporting ended call to platform failed")
		}
	}(rec.ID)
}

func (c *Coordinator) isRetired(handle string) bool {
	for _, h := range c.retired {
		if h == handle {
			return true
		}
	}
	return false
}

func (c *Coordinator) publish() {
	c.version++
	s := call.Snapshot{Version: c.version}
	if c.rec != nil {
		r := c.rec.Clone()
		s.Record = &r
		s.LastError = r.LastError
	}
	if s.LastError == nil && c.lastErr != nil {
		f := *c.lastErr
		s.LastError = &f
	}
	c.snap.Store(&s)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		out := s
		if s.Record != nil {
			r := s.Record.Clone()
			out.Record = &r
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- out:
		default:
		}
	}
}
