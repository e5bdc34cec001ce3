// Package effects executes the side effects of state transitions. Batches run
// in submission order on one worker so effects of different transitions never
// interleave; the coordinator's event loop only enqueues.
package effects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/helpers"
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/dense-identity/callsession/internal/store"
	"github.com/dense-identity/callsession/internal/transaction"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var defaultBackoff = []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// Observer receives results the coordinator has to fold back into the record.
type Observer interface {
	// EffectFailed reports an SDK or resource failure for callID.
	EffectFailed(callID uuid.UUID, f *call.Failure)
	// Dialed reports the vendor handle assigned to an outbound call.
	Dialed(callID uuid.UUID, sdkHandle string)
}

// Requester runs one platform transaction to completion. It is called on its
// own goroutine.
type Requester func(ctx context.Context, a transaction.Action)

type Options struct {
	Engine    sdk.Engine
	Store     store.CallStore
	Ringer    Ringer
	Audio     *AudioSession
	PiP       PiPHost
	Requester Requester
	Observer  Observer

	// Backoff lists the wait before each attempt of a failing effect.
	Backoff   []time.Duration
	SIPDomain string
	Log       *logrus.Entry
}

// Batch is the ordered effect list of one transition together with the
// record as it stood after that transition.
type Batch struct {
	Record  call.Record
	Effects []machine.Effect

	flushed chan struct{}
}

type Dispatcher struct {
	opts Options
	log  *logrus.Entry

	mu     sync.Mutex
	queue  []Batch
	notify chan struct{}
	counts map[machine.EffectKind]int
	closed bool

	ringing bool
	pipCall uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc
	worker sync.WaitGroup
	async  sync.WaitGroup

	// Audio activations waiting for the platform off the worker, guarded by
	// mu. audioIdle is closed whenever none are in flight.
	activating int
	audioIdle  chan struct{}
}

func New(opts Options) *Dispatcher {
	if len(opts.Backoff) == 0 {
		opts.Backoff = defaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:   opts,
		log:    opts.Log,
		notify: make(chan struct{}, 1),
		counts: make(map[machine.EffectKind]int),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker.
func (d *Dispatcher) Start() {
	d.worker.Add(1)
	go d.run()
}

// Submit enqueues b without blocking. It reports false once the dispatcher
// is closed.
func (d *Dispatcher) Submit(b Batch) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.WithField("effects", len(b.Effects)).Warn("dispatcher closed, dropping batch")
		return false
	}
	d.queue = append(d.queue, b)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every batch submitted before the call has run,
// including audio activations still waiting for the platform.
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !d.Submit(Batch{flushed: done}) {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-d.activationsSettled():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) activationsSettled() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activating == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	return d.audioIdle
}

func (d *Dispatcher) activationStarted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activating == 0 {
		d.audioIdle = make(chan struct{})
	}
	d.activating++
}

func (d *Dispatcher) activationDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activating--
	if d.activating == 0 {
		close(d.audioIdle)
	}
}

// Close drains the queue, stops the worker and releases every resource the
// dispatcher still holds.
func (d *Dispatcher) Close(ctx context.Context) error {
	flushErr := d.Flush(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.worker.Wait()
	d.async.Wait()
	<-d.activationsSettled()

	var errs []error
	if flushErr != nil {
		errs = append(errs, flushErr)
	}
	if d.ringing {
		d.ringing = false
		errs = append(errs, d.opts.Ringer.StopRingtone(ctx))
	}
	if d.pipCall != uuid.Nil {
		id := d.pipCall
		d.pipCall = uuid.Nil
		errs = append(errs, d.opts.PiP.ReleasePiP(ctx, id))
	}
	if _, err := d.opts.Audio.Release(ctx); err != nil && !errors.Is(err, ErrAudioNotDeactivated) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AudioSession exposes the activation latch to platform callbacks.
func (d *Dispatcher) AudioSession() *AudioSession { return d.opts.Audio }

// Count returns how many times effects of kind k have been executed.
func (d *Dispatcher) Count(k machine.EffectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[k]
}

func (d *Dispatcher) run() {
	defer d.worker.Done()
	for {
		b, ok := d.next()
		if !ok {
			return
		}
		if b.flushed != nil {
			close(b.flushed)
			continue
		}
		for _, e := range b.Effects {
			d.execute(b.Record, e)
		}
	}
}

func (d *Dispatcher) next() (Batch, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			b := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return b, true
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-d.ctx.Done():
			return Batch{}, false
		}
	}
}

func (d *Dispatcher) execute(rec call.Record, e machine.Effect) {
	if e.Kind.Local() {
		return
	}
	d.mu.Lock()
	d.counts[e.Kind]++
	d.mu.Unlock()

	entry := d.log.WithFields(logrus.Fields{"call": rec.ID, "effect": e.String()})
	entry.Debug("running effect")

	switch e.Kind {
	case machine.EffectRequestTransaction:
		if d.opts.Requester == nil {
			entry.Error("no transaction requester configured")
			return
		}
		d.async.Add(1)
		go func(a transaction.Action) {
			defer d.async.Done()
			d.opts.Requester(d.ctx, a)
		}(e.Action)

	case machine.EffectStartRingtone:
		if d.ringing {
			return
		}
		if err := d.retry(entry, func(ctx context.Context) error { return d.opts.Ringer.StartRingtone(ctx) }); err != nil {
			entry.WithError(err).Warn("ringtone failed")
			return
		}
		d.ringing = true

	case machine.EffectStopRingtone:
		if !d.ringing {
			return
		}
		if err := d.retry(entry, func(ctx context.Context) error { return d.opts.Ringer.StopRingtone(ctx) }); err != nil {
			entry.WithError(err).Warn("stopping ringtone failed")
			return
		}
		d.ringing = false

	case machine.EffectActivateAudioRoute:
		// Waits for the platform off the worker. A release abandons the wait.
		activate := d.opts.Audio.begin()
		d.activationStarted()
		go func(id uuid.UUID) {
			defer d.activationDone()
			err := activate(d.ctx)
			if err == nil || d.ctx.Err() != nil {
				return
			}
			entry.WithError(err).Warn("audio route unavailable")
			d.fail(id, &call.Failure{Kind: call.FailureResource, Reason: "audio", Message: err.Error()})
		}(rec.ID)

	case machine.EffectReleaseAudioRoute:
		var released bool
		var late error
		err := d.retry(entry, func(ctx context.Context) error {
			r, err := d.opts.Audio.Release(ctx)
			released = released || r
			if errors.Is(err, ErrAudioNotDeactivated) {
				late = err
				return nil
			}
			return err
		})
		switch {
		case err != nil:
			entry.WithError(err).Warn("audio release failed")
		case late != nil:
			entry.WithError(late).Warn("audio released without platform deactivation")
		case !released:
			entry.Debug("audio route was never active")
		}

	case machine.EffectPersistRecord, machine.EffectPersistFinalRecord:
		d.persist(entry, rec, e.Kind == machine.EffectPersistFinalRecord)

	case machine.EffectSetupPiPSurface:
		if d.pipCall == rec.ID {
			return
		}
		if d.pipCall != uuid.Nil {
			d.releasePiP(entry)
		}
		if err := d.retry(entry, func(ctx context.Context) error { return d.opts.PiP.AcquirePiP(ctx, rec.ID) }); err != nil {
			entry.WithError(err).Warn("pip surface unavailable")
			d.fail(rec.ID, &call.Failure{Kind: call.FailureResource, Reason: "pip", Message: err.Error()})
			return
		}
		d.pipCall = rec.ID

	case machine.EffectReleasePiP:
		d.releasePiP(entry)

	default:
		d.sdkCommand(entry, rec, e)
	}
}

func (d *Dispatcher) releasePiP(entry *logrus.Entry) {
	if d.pipCall == uuid.Nil {
		return
	}
	id := d.pipCall
	if err := d.retry(entry, func(ctx context.Context) error { return d.opts.PiP.ReleasePiP(ctx, id) }); err != nil {
		entry.WithError(err).Warn("pip release failed")
	}
	d.pipCall = uuid.Nil
}

// persist never fails the call: errors are logged and the batch continues.
func (d *Dispatcher) persist(entry *logrus.Entry, rec call.Record, final bool) {
	if d.opts.Store == nil {
		return
	}
	err := d.retry(entry, func(ctx context.Context) error {
		if final {
			return d.opts.Store.UpdateCallRecord(ctx, rec)
		}
		return d.opts.Store.CreateCallRecord(ctx, rec)
	})
	if err != nil {
		f := &call.Failure{Kind: call.FailurePersistence, Message: err.Error()}
		entry.WithError(f).Error("call record not persisted")
	}
}

func (d *Dispatcher) sdkCommand(entry *logrus.Entry, rec call.Record, e machine.Effect) {
	eng := d.opts.Engine
	handle := rec.SDKHandle
	// Without a vendor handle there is nothing to command, except that an
	// outbound hangup may still target the call the engine is dialing.
	if handle == "" && e.Kind != machine.EffectSDKDial &&
		!(e.Kind == machine.EffectSDKHangup && rec.Direction == call.Outbound) {
		entry.Debug("no sdk handle, skipping")
		return
	}

	var run func(ctx context.Context) error
	switch e.Kind {
	case machine.EffectSDKDial:
		run = func(ctx context.Context) error {
			h, err := eng.Dial(ctx, helpers.FormatSIPURI(rec.Handle, d.opts.SIPDomain), rec.HasVideo)
			if err == nil && h != "" && d.opts.Observer != nil {
				d.opts.Observer.Dialed(rec.ID, h)
			}
			return err
		}
	case machine.EffectSDKAnswer:
		run = func(ctx context.Context) error { return eng.Answer(ctx, handle, e.Flag) }
	case machine.EffectSDKHangup:
		run = func(ctx context.Context) error { return eng.Hangup(ctx, handle) }
	case machine.EffectSDKHold:
		run = func(ctx context.Context) error { return eng.Hold(ctx, handle, e.Flag) }
	case machine.EffectSDKMute:
		run = func(ctx context.Context) error { return eng.Mute(ctx, handle, e.Flag) }
	case machine.EffectSDKVideoMute:
		run = func(ctx context.Context) error { return eng.SetVideoMuted(ctx, handle, e.Flag) }
	case machine.EffectSDKFlipCamera:
		run = func(ctx context.Context) error { return eng.FlipCamera(ctx, handle) }
	case machine.EffectSDKSendDTMF:
		run = func(ctx context.Context) error { return eng.SendDTMF(ctx, handle, e.Digits) }
	default:
		entry.Warn("unknown effect")
		return
	}

	if err := d.retry(entry, run); err != nil {
		entry.WithError(err).Error("sdk command failed")
		if e.Kind == machine.EffectSDKHangup {
			return
		}
		d.fail(rec.ID, &call.Failure{Kind: call.FailureSDK, Reason: e.Kind.String(), Message: err.Error()})
	}
}

func (d *Dispatcher) fail(callID uuid.UUID, f *call.Failure) {
	if d.opts.Observer != nil {
		d.opts.Observer.EffectFailed(callID, f)
	}
}

// retry runs fn once per backoff step until it succeeds.
func (d *Dispatcher) retry(entry *logrus.Entry, fn func(ctx context.Context) error) error {
	var err error
	for attempt, wait := range d.opts.Backoff {
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-d.ctx.Done():
				return errors.Join(err, d.ctx.Err())
			}
		}
		if err = fn(d.ctx); err == nil {
			return nil
		}
		entry.WithError(err).WithField("attempt", attempt+1).Debug("effect attempt failed")
	}
	return fmt.Errorf("after %d attempts: %w", len(d.opts.Backoff), err)
}
