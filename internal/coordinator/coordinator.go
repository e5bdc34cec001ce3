// Package coordinator owns the active call. One goroutine, the loop, holds
// the record and drives the state machine; platform callbacks, SDK callbacks
// and user intents all reach it as envelopes on a single queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/config"
	"github.com/dense-identity/callsession/internal/effects"
	"github.com/dense-identity/callsession/internal/helpers"
	"github.com/dense-identity/callsession/internal/logging"
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/dense-identity/callsession/internal/platform"
	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/dense-identity/callsession/internal/store"
	"github.com/dense-identity/callsession/internal/transaction"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by every operation once Close has run.
	ErrClosed = errors.New("coordinator closed")

	// ErrInvalidHandle is returned for a handle with nothing dialable in it.
	ErrInvalidHandle = errors.New("invalid handle")
)

// retiredHandles bounds how many finished SDK handles are remembered for
// dropping late callbacks.
const retiredHandles = 16

type Options struct {
	Platform platform.Service
	Engine   sdk.Engine
	Store    store.CallStore
	Contacts store.ContactLookup

	// Devices default to effects.LogDevices when nil.
	Ringer effects.Ringer
	Router effects.AudioRouter
	PiP    effects.PiPHost

	Config *config.Coordinator
	Clock  func() time.Time
	Log    *logrus.Entry
}

type pendingTx struct {
	action transaction.Action
	// applied is set once a perform callback ran the granted transition.
	applied bool
	reply   chan result
}

type Coordinator struct {
	opts    Options
	cfg     *config.Coordinator
	log     *logrus.Entry
	now     func() time.Time
	gateway *transaction.Gateway
	effects *effects.Dispatcher

	events  chan envelope
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	loop    sync.WaitGroup
	bg      sync.WaitGroup
	once    sync.Once

	snap      atomic.Pointer[call.Snapshot]
	subMu     sync.Mutex
	subs      map[int]chan call.Snapshot
	nextSub   int
	subClosed bool

	// Owned by the loop.
	rec      *call.Record
	lastErr  *call.Failure
	version  uint64
	pending  map[uuid.UUID]*pendingTx
	deferred map[uuid.UUID][]intentEnv
	retired  []string
}

func New(opts Options) (*Coordinator, error) {
	if opts.Platform == nil {
		return nil, errors.New("coordinator: platform is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("coordinator: sdk engine is required")
	}
	if opts.Config == nil {
		cfg, err := config.New[config.Coordinator]()
		if err != nil {
			return nil, fmt.Errorf("coordinator: default config: %w", err)
		}
		opts.Config = cfg
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Ringer == nil || opts.Router == nil || opts.PiP == nil {
		dev := effects.NewLogDevices(opts.Log.WithField("name", "devices"))
		if opts.Ringer == nil {
			opts.Ringer = dev
		}
		if opts.Router == nil {
			opts.Router = dev
		}
		if opts.PiP == nil {
			opts.PiP = dev
		}
	}

	cfg := opts.Config
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:     opts,
		cfg:      cfg,
		log:      opts.Log,
		now:      opts.Clock,
		events:   make(chan envelope, max(cfg.EventQueueSize, 1)),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]chan call.Snapshot),
		pending:  make(map[uuid.UUID]*pendingTx),
		deferred: make(map[uuid.UUID][]intentEnv),
	}
	c.gateway = transaction.NewGateway(opts.Platform, cfg.TransactionTimeout, opts.Log.WithField("name", "transaction"))
	c.effects = effects.New(effects.Options{
		Engine:    opts.Engine,
		Store:     opts.Store,
		Ringer:    opts.Ringer,
		Audio:     effects.NewAudioSession(opts.Router, cfg.AudioActivationTimeout),
		PiP:       opts.PiP,
		Requester: c.request,
		Observer:  observer{c},
		Backoff:   cfg.RetryBackoff(),
		SIPDomain: cfg.SIPDomain,
		Log:       opts.Log.WithField("name", "effects"),
	})
	c.snap.Store(&call.Snapshot{})
	return c, nil
}

// Start ends any call a previous process left active in the store, then
// launches the effect worker and the loop.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.recoverStale()
	c.effects.Start()
	c.loop.Add(1)
	go c.run()
}

// Close ends any active call, drains effects and releases every resource.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		if c.started.Load() {
			c.loop.Wait()
		} else {
			close(c.done)
		}
		err = c.effects.Close(ctx)
		c.bg.Wait()

		c.subMu.Lock()
		c.subClosed = true
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subMu.Unlock()
	})
	return err
}

// StartOutbound places a call to handle. It returns once the platform has
// answered the start transaction.
func (c *Coordinator) StartOutbound(ctx context.Context, handle string, video bool) (call.Snapshot, error) {
	handle = strings.TrimSpace(handle)
	if helpers.NormalizeHandle(handle) == "" {
		return c.CurrentSnapshot(), ErrInvalidHandle
	}
	reply := make(chan result, 1)
	env := startEnv{handle: handle, video: video, contactID: c.lookupContact(ctx, handle), reply: reply}
	if err := c.post(ctx, env); err != nil {
		return c.CurrentSnapshot(), err
	}
	return c.await(ctx, reply)
}

// ReceiveInbound announces a call the SDK is receiving. It returns once the
// platform has accepted or refused the report.
func (c *Coordinator) ReceiveInbound(ctx context.Context, handle string, video bool, sdkHandle string) (call.Snapshot, error) {
	return c.receive(ctx, uuid.Nil, handle, video, sdkHandle)
}

func (c *Coordinator) receive(ctx context.Context, id uuid.UUID, handle string, video bool, sdkHandle string) (call.Snapshot, error) {
	handle = strings.TrimSpace(handle)
	if helpers.NormalizeHandle(handle) == "" {
		return c.CurrentSnapshot(), ErrInvalidHandle
	}
	reply := make(chan result, 1)
	env := inboundEnv{
		id:        id,
		handle:    handle,
		video:     video,
		sdkHandle: sdkHandle,
		contactID: c.lookupContact(ctx, handle),
		reply:     reply,
	}
	if err := c.post(ctx, env); err != nil {
		return c.CurrentSnapshot(), err
	}
	return c.await(ctx, reply)
}

// UserIntent applies a user event to the active call. Intents that need a
// platform transaction return once it resolves.
func (c *Coordinator) UserIntent(ctx context.Context, ev machine.Event) (call.Snapshot, error) {
	if ev == nil || !machine.IsUserIntent(ev) {
		return c.CurrentSnapshot(), &call.Failure{
			Kind:    call.FailureInvalidTransition,
			Message: fmt.Sprintf("%v is not a user intent", ev),
		}
	}
	reply := make(chan result, 1)
	if err := c.post(ctx, intentEnv{ev: ev, reply: reply}); err != nil {
		return c.CurrentSnapshot(), err
	}
	return c.await(ctx, reply)
}

// SDKCallback feeds a vendor status directly, bypassing the bridge.
func (c *Coordinator) SDKCallback(handle string, status sdk.Status, detail string) {
	c.PostSDK(handle, machine.SDKStatusChanged{Status: status, Detail: detail})
}

// CurrentSnapshot never blocks on the loop.
func (c *Coordinator) CurrentSnapshot() call.Snapshot {
	s := *c.snap.Load()
	if s.Record != nil {
		r := s.Record.Clone()
		s.Record = &r
	}
	return s
}

// Subscribe returns a channel carrying the latest snapshot. A slow reader
// only ever misses intermediate snapshots, never the newest one.
func (c *Coordinator) Subscribe() (<-chan call.Snapshot, func()) {
	ch := make(chan call.Snapshot, 1)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.CurrentSnapshot()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Drain waits until every event queued before the call has been processed
// and its effects have run.
func (c *Coordinator) Drain(ctx context.Context) error {
	reply := make(chan struct{})
	if err := c.post(ctx, barrierEnv{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.effects.Flush(ctx)
}

// recoverStale closes out a record still marked active from an earlier run.
// The SDK and platform sessions it named died with that process, so only
// the record is settled.
func (c *Coordinator) recoverStale() {
	if c.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TransactionTimeout)
	defer cancel()

	rec, ok, err := c.opts.Store.FetchActiveCallRecord(ctx)
	if err != nil {
		c.log.WithError(err).Warn("reading stale active call failed")
		return
	}
	if !ok {
		return
	}

	ended := machine.Transition(rec, machine.PlatformReset{}).Record
	if ended.Active() {
		ended.State = call.StateEnded
		ended.TerminalCause = call.StateEnded
	}
	call.Stamp(&ended.EndedAt, c.now())

	entry := c.log.WithFields(logrus.Fields{
		"call":    ended.ID,
		"from":    rec.State.String(),
		"outcome": ended.Outcome.String(),
	})
	if err := c.opts.Store.UpdateCallRecord(ctx, ended); err != nil {
		entry.WithError(err).Warn("closing stale active call failed")
		return
	}
	entry.Info("closed call left active by previous run")
}

func (c *Coordinator) lookupContact(ctx context.Context, handle string) string {
	if c.opts.Contacts == nil {
		return ""
	}
	id, ok, err := c.opts.Contacts.LookupContact(ctx, handle)
	if err != nil {
		c.log.WithError(err).WithField("handle", helpers.Fingerprint(handle)).Warn("contact lookup failed")
		return ""
	}
	if !ok {
		return ""
	}
	return id
}

func (c *Coordinator) post(ctx context.Context, env envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.events <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) await(ctx context.Context, reply chan result) (call.Snapshot, error) {
	select {
	case r := <-reply:
		return r.snap, r.err
	case <-c.done:
		return c.CurrentSnapshot(), ErrClosed
	case <-ctx.Done():
		return c.CurrentSnapshot(), ctx.Err()
	}
}

// request runs on a dispatcher goroutine; the outcome re-enters the loop.
func (c *Coordinator) request(ctx context.Context, a transaction.Action) {
	o := c.gateway.Request(ctx, a)
	if err := c.post(context.Background(), resolvedEnv{action: a, outcome: o}); err != nil {
		c.log.WithField("action", a.String()).Debug("transaction outcome dropped after close")
	}
}

type observer struct{ c *Coordinator }

func (o observer) EffectFailed(callID uuid.UUID, f *call.Failure) {
	_ = o.c.post(context.Background(), failedEnv{callID: callID, failure: f})
}

func (o observer) Dialed(callID uuid.UUID, sdkHandle string) {
	_ = o.c.post(context.Background(), dialedEnv{callID: callID, handle: sdkHandle})
}
