package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/config"
	"github.com/dense-identity/callsession/internal/logging"
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/dense-identity/callsession/internal/platform"
	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/dense-identity/callsession/internal/store"
	"github.com/dense-identity/callsession/internal/transaction"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeEngine) record(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if f.fail[cmd] {
		return fmt.Errorf("%s refused", cmd)
	}
	return nil
}

func (f *fakeEngine) Dial(_ context.Context, uri string, _ bool) (string, error) {
	if err := f.record("dial " + uri); err != nil {
		return "", err
	}
	return "sdk-out", nil
}

func (f *fakeEngine) Answer(_ context.Context, h string, video bool) error {
	return f.record(fmt.Sprintf("answer %s %v", h, video))
}
func (f *fakeEngine) Hangup(_ context.Context, h string) error { return f.record("hangup " + h) }
func (f *fakeEngine) Hold(_ context.Context, h string, on bool) error {
	return f.record(fmt.Sprintf("hold %s %v", h, on))
}
func (f *fakeEngine) Mute(_ context.Context, h string, on bool) error {
	return f.record(fmt.Sprintf("mute %s %v", h, on))
}
func (f *fakeEngine) SetVideoMuted(_ context.Context, h string, on bool) error {
	return f.record(fmt.Sprintf("video %s %v", h, on))
}
func (f *fakeEngine) FlipCamera(_ context.Context, h string) error { return f.record("flip " + h) }
func (f *fakeEngine) SendDTMF(_ context.Context, h, digits string) error {
	return f.record("dtmf " + h + " " + digits)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeDevices struct {
	mu                   sync.Mutex
	routes, unroutes     int
	pipAcquired, pipFree int
	ringing              bool
}

func (d *fakeDevices) StartRingtone(context.Context) error { d.set(&d.ringing, true); return nil }
func (d *fakeDevices) StopRingtone(context.Context) error  { d.set(&d.ringing, false); return nil }

func (d *fakeDevices) Route(context.Context) error { d.inc(&d.routes); return nil }

func (d *fakeDevices) Unroute(context.Context) error { d.inc(&d.unroutes); return nil }

func (d *fakeDevices) AcquirePiP(context.Context, uuid.UUID) error { d.inc(&d.pipAcquired); return nil }

func (d *fakeDevices) ReleasePiP(context.Context, uuid.UUID) error { d.inc(&d.pipFree); return nil }

func (d *fakeDevices) set(f *bool, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*f = v
}

func (d *fakeDevices) inc(n *int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*n++
}

func (d *fakeDevices) counts() (routes, unroutes, acquired, freed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes, d.unroutes, d.pipAcquired, d.pipFree
}

type fixture struct {
	c        *Coordinator
	platform *platform.Loopback
	engine   *fakeEngine
	devices  *fakeDevices
	store    *store.MemoryStore
}

func testConfig() *config.Coordinator {
	return &config.Coordinator{
		TransactionTimeout:     time.Second,
		AudioActivationTimeout: 500 * time.Millisecond,
		EffectRetries:          1,
		EffectRetryBackoff:     time.Millisecond,
		EventQueueSize:         16,
		SIPDomain:              "sip.example.org",
		StoreBackend:           config.StoreMemory,
	}
}

func newFixture(t *testing.T, tune func(*config.Coordinator, *platform.Loopback)) *fixture {
	t.Helper()
	cfg := testConfig()
	p := platform.NewLoopback(5*time.Millisecond, logging.Discard())
	if tune != nil {
		tune(cfg, p)
	}
	f := &fixture{
		platform: p,
		engine:   &fakeEngine{fail: map[string]bool{}},
		devices:  &fakeDevices{},
		store:    store.NewMemoryStore(10),
	}
	c, err := New(Options{
		Platform: p,
		Engine:   f.engine,
		Store:    f.store,
		Contacts: f.store,
		Ringer:   f.devices,
		Router:   f.devices,
		PiP:      f.devices,
		Config:   cfg,
		Log:      logging.Discard(),
	})
	require.NoError(t, err)
	p.SetProvider(c)
	c.Start()
	f.c = c

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
		p.Wait()
	})
	return f
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.c.Drain(ctxT(t)))
}

func (f *fixture) waitState(t *testing.T, want call.State) call.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.c.CurrentSnapshot().State() == want
	}, 2*time.Second, 5*time.Millisecond, "state never became %s", want)
	return f.c.CurrentSnapshot()
}

// connectInbound runs an inbound call up to connected.
func (f *fixture) connectInbound(t *testing.T, video bool) call.Snapshot {
	t.Helper()
	ctx := ctxT(t)
	snap, err := f.c.ReceiveInbound(ctx, "5551234", video, "sdk-in")
	require.NoError(t, err)
	require.Equal(t, call.StateAlerting, snap.State())

	snap, err = f.c.UserIntent(ctx, machine.UserAnswerRequested{})
	require.NoError(t, err)
	require.Equal(t, call.StateConnecting, snap.State())

	f.c.SDKCallback("sdk-in", sdk.StatusInCall, "")
	return f.waitState(t, call.StateConnected)
}

func TestScenarioA_InboundAnsweredConnects(t *testing.T) {
	f := newFixture(t, nil)
	snap := f.connectInbound(t, true)

	rec := snap.Record
	require.NotNil(t, rec)
	assert.Equal(t, call.Inbound, rec.Direction)
	assert.Equal(t, "5551234", rec.Handle)
	assert.True(t, rec.HasVideo)
	assert.False(t, rec.IsOnHold)
	require.NotNil(t, rec.ConnectedAt)
	require.NotNil(t, rec.ConnectingAt)
	assert.False(t, rec.ConnectedAt.Before(*rec.ConnectingAt))
	assert.Nil(t, snap.LastError)

	f.drain(t)
	assert.Contains(t, f.engine.Calls(), "answer sdk-in true")
	routes, _, acquired, _ := f.devices.counts()
	assert.Equal(t, 1, routes)
	assert.Equal(t, 1, acquired)
}

func TestScenarioB_SecondStartRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxT(t)

	first, err := f.c.StartOutbound(ctx, "+15550100", false)
	require.NoError(t, err)
	require.Equal(t, call.StateSettingUp, first.State())

	second, err := f.c.StartOutbound(ctx, "+15550199", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, call.ErrTransactionRejected))
	fl, ok := call.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "duplicate-call", fl.Reason)

	require.NotNil(t, second.Record)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.State, second.Record.State)
	assert.Equal(t, "+15550100", second.Record.Handle)
}

func TestScenarioC_SecondHoldIsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, false)
	ctx := ctxT(t)

	snap, err := f.c.UserIntent(ctx, machine.UserHoldToggled{Hold: true})
	require.NoError(t, err)
	assert.Equal(t, call.StateOnHold, snap.State())
	assert.True(t, snap.Record.IsOnHold)

	snap, err = f.c.UserIntent(ctx, machine.UserHoldToggled{Hold: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, call.ErrInvalidTransition))
	assert.Equal(t, call.StateOnHold, snap.State())

	snap, err = f.c.UserIntent(ctx, machine.UserHoldToggled{Hold: false})
	require.NoError(t, err)
	assert.Equal(t, call.StateConnected, snap.State())
}

func TestScenarioD_SDKErrorWhileSettingUp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxT(t)

	_, err := f.c.StartOutbound(ctx, "+15550100", false)
	require.NoError(t, err)
	f.drain(t)
	assert.Contains(t, f.engine.Calls(), "dial sip:+15550100@sip.example.org")

	f.c.SDKCallback("sdk-out", sdk.StatusError, "488 not acceptable")
	snap := f.waitState(t, call.StateEnded)
	f.drain(t)

	rec := snap.Record
	assert.Equal(t, call.OutcomeNone, rec.Outcome)
	assert.Equal(t, call.StateSDKError, rec.TerminalCause)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, call.FailureSDK, rec.LastError.Kind)
	assert.Equal(t, 1, f.c.effects.Count(machine.EffectReleaseAudioRoute))

	routes, unroutes, _, _ := f.devices.counts()
	assert.Zero(t, routes)
	assert.Zero(t, unroutes)
}

func TestFailedCallLeftOutOfHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxT(t)

	_, err := f.c.StartOutbound(ctx, "+15550100", false)
	require.NoError(t, err)
	f.drain(t)
	f.c.SDKCallback("sdk-out", sdk.StatusError, "488 not acceptable")
	f.waitState(t, call.StateEnded)
	f.drain(t)

	_, ok, err := f.store.FetchActiveCallRecord(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := f.store.History(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestMediaControlsRejectedWhileAlerting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxT(t)

	snap, err := f.c.ReceiveInbound(ctx, "5551234", true, "sdk-in")
	require.NoError(t, err)
	require.Equal(t, call.StateAlerting, snap.State())

	for _, ev := range []machine.Event{
		machine.UserMuteToggled{Media: machine.MediaAudio, Muted: true},
		machine.UserMuteToggled{Media: machine.MediaVideo, Muted: true},
		machine.UserCameraFlipped{},
	} {
		snap, err = f.c.UserIntent(ctx, ev)
		assert.ErrorIs(t, err, call.ErrInvalidTransition, "%s", ev)
		assert.False(t, snap.Record.IsMuted)
		assert.False(t, snap.Record.IsVideoMuted)
	}
	f.drain(t)
	for _, cmd := range f.engine.Calls() {
		assert.NotRegexp(t, `^(mute|video|flip) `, cmd)
	}
}

func TestStartClosesCallLeftActive(t *testing.T) {
	ctx := ctxT(t)
	ms := store.NewMemoryStore(10)
	stale := call.NewOutbound("+15550100", false)
	stale.State = call.StateConnected
	stale.SDKHandle = "sdk-old"
	require.NoError(t, ms.CreateCallRecord(ctx, stale))

	p := platform.NewLoopback(5*time.Millisecond, logging.Discard())
	c, err := New(Options{
		Platform: p,
		Engine:   &fakeEngine{fail: map[string]bool{}},
		Store:    ms,
		Config:   testConfig(),
		Log:      logging.Discard(),
	})
	require.NoError(t, err)
	p.SetProvider(c)
	c.Start()
	t.Cleanup(func() {
		_ = c.Close(context.Background())
		p.Wait()
	})

	_, ok, err := ms.FetchActiveCallRecord(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := ms.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, stale.ID, hist[0].ID)
	assert.Equal(t, call.StateEnded, hist[0].State)
	assert.Equal(t, call.OutcomeCompletedOutbound, hist[0].Outcome)
	assert.NotNil(t, hist[0].EndedAt)
	assert.Nil(t, c.CurrentSnapshot().Record)

	// The new process can place a call straight away.
	snap, err := c.StartOutbound(ctx, "+15550199", false)
	require.NoError(t, err)
	assert.Equal(t, call.StateSettingUp, snap.State())
}

func TestScenarioE_AnswerTimeoutEndsCall(t *testing.T) {
	f := newFixture(t, func(cfg *config.Coordinator, p *platform.Loopback) {
		cfg.TransactionTimeout = 50 * time.Millisecond
		p.Silence(transaction.KindAnswer)
	})
	ctx := ctxT(t)

	_, err := f.c.ReceiveInbound(ctx, "5551234", false, "sdk-in")
	require.NoError(t, err)

	snap, err := f.c.UserIntent(ctx, machine.UserAnswerRequested{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, call.ErrTransactionRejected))

	assert.Equal(t, call.StateEnded, snap.State())
	require.NotNil(t, snap.LastError)
	assert.Equal(t, call.FailureTransactionRejected, snap.LastError.Kind)
	assert.Equal(t, "timeout", snap.LastError.Reason)

	f.drain(t)
	assert.Contains(t, f.engine.Calls(), "hangup sdk-in")
}

func TestEndDuringPendingStartIsDeferred(t *testing.T) {
	f := newFixture(t, func(_ *config.Coordinator, p *platform.Loopback) {
		p.Delay = 40 * time.Millisecond
	})
	ctx := ctxT(t)

	started := make(chan error, 1)
	go func() {
		_, err := f.c.StartOutbound(ctx, "+15550100", false)
		started <- err
	}()
	f.waitState(t, call.StateSettingUp)

	snap, err := f.c.UserIntent(ctx, machine.UserEndRequested{})
	require.NoError(t, err)
	assert.Equal(t, call.StateEnded, snap.State())
	assert.Equal(t, call.OutcomeNone, snap.Record.Outcome)
	require.NoError(t, <-started)
}

func TestStartDeniedDropsRecord(t *testing.T) {
	f := newFixture(t, func(_ *config.Coordinator, p *platform.Loopback) {
		p.Deny(transaction.KindStart, transaction.ReasonUnentitled)
	})
	ctx := ctxT(t)

	snap, err := f.c.StartOutbound(ctx, "+15550100", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, call.ErrTransactionRejected))
	assert.Nil(t, snap.Record)
	assert.False(t, snap.Active())
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "unentitled", snap.LastError.Reason)

	_, err = f.c.UserIntent(ctx, machine.UserEndRequested{})
	assert.ErrorIs(t, err, call.ErrNoActiveCall)
}

func TestDoNotDisturbRejectsQuietly(t *testing.T) {
	f := newFixture(t, func(_ *config.Coordinator, p *platform.Loopback) {
		p.SetDoNotDisturb(true)
	})
	ctx := ctxT(t)

	snap, err := f.c.ReceiveInbound(ctx, "5551234", false, "sdk-in")
	require.NoError(t, err)
	assert.Equal(t, call.StateEnded, snap.State())
	assert.Equal(t, call.OutcomeRejected, snap.Record.Outcome)
	assert.Nil(t, snap.LastError)

	f.drain(t)
	history, err := f.store.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, call.OutcomeRejected, history[0].Outcome)
	assert.Contains(t, f.engine.Calls(), "hangup sdk-in")
}

func TestRemoteHangupCompletesInboundCall(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, true)

	f.c.SDKCallback("sdk-in", sdk.StatusEnded, "")
	snap := f.waitState(t, call.StateEnded)
	f.drain(t)

	assert.Equal(t, call.OutcomeCompletedInbound, snap.Record.Outcome)
	require.NotNil(t, snap.Record.EndedAt)
	assert.Nil(t, snap.LastError)

	_, unroutes, acquired, freed := f.devices.counts()
	assert.Equal(t, 1, unroutes)
	assert.Equal(t, acquired, freed)
	require.Eventually(t, func() bool { return !f.platform.Tracked(snap.Record.ID) },
		time.Second, 5*time.Millisecond)
}

func TestResourcesReleasedOncePerEndedCall(t *testing.T) {
	endings := map[string]func(t *testing.T, f *fixture){
		"remote ended": func(_ *testing.T, f *fixture) { f.c.SDKCallback("sdk-in", sdk.StatusEnded, "") },
		"busy":         func(_ *testing.T, f *fixture) { f.c.SDKCallback("sdk-in", sdk.StatusBusy, "") },
		"sdk error":    func(_ *testing.T, f *fixture) { f.c.SDKCallback("sdk-in", sdk.StatusError, "media") },
		"user end": func(t *testing.T, f *fixture) {
			_, err := f.c.UserIntent(ctxT(t), machine.UserEndRequested{})
			require.NoError(t, err)
		},
		"system end": func(t *testing.T, f *fixture) {
			f.platform.EndFromSystem(f.c.CurrentSnapshot().Record.ID)
		},
		"platform reset": func(_ *testing.T, f *fixture) { f.platform.Reset() },
	}

	for name, end := range endings {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.connectInbound(t, true)
			end(t, f)
			f.waitState(t, call.StateEnded)
			f.drain(t)

			assert.Equal(t, 1, f.c.effects.Count(machine.EffectReleaseAudioRoute))
			assert.Equal(t, 1, f.c.effects.Count(machine.EffectReleasePiP))
			assert.Equal(t, 1, f.c.effects.Count(machine.EffectPersistFinalRecord))
			_, _, acquired, freed := f.devices.counts()
			assert.Equal(t, 1, acquired)
			assert.Equal(t, 1, freed)
		})
	}
}

func TestPlatformResetEndsWithoutError(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, false)

	f.platform.Reset()
	snap := f.waitState(t, call.StateEnded)
	assert.Nil(t, snap.LastError)
	assert.Equal(t, call.OutcomeCompletedInbound, snap.Record.Outcome)
}

func TestInterruptionPutsCallOnHold(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, false)

	f.c.Interrupted("sdk-in", true)
	snap := f.waitState(t, call.StateOnHold)
	assert.True(t, snap.Record.IsOnHold)

	// Already on hold: nothing further happens.
	f.c.Interrupted("sdk-in", true)
	f.drain(t)
	assert.Equal(t, call.StateOnHold, f.c.CurrentSnapshot().State())
}

func TestRemoteVideoDowngradeMutesVideo(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, true)

	f.c.MediaChangeRequested("sdk-in", false)
	require.Eventually(t, func() bool {
		return f.c.CurrentSnapshot().Record.IsVideoMuted
	}, time.Second, 5*time.Millisecond)
	f.drain(t)
	assert.Contains(t, f.engine.Calls(), "video sdk-in true")
}

func TestMuteDoesNotWaitForPlatform(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, false)

	snap, err := f.c.UserIntent(ctxT(t), machine.UserMuteToggled{Media: machine.MediaAudio, Muted: true})
	require.NoError(t, err)
	assert.True(t, snap.Record.IsMuted)

	_, err = f.c.UserIntent(ctxT(t), machine.UserMuteToggled{Media: machine.MediaVideo, Muted: true})
	assert.ErrorIs(t, err, call.ErrInvalidTransition)
}

func TestDTMFIsSentAfterPlatformGrant(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, false)

	_, err := f.c.UserIntent(ctxT(t), machine.UserDTMF{Digits: "12#"})
	require.NoError(t, err)
	f.drain(t)
	assert.Contains(t, f.engine.Calls(), "dtmf sdk-in 12#")

	_, err = f.c.UserIntent(ctxT(t), machine.UserDTMF{Digits: "x"})
	assert.ErrorIs(t, err, call.ErrInvalidTransition)
}

func TestPushThenSDKAnnounceSameCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxT(t)
	id := uuid.New()

	payload := []byte(fmt.Sprintf(`{"id":%q,"handle":"+1 (555) 123-4567","hasVideo":false}`, id))
	snap, err := f.c.ReceivePush(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, id, snap.Record.ID)
	assert.Equal(t, call.StateAlerting, snap.State())
	assert.Empty(t, snap.Record.SDKHandle)

	f.c.IncomingFromSDK("sdk-7", "sip:+15551234567@pbx.example.org", false)
	require.Eventually(t, func() bool {
		return f.c.CurrentSnapshot().Record.SDKHandle == "sdk-7"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, f.c.CurrentSnapshot().Record.ID)

	// A repeated push is the same call.
	again, err := f.c.ReceivePush(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, id, again.Record.ID)
}

func TestSecondInboundRefusedAndHungUp(t *testing.T) {
	f := newFixture(t, nil)
	first := f.connectInbound(t, false)

	_, err := f.c.ReceiveInbound(ctxT(t), "5559876", false, "sdk-other")
	require.Error(t, err)
	fl, ok := call.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "call-group-limit", fl.Reason)

	f.drain(t)
	assert.Contains(t, f.engine.Calls(), "hangup sdk-other")
	assert.Equal(t, first.Record.ID, f.c.CurrentSnapshot().Record.ID)
	assert.Equal(t, call.StateConnected, f.c.CurrentSnapshot().State())
}

func TestInvalidPushPayloads(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":   `{`,
		"missing id": `{"handle":"5551234"}`,
		"no handle":  fmt.Sprintf(`{"id":%q,"handle":"--"}`, uuid.New()),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePush([]byte(payload))
			assert.ErrorIs(t, err, ErrInvalidPush)
		})
	}
}

func TestSDKCommandFailureEndsCall(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.fail["answer sdk-in false"] = true
	ctx := ctxT(t)

	_, err := f.c.ReceiveInbound(ctx, "5551234", false, "sdk-in")
	require.NoError(t, err)
	_, err = f.c.UserIntent(ctx, machine.UserAnswerRequested{})
	require.NoError(t, err)

	snap := f.waitState(t, call.StateEnded)
	require.NotNil(t, snap.LastError)
	assert.True(t, errors.Is(snap.LastError, call.ErrSDKFailure))
	assert.Equal(t, call.StateSDKError, snap.Record.TerminalCause)
}

func TestStaleSDKEventsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, false)
	v := f.c.CurrentSnapshot().Version

	f.c.SDKCallback("sdk-someone-else", sdk.StatusEnded, "")
	f.drain(t)
	assert.Equal(t, call.StateConnected, f.c.CurrentSnapshot().State())
	assert.Equal(t, v, f.c.CurrentSnapshot().Version)
}

func TestSubscribersSeeLatestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.c.Subscribe()
	defer cancel()

	initial := <-ch
	assert.False(t, initial.Active())

	_, err := f.c.StartOutbound(ctxT(t), "+15550100", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case s := <-ch:
			return s.State() == call.StateSettingUp
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestVersionsIncreaseMonotonically(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.c.Subscribe()
	defer cancel()

	var last uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range ch {
			if s.Version < last {
				t.Errorf("version went back from %d to %d", last, s.Version)
			}
			last = s.Version
		}
	}()

	f.connectInbound(t, false)
	f.c.SDKCallback("sdk-in", sdk.StatusEnded, "")
	f.waitState(t, call.StateEnded)
	f.drain(t)
	cancel()
	<-done
}

func TestCloseTearsDownActiveCall(t *testing.T) {
	f := newFixture(t, nil)
	f.connectInbound(t, true)
	ch, _ := f.c.Subscribe()

	ctx := ctxT(t)
	require.NoError(t, f.c.Close(ctx))

	snap := f.c.CurrentSnapshot()
	assert.Equal(t, call.StateEnded, snap.State())
	assert.Contains(t, f.engine.Calls(), "hangup sdk-in")
	_, unroutes, acquired, freed := f.devices.counts()
	assert.Equal(t, 1, unroutes)
	assert.Equal(t, acquired, freed)

	for range ch {
	}
	_, err := f.c.StartOutbound(ctx, "+15550100", false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUserIntentRejectsNonUserEvents(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.c.UserIntent(ctxT(t), machine.SDKStatusChanged{Status: sdk.StatusInCall})
	assert.ErrorIs(t, err, call.ErrInvalidTransition)

	_, err = f.c.UserIntent(ctxT(t), machine.UserEndRequested{})
	assert.ErrorIs(t, err, call.ErrNoActiveCall)
}

func TestContactResolvedOnStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxT(t)
	require.NoError(t, f.store.SaveContact(ctx, "+1 555 0100", "contact-42"))

	snap, err := f.c.StartOutbound(ctx, "+15550100", false)
	require.NoError(t, err)
	assert.Equal(t, "contact-42", snap.Record.ContactID)
}
