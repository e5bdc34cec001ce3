package transaction

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	requests  chan Action
	reportErr error
	denyWith  error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{requests: make(chan Action, 8)}
}

func (p *fakePlatform) RequestTransaction(_ context.Context, a Action) error {
	if p.denyWith != nil {
		return p.denyWith
	}
	p.requests <- a
	return nil
}

func (p *fakePlatform) ReportIncoming(_ context.Context, a Action) error {
	return p.reportErr
}

type countingAction struct {
	fulfilled atomic.Int32
	failed    atomic.Int32
}

func (c *countingAction) Fulfill() { c.fulfilled.Add(1) }
func (c *countingAction) Fail()    { c.failed.Add(1) }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("name", "test")
}

func requestAsync(g *Gateway, a Action) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() { out <- g.Request(context.Background(), a) }()
	return out
}

func TestRequestGrantedByPerform(t *testing.T) {
	p := newFakePlatform()
	g := NewGateway(p, time.Second, testLogger())
	a := NewAction(KindAnswer, uuid.New())

	result := requestAsync(g, a)
	got := <-p.requests
	require.Equal(t, a.ID, got.ID)

	pa := &countingAction{}
	handled := 0
	err := g.Perform(context.Background(), got, pa, func(context.Context, Action) error {
		handled++
		return nil
	})
	require.NoError(t, err)

	o := <-result
	assert.True(t, o.Granted)
	assert.Equal(t, 1, handled)
	assert.EqualValues(t, 1, pa.fulfilled.Load())
	assert.EqualValues(t, 0, pa.failed.Load())
	assert.False(t, g.Pending(a.CallID))
}

func TestPerformFailureDeniesRequest(t *testing.T) {
	p := newFakePlatform()
	g := NewGateway(p, time.Second, testLogger())
	a := NewAction(KindHold, uuid.New())

	result := requestAsync(g, a)
	got := <-p.requests

	pa := &countingAction{}
	err := g.Perform(context.Background(), got, pa, func(context.Context, Action) error {
		return call.InvalidTransition(call.StateRinging, "hold")
	})
	require.Error(t, err)

	o := <-result
	assert.False(t, o.Granted)
	assert.Equal(t, ReasonInvalidAction, o.Reason)
	assert.EqualValues(t, 1, pa.failed.Load())
}

func TestPlatformRefusalCarriesReason(t *testing.T) {
	p := newFakePlatform()
	p.denyWith = &RequestError{Reason: ReasonCallGroupLimit}
	g := NewGateway(p, time.Second, testLogger())

	o := g.Request(context.Background(), NewAction(KindStart, uuid.New()))
	assert.False(t, o.Granted)
	assert.Equal(t, ReasonCallGroupLimit, o.Reason)

	p.denyWith = errors.New("boom")
	o = g.Request(context.Background(), NewAction(KindStart, uuid.New()))
	assert.Equal(t, ReasonUnknown, o.Reason)
}

func TestRequestTimeoutAndLatePerform(t *testing.T) {
	p := newFakePlatform()
	g := NewGateway(p, 30*time.Millisecond, testLogger())
	a := NewAction(KindAnswer, uuid.New())

	o := g.Request(context.Background(), a)
	assert.False(t, o.Granted)
	assert.Equal(t, ReasonTimeout, o.Reason)

	late := <-p.requests
	pa := &countingAction{}
	called := false
	err := g.Perform(context.Background(), late, pa, func(context.Context, Action) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called, "late perform must not reach the call")
	assert.EqualValues(t, 1, pa.failed.Load())
	assert.EqualValues(t, 0, pa.fulfilled.Load())
}

func TestRequestsForSameCallAreSerialized(t *testing.T) {
	p := newFakePlatform()
	g := NewGateway(p, time.Second, testLogger())
	callID := uuid.New()

	first := NewAction(KindHold, callID)
	second := NewAction(KindEnd, callID)

	r1 := requestAsync(g, first)
	got1 := <-p.requests
	r2 := requestAsync(g, second)

	select {
	case <-p.requests:
		t.Fatal("second transaction issued before the first resolved")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, g.Perform(context.Background(), got1, nil, func(context.Context, Action) error { return nil }))
	assert.True(t, (<-r1).Granted)

	got2 := <-p.requests
	assert.Equal(t, second.ID, got2.ID)
	require.NoError(t, g.Perform(context.Background(), got2, nil, func(context.Context, Action) error { return nil }))
	assert.True(t, (<-r2).Granted)
}

func TestSystemInitiatedPerform(t *testing.T) {
	g := NewGateway(newFakePlatform(), time.Second, testLogger())
	pa := &countingAction{}
	err := g.Perform(context.Background(), NewAction(KindEnd, uuid.New()), pa, func(context.Context, Action) error {
		return call.ErrNoActiveCall
	})
	assert.ErrorIs(t, err, call.ErrNoActiveCall)
	assert.EqualValues(t, 1, pa.failed.Load())
}

func TestReportIncoming(t *testing.T) {
	p := newFakePlatform()
	g := NewGateway(p, time.Second, testLogger())
	a := NewAction(KindReport, uuid.New())

	assert.True(t, g.Request(context.Background(), a).Granted)

	p.reportErr = &RequestError{Reason: ReasonBusy}
	o := g.Request(context.Background(), NewAction(KindReport, uuid.New()))
	assert.Equal(t, Denied(ReasonBusy), o)
}

func TestFutureResolvesOnce(t *testing.T) {
	pa := &countingAction{}
	f := Settle(pa)
	require.NoError(t, f.Fulfill())
	assert.ErrorIs(t, f.Fail(ReasonUnknown), ErrAlreadyResolved)
	assert.ErrorIs(t, f.Fulfill(), ErrAlreadyResolved)

	o, ok := f.Outcome()
	assert.True(t, ok)
	assert.True(t, o.Granted)
	assert.EqualValues(t, 1, pa.fulfilled.Load())
	assert.EqualValues(t, 0, pa.failed.Load())
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonTimeout, ReasonOf(context.DeadlineExceeded))
	assert.Equal(t, ReasonUnknownCall, ReasonOf(call.ErrNoActiveCall))
	assert.Equal(t, ReasonDuplicateCall, ReasonOf(call.Rejected("duplicate-call")))
	assert.Equal(t, ReasonBusy, ReasonOf(&RequestError{Reason: ReasonBusy}))
}
