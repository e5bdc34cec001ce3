package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/helpers"
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/dense-identity/callsession/internal/platform"
	"github.com/dense-identity/callsession/internal/sdkbridge"
	"github.com/dense-identity/callsession/internal/transaction"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	_ platform.Provider = (*Coordinator)(nil)
	_ sdkbridge.Sink    = (*Coordinator)(nil)
)

func (c *Coordinator) ProviderDidReset() {
	if err := c.post(c.ctx, resetEnv{}); err != nil {
		c.log.WithError(err).Debug("platform reset dropped")
	}
}

func (c *Coordinator) PerformStart(a transaction.Action, pa transaction.PlatformAction) {
	c.perform(a, pa)
}

func (c *Coordinator) PerformAnswer(a transaction.Action, pa transaction.PlatformAction) {
	c.perform(a, pa)
}

func (c *Coordinator) PerformEnd(a transaction.Action, pa transaction.PlatformAction) {
	c.perform(a, pa)
}

func (c *Coordinator) PerformHold(a transaction.Action, pa transaction.PlatformAction) {
	c.perform(a, pa)
}

func (c *Coordinator) PerformDTMF(a transaction.Action, pa transaction.PlatformAction) {
	c.perform(a, pa)
}

func (c *Coordinator) DidActivateAudioSession() {
	c.log.Debug("platform activated audio session")
	c.effects.AudioSession().PlatformActivated()
}

func (c *Coordinator) DidDeactivateAudioSession() {
	c.log.Debug("platform deactivated audio session")
	c.effects.AudioSession().PlatformDeactivated()
}

// perform settles pa before returning, as the platform requires.
func (c *Coordinator) perform(a transaction.Action, pa transaction.PlatformAction) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TransactionTimeout)
	defer cancel()

	err := c.gateway.Perform(ctx, a, pa, func(ctx context.Context, a transaction.Action) error {
		reply := make(chan error, 1)
		if err := c.post(ctx, performEnv{action: a, reply: reply}); err != nil {
			return err
		}
		select {
		case err := <-reply:
			return err
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"call": a.CallID, "action": a.String()}).
			Info("platform action failed")
	}
}

// PostSDK implements sdkbridge.Sink.
func (c *Coordinator) PostSDK(handle string, ev machine.Event) {
	if err := c.post(c.ctx, sdkEnv{handle: handle, ev: ev}); err != nil {
		c.log.WithError(err).WithField("sdk", handle).Debug("sdk event dropped")
	}
}

// IncomingFromSDK registers a call the SDK received. The caller is not kept
// waiting for the platform's answer.
func (c *Coordinator) IncomingFromSDK(handle, peer string, video bool) {
	h := helpers.NormalizeHandle(peer)
	if h == "" {
		c.log.WithField("sdk", handle).Warn("incoming call without a usable peer")
		return
	}
	env := inboundEnv{handle: h, video: video, sdkHandle: handle, contactID: c.lookupContact(c.ctx, h)}
	if err := c.post(c.ctx, env); err != nil {
		c.log.WithError(err).WithField("sdk", handle).Debug("incoming call dropped")
	}
}

func (c *Coordinator) Interrupted(handle string, began bool) {
	_ = c.post(c.ctx, interruptEnv{handle: handle, began: began})
}

func (c *Coordinator) MediaChangeRequested(handle string, video bool) {
	_ = c.post(c.ctx, mediaEnv{handle: handle, video: video})
}

// Push is the wake payload delivered for an incoming call.
type Push struct {
	ID       uuid.UUID `json:"id"`
	Handle   string    `json:"handle"`
	HasVideo bool      `json:"hasVideo"`
}

// ErrInvalidPush is returned for a push payload that cannot seed a call.
var ErrInvalidPush = errors.New("invalid push payload")

// ParsePush decodes and validates a wake payload.
func ParsePush(payload []byte) (Push, error) {
	var p Push
	if err := json.Unmarshal(payload, &p); err != nil {
		return Push{}, fmt.Errorf("%w: %v", ErrInvalidPush, err)
	}
	if p.ID == uuid.Nil {
		return Push{}, fmt.Errorf("%w: missing id", ErrInvalidPush)
	}
	if helpers.NormalizeHandle(p.Handle) == "" {
		return Push{}, fmt.Errorf("%w: missing handle", ErrInvalidPush)
	}
	return p, nil
}

// ReceivePush seeds an inbound call from a wake payload. The push id becomes
// the call id so a repeated push is recognised.
func (c *Coordinator) ReceivePush(ctx context.Context, payload []byte) (call.Snapshot, error) {
	p, err := ParsePush(payload)
	if err != nil {
		return c.CurrentSnapshot(), err
	}
	return c.Wake(ctx, p)
}

// Wake is ReceivePush for an already decoded payload.
func (c *Coordinator) Wake(ctx context.Context, p Push) (call.Snapshot, error) {
	return c.receive(ctx, p.ID, p.Handle, p.HasVideo, "")
}
