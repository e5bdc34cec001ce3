package effects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrAudioNotActivated is returned when the platform never confirms the
	// audio session within the activation timeout.
	ErrAudioNotActivated = errors.New("platform did not activate audio session")

	// ErrAudioNotDeactivated accompanies a release that gave up waiting for
	// the platform and unrouted anyway.
	ErrAudioNotDeactivated = errors.New("platform did not deactivate audio session")
)

// AudioSession gates the audio route on the platform's activation signals.
// The platform owns the session; we only route once it says we may and only
// unroute once it has taken the session back.
type AudioSession struct {
	router  AudioRouter
	timeout time.Duration

	mu          sync.Mutex
	active      bool
	activated   chan struct{}
	deactivated chan struct{}
	routed      bool
	// pending is closed by Release to abandon an activation still waiting.
	pending     chan struct{}
}

func NewAudioSession(router AudioRouter, timeout time.Duration) *AudioSession {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deactivated := make(chan struct{})
	close(deactivated)
	return &AudioSession{
		router:      router,
		timeout:     timeout,
		activated:   make(chan struct{}),
		deactivated: deactivated,
	}
}

// PlatformActivated records the platform's didActivate signal.
func (a *AudioSession) PlatformActivated() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return
	}
	a.active = true
	close(a.activated)
	a.deactivated = make(chan struct{})
}

// PlatformDeactivated records the platform's didDeactivate signal.
func (a *AudioSession) PlatformDeactivated() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}
	a.active = false
	a.activated = make(chan struct{})
	close(a.deactivated)
}

// Activate waits for the platform's activation and then routes audio. It is
// a no-op when audio is already routed or another activation is waiting, and
// returns nil without routing when Release abandons it.
func (a *AudioSession) Activate(ctx context.Context) error {
	return a.begin()(ctx)
}

// begin claims the pending activation slot immediately so that a Release
// issued before the wait starts still abandons it.
func (a *AudioSession) begin() func(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.routed || a.pending != nil {
		return func(context.Context) error { return nil }
	}
	abandon := make(chan struct{})
	a.pending = abandon
	wait := a.activated
	return func(ctx context.Context) error {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		var err error
		select {
		case <-wait:
		case <-abandon:
			return nil
		case <-timer.C:
			err = fmt.Errorf("%w after %s", ErrAudioNotActivated, a.timeout)
		case <-ctx.Done():
			err = ctx.Err()
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.pending != abandon {
			return nil
		}
		a.pending = nil
		if err != nil {
			return err
		}
		if err := a.router.Route(ctx); err != nil {
			return err
		}
		a.routed = true
		return nil
	}
}

// Release abandons a waiting activation, then waits for the platform's
// deactivation before unrouting. Releasing a route that was never activated
// is a no-op and reports false. When the platform stays silent past the
// timeout the route is released anyway and ErrAudioNotDeactivated is
// returned alongside true.
func (a *AudioSession) Release(ctx context.Context) (bool, error) {
	a.mu.Lock()
	if a.pending != nil {
		close(a.pending)
		a.pending = nil
	}
	routed := a.routed
	wait := a.deactivated
	a.mu.Unlock()
	if !routed {
		return false, nil
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	var late error
	select {
	case <-wait:
	case <-timer.C:
		late = fmt.Errorf("%w after %s", ErrAudioNotDeactivated, a.timeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.routed {
		return false, nil
	}
	if err := a.router.Unroute(ctx); err != nil {
		return false, err
	}
	a.routed = false
	return true, late
}

// Routed reports whether audio is currently routed.
func (a *AudioSession) Routed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.routed
}
