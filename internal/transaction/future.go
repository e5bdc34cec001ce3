package transaction

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned when a future is resolved a second time.
var ErrAlreadyResolved = errors.New("transaction already resolved")

// Future is resolved exactly once, either granted or denied.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	outcome   Outcome
	resolved  bool
	onResolve func(Outcome)
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// PlatformAction is the platform's own action object handed to a perform
// callback. It must be fulfilled or failed exactly once.
type PlatformAction interface {
	Fulfill()
	Fail()
}

// Settle returns a future that fulfills or fails pa when resolved.
func Settle(pa PlatformAction) *Future {
	f := NewFuture()
	f.onResolve = func(o Outcome) {
		if pa == nil {
			return
		}
		if o.Granted {
			pa.Fulfill()
		} else {
			pa.Fail()
		}
	}
	return f
}

func (f *Future) Fulfill() error { return f.Resolve(Granted()) }

func (f *Future) Fail(r Reason) error { return f.Resolve(Denied(r)) }

// Resolve records o. Only the first call has any effect.
func (f *Future) Resolve(o Outcome) error {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return ErrAlreadyResolved
	}
	f.resolved = true
	f.outcome = o
	hook := f.onResolve
	close(f.done)
	f.mu.Unlock()

	if hook != nil {
		hook(o)
	}
	return nil
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Outcome returns the resolution and whether there is one yet.
func (f *Future) Outcome() (Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome, f.resolved
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		o, _ := f.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
