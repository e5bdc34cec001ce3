package coordinator

import (
	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/machine"
	"github.com/dense-identity/callsession/internal/transaction"
	"github.com/google/uuid"
)

// envelope is anything the loop dequeues. Producers on other goroutines only
// ever build envelopes; all state lives in the loop.
type envelope interface{ isEnvelope() }

type result struct {
	snap call.Snapshot
	err  error
}

type startEnv struct {
	handle    string
	video     bool
	contactID string
	reply     chan result
}

type inboundEnv struct {
	id        uuid.UUID
	handle    string
	video     bool
	sdkHandle string
	contactID string
	reply     chan result
}

type intentEnv struct {
	ev    machine.Event
	reply chan result
	// callID and deferred are set when the intent waits behind a pending
	// transaction; it is then only valid for that call.
	callID   uuid.UUID
	deferred bool
}

type sdkEnv struct {
	handle string
	ev     machine.Event
}

type interruptEnv struct {
	handle string
	began  bool
}

type mediaEnv struct {
	handle string
	video  bool
}

type performEnv struct {
	action transaction.Action
	reply  chan error
}

type resolvedEnv struct {
	action  transaction.Action
	outcome transaction.Outcome
}

type failedEnv struct {
	callID  uuid.UUID
	failure *call.Failure
}

type dialedEnv struct {
	callID uuid.UUID
	handle string
}

type resetEnv struct{}

type barrierEnv struct{ reply chan struct{} }

func (startEnv) isEnvelope()     {}
func (inboundEnv) isEnvelope()   {}
func (intentEnv) isEnvelope()    {}
func (sdkEnv) isEnvelope()       {}
func (interruptEnv) isEnvelope() {}
func (mediaEnv) isEnvelope()     {}
func (performEnv) isEnvelope()   {}
func (resolvedEnv) isEnvelope()  {}
func (failedEnv) isEnvelope()    {}
func (dialedEnv) isEnvelope()    {}
func (resetEnv) isEnvelope()     {}
func (barrierEnv) isEnvelope()   {}

func send(ch chan result, snap call.Snapshot, err error) {
	if ch == nil {
		return
	}
	ch <- result{snap: snap, err: err}
}
