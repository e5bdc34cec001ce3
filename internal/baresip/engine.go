package baresip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dense-identity/callsession/internal/sdk"
	"github.com/sirupsen/logrus"
)

// Engine implements sdk.Engine on top of a ctrl_tcp client.
type Engine struct {
	client  *Client
	log     *logrus.Entry
	sources []string

	mu     sync.Mutex
	muted  map[string]bool
	source map[string]int
}

// NewEngine returns an engine. videoSources are vidsrc parameters
// ("driver,device") cycled through by FlipCamera.
func NewEngine(client *Client, log *logrus.Entry, videoSources ...string) *Engine {
	return &Engine{
		client:  client,
		log:     log,
		sources: videoSources,
		muted:   make(map[string]bool),
		source:  make(map[string]int),
	}
}

// Dial places a call. baresip reveals the call id only in the following
// CALL_OUTGOING event, so the returned handle is empty.
func (e *Engine) Dial(ctx context.Context, uri string, video bool) (string, error) {
	if video {
		_, err := e.client.Command(ctx, "dialdir", uri, "audio=sendrecv", "video=sendrecv")
		return "", err
	}
	_, err := e.client.Command(ctx, "dialdir", uri, "audio=sendrecv", "video=inactive")
	return "", err
}

func (e *Engine) Answer(ctx context.Context, handle string, video bool) error {
	dir := "video=inactive"
	if video {
		dir = "video=sendrecv"
	}
	_, err := e.client.Command(ctx, "acceptdir", handle, "audio=sendrecv", dir)
	return err
}

func (e *Engine) Hangup(ctx context.Context, handle string) error {
	e.forget(handle)
	_, err := e.client.Command(ctx, "hangup", handle)
	return err
}

func (e *Engine) Hold(ctx context.Context, handle string, hold bool) error {
	cmd := "resume"
	if hold {
		cmd = "hold"
	}
	_, err := e.client.Command(ctx, cmd, handle)
	return err
}

// Mute sets the microphone state. baresip only toggles, so the engine
// tracks the current state per call.
func (e *Engine) Mute(ctx context.Context, handle string, muted bool) error {
	e.mu.Lock()
	cur := e.muted[handle]
	e.mu.Unlock()
	if cur == muted {
		return nil
	}
	if _, err := e.client.Command(ctx, "mute"); err != nil {
		return err
	}
	e.mu.Lock()
	e.muted[handle] = muted
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetVideoMuted(ctx context.Context, handle string, muted bool) error {
	dir := "sendrecv"
	if muted {
		dir = "recvonly"
	}
	_, err := e.client.Command(ctx, "video_dir", dir)
	return err
}

func (e *Engine) FlipCamera(ctx context.Context, handle string) error {
	if len(e.sources) < 2 {
		return errors.New("no alternate video source configured")
	}
	e.mu.Lock()
	next := (e.source[handle] + 1) % len(e.sources)
	e.mu.Unlock()

	if _, err := e.client.Command(ctx, "vidsrc", e.sources[next]); err != nil {
		return err
	}
	e.mu.Lock()
	e.source[handle] = next
	e.mu.Unlock()
	return nil
}

func (e *Engine) SendDTMF(ctx context.Context, handle string, digits string) error {
	_, err := e.client.Command(ctx, "sndcode", digits)
	return err
}

func (e *Engine) forget(handle string) {
	e.mu.Lock()
	delete(e.muted, handle)
	delete(e.source, handle)
	e.mu.Unlock()
}

// Run delivers ua events to l until ctx is done or the connection closes.
func (e *Engine) Run(ctx context.Context, l sdk.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.client.Events():
			if !ok {
				if err, ok := <-e.client.Errors(); ok && err != nil {
					return err
				}
				return ErrClosed
			}
			e.deliver(ev, l)
		}
	}
}

func (e *Engine) deliver(ev Event, l sdk.Listener) {
	entry := e.log.WithFields(logrus.Fields{"type": ev.Type, "id": ev.ID})
	entry.Debug("baresip event")

	switch ev.Type {
	case EventCallIncoming:
		l.OnIncoming(ev.ID, ev.PeerURI, ev.Video())
	case EventCallOutgoing:
		l.OnStatus(ev.ID, sdk.StatusSetup, "")
	case EventCallRinging:
		if ev.Incoming() {
			l.OnStatus(ev.ID, sdk.StatusAlerting, "")
		} else {
			l.OnStatus(ev.ID, sdk.StatusRinging, "")
		}
	case EventCallProgress:
		l.OnStatus(ev.ID, sdk.StatusAlerting, ev.Param)
	case EventCallAnswered:
		l.OnStatus(ev.ID, sdk.StatusMediaPending, "")
	case EventCallEstablished:
		l.OnStatus(ev.ID, sdk.StatusInCall, "")
	case EventCallClosed:
		e.forget(ev.ID)
		l.OnStatus(ev.ID, ClosedStatus(ev.Param), ev.Param)
	case EventCallRemoteSDP:
		if ev.Param == "offer" {
			l.OnMediaChangeRequest(ev.ID, ev.Video())
		}
	case EventAudioError:
		l.OnInterruption(ev.ID, true)
	case EventCallRTCP:
		if ev.RTCP != nil {
			l.OnQuality(ev.ID, QualityFromRTCP(*ev.RTCP))
		}
	default:
		entry.Trace("event not mapped")
	}
}

// ClosedStatus classifies the reason text of CALL_CLOSED, which is either a
// SIP status line ("486 Busy Here") or a free-form local reason.
func ClosedStatus(param string) sdk.Status {
	param = strings.TrimSpace(param)
	code := 0
	if f := strings.Fields(param); len(f) > 0 {
		code, _ = strconv.Atoi(f[0])
	}
	switch {
	case code == 486 || code == 600:
		return sdk.StatusBusy
	case code == 404 || code == 410 || code == 480 || code == 484 || code == 604:
		return sdk.StatusNotFound
	case code == 408:
		return sdk.StatusTimedOut
	case code >= 500:
		return sdk.StatusError
	}

	lower := strings.ToLower(param)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return sdk.StatusTimedOut
	case strings.Contains(lower, "busy"):
		return sdk.StatusBusy
	case strings.Contains(lower, "error"), strings.Contains(lower, "failed"):
		return sdk.StatusError
	}
	return sdk.StatusEnded
}

// QualityFromRTCP condenses a report into a quality level using receive loss,
// jitter and round trip time.
func QualityFromRTCP(s RTCPStats) sdk.Quality {
	q := sdk.Quality{
		JitterMs: s.Rx.Jitter / 1000,
		RTTMs:    s.RTT / 1000,
	}
	if total := s.Rx.Sent + s.Rx.Lost; total > 0 {
		q.PacketLoss = float64(s.Rx.Lost) / float64(total)
	}

	switch {
	case q.PacketLoss > 0.15 || q.RTTMs > 800:
		q.Level = sdk.QualityUnacceptable
	case q.PacketLoss > 0.08 || q.JitterMs > 60 || q.RTTMs > 400:
		q.Level = sdk.QualityPoor
	case q.PacketLoss > 0.03 || q.JitterMs > 30 || q.RTTMs > 250:
		q.Level = sdk.QualityFair
	case q.PacketLoss > 0.01 || q.JitterMs > 15 || q.RTTMs > 150:
		q.Level = sdk.QualityGood
	default:
		q.Level = sdk.QualityExcellent
	}
	return q
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s %s)", e.Type, e.ID, e.Direction)
}
