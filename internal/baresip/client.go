// Package baresip drives a baresip user agent over its ctrl_tcp module and
// adapts it to the sdk.Engine and sdk.Listener contracts.
package baresip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by commands issued after the connection went away.
var ErrClosed = errors.New("baresip connection closed")

// EventType is a baresip ua event type.
type EventType string

const (
	EventCallIncoming    EventType = "CALL_INCOMING"
	EventCallOutgoing    EventType = "CALL_OUTGOING"
	EventCallRinging     EventType = "CALL_RINGING"
	EventCallProgress    EventType = "CALL_PROGRESS"
	EventCallAnswered    EventType = "CALL_ANSWERED"
	EventCallEstablished EventType = "CALL_ESTABLISHED"
	EventCallClosed      EventType = "CALL_CLOSED"
	EventCallRemoteSDP   EventType = "CALL_REMOTE_SDP"
	EventCallRTCP        EventType = "CALL_RTCP"
	EventCallDTMFStart   EventType = "CALL_DTMF_START"
	EventAudioError      EventType = "AUDIO_ERROR"
	EventRegisterOK      EventType = "REGISTER_OK"
	EventRegisterFail    EventType = "REGISTER_FAIL"
)

// StreamStats is one direction of an RTCP report. Jitter is in microseconds.
type StreamStats struct {
	Sent   int     `json:"sent"`
	Lost   int     `json:"lost"`
	Jitter float64 `json:"jit"`
}

// RTCPStats accompanies CALL_RTCP events. RTT is in microseconds.
type RTCPStats struct {
	Rx  StreamStats `json:"rx"`
	Tx  StreamStats `json:"tx"`
	RTT float64     `json:"rtt"`
}

// Event is an asynchronous ua event.
type Event struct {
	Event          bool       `json:"event"`
	Class          string     `json:"class"`
	Type           EventType  `json:"type"`
	AccountAOR     string     `json:"accountaor"`
	Direction      string     `json:"direction"`
	PeerURI        string     `json:"peeruri"`
	PeerName       string     `json:"peername"`
	ID             string     `json:"id"`
	Param          string     `json:"param"`
	RemoteVideoDir string     `json:"remotevideodir"`
	RTCP           *RTCPStats `json:"rtcp_stats,omitempty"`
}

// Incoming reports whether the event belongs to an incoming call.
func (e Event) Incoming() bool { return e.Direction == "incoming" }

// Video reports whether the remote side offers a video stream.
func (e Event) Video() bool {
	return e.RemoteVideoDir != "" && e.RemoteVideoDir != "inactive"
}

// Response answers a command.
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Client is a ctrl_tcp connection. Responses are matched to commands by token;
// events are delivered on Events until the connection closes.
type Client struct {
	conn    net.Conn
	encoder *NetstringEncoder
	decoder *NetstringDecoder
	writeMu sync.Mutex
	log     *logrus.Entry

	events chan Event
	errs   chan error

	tokenCounter atomic.Uint64
	pendingMu    sync.Mutex
	pending      map[string]chan Response
	cmdTimeout   time.Duration

	closed   atomic.Bool
	closedCh chan struct{}
}

// Dial connects to baresip at addr.
func Dial(ctx context.Context, addr string, cmdTimeout time.Duration, log *logrus.Entry) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to baresip at %s: %w", addr, err)
	}
	log.WithField("addr", addr).Info("connected to baresip")
	return NewClient(conn, cmdTimeout, log), nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn net.Conn, cmdTimeout time.Duration, log *logrus.Entry) *Client {
	if cmdTimeout <= 0 {
		cmdTimeout = 2 * time.Second
	}
	c := &Client{
		conn:       conn,
		encoder:    NewNetstringEncoder(conn),
		decoder:    NewNetstringDecoder(conn),
		log:        log,
		events:     make(chan Event, 100),
		errs:       make(chan error, 1),
		pending:    make(map[string]chan Response),
		cmdTimeout: cmdTimeout,
		closedCh:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closedCh)
	return c.conn.Close()
}

// Events is closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Errors carries at most one read error.
func (c *Client) Errors() <-chan error { return c.errs }

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.errs)

	for {
		data, err := c.decoder.Decode()
		if err != nil {
			if !c.closed.Load() {
				c.errs <- fmt.Errorf("reading from baresip: %w", err)
			}
			return
		}
		c.log.WithField("raw", string(data)).Trace("received")

		var frame struct {
			Event    *bool `json:"event"`
			Response *bool `json:"response"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.WithError(err).Warn("invalid json from baresip")
			continue
		}

		switch {
		case frame.Event != nil:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.log.WithError(err).Warn("failed to parse event")
				continue
			}
			select {
			case c.events <- ev:
			case <-c.closedCh:
				return
			}
		case frame.Response != nil:
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				c.log.WithError(err).Warn("failed to parse response")
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.Token]
			delete(c.pending, resp.Token)
			c.pendingMu.Unlock()
			if ok {
				ch <- resp
			} else {
				c.log.WithField("token", resp.Token).Debug("response without pending command")
			}
		}
	}
}

// Command sends cmd and waits for its response. A response with ok=false is
// returned as an error carrying baresip's data.
func (c *Client) Command(ctx context.Context, cmd string, params ...string) (Response, error) {
	if c.closed.Load() {
		return Response{}, ErrClosed
	}
	token := fmt.Sprintf("tok%d", c.tokenCounter.Add(1))
	data, err := json.Marshal(command{Command: cmd, Params: strings.Join(params, " "), Token: token})
	if err != nil {
		return Response{}, fmt.Errorf("marshaling command: %w", err)
	}

	respCh := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[token] = respCh
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, token)
		c.pendingMu.Unlock()
	}

	c.log.WithField("raw", string(data)).Trace("sending")
	c.writeMu.Lock()
	err = c.encoder.Encode(data)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return Response{}, fmt.Errorf("sending command: %w", err)
	}

	timer := time.NewTimer(c.cmdTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if !resp.OK {
			return resp, fmt.Errorf("baresip %s: %s", cmd, strings.TrimSpace(resp.Data))
		}
		return resp, nil
	case <-c.closedCh:
		forget()
		return Response{}, ErrClosed
	case <-timer.C:
		forget()
		return Response{}, fmt.Errorf("command timeout: %s", cmd)
	case <-ctx.Done():
		forget()
		return Response{}, ctx.Err()
	}
}
