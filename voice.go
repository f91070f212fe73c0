package voice

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/voice/call"
	"github.com/peerwave/voice/media"
	"github.com/peerwave/voice/monitor"
	"github.com/peerwave/voice/signaling"
)

// Client owns the signaling connection and the shared media engine,
// and builds a fresh media session and quality monitor for every call.
type Client struct {
	mu   sync.Mutex
	opts Options

	engine *media.Engine
	stream *signaling.Stream

	calls    map[string]*call.Call
	outgoing *call.Call

	closed bool

	onIncoming func(*call.Call)
	onReady    func()
	onOffline  func(code int)
	onError    func(error)
}

// New builds a client. The media engine's capability detection runs
// here, once; the signaling connection is not opened until Listen.
func New(opts Options) (*Client, error) {
	engine, err := media.NewEngine(media.EngineOptions{
		ICEServers:         opts.ICEServers,
		ICETransportPolicy: opts.ICETransportPolicy,
	})
	if err != nil {
		return nil, err
	}

	tr, err := signaling.NewTransport(opts.Endpoints, opts.Transport)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		engine: engine,
		stream: signaling.NewStream(tr),
		calls:  make(map[string]*call.Call),
	}
	c.route()

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"endpoints": len(opts.Endpoints),
		"client":    opts.ClientName,
	}).Info("Voice client created")
	return c, nil
}

// Listen opens the signaling connection. Registration is published on
// every connect, so transport failover re-registers automatically.
func (c *Client) Listen() {
	c.stream.Open()
}

// Status mirrors the signaling connection state.
func (c *Client) Status() signaling.State {
	return c.stream.Status()
}

// SetIncomingCallCallback registers the handler for inbound invites.
// Invites arriving without a handler are ignored locally.
func (c *Client) SetIncomingCallCallback(cb func(*call.Call)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncoming = cb
}

// SetReadyCallback registers the handler fired whenever the signaling
// connection (re)opens and registration was published.
func (c *Client) SetReadyCallback(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = cb
}

// SetOfflineCallback registers the handler for signaling connection
// loss; code is the websocket close code.
func (c *Client) SetOfflineCallback(cb func(code int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffline = cb
}

// SetErrorCallback registers the handler for transport and protocol
// errors not attributable to a single call.
func (c *Client) SetErrorCallback(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}

// Connect places an outgoing call with the given application
// parameters. Only one call may be active at a time.
func (c *Client) Connect(ctx context.Context, params map[string]string) (*call.Call, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pruneLocked()
	if c.activeLocked() {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	outgoing := c.newCallLocked(call.Config{
		Direction: call.DirectionOutgoing,
		Params:    params,
	})
	c.outgoing = outgoing
	c.mu.Unlock()

	if err := outgoing.Dial(ctx); err != nil {
		c.mu.Lock()
		if c.outgoing == outgoing {
			c.outgoing = nil
		}
		c.mu.Unlock()
		return nil, err
	}
	return outgoing, nil
}

// Calls returns the calls the client is currently tracking.
func (c *Client) Calls() []*call.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]*call.Call, 0, len(c.calls)+1)
	for _, cl := range c.calls {
		out = append(out, cl)
	}
	if c.outgoing != nil {
		out = append(out, c.outgoing)
	}
	return out
}

// Close disconnects every active call and shuts down signaling.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	active := make([]*call.Call, 0, len(c.calls)+1)
	for _, cl := range c.calls {
		active = append(active, cl)
	}
	if c.outgoing != nil {
		active = append(active, c.outgoing)
	}
	c.calls = map[string]*call.Call{}
	c.outgoing = nil
	c.mu.Unlock()

	for _, cl := range active {
		cl.Disconnect()
	}
	c.stream.Close()
}

// newCallLocked assembles a call with a dedicated media session and
// quality monitor, inheriting the client's media configuration.
func (c *Client) newCallLocked(cfg call.Config) *call.Call {
	session := media.NewSession(c.engine, media.SessionOptions{
		CodecPreferences:  c.opts.CodecPreferences,
		MaxAverageBitrate: c.opts.MaxAverageBitrate,
		Semantics:         c.opts.Semantics,
		SinkFactory:       c.opts.SinkFactory,
	})
	mon := monitor.New(c.opts.Monitor)

	cfg.InputStream = c.opts.InputStream
	cfg.Capture = c.opts.Capture
	cfg.Constraints = c.opts.Constraints
	cfg.MaxReconnectAttempts = c.opts.MaxReconnectAttempts
	return call.New(c.stream, session, mon, cfg)
}

// route wires inbound signaling frames to their calls.
func (c *Client) route() {
	c.stream.HandleConnected(func() {
		if c.opts.Token != "" {
			if err := c.stream.Register(c.opts.Token, c.opts.ClientName); err != nil {
				c.emitError(err)
			}
		}
		c.mu.Lock()
		cb := c.onReady
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})

	c.stream.HandleClosed(func(code int) {
		c.mu.Lock()
		cb := c.onOffline
		c.mu.Unlock()
		if cb != nil {
			cb(code)
		}
	})

	c.stream.HandleError(c.emitError)

	c.stream.HandleInvite(func(p signaling.InvitePayload) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.pruneLocked()
		incoming := c.newCallLocked(call.Config{
			Direction: call.DirectionIncoming,
			CallSID:   p.CallSID,
			OfferSDP:  p.SDP,
			Params:    p.Params,
		})
		c.calls[p.CallSID] = incoming
		cb := c.onIncoming
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "HandleInvite",
			"call_sid": p.CallSID,
		}).Info("Incoming call invite received")

		if cb != nil {
			cb(incoming)
		} else {
			incoming.Ignore()
		}
	})

	c.stream.HandleRinging(func(p signaling.RingingPayload) {
		if cl := c.adoptOutgoing(p.CallSID); cl != nil {
			cl.HandleRinging(p)
		}
	})

	c.stream.HandleAnswer(func(p signaling.AnswerPayload) {
		if cl := c.adoptOutgoing(p.CallSID); cl != nil {
			cl.HandleAnswer(p)
		}
	})

	c.stream.HandleHangup(func(p signaling.HangupPayload) {
		if cl := c.take(p.CallSID); cl != nil {
			cl.HandleRemoteHangup(p.Reason)
		}
	})

	c.stream.HandleCancel(func(p signaling.CancelPayload) {
		if cl := c.take(p.CallSID); cl != nil {
			cl.HandleRemoteCancel()
		}
	})

	c.stream.HandleServerError(func(p signaling.ErrorPayload) {
		if p.CallSID != "" {
			if cl := c.find(p.CallSID); cl != nil {
				cl.HandleServerError(p)
				return
			}
		}
		c.emitError(&Error{Code: p.Code, Message: p.Message})
	})
}

// adoptOutgoing resolves a server frame to the pending outgoing call,
// filing it under its server-assigned identifier on first contact.
func (c *Client) adoptOutgoing(callSID string) *call.Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.calls[callSID]; ok {
		return cl
	}
	if c.outgoing != nil {
		cl := c.outgoing
		if callSID != "" {
			c.calls[callSID] = cl
			c.outgoing = nil
		}
		return cl
	}
	return nil
}

// find returns the call for a server-assigned identifier.
func (c *Client) find(callSID string) *call.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.calls[callSID]; ok {
		return cl
	}
	return c.outgoing
}

// take removes and returns the call for a terminating frame.
func (c *Client) take(callSID string) *call.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.calls[callSID]; ok {
		delete(c.calls, callSID)
		return cl
	}
	if c.outgoing != nil {
		cl := c.outgoing
		c.outgoing = nil
		return cl
	}
	return nil
}

// pruneLocked drops calls that reached their terminal state.
func (c *Client) pruneLocked() {
	for sid, cl := range c.calls {
		if cl.Status() == call.StatusClosed {
			delete(c.calls, sid)
		}
	}
	if c.outgoing != nil && c.outgoing.Status() == call.StatusClosed {
		c.outgoing = nil
	}
}

// activeLocked reports whether any tracked call is still live.
func (c *Client) activeLocked() bool {
	return len(c.calls) > 0 || c.outgoing != nil
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
