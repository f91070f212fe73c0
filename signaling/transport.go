package signaling

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State is the high-level transport connection state.
type State int

const (
	// StateClosed indicates no connection exists or is being attempted.
	StateClosed State = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateOpen indicates the connection is established and usable.
	StateOpen
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// heartbeatFrame is the single-character keepalive the server sends
// periodically. It is echoed back verbatim and never surfaced as a
// message.
const heartbeatFrame = "\n"

// Default transport timing parameters.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultMaxInactivity   = 15 * time.Second
	DefaultBackoffBase     = 100 * time.Millisecond
	DefaultBackoffMax      = 20 * time.Second
	DefaultHealthyDuration = 10 * time.Second
)

// TransportOptions configures a Transport. The zero value selects
// defaults.
type TransportOptions struct {
	// ConnectTimeout bounds a single connection attempt; on expiry the
	// transport force-advances to the next candidate endpoint.
	ConnectTimeout time.Duration

	// MaxInactivity is the longest gap between received frames
	// (heartbeat or data) before the connection is considered stale.
	MaxInactivity time.Duration

	// BackoffBase and BackoffMax bound the jittered exponential
	// reconnect delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// HealthyDuration is the open duration at or beyond which a dropped
	// connection is treated as having been healthy: the backoff attempt
	// counter resets to 1 before the reconnect is scheduled.
	HealthyDuration time.Duration

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer

	// TimeProvider overrides the clock for deterministic testing.
	TimeProvider TimeProvider
}

// Transport owns a duplex websocket connection to one of several
// candidate signaling endpoints.
//
// The previous high-level state is tracked alongside the current one:
// the endpoint-failover guard consults both sides of a state transition
// to avoid abandoning a working endpoint on a single transient drop.
type Transport struct {
	mu sync.Mutex

	uris     []string
	uriIndex int

	state         State
	previousState State

	conn     *websocket.Conn
	clock    TimeProvider
	opts     TransportOptions
	openedAt time.Time

	backoffAttempt int
	rng            *rand.Rand

	connectTimer    *time.Timer
	inactivityTimer *time.Timer
	reconnectTimer  *time.Timer

	// generation invalidates async dial results and timer callbacks
	// that outlive the connection they were started for.
	generation int

	closing bool

	onMessage func([]byte)
	onOpen    func()
	onClose   func(code int)
	onError   func(error)

	// pending stages callbacks while t.mu is held.
	pending []func()
}

// NewTransport creates a transport over the ordered candidate endpoint
// list. The first endpoint is tried first; failover wraps around.
func NewTransport(uris []string, opts TransportOptions) (*Transport, error) {
	if len(uris) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxInactivity <= 0 {
		opts.MaxInactivity = DefaultMaxInactivity
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.HealthyDuration <= 0 {
		opts.HealthyDuration = DefaultHealthyDuration
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		opts.Dialer = &d
	}
	opts.Dialer.HandshakeTimeout = opts.ConnectTimeout
	if opts.TimeProvider == nil {
		opts.TimeProvider = DefaultTimeProvider{}
	}

	t := &Transport{
		uris:  append([]string(nil), uris...),
		opts:  opts,
		clock: opts.TimeProvider,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewTransport",
		"endpoints": len(uris),
		"primary":   uris[0],
	}).Debug("Signaling transport created")

	return t, nil
}

// SetMessageCallback registers a handler for inbound data frames.
// Heartbeat frames are never delivered here.
func (t *Transport) SetMessageCallback(cb func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = cb
}

// SetOpenCallback registers a handler invoked when a connection opens.
func (t *Transport) SetOpenCallback(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = cb
}

// SetCloseCallback registers a handler invoked when the connection
// closes, with the websocket close code (1000 for a local Close).
func (t *Transport) SetCloseCallback(cb func(code int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = cb
}

// SetErrorCallback registers a handler for transport-level failures.
func (t *Transport) SetErrorCallback(cb func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = cb
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CurrentURI returns the candidate endpoint currently in use.
func (t *Transport) CurrentURI() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uris[t.uriIndex]
}

// Open starts connecting to the current candidate endpoint. It is a
// no-op when the transport is already open or connecting.
func (t *Transport) Open() {
	t.mu.Lock()
	if t.state != StateClosed {
		t.mu.Unlock()
		return
	}
	t.closing = false
	t.backoffAttempt = 0
	t.connectLocked()
	t.mu.Unlock()
	t.flush()
}

// connectLocked begins one connection attempt. Called with t.mu held.
func (t *Transport) connectLocked() {
	t.setState(StateConnecting)
	t.generation++
	gen := t.generation
	uri := t.uris[t.uriIndex]

	logrus.WithFields(logrus.Fields{
		"function": "connectLocked",
		"uri":      uri,
		"attempt":  t.backoffAttempt,
	}).Info("Connecting to signaling endpoint")

	t.stopTimer(&t.connectTimer)
	t.connectTimer = time.AfterFunc(t.opts.ConnectTimeout, func() {
		t.onConnectTimeout(gen)
	})

	dialer := t.opts.Dialer
	go func() {
		conn, resp, err := dialer.Dial(uri, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		t.dialFinished(gen, conn, err)
	}()
}

// dialFinished handles the result of an async dial.
func (t *Transport) dialFinished(gen int, conn *websocket.Conn, err error) {
	t.mu.Lock()
	if gen != t.generation || t.closing {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dialFinished",
			"uri":      t.uris[t.uriIndex],
			"error":    err.Error(),
		}).Error("Signaling connection construction failed")

		if t.onError != nil {
			cb := t.onError
			t.emit(func() { cb(err) })
		}
		t.handleDropLocked(websocket.CloseAbnormalClosure)
		t.mu.Unlock()
		t.flush()
		return
	}

	t.conn = conn
	t.stopTimer(&t.connectTimer)
	t.setState(StateOpen)
	t.openedAt = t.clock.Now()
	t.resetInactivityLocked(gen)

	conn.SetCloseHandler(nil) // default handler echoes the close frame
	go t.readLoop(gen, conn)

	if t.onOpen != nil {
		cb := t.onOpen
		t.emit(cb)
	}

	logrus.WithFields(logrus.Fields{
		"function": "dialFinished",
		"uri":      t.uris[t.uriIndex],
	}).Info("Signaling connection open")

	t.mu.Unlock()
	t.flush()
}

// readLoop pumps frames off the socket until it fails or closes.
func (t *Transport) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.socketClosed(gen, closeCode(err))
			return
		}

		if string(data) == heartbeatFrame {
			// Echo the keepalive immediately; never surface it.
			t.mu.Lock()
			t.resetInactivityLocked(gen)
			if t.conn == conn {
				conn.WriteMessage(websocket.TextMessage, []byte(heartbeatFrame))
			}
			t.mu.Unlock()
			continue
		}

		t.mu.Lock()
		t.resetInactivityLocked(gen)
		if t.onMessage != nil {
			cb := t.onMessage
			t.emit(func() { cb(data) })
		}
		t.mu.Unlock()
		t.flush()
	}
}

// closeCode extracts the websocket close code from a read error.
// Non-close errors (reset connections, timeouts) map to abnormal closure.
func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// Send writes a data frame. It returns false without side effects when
// the connection is not fully open; a synchronous write failure forces
// the connection closed and also returns false.
func (t *Transport) Send(data []byte) bool {
	t.mu.Lock()
	if t.state != StateOpen || t.conn == nil {
		t.mu.Unlock()
		return false
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"error":    err.Error(),
		}).Warn("Signaling write failed, forcing close")

		conn := t.conn
		t.mu.Unlock()
		conn.Close() // the read loop observes the failure and reconnects
		return false
	}
	t.mu.Unlock()
	return true
}

// Close releases the connection and stops all reconnect activity.
// Half-close semantics: a close frame is written, then the socket is
// finalized. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closing && t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.generation++
	t.stopTimer(&t.connectTimer)
	t.stopTimer(&t.inactivityTimer)
	t.stopTimer(&t.reconnectTimer)

	wasClosed := t.state == StateClosed
	if t.conn != nil {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			t.clock.Now().Add(time.Second))
		t.conn.Close()
		t.conn = nil
	}
	t.setState(StateClosed)

	if !wasClosed && t.onClose != nil {
		cb := t.onClose
		t.emit(func() { cb(websocket.CloseNormalClosure) })
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Signaling transport closed")

	t.mu.Unlock()
	t.flush()
}

// socketClosed handles an unexpected socket closure observed by the
// read loop.
func (t *Transport) socketClosed(gen int, code int) {
	t.mu.Lock()
	if gen != t.generation || t.closing {
		t.mu.Unlock()
		return
	}
	t.generation++
	t.conn = nil
	t.stopTimer(&t.inactivityTimer)

	if t.onClose != nil {
		cb := t.onClose
		t.emit(func() { cb(code) })
	}

	t.handleDropLocked(code)
	t.mu.Unlock()
	t.flush()
}

// handleDropLocked applies failover and backoff policy after a failed
// attempt or dropped connection, then schedules the reconnect. Called
// with t.mu held.
func (t *Transport) handleDropLocked(code int) {
	// Failover guard: abnormal/TLS closures advance the endpoint index
	// only when neither side of the state transition was Open. A drop
	// from (or back to) a working endpoint is retried in place first.
	if (code == websocket.CloseAbnormalClosure || code == websocket.CloseTLSHandshake) &&
		t.previousState != StateOpen && t.state != StateOpen {
		t.advanceEndpointLocked()
	}

	// A connection that stayed open long enough was healthy; its drop
	// restarts the backoff schedule rather than escalating it.
	if t.state == StateOpen && t.clock.Now().Sub(t.openedAt) >= t.opts.HealthyDuration {
		t.backoffAttempt = 1
	} else {
		t.backoffAttempt++
	}

	t.setState(StateConnecting)

	delay := t.backoffDelay(t.backoffAttempt)
	logrus.WithFields(logrus.Fields{
		"function": "handleDropLocked",
		"code":     code,
		"attempt":  t.backoffAttempt,
		"delay":    delay,
		"uri":      t.uris[t.uriIndex],
	}).Info("Scheduling signaling reconnect")

	gen := t.generation
	t.stopTimer(&t.reconnectTimer)
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if gen != t.generation || t.closing {
			t.mu.Unlock()
			return
		}
		t.connectLocked()
		t.mu.Unlock()
		t.flush()
	})
}

// advanceEndpointLocked moves to the next candidate endpoint, wrapping
// to the first after the last. Called with t.mu held.
func (t *Transport) advanceEndpointLocked() {
	t.uriIndex = (t.uriIndex + 1) % len(t.uris)
	logrus.WithFields(logrus.Fields{
		"function": "advanceEndpointLocked",
		"uri":      t.uris[t.uriIndex],
		"index":    t.uriIndex,
	}).Info("Advancing to next signaling endpoint")
}

// backoffDelay computes the jittered exponential reconnect delay for
// the given attempt number.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := t.opts.BackoffBase << uint(attempt-1)
	if d > t.opts.BackoffMax || d <= 0 {
		d = t.opts.BackoffMax
	}
	// Jitter into [d/2, d] so simultaneous clients do not stampede.
	half := d / 2
	return half + time.Duration(t.rng.Int63n(int64(half)+1))
}

// onConnectTimeout fires when an attempt exceeds ConnectTimeout while
// still Connecting: the transport force-advances to the next candidate.
func (t *Transport) onConnectTimeout(gen int) {
	t.mu.Lock()
	if gen != t.generation || t.closing || t.state != StateConnecting {
		t.mu.Unlock()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onConnectTimeout",
		"uri":      t.uris[t.uriIndex],
	}).Warn("Signaling connect timed out")

	t.generation++
	t.advanceEndpointLocked()
	t.backoffAttempt++
	t.setState(StateConnecting)

	gen = t.generation
	t.stopTimer(&t.reconnectTimer)
	t.reconnectTimer = time.AfterFunc(t.backoffDelay(t.backoffAttempt), func() {
		t.mu.Lock()
		if gen != t.generation || t.closing {
			t.mu.Unlock()
			return
		}
		t.connectLocked()
		t.mu.Unlock()
		t.flush()
	})
	t.mu.Unlock()
}

// resetInactivityLocked restarts the staleness timer. Any received
// frame, heartbeat included, counts as activity. Called with t.mu held.
func (t *Transport) resetInactivityLocked(gen int) {
	t.stopTimer(&t.inactivityTimer)
	t.inactivityTimer = time.AfterFunc(t.opts.MaxInactivity, func() {
		t.mu.Lock()
		if gen != t.generation || t.closing || t.state != StateOpen {
			t.mu.Unlock()
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "resetInactivityLocked",
			"max_idle": t.opts.MaxInactivity,
		}).Warn("No frames received within inactivity window, closing stale connection")
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.Close() // read loop observes the failure and reconnects
		}
	})
}

// setState transitions the high-level state, tracking the previous
// state for the failover guard. Called with t.mu held.
func (t *Transport) setState(s State) {
	if s == t.state {
		return
	}
	t.previousState = t.state
	t.state = s
}

// stopTimer stops and clears a timer slot. Called with t.mu held.
func (t *Transport) stopTimer(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// emit stages a callback to run once t.mu is released.
func (t *Transport) emit(f func()) {
	t.pending = append(t.pending, f)
}

// flush runs staged callbacks outside the lock.
func (t *Transport) flush() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, f := range pending {
		f()
	}
}
