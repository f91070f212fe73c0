package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/voice/media"
	"github.com/peerwave/voice/monitor"
	"github.com/peerwave/voice/signaling"
)

// publisher is the outbound signaling surface the call machine uses.
// *signaling.Stream satisfies it.
type publisher interface {
	Invite(callSID, sdp string, params map[string]string) error
	Answer(callSID, sdp string) error
	Reinvite(callSID, sdp string) error
	DTMF(callSID, digits string) error
	Hangup(callSID, reason string) error
}

// toneSender inserts in-band DTMF tones. *media.DTMFSender satisfies
// it.
type toneSender interface {
	Insert(digit rune, duration time.Duration) error
}

// Config describes one call before it starts.
type Config struct {
	Direction Direction

	// CallSID is the server-assigned identifier. Set for incoming
	// calls; outgoing calls carry a temporary identifier until the
	// server assigns one.
	CallSID string

	// OfferSDP is the remote offer of an incoming invite.
	OfferSDP string

	// Params are application-defined call parameters: dialing targets
	// for outgoing calls, caller information for incoming ones.
	Params map[string]string

	// InputStream is a caller-supplied audio source, shared with the
	// application and cloned before use. When nil, Capture opens a
	// device instead.
	InputStream *media.Stream
	Capture     media.CaptureFunc
	Constraints media.Constraints

	// MaxReconnectAttempts bounds ICE restart attempts per recovery
	// episode (default 3).
	MaxReconnectAttempts int

	// ReconnectBackoff is the base delay between restart attempts,
	// doubled per attempt (default 250ms).
	ReconnectBackoff time.Duration

	// DTMF playout timing (defaults: 160ms tones, 200ms gaps, 500ms
	// for the 'w' pause marker).
	ToneDuration  time.Duration
	ToneGap       time.Duration
	PauseDuration time.Duration
}

// Default reconnect and DTMF timing.
const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBackoff     = 250 * time.Millisecond
	DefaultToneGap              = 200 * time.Millisecond
	DefaultPauseDuration        = 500 * time.Millisecond
)

// Call is the state machine for one voice call.
type Call struct {
	mu  sync.Mutex
	cfg Config

	pub     publisher
	session *media.Session
	mon     *monitor.Monitor

	direction Direction
	status    Status
	callSID   string
	tempSID   string
	offerSDP  string

	tones       toneSender
	tonesProbed bool

	reconnecting      bool
	reconnectAttempts int
	reconnectTimer    *time.Timer

	onRinging         func(hasEarlyMedia bool)
	onAccept          func()
	onDisconnect      func()
	onCancel          func()
	onError           func(*Error)
	onMute            func(bool)
	onWarning         func(name, group string)
	onWarningCleared  func(name, group string)
	onReconnecting    func(*Error)
	onReconnected     func()
	onSample          func(*monitor.Sample)
	onVolume          func(inputVolume, outputVolume, rawInput, rawOutput float64)

	pending []func()
}

// New builds a call over its signaling stream, media session and
// quality monitor. The call takes over the session's and monitor's
// callbacks.
func New(signal *signaling.Stream, session *media.Session, mon *monitor.Monitor, cfg Config) *Call {
	return newCall(signal, session, mon, cfg)
}

func newCall(pub publisher, session *media.Session, mon *monitor.Monitor, cfg Config) *Call {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.ToneDuration <= 0 {
		cfg.ToneDuration = media.DefaultToneDuration
	}
	if cfg.ToneGap <= 0 {
		cfg.ToneGap = DefaultToneGap
	}
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = DefaultPauseDuration
	}

	c := &Call{
		cfg:       cfg,
		pub:       pub,
		session:   session,
		mon:       mon,
		direction: cfg.Direction,
		status:    StatusPending,
		callSID:   cfg.CallSID,
		offerSDP:  cfg.OfferSDP,
		tempSID:   "TJ" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	c.bindSession()
	c.bindMonitor()
	return c
}

// SID returns the server-assigned call identifier, or the temporary
// one while the server has not assigned any.
func (c *Call) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sidLocked()
}

func (c *Call) sidLocked() string {
	if c.callSID != "" {
		return c.callSID
	}
	return c.tempSID
}

// Status returns the current lifecycle state.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Direction returns who initiated the call.
func (c *Call) Direction() Direction { return c.direction }

// Params returns the application-defined call parameters.
func (c *Call) Params() map[string]string { return c.cfg.Params }

// Session exposes the underlying media session.
func (c *Call) Session() *media.Session { return c.session }

// Monitor exposes the underlying quality monitor.
func (c *Call) Monitor() *monitor.Monitor { return c.mon }

// SetRingingCallback registers the handler for remote ringing.
func (c *Call) SetRingingCallback(cb func(hasEarlyMedia bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRinging = cb
}

// SetAcceptCallback registers the handler fired when media opens.
func (c *Call) SetAcceptCallback(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAccept = cb
}

// SetDisconnectCallback registers the handler fired once on teardown.
func (c *Call) SetDisconnectCallback(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

// SetCancelCallback registers the handler for withdrawn or ignored
// invites.
func (c *Call) SetCancelCallback(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCancel = cb
}

// SetErrorCallback registers the coded error handler.
func (c *Call) SetErrorCallback(cb func(*Error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}

// SetMuteCallback registers the handler for mute state changes.
func (c *Call) SetMuteCallback(cb func(muted bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMute = cb
}

// SetWarningCallback registers the quality warning handler.
func (c *Call) SetWarningCallback(cb func(name, group string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWarning = cb
}

// SetWarningClearedCallback registers the warning recovery handler.
func (c *Call) SetWarningClearedCallback(cb func(name, group string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWarningCleared = cb
}

// SetReconnectingCallback registers the handler fired once per media
// recovery episode.
func (c *Call) SetReconnectingCallback(cb func(*Error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = cb
}

// SetReconnectedCallback registers the handler for completed recovery.
func (c *Call) SetReconnectedCallback(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = cb
}

// SetSampleCallback registers the per-interval quality sample handler.
func (c *Call) SetSampleCallback(cb func(*monitor.Sample)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSample = cb
}

// SetVolumeCallback registers the periodic audio level handler.
func (c *Call) SetVolumeCallback(cb func(inputVolume, outputVolume, rawInput, rawOutput float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVolume = cb
}

// Dial starts an outgoing call: acquires the input device, generates
// the offer and publishes the invite. Ringing, answer and media open
// arrive asynchronously. An input-device failure surfaces a coded
// error but leaves the call pending for a retry.
func (c *Call) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.direction != DirectionOutgoing {
		c.mu.Unlock()
		return newError(CodeUnknown, "dial on an incoming call", nil)
	}
	if c.status != StatusPending {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	if err := c.acquireInput(ctx); err != nil {
		if c.closedDuringSetup() {
			// Cancelled while the input device was being acquired;
			// not a failure worth reporting.
			return nil
		}
		return c.failAcquisition(err)
	}
	if c.closedDuringSetup() {
		return nil
	}

	offer, err := c.session.CreateOffer(ctx)
	if err != nil {
		e := newError(CodeMediaConnectionFailed, "failed to create offer", err)
		c.failSetup(e)
		return e
	}
	if err := c.pub.Invite("", offer, c.cfg.Params); err != nil {
		e := newError(CodeConnectionError, "failed to publish invite", err)
		c.failSetup(e)
		return e
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"temp_sid": c.tempSID,
	}).Info("Outgoing call invite published")
	return nil
}

// Accept answers an incoming call. An input-device failure surfaces a
// coded error but leaves the call pending for a retry; a call
// cancelled while the input device was being acquired is torn down
// silently; accepting a closed call is a no-op.
func (c *Call) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.direction != DirectionIncoming {
		c.mu.Unlock()
		return newError(CodeUnknown, "accept on an outgoing call", nil)
	}
	if c.status != StatusPending {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	offer := c.offerSDP
	sid := c.callSID
	c.mu.Unlock()

	if err := c.acquireInput(ctx); err != nil {
		if c.closedDuringSetup() {
			// Cancelled while the input device was being acquired;
			// not a failure worth reporting.
			return nil
		}
		return c.failAcquisition(err)
	}
	if c.closedDuringSetup() {
		return nil
	}

	answer, err := c.session.CreateAnswer(ctx, offer)
	if err != nil {
		e := newError(CodeMediaConnectionFailed, "failed to create answer", err)
		c.failSetup(e)
		return e
	}
	if err := c.pub.Answer(sid, answer); err != nil {
		e := newError(CodeConnectionError, "failed to publish answer", err)
		c.failSetup(e)
		return e
	}

	logrus.WithFields(logrus.Fields{
		"function": "Accept",
		"call_sid": sid,
	}).Info("Incoming call answered")
	return nil
}

// acquireInput binds the configured input source to the media session,
// classifying failures into permission and acquisition errors.
func (c *Call) acquireInput(ctx context.Context) error {
	if c.cfg.InputStream != nil {
		if err := c.session.SetInputStream(c.cfg.InputStream, false); err != nil {
			return newError(CodeMediaAcquisitionFailed, "failed to bind input stream", err)
		}
		return nil
	}
	if c.cfg.Capture == nil {
		return newError(CodeMediaAcquisitionFailed, "no input stream or capture function configured", nil)
	}

	stream, err := c.cfg.Capture(ctx, c.cfg.Constraints)
	if err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			return newError(CodePermissionDenied, "microphone access denied", err)
		}
		return newError(CodeMediaAcquisitionFailed, "failed to open input device", err)
	}
	if err := c.session.SetInputStream(stream, true); err != nil {
		stream.Close()
		return newError(CodeMediaAcquisitionFailed, "failed to bind input stream", err)
	}
	return nil
}

// failAcquisition surfaces an input-device failure without tearing the
// call down. The call returns to its pending state so the application
// can retry with another device or disconnect explicitly.
func (c *Call) failAcquisition(err error) error {
	var cerr *Error
	if !errors.As(err, &cerr) {
		cerr = newError(CodeMediaAcquisitionFailed, "failed to acquire input", err)
	}

	c.mu.Lock()
	if c.status != StatusClosed {
		c.status = StatusPending
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "failAcquisition",
		"code":     cerr.Code,
		"error":    cerr.Error(),
	}).Error("Input acquisition failed")

	c.emitError(cerr)
	return cerr
}

// closedDuringSetup detects a cancellation that raced with media
// acquisition and releases the session if so.
func (c *Call) closedDuringSetup() bool {
	c.mu.Lock()
	closed := c.status == StatusClosed
	c.mu.Unlock()
	if closed {
		c.session.Close()
	}
	return closed
}

// failSetup tears the call down after a local setup failure.
func (c *Call) failSetup(err error) {
	var cerr *Error
	if !errors.As(err, &cerr) {
		cerr = newError(CodeUnknown, "call setup failed", err)
	}

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.stopReconnectTimerLocked()
	cbErr := c.onError
	c.stage(func() {
		if cbErr != nil {
			cbErr(cerr)
		}
	})
	c.stageDisconnectLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "failSetup",
		"code":     cerr.Code,
		"error":    cerr.Error(),
	}).Error("Call setup failed")

	c.mon.Disable()
	c.session.Close()
	c.flush()
}

// Reject declines a pending incoming call, notifying the server.
// Rejecting in any other state is a no-op.
func (c *Call) Reject() error {
	c.mu.Lock()
	if c.direction != DirectionIncoming || c.status != StatusPending {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosed
	sid := c.sidLocked()
	c.mu.Unlock()

	err := c.pub.Hangup(sid, "rejected")
	c.session.Close()
	if err != nil {
		return newError(CodeConnectionError, "failed to publish rejection", err)
	}
	return nil
}

// Ignore dismisses a pending incoming call locally without notifying
// the server. The cancel callback fires once; repeated calls are
// no-ops.
func (c *Call) Ignore() {
	c.mu.Lock()
	if c.direction != DirectionIncoming || c.status != StatusPending {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.stageCancelLocked()
	c.mu.Unlock()

	c.session.Close()
	c.flush()
}

// Disconnect hangs up the call. Disconnecting a closed call is a
// silent no-op.
func (c *Call) Disconnect() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.stopReconnectTimerLocked()
	sid := c.callSID
	c.stageDisconnectLocked()
	c.mu.Unlock()

	// Best effort: the transport may already be down. A call the
	// server never acknowledged has nothing to hang up.
	if sid != "" {
		c.pub.Hangup(sid, "")
	}
	c.mon.Disable()
	c.session.Close()
	c.flush()
}

// Mute pauses or resumes outbound audio. The mute callback fires only
// when the state actually changes; muting a closed call is a silent
// no-op.
func (c *Call) Mute(muted bool) error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.session.Muted() == muted {
		return nil
	}
	if err := c.session.SetMuted(muted); err != nil {
		return newError(CodeUnknown, "failed to change mute state", err)
	}

	c.mu.Lock()
	cb := c.onMute
	c.mu.Unlock()
	if cb != nil {
		cb(muted)
	}
	return nil
}

// IsMuted reports the outbound audio state.
func (c *Call) IsMuted() bool { return c.session.Muted() }

// HandleRinging processes the server's ringing acknowledgment for an
// outgoing call, applying early media when present.
func (c *Call) HandleRinging(p signaling.RingingPayload) {
	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.status = StatusRinging
	if p.CallSID != "" {
		c.callSID = p.CallSID
	}
	cb := c.onRinging
	c.mu.Unlock()

	if p.HasEarlyMedia && p.SDP != "" {
		if err := c.session.ProcessEarlyMedia(p.SDP); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleRinging",
				"error":    err.Error(),
			}).Warn("Failed to apply early media")
		}
	}
	if cb != nil {
		cb(p.HasEarlyMedia)
	}
}

// HandleAnswer processes the remote answer, for both the initial
// invite and reconnection reinvites.
func (c *Call) HandleAnswer(p signaling.AnswerPayload) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	if p.CallSID != "" {
		c.callSID = p.CallSID
	}
	c.mu.Unlock()

	if err := c.session.ProcessAnswer(p.SDP); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleAnswer",
			"error":    err.Error(),
		}).Error("Failed to apply remote answer")
		c.emitError(newError(CodeMediaConnectionFailed, "failed to apply remote answer", err))
	}
}

// HandleRemoteHangup processes call termination by the remote side.
func (c *Call) HandleRemoteHangup(reason string) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.stopReconnectTimerLocked()
	c.stageDisconnectLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HandleRemoteHangup",
		"reason":   reason,
	}).Info("Call ended by remote side")

	c.mon.Disable()
	c.session.Close()
	c.flush()
}

// HandleRemoteCancel processes withdrawal of a pending invite. The
// call closes silently if it was already accepted or closed.
func (c *Call) HandleRemoteCancel() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.stageCancelLocked()
	c.mu.Unlock()

	c.mon.Disable()
	c.session.Close()
	c.flush()
}

// HandleServerError processes a server error frame for this call.
// Errors before the call is open are fatal.
func (c *Call) HandleServerError(p signaling.ErrorPayload) {
	code := p.Code
	if code == 0 {
		code = CodeSignalingError
	}
	err := newError(code, p.Message, nil)

	c.mu.Lock()
	fatal := c.status == StatusPending || c.status == StatusConnecting || c.status == StatusRinging
	c.mu.Unlock()

	if fatal {
		c.failSetup(err)
		return
	}
	c.emitError(err)
}

func (c *Call) emitError(err *Error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// bindSession wires the media session's normalized callbacks into the
// state machine.
func (c *Call) bindSession() {
	c.session.SetOpenCallback(c.handleMediaOpen)
	c.session.SetDisconnectedCallback(c.handleMediaDisconnected)
	c.session.SetFailedCallback(c.handleMediaFailed)
	c.session.SetReconnectedCallback(c.handleMediaReconnected)
	c.session.SetICEGatheringFailureCallback(c.handleGatheringFailure)
	c.session.SetVolumeCallback(func(in, out, rawIn, rawOut float64) {
		c.mon.AddVolumes(in, out)
		c.mu.Lock()
		cb := c.onVolume
		c.mu.Unlock()
		if cb != nil {
			cb(in, out, rawIn, rawOut)
		}
	})
}

// bindMonitor wires quality monitoring into the warning translation
// layer.
func (c *Call) bindMonitor() {
	c.mon.SetSampleCallback(func(s *monitor.Sample) {
		c.mu.Lock()
		cb := c.onSample
		c.mu.Unlock()
		if cb != nil {
			cb(s)
		}
	})
	c.mon.SetWarningCallback(func(ev monitor.WarningEvent) {
		name, group, ok := translateWarning(ev)
		if !ok {
			return
		}
		c.mu.Lock()
		cb := c.onWarning
		c.mu.Unlock()
		if cb != nil {
			cb(name, group)
		}
	})
	c.mon.SetWarningClearedCallback(func(ev monitor.WarningEvent) {
		name, group, ok := translateWarning(ev)
		if !ok {
			return
		}
		c.mu.Lock()
		cb := c.onWarningCleared
		c.mu.Unlock()
		if cb != nil {
			cb(name, group)
		}
	})
	c.mon.SetErrorCallback(func(err error) {
		c.emitError(newError(CodeUnknown, "quality monitoring stopped", err))
	})
}

// handleMediaOpen marks the call open once media flows and starts
// quality monitoring.
func (c *Call) handleMediaOpen() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusOpen
	cb := c.onAccept
	c.mu.Unlock()

	if err := c.mon.Enable(c.session); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleMediaOpen",
			"error":    err.Error(),
		}).Warn("Failed to enable quality monitoring")
	}
	if cb != nil {
		cb()
	}
}

func (c *Call) stageDisconnectLocked() {
	cb := c.onDisconnect
	c.stage(func() {
		if cb != nil {
			cb()
		}
	})
}

func (c *Call) stageCancelLocked() {
	cb := c.onCancel
	c.stage(func() {
		if cb != nil {
			cb()
		}
	})
}

func (c *Call) stage(fn func()) {
	c.pending = append(c.pending, fn)
}

func (c *Call) flush() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
