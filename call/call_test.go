package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerwave/voice/media"
	"github.com/peerwave/voice/monitor"
	"github.com/peerwave/voice/signaling"
)

type hangupRecord struct {
	sid    string
	reason string
}

type fakePub struct {
	mu        sync.Mutex
	invites   []string
	answers   []string
	reinvites []string
	dtmf      []string
	hangups   []hangupRecord
}

func (p *fakePub) Invite(callSID, sdp string, params map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invites = append(p.invites, sdp)
	return nil
}

func (p *fakePub) Answer(callSID, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, sdp)
	return nil
}

func (p *fakePub) Reinvite(callSID, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reinvites = append(p.reinvites, sdp)
	return nil
}

func (p *fakePub) DTMF(callSID, digits string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtmf = append(p.dtmf, digits)
	return nil
}

func (p *fakePub) Hangup(callSID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, hangupRecord{sid: callSID, reason: reason})
	return nil
}

func (p *fakePub) hangupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hangups)
}

func newTestCall(t *testing.T, dir Direction, mutate func(*Config)) (*Call, *fakePub) {
	t.Helper()
	engine, err := media.NewEngine(media.EngineOptions{})
	require.NoError(t, err)
	session := media.NewSession(engine, media.SessionOptions{})
	t.Cleanup(session.Close)
	mon := monitor.New(monitor.Options{})
	t.Cleanup(mon.Disable)

	cfg := Config{
		Direction:        dir,
		CallSID:          "CA1",
		OfferSDP:         "v=0",
		ToneDuration:     time.Millisecond,
		ToneGap:          time.Millisecond,
		PauseDuration:    2 * time.Millisecond,
		ReconnectBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pub := &fakePub{}
	return newCall(pub, session, mon, cfg), pub
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "mic")
	require.NoError(t, err)
	return track
}

func TestIgnoreFiresCancelOnce(t *testing.T) {
	c, pub := newTestCall(t, DirectionIncoming, nil)

	cancels := 0
	c.SetCancelCallback(func() { cancels++ })

	c.Ignore()
	c.Ignore()

	assert.Equal(t, StatusClosed, c.Status())
	assert.Equal(t, 1, cancels)
	assert.Zero(t, pub.hangupCount(), "ignore never notifies the server")
}

func TestAcceptOnClosedCallIsNoOp(t *testing.T) {
	c, pub := newTestCall(t, DirectionIncoming, nil)
	c.Ignore()

	require.NoError(t, c.Accept(context.Background()))
	assert.Equal(t, StatusClosed, c.Status())
	assert.Empty(t, pub.answers)
}

func TestAcceptOnOutgoingCallErrors(t *testing.T) {
	c, _ := newTestCall(t, DirectionOutgoing, nil)

	err := c.Accept(context.Background())
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeUnknown, cerr.Code)
}

func TestDialOnIncomingCallErrors(t *testing.T) {
	c, _ := newTestCall(t, DirectionIncoming, nil)

	err := c.Dial(context.Background())
	require.Error(t, err)
}

func TestAcceptWithoutInputConfigurationFails(t *testing.T) {
	c, pub := newTestCall(t, DirectionIncoming, nil)

	var errs []*Error
	disconnects := 0
	c.SetErrorCallback(func(e *Error) { errs = append(errs, e) })
	c.SetDisconnectCallback(func() { disconnects++ })

	err := c.Accept(context.Background())
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeMediaAcquisitionFailed, cerr.Code)

	assert.Equal(t, StatusPending, c.Status(), "acquisition failure does not end the call")
	assert.Zero(t, disconnects)
	require.Len(t, errs, 1)
	assert.Empty(t, pub.answers)
}

func TestAcceptRetriesAfterAcquisitionFailure(t *testing.T) {
	attempts := 0
	c, _ := newTestCall(t, DirectionIncoming, func(cfg *Config) {
		cfg.Capture = func(ctx context.Context, _ media.Constraints) (*media.Stream, error) {
			attempts++
			return nil, errors.New("device busy")
		}
	})

	require.Error(t, c.Accept(context.Background()))
	require.Error(t, c.Accept(context.Background()))

	assert.Equal(t, 2, attempts, "pending call retries acquisition")
	assert.Equal(t, StatusPending, c.Status())
}

func TestAcceptClassifiesPermissionDenied(t *testing.T) {
	c, _ := newTestCall(t, DirectionIncoming, func(cfg *Config) {
		cfg.Capture = func(ctx context.Context, _ media.Constraints) (*media.Stream, error) {
			return nil, media.ErrPermissionDenied
		}
	})

	err := c.Accept(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodePermissionDenied, cerr.Code)
	assert.Equal(t, StatusPending, c.Status())
}

func TestAcceptCancelledDuringAcquisition(t *testing.T) {
	var c *Call
	stopped := false
	track := testTrack(t)
	capture := func(ctx context.Context, _ media.Constraints) (*media.Stream, error) {
		// The server withdraws the invite while the device opens.
		c.HandleRemoteCancel()
		return media.NewStream([]webrtc.TrackLocal{track}, nil, func() { stopped = true }), nil
	}

	var pub *fakePub
	c, pub = newTestCall(t, DirectionIncoming, func(cfg *Config) {
		cfg.Capture = capture
	})

	var errs []*Error
	cancels := 0
	c.SetErrorCallback(func(e *Error) { errs = append(errs, e) })
	c.SetCancelCallback(func() { cancels++ })

	require.NoError(t, c.Accept(context.Background()))

	assert.Equal(t, StatusClosed, c.Status())
	assert.Equal(t, 1, cancels)
	assert.Empty(t, errs, "self-cancellation is not an error")
	assert.Empty(t, pub.answers)
	assert.True(t, stopped, "acquired stream released after cancellation")
}

func TestMuteOnClosedCallIsNoOp(t *testing.T) {
	c, _ := newTestCall(t, DirectionIncoming, nil)
	c.Ignore()

	mutes := 0
	c.SetMuteCallback(func(bool) { mutes++ })

	require.NoError(t, c.Mute(true))
	assert.Zero(t, mutes)
	assert.False(t, c.IsMuted())
}

func TestMuteEmitsCallback(t *testing.T) {
	c, _ := newTestCall(t, DirectionIncoming, nil)

	var states []bool
	c.SetMuteCallback(func(muted bool) { states = append(states, muted) })

	require.NoError(t, c.Mute(true))
	require.NoError(t, c.Mute(true))
	require.NoError(t, c.Mute(false))
	require.NoError(t, c.Mute(false))
	assert.Equal(t, []bool{true, false}, states, "repeated requests emit nothing")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, pub := newTestCall(t, DirectionIncoming, nil)
	c.mu.Lock()
	c.status = StatusOpen
	c.mu.Unlock()

	disconnects := 0
	c.SetDisconnectCallback(func() { disconnects++ })

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, StatusClosed, c.Status())
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, pub.hangupCount())
}

func TestDisconnectWithoutServerSIDSkipsHangup(t *testing.T) {
	c, pub := newTestCall(t, DirectionOutgoing, func(cfg *Config) { cfg.CallSID = "" })
	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	disconnects := 0
	c.SetDisconnectCallback(func() { disconnects++ })

	c.Disconnect()

	assert.Equal(t, StatusClosed, c.Status())
	assert.Equal(t, 1, disconnects)
	assert.Zero(t, pub.hangupCount(), "unacknowledged calls have nothing to hang up")
}

func TestRemoteHangupTeardown(t *testing.T) {
	c, pub := newTestCall(t, DirectionIncoming, nil)
	c.mu.Lock()
	c.status = StatusOpen
	c.mu.Unlock()

	disconnects := 0
	c.SetDisconnectCallback(func() { disconnects++ })

	c.HandleRemoteHangup("busy")
	c.HandleRemoteHangup("busy")

	assert.Equal(t, StatusClosed, c.Status())
	assert.Equal(t, 1, disconnects)
	assert.Zero(t, pub.hangupCount(), "remote hangup needs no echo")
}

func TestRejectNotifiesServer(t *testing.T) {
	c, pub := newTestCall(t, DirectionIncoming, nil)

	require.NoError(t, c.Reject())
	assert.Equal(t, StatusClosed, c.Status())
	require.Equal(t, 1, pub.hangupCount())
	assert.Equal(t, "rejected", pub.hangups[0].reason)

	require.NoError(t, c.Reject(), "second reject is a no-op")
	assert.Equal(t, 1, pub.hangupCount())
}

func TestHandleRingingTransitionsFromConnecting(t *testing.T) {
	c, _ := newTestCall(t, DirectionOutgoing, nil)
	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	var early []bool
	c.SetRingingCallback(func(hasEarlyMedia bool) { early = append(early, hasEarlyMedia) })

	c.HandleRinging(signaling.RingingPayload{CallSID: "CA77"})
	c.HandleRinging(signaling.RingingPayload{CallSID: "CA77"})

	assert.Equal(t, StatusRinging, c.Status())
	assert.Equal(t, "CA77", c.SID())
	assert.Equal(t, []bool{false}, early, "ringing fires once")
}

func TestTemporarySIDUntilServerAssigns(t *testing.T) {
	c, _ := newTestCall(t, DirectionOutgoing, func(cfg *Config) { cfg.CallSID = "" })

	sid := c.SID()
	assert.True(t, len(sid) > 2 && sid[:2] == "TJ", "temporary sid carries the TJ prefix")

	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()
	c.HandleRinging(signaling.RingingPayload{CallSID: "CA5"})
	assert.Equal(t, "CA5", c.SID())
}

func TestServerErrorDuringSetupIsFatal(t *testing.T) {
	c, _ := newTestCall(t, DirectionIncoming, nil)

	var errs []*Error
	disconnects := 0
	c.SetErrorCallback(func(e *Error) { errs = append(errs, e) })
	c.SetDisconnectCallback(func() { disconnects++ })

	c.HandleServerError(signaling.ErrorPayload{Code: 31002, Message: "bad token"})

	assert.Equal(t, StatusClosed, c.Status())
	require.Len(t, errs, 1)
	assert.Equal(t, 31002, errs[0].Code)
	assert.Equal(t, 1, disconnects)
}

func TestServerErrorOnOpenCallIsNonFatal(t *testing.T) {
	c, _ := newTestCall(t, DirectionIncoming, nil)
	c.mu.Lock()
	c.status = StatusOpen
	c.mu.Unlock()

	var errs []*Error
	c.SetErrorCallback(func(e *Error) { errs = append(errs, e) })

	c.HandleServerError(signaling.ErrorPayload{Message: "transient"})

	assert.Equal(t, StatusOpen, c.Status())
	require.Len(t, errs, 1)
	assert.Equal(t, CodeSignalingError, errs[0].Code, "missing codes default to the signaling class")
}
