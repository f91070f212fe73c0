package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/opus"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/voice/monitor"
)

const (
	// DefaultGatherTimeout bounds ICE candidate gathering before the
	// session reports a gathering failure.
	DefaultGatherTimeout = 15 * time.Second

	// volumeInterval is the audio level publication period.
	volumeInterval = 50 * time.Millisecond
)

// SessionOptions configures one media session.
type SessionOptions struct {
	// CodecPreferences reorders audio codecs in generated SDP.
	CodecPreferences []string

	// MaxAverageBitrate caps the opus encoder bitrate via SDP,
	// clamped to the RFC 7587 range. Zero leaves SDP untouched.
	MaxAverageBitrate int

	// Semantics selects the SDP semantics for the whole session.
	Semantics SemanticsMode

	// SinkFactory opens audio output sinks. Nil disables output
	// device management.
	SinkFactory SinkFactory

	// GatherTimeout overrides DefaultGatherTimeout.
	GatherTimeout time.Duration
}

// Session drives the WebRTC leg of one call: peer connection
// lifecycle, SDP shaping, the local input stream, remote audio
// analysis and output fan-out.
//
// Raw connection states are normalized into open, connected,
// disconnected, reconnected, failed and close callbacks. Callbacks
// run outside the session lock.
type Session struct {
	mu     sync.Mutex
	engine *Engine
	opts   SessionOptions

	semantics webrtc.SDPSemantics
	pc        *webrtc.PeerConnection

	local  *Stream
	sender *webrtc.RTPSender
	muted  bool

	dtmf       *DTMFSender
	dtmfProbed bool

	outputs        *outputManager
	remoteAnalyzer *LevelAnalyzer

	everConnected bool
	iceDown       bool
	closed        bool

	gatherTimer *time.Timer
	stopVolume  chan struct{}

	onOpen                func()
	onConnected           func()
	onDisconnected        func()
	onReconnected         func()
	onFailed              func()
	onClose               func()
	onICEGatheringFailure func()
	onVolume              func(inputVolume, outputVolume, rawInput, rawOutput float64)

	pending []func()
}

// NewSession builds a session from the shared engine. The peer
// connection itself is created lazily on first use.
func NewSession(engine *Engine, opts SessionOptions) *Session {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	return &Session{
		engine:         engine,
		opts:           opts,
		semantics:      engine.resolveSemantics(opts.Semantics),
		outputs:        newOutputManager(opts.SinkFactory),
		remoteAnalyzer: NewLevelAnalyzer(),
	}
}

// SetOpenCallback registers the handler fired the first time the
// connection is established.
func (s *Session) SetOpenCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = cb
}

// SetConnectedCallback registers the handler for connection
// establishment that is not a recovery.
func (s *Session) SetConnectedCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = cb
}

// SetDisconnectedCallback registers the handler for transient
// connectivity loss.
func (s *Session) SetDisconnectedCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = cb
}

// SetReconnectedCallback registers the handler for recovery after a
// disconnect.
func (s *Session) SetReconnectedCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnected = cb
}

// SetFailedCallback registers the handler for unrecoverable
// connection failure.
func (s *Session) SetFailedCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = cb
}

// SetCloseCallback registers the handler fired once when the session
// closes.
func (s *Session) SetCloseCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = cb
}

// SetICEGatheringFailureCallback registers the handler fired when
// candidate gathering stalls past the gather timeout.
func (s *Session) SetICEGatheringFailureCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onICEGatheringFailure = cb
}

// SetVolumeCallback registers the periodic audio level handler. Input
// levels come from the local stream's analyzer, output levels from
// decoded remote audio. Raw values are the instantaneous readings.
func (s *Session) SetVolumeCallback(cb func(inputVolume, outputVolume, rawInput, rawOutput float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onVolume = cb
}

// Semantics returns the SDP semantics the session was pinned to at
// construction.
func (s *Session) Semantics() SemanticsMode {
	if s.semantics == webrtc.SDPSemanticsPlanB {
		return SemanticsPlanB
	}
	return SemanticsUnifiedPlan
}

// SetInputStream binds the local audio source. Shared streams
// (owned=false) are cloned so closing the session never stops the
// caller's capture. Rebinding replaces the sending track in place
// without renegotiation under unified plan; plan B removes and
// re-adds the track.
func (s *Session) SetInputStream(stream *Stream, owned bool) error {
	if stream == nil {
		return ErrNoInputStream
	}
	if !owned {
		stream = stream.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if err := s.ensurePCLocked(); err != nil {
		return err
	}

	track := firstAudioTrack(stream)
	if track == nil {
		return ErrNoInputStream
	}

	if s.sender == nil {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track: %w", err)
		}
		s.sender = sender
	} else {
		switch s.semantics {
		case webrtc.SDPSemanticsUnifiedPlan:
			if err := s.sender.ReplaceTrack(track); err != nil {
				return fmt.Errorf("replace track: %w", err)
			}
		default:
			if err := s.pc.RemoveTrack(s.sender); err != nil {
				return fmt.Errorf("remove track: %w", err)
			}
			sender, err := s.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add track: %w", err)
			}
			s.sender = sender
		}
	}

	if s.muted {
		if err := s.sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("restore mute: %w", err)
		}
	}

	old := s.local
	s.local = stream
	if old != nil {
		old.Close()
	}
	return nil
}

// InputStream returns the bound local stream, nil before binding.
func (s *Session) InputStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// CreateOffer generates, applies and shapes the local SDP offer. It
// blocks until candidate gathering completes or ctx expires.
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	return s.offer(ctx, false)
}

// ICERestartOffer generates an offer with fresh ICE credentials for
// connection recovery.
func (s *Session) ICERestartOffer(ctx context.Context) (string, error) {
	s.mu.Lock()
	hasPC := s.pc != nil
	s.mu.Unlock()
	if !hasPC {
		return "", ErrNoPeerConnection
	}
	return s.offer(ctx, true)
}

func (s *Session) offer(ctx context.Context, restart bool) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if err := s.ensurePCLocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if s.local == nil {
		s.mu.Unlock()
		return "", ErrNoInputStream
	}
	pc := s.pc
	s.mu.Unlock()

	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return s.shapeSDP(pc.LocalDescription().SDP)
}

// CreateAnswer applies the remote offer, generates the local answer
// and shapes it. The answer keeps the established DTLS role on
// renegotiation.
func (s *Session) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if err := s.ensurePCLocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	pc := s.pc
	s.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	shaped, err := s.shapeSDP(pc.LocalDescription().SDP)
	if err != nil {
		return "", err
	}
	return PatchSetupPassive(shaped), nil
}

// ProcessAnswer applies the remote answer to a pending local offer.
func (s *Session) ProcessAnswer(answerSDP string) error {
	return s.applyRemote(webrtc.SDPTypeAnswer, answerSDP)
}

// ProcessEarlyMedia applies a provisional remote description so
// pre-answer audio can flow.
func (s *Session) ProcessEarlyMedia(sdp string) error {
	return s.applyRemote(webrtc.SDPTypePranswer, sdp)
}

func (s *Session) applyRemote(sdpType webrtc.SDPType, raw string) error {
	s.mu.Lock()
	pc := s.pc
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if pc == nil {
		return ErrNoPeerConnection
	}
	desc := webrtc.SessionDescription{Type: sdpType, SDP: raw}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", sdpType, err)
	}
	return nil
}

// shapeSDP applies codec preferences and the bitrate cap.
func (s *Session) shapeSDP(raw string) (string, error) {
	shaped, err := SetCodecPreferences(raw, s.opts.CodecPreferences)
	if err != nil {
		return "", err
	}
	return SetMaxAverageBitrate(shaped, s.opts.MaxAverageBitrate)
}

// SetMuted pauses or resumes the outbound track. The track is
// detached from the sender rather than silenced, so no packets leave
// while muted. Mute state survives input rebinding.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if muted == s.muted {
		return nil
	}
	if s.sender != nil {
		var err error
		if muted {
			err = s.sender.ReplaceTrack(nil)
		} else {
			err = s.sender.ReplaceTrack(firstAudioTrack(s.local))
		}
		if err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	s.muted = muted
	return nil
}

// Muted reports the current mute state.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// DTMF returns the session's telephone-event sender, nil when the
// remote description never negotiated the codec. The probe result is
// cached and never repeated for the session's lifetime.
func (s *Session) DTMF() *DTMFSender {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dtmfProbed {
		return s.dtmf
	}
	s.dtmfProbed = true

	if s.pc == nil {
		return nil
	}
	remote := s.pc.CurrentRemoteDescription()
	if remote == nil || !strings.Contains(strings.ToLower(remote.SDP), "telephone-event") {
		logrus.WithFields(logrus.Fields{
			"function": "DTMF",
		}).Debug("Remote did not negotiate telephone-event, dtmf unavailable")
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  mimeTypeTelephoneEvent,
		ClockRate: dtmfClockRate,
	}, "dtmf", "voice-dtmf")
	if err != nil {
		return nil
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return nil
	}
	s.dtmf = newDTMFSender(track)
	return s.dtmf
}

// SetOutputDevices reconciles the active output device set.
func (s *Session) SetOutputDevices(deviceIDs []string) error {
	return s.outputs.Update(deviceIDs)
}

// MasterOutput returns the device holding the master output binding.
func (s *Session) MasterOutput() string { return s.outputs.Master() }

// OutputDevices returns the active output device IDs.
func (s *Session) OutputDevices() []string { return s.outputs.Devices() }

// Stats snapshots the peer connection statistics as a normalized
// cumulative report.
func (s *Session) Stats(ctx context.Context) (*monitor.StatsReport, error) {
	s.mu.Lock()
	pc := s.pc
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrSessionClosed
	}
	if pc == nil {
		return nil, ErrNoPeerConnection
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buildReport(pc.GetStats(), time.Now()), nil
}

// Close tears down the peer connection, the local stream and all
// output bindings. Close is idempotent; the close callback fires once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.gatherTimer != nil {
		s.gatherTimer.Stop()
		s.gatherTimer = nil
	}
	if s.stopVolume != nil {
		close(s.stopVolume)
		s.stopVolume = nil
	}
	pc := s.pc
	local := s.local
	s.pc = nil
	s.local = nil
	s.sender = nil
	s.dtmf = nil
	s.stage(s.onClose)
	s.mu.Unlock()

	if local != nil {
		local.Close()
	}
	if pc != nil {
		pc.Close()
	}
	s.outputs.Close()
	s.flush()
}

// ensurePCLocked creates the peer connection on first use.
func (s *Session) ensurePCLocked() error {
	if s.pc != nil {
		return nil
	}
	cfg := s.engine.config
	cfg.SDPSemantics = s.semantics
	pc, err := s.engine.api.NewPeerConnection(cfg)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc
	s.installHandlers(pc)
	return nil
}

// installHandlers wires the raw pion callbacks onto the normalized
// session surface.
func (s *Session) installHandlers(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "OnICEConnectionStateChange",
			"state":    state.String(),
		}).Debug("ICE connection state changed")

		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			recovered := s.everConnected && s.iceDown
			s.iceDown = false
			if !s.everConnected {
				s.everConnected = true
				s.stage(s.onOpen)
				s.startVolumeLoopLocked()
			}
			if recovered {
				s.stage(s.onReconnected)
			} else {
				s.stage(s.onConnected)
			}
		case webrtc.ICEConnectionStateDisconnected:
			if !s.iceDown {
				s.iceDown = true
				s.stage(s.onDisconnected)
			}
		case webrtc.ICEConnectionStateFailed:
			s.stage(s.onFailed)
		}
		s.mu.Unlock()
		s.flush()
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		s.mu.Lock()
		switch state {
		case webrtc.ICEGathererStateGathering:
			if s.gatherTimer == nil {
				s.gatherTimer = time.AfterFunc(s.opts.GatherTimeout, s.gatherTimedOut)
			}
		case webrtc.ICEGathererStateComplete:
			if s.gatherTimer != nil {
				s.gatherTimer.Stop()
				s.gatherTimer = nil
			}
		}
		s.mu.Unlock()
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go s.readRemote(track)
	})
}

// gatherTimedOut reports stalled candidate gathering.
func (s *Session) gatherTimedOut() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gatherTimer = nil
	logrus.WithFields(logrus.Fields{
		"function": "gatherTimedOut",
		"timeout":  s.opts.GatherTimeout,
	}).Warn("ICE candidate gathering stalled")
	s.stage(s.onICEGatheringFailure)
	s.mu.Unlock()
	s.flush()
}

// readRemote decodes inbound opus frames and feeds the remote level
// analyzer. Undecodable frames (comfort noise, DTX) are skipped.
func (s *Session) readRemote(track *webrtc.TrackRemote) {
	decoder := opus.NewDecoder()
	// 1920 samples covers a 40ms stereo frame at 48kHz.
	pcmBuf := make([]byte, 1920*4)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		_, isStereo, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			continue
		}
		s.remoteAnalyzer.Push(bytesToPCM(pcmBuf, isStereo))
	}
}

// bytesToPCM reinterprets little-endian decoder output as samples.
// Stereo frames are downmixed by averaging channels.
func bytesToPCM(buf []byte, stereo bool) []int16 {
	samples := make([]int16, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		samples = append(samples, int16(binary.LittleEndian.Uint16(buf[i:])))
	}
	if !stereo {
		return samples
	}
	mono := make([]int16, 0, len(samples)/2)
	for i := 0; i+1 < len(samples); i += 2 {
		mono = append(mono, int16((int32(samples[i])+int32(samples[i+1]))/2))
	}
	return mono
}

// startVolumeLoopLocked begins periodic level publication. Runs once
// per session, started on first connection.
func (s *Session) startVolumeLoopLocked() {
	if s.stopVolume != nil {
		return
	}
	stop := make(chan struct{})
	s.stopVolume = stop
	go s.volumeLoop(stop)
}

func (s *Session) volumeLoop(stop chan struct{}) {
	ticker := time.NewTicker(volumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			cb := s.onVolume
			var in, rawIn float64
			if s.local != nil && s.local.Analyzer() != nil {
				smoothed, floor, raw := s.local.Analyzer().Levels()
				in = (smoothed + floor) / 2
				rawIn = raw
			}
			s.mu.Unlock()

			smoothed, floor, raw := s.remoteAnalyzer.Levels()
			out := (smoothed + floor) / 2

			if cb != nil {
				cb(in, out, rawIn, raw)
			}
		}
	}
}

func (s *Session) stage(cb func()) {
	if cb != nil {
		s.pending = append(s.pending, cb)
	}
}

func (s *Session) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
