package media

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Audio codec registration shared by every session. Opus is the
// primary codec; telephone-event carries RFC 4733 DTMF.
const (
	opusPayloadType = 111
	opusClockRate   = 48000
	opusChannels    = 2
	opusFmtpLine    = "minptime=10;useinbandfec=1"

	dtmfPayloadType        = 126
	dtmfClockRate          = 8000
	mimeTypeTelephoneEvent = "audio/telephone-event"
)

// SemanticsMode selects the SDP semantics for a session. The choice is
// made once per session and never changes mid-call.
type SemanticsMode string

const (
	// SemanticsDefault picks unified plan when the platform supports
	// it, falling back to plan B.
	SemanticsDefault SemanticsMode = ""
	// SemanticsUnifiedPlan forces unified plan.
	SemanticsUnifiedPlan SemanticsMode = "unified-plan"
	// SemanticsPlanB forces plan B.
	SemanticsPlanB SemanticsMode = "plan-b"
)

// Capabilities reports what the platform WebRTC stack supports,
// detected once when the engine is constructed.
type Capabilities struct {
	SupportsUnifiedPlan bool
	SupportsPlanB       bool
}

// EngineOptions configures the shared media engine.
type EngineOptions struct {
	ICEServers         []webrtc.ICEServer
	ICETransportPolicy webrtc.ICETransportPolicy
}

// Engine holds the codec registrations, interceptor chain and detected
// capabilities shared by all sessions of a client.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	caps   Capabilities
}

// NewEngine registers the audio codecs and default interceptors, then
// probes the platform once for SDP semantics support.
func NewEngine(opts EngineOptions) (*Engine, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			SDPFmtpLine: opusFmtpLine,
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  mimeTypeTelephoneEvent,
			ClockRate: dtmfClockRate,
		},
		PayloadType: dtmfPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register telephone-event codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	)
	config := webrtc.Configuration{
		ICEServers:         opts.ICEServers,
		ICETransportPolicy: opts.ICETransportPolicy,
	}

	caps, err := detectCapabilities(api, config)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewEngine",
		"unified_plan": caps.SupportsUnifiedPlan,
		"plan_b":       caps.SupportsPlanB,
		"ice_servers":  len(opts.ICEServers),
	}).Info("Media engine initialized")

	return &Engine{api: api, config: config, caps: caps}, nil
}

// Capabilities returns the detection result from engine construction.
func (e *Engine) Capabilities() Capabilities { return e.caps }

// resolveSemantics maps a session's requested mode onto the detected
// capabilities.
func (e *Engine) resolveSemantics(mode SemanticsMode) webrtc.SDPSemantics {
	switch mode {
	case SemanticsUnifiedPlan:
		return webrtc.SDPSemanticsUnifiedPlan
	case SemanticsPlanB:
		return webrtc.SDPSemanticsPlanB
	default:
		if e.caps.SupportsUnifiedPlan {
			return webrtc.SDPSemanticsUnifiedPlan
		}
		return webrtc.SDPSemanticsPlanB
	}
}

// detectCapabilities probes peer connection construction under each
// semantics once. Detection never repeats for the engine's lifetime.
func detectCapabilities(api *webrtc.API, config webrtc.Configuration) (Capabilities, error) {
	probe := func(semantics webrtc.SDPSemantics) bool {
		cfg := config
		cfg.SDPSemantics = semantics
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return false
		}
		pc.Close()
		return true
	}

	caps := Capabilities{
		SupportsUnifiedPlan: probe(webrtc.SDPSemanticsUnifiedPlan),
		SupportsPlanB:       probe(webrtc.SDPSemanticsPlanB),
	}
	if !caps.SupportsUnifiedPlan && !caps.SupportsPlanB {
		return caps, errors.New("media: no supported sdp semantics")
	}
	return caps, nil
}
