package voice

import (
	"github.com/pion/webrtc/v3"

	"github.com/peerwave/voice/media"
	"github.com/peerwave/voice/monitor"
	"github.com/peerwave/voice/signaling"
)

// Options configures a Client.
type Options struct {
	// Endpoints are the signaling server URIs, tried in order with
	// failover. At least one is required.
	Endpoints []string

	// Token authenticates the client with the signaling server. When
	// set, a register message is published on every connect.
	Token string

	// ClientName identifies this client for inbound call routing.
	ClientName string

	// ICEServers configures STUN and TURN for media connectivity.
	ICEServers []webrtc.ICEServer

	// ICETransportPolicy optionally restricts candidate types.
	ICETransportPolicy webrtc.ICETransportPolicy

	// Semantics pins the SDP semantics for every call's session.
	Semantics media.SemanticsMode

	// CodecPreferences reorders audio codecs in generated SDP.
	CodecPreferences []string

	// MaxAverageBitrate caps the opus encoder bitrate via SDP.
	MaxAverageBitrate int

	// InputStream is a shared audio source used for every call. When
	// nil, Capture opens a device per call instead.
	InputStream *media.Stream
	Capture     media.CaptureFunc
	Constraints media.Constraints

	// SinkFactory opens audio output sinks for remote audio.
	SinkFactory media.SinkFactory

	// Transport tunes signaling timeouts and backoff.
	Transport signaling.TransportOptions

	// Monitor tunes quality sampling and thresholds.
	Monitor monitor.Options

	// MaxReconnectAttempts bounds media recovery attempts per call.
	MaxReconnectAttempts int
}
