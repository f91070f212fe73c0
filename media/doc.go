// Package media manages the WebRTC side of a voice call: peer
// connection lifecycle, SDP shaping, audio level analysis, output
// device fan-out and RFC 4733 DTMF insertion.
//
// The central type is Session, one per call. A Session owns at most
// one local input Stream and renders the remote track through an
// output manager that keeps a single unprocessed master sink plus
// routed copies for additional devices. Connection state changes are
// normalized into a small callback surface (open, connected,
// disconnected, reconnected, failed) so the call state machine never
// consumes raw ICE states.
//
// Sessions are created from a shared Engine, which detects platform
// capabilities once and registers the audio codecs every session uses.
package media
