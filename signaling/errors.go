package signaling

import "errors"

// Sentinel errors for signaling operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNoEndpoints indicates the transport was constructed without any
	// candidate endpoint URIs.
	ErrNoEndpoints = errors.New("no candidate endpoints configured")

	// ErrNotConnected indicates a publish was attempted while the
	// underlying transport is not open.
	ErrNotConnected = errors.New("signaling transport is not connected")

	// ErrMalformedMessage indicates an inbound frame could not be decoded
	// as a signaling message.
	ErrMalformedMessage = errors.New("malformed signaling message")

	// ErrUnknownMessageType indicates an inbound frame carried a type
	// discriminator this client does not understand.
	ErrUnknownMessageType = errors.New("unknown signaling message type")
)
