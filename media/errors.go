package media

import "errors"

var (
	// ErrPermissionDenied reports that microphone access was refused.
	// Capture implementations wrap this so callers can classify the
	// failure without inspecting platform error strings.
	ErrPermissionDenied = errors.New("media: input device permission denied")

	// ErrSessionClosed reports an operation on a closed session.
	ErrSessionClosed = errors.New("media: session closed")

	// ErrNoInputStream reports an operation that requires a bound
	// local stream before one was attached.
	ErrNoInputStream = errors.New("media: no input stream")

	// ErrNoPeerConnection reports an operation that requires an
	// established peer connection.
	ErrNoPeerConnection = errors.New("media: no peer connection")

	// ErrDTMFUnsupported reports that the negotiated remote
	// description carries no telephone-event codec.
	ErrDTMFUnsupported = errors.New("media: telephone-event not negotiated")

	// ErrInvalidDigit reports a DTMF digit outside the sendable set.
	ErrInvalidDigit = errors.New("media: invalid dtmf digit")

	// ErrUnknownOutputDevice reports a device ID with no active sink.
	ErrUnknownOutputDevice = errors.New("media: unknown output device")
)
