package voice

import (
	"errors"

	"github.com/peerwave/voice/call"
)

var (
	// ErrClientClosed reports an operation on a closed client.
	ErrClientClosed = errors.New("voice: client closed")

	// ErrCallInProgress reports an outgoing call attempt while
	// another call is still active.
	ErrCallInProgress = errors.New("voice: a call is already in progress")
)

// Error is the coded call error type surfaced by call operations.
type Error = call.Error
