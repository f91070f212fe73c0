package media

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// Constraints describes the input device a capture implementation
// should open.
type Constraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
}

// CaptureFunc opens a local audio stream. Implementations wrap
// ErrPermissionDenied when the platform refuses microphone access so
// the call layer can classify the failure.
type CaptureFunc func(ctx context.Context, c Constraints) (*Stream, error)

// Stream is a local audio source: its WebRTC tracks plus an optional
// analyzer the capture implementation feeds with raw PCM.
//
// A stream is either owned by the session that uses it or shared by
// the caller. Shared streams are cloned before use; closing a clone
// never stops the caller's capture.
type Stream struct {
	tracks   []webrtc.TrackLocal
	analyzer *LevelAnalyzer
	stop     func()
}

// NewStream builds a stream over the given tracks. stop, when non-nil,
// releases the underlying capture on Close.
func NewStream(tracks []webrtc.TrackLocal, analyzer *LevelAnalyzer, stop func()) *Stream {
	return &Stream{tracks: tracks, analyzer: analyzer, stop: stop}
}

// Clone returns a stream sharing the same tracks and analyzer but with
// no claim on the capture lifetime.
func (s *Stream) Clone() *Stream {
	return &Stream{tracks: s.tracks, analyzer: s.analyzer}
}

// Close releases the capture for owned streams. Closing a clone is a
// no-op.
func (s *Stream) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// Tracks returns the stream's local tracks.
func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Analyzer returns the stream's level analyzer, nil when the capture
// implementation provides none.
func (s *Stream) Analyzer() *LevelAnalyzer { return s.analyzer }

// firstAudioTrack returns the stream's first audio track, nil when the
// stream carries none.
func firstAudioTrack(s *Stream) webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return t
		}
	}
	return nil
}
