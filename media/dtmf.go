package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// DefaultToneDuration is the per-digit tone length when the caller
// does not specify one.
const DefaultToneDuration = 160 * time.Millisecond

// dtmfVolume is the tone power level in -dBm0, within the 0..36 range
// receivers are required to honor.
const dtmfVolume = 10

// dtmfEvents maps sendable digits to RFC 4733 event codes.
var dtmfEvents = map[rune]byte{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
}

// DTMFSender writes RFC 4733 named telephone events on a dedicated
// telephone-event track. One sender exists per session, created lazily
// on first use and only when the remote negotiated the codec.
type DTMFSender struct {
	mu        sync.Mutex
	track     *webrtc.TrackLocalStaticRTP
	sequence  uint16
	timestamp uint32
}

func newDTMFSender(track *webrtc.TrackLocalStaticRTP) *DTMFSender {
	return &DTMFSender{track: track}
}

// Insert sends one digit as a named event: a marked start packet
// followed by the end packet repeated three times, the redundancy
// receivers expect on the final report.
func (d *DTMFSender) Insert(digit rune, duration time.Duration) error {
	event, ok := dtmfEvents[digit]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidDigit, digit)
	}
	if duration <= 0 {
		duration = DefaultToneDuration
	}
	samples := uint32(duration.Seconds() * dtmfClockRate)
	if samples > 0xFFFF {
		// The duration field is 16 bits; longer tones saturate it.
		samples = 0xFFFF
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writePacket(event, samples, false, true); err != nil {
		return fmt.Errorf("write dtmf start: %w", err)
	}
	for i := 0; i < 3; i++ {
		if err := d.writePacket(event, samples, true, false); err != nil {
			return fmt.Errorf("write dtmf end: %w", err)
		}
	}

	// The event timestamp stays fixed for its whole duration; the
	// clock advances only once the event is over.
	d.timestamp += samples
	return nil
}

// dtmfPayload builds the 4-byte RFC 4733 event payload: event code,
// end bit plus volume, and the 16-bit duration in timestamp units.
func dtmfPayload(event byte, samples uint32, end bool) []byte {
	volume := byte(dtmfVolume)
	if end {
		volume |= 0x80
	}
	return []byte{event, volume, byte(samples >> 8), byte(samples)}
}

// writePacket emits one telephone-event packet.
func (d *DTMFSender) writePacket(event byte, samples uint32, end, marker bool) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			SequenceNumber: d.sequence,
			Timestamp:      d.timestamp,
		},
		Payload: dtmfPayload(event, samples, end),
	}
	d.sequence++
	return d.track.WriteRTP(pkt)
}
