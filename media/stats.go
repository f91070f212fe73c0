package media

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/peerwave/voice/monitor"
)

// buildReport folds a raw peer connection stats dump into the
// cumulative snapshot the quality monitor consumes. Jitter and RTT are
// converted from seconds to milliseconds. PacketsLost stays nil until
// an inbound audio stream reports, so the monitor can distinguish
// missing loss data from zero loss.
func buildReport(stats webrtc.StatsReport, now time.Time) *monitor.StatsReport {
	report := &monitor.StatsReport{Timestamp: now}

	var lost uint64
	var haveInbound bool
	var pairRTT, remoteRTT float64

	for _, s := range stats {
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if v.Kind != "" && v.Kind != "audio" {
				continue
			}
			haveInbound = true
			report.PacketsReceived += uint64(v.PacketsReceived)
			report.BytesReceived += v.BytesReceived
			if jitter := v.Jitter * 1000; jitter > report.Jitter {
				report.Jitter = jitter
			}
			if v.PacketsLost > 0 {
				lost += uint64(v.PacketsLost)
			}
		case webrtc.OutboundRTPStreamStats:
			if v.Kind != "" && v.Kind != "audio" {
				continue
			}
			report.PacketsSent += uint64(v.PacketsSent)
			report.BytesSent += v.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			if v.RoundTripTime > 0 {
				remoteRTT = v.RoundTripTime * 1000
			}
		case webrtc.ICECandidatePairStats:
			if v.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if v.CurrentRoundTripTime > 0 && (v.Nominated || pairRTT == 0) {
				pairRTT = v.CurrentRoundTripTime * 1000
			}
		case webrtc.CodecStats:
			name := codecName(v.MimeType)
			if name != "" && name != "telephone-event" && report.CodecName == "" {
				report.CodecName = name
			}
		}
	}

	if haveInbound {
		report.PacketsLost = &lost
	}
	// The selected candidate pair is authoritative for RTT; remote
	// receiver reports fill in before a pair is nominated.
	if pairRTT > 0 {
		report.RTT = &pairRTT
	} else if remoteRTT > 0 {
		report.RTT = &remoteRTT
	}

	return report
}

// codecName extracts the bare codec name from an audio mime type,
// returning "" for non-audio entries.
func codecName(mimeType string) string {
	lower := strings.ToLower(mimeType)
	if !strings.HasPrefix(lower, "audio/") {
		return ""
	}
	return strings.TrimPrefix(lower, "audio/")
}
