package monitor

import (
	"context"
	"time"
)

// StatsSource supplies point-in-time transport statistics. The media
// session implements this by folding the peer connection's stats report
// into a normalized StatsReport.
type StatsSource interface {
	// Stats returns a cumulative statistics snapshot for the session.
	Stats(ctx context.Context) (*StatsReport, error)
}

// StatsReport is a normalized cumulative statistics snapshot. All counter
// fields are totals since session start; the monitor derives per-interval
// deltas by subtracting consecutive reports.
//
// Optional fields are pointers: a nil value means the underlying report
// omitted the measurement, which is distinct from measuring zero.
type StatsReport struct {
	Timestamp time.Time

	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64

	// PacketsLost is nil when the report carried no loss data at all.
	PacketsLost *uint64

	// Jitter is the inbound jitter in milliseconds.
	Jitter float64

	// RTT is the round-trip time in milliseconds, nil when the report
	// omitted it (no candidate-pair or remote-inbound data yet).
	RTT *float64

	// CodecName is the negotiated audio codec, e.g. "opus".
	CodecName string
}

// Totals holds cumulative counters carried on every emitted sample.
type Totals struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Sample is one per-interval measurement snapshot. Counter fields are
// deltas against the previous sample; Totals carries the cumulative
// values. A Sample is immutable once produced.
type Sample struct {
	Timestamp time.Time
	CodecName string

	AudioInputLevel  float64
	AudioOutputLevel float64

	PacketsSent         uint64
	PacketsReceived     uint64
	PacketsLost         uint64
	PacketsLostFraction float64

	BytesSent     uint64
	BytesReceived uint64

	Jitter float64
	RTT    float64
	MOS    float64

	Totals Totals

	// metrics maps metric names to values for threshold evaluation.
	// A nil entry marks a value the underlying report did not carry.
	metrics map[string]*float64
}

// Metric names evaluated by threshold rules.
const (
	MetricAudioInputLevel     = "audioInputLevel"
	MetricAudioOutputLevel    = "audioOutputLevel"
	MetricBytesReceived       = "bytesReceived"
	MetricBytesSent           = "bytesSent"
	MetricJitter              = "jitter"
	MetricMOS                 = "mos"
	MetricPacketsLostFraction = "packetsLostFraction"
	MetricRTT                 = "rtt"
)

// Metric returns the named metric value. ok is false when the value was
// absent from the underlying report, in which case threshold evaluation
// for the metric is skipped for this round.
func (s *Sample) Metric(name string) (float64, bool) {
	v, exists := s.metrics[name]
	if !exists || v == nil {
		return 0, false
	}
	return *v, true
}

// createSample derives a per-interval Sample from the current cumulative
// report, the previous sample (nil for the first interval), and the volume
// readings accumulated since the last sample.
func createSample(report *StatsReport, prev *Sample, inLevel, outLevel *float64, now time.Time) *Sample {
	var prevTotals Totals
	var prevRTT float64
	if prev != nil {
		prevTotals = prev.Totals
		prevRTT = prev.RTT
	}

	totals := Totals{
		PacketsSent:     report.PacketsSent,
		PacketsReceived: report.PacketsReceived,
		BytesSent:       report.BytesSent,
		BytesReceived:   report.BytesReceived,
	}
	if report.PacketsLost != nil {
		totals.PacketsLost = *report.PacketsLost
	}

	s := &Sample{
		Timestamp:       now,
		CodecName:       report.CodecName,
		PacketsSent:     counterDelta(totals.PacketsSent, prevTotals.PacketsSent),
		PacketsReceived: counterDelta(totals.PacketsReceived, prevTotals.PacketsReceived),
		PacketsLost:     counterDelta(totals.PacketsLost, prevTotals.PacketsLost),
		BytesSent:       counterDelta(totals.BytesSent, prevTotals.BytesSent),
		BytesReceived:   counterDelta(totals.BytesReceived, prevTotals.BytesReceived),
		Jitter:          report.Jitter,
		Totals:          totals,
	}

	s.PacketsLostFraction = lostFraction(report, s)

	// RTT carries forward from the previous sample when the current
	// report omits it.
	if report.RTT != nil {
		s.RTT = *report.RTT
	} else {
		s.RTT = prevRTT
	}

	s.MOS = calculateMOS(s.RTT, s.Jitter, s.PacketsLostFraction)

	s.metrics = map[string]*float64{
		MetricAudioInputLevel:     inLevel,
		MetricAudioOutputLevel:    outLevel,
		MetricBytesReceived:       ptr(float64(s.BytesReceived)),
		MetricBytesSent:           ptr(float64(s.BytesSent)),
		MetricJitter:              ptr(s.Jitter),
		MetricMOS:                 ptr(s.MOS),
		MetricPacketsLostFraction: ptr(s.PacketsLostFraction),
		MetricRTT:                 ptr(s.RTT),
	}
	if inLevel != nil {
		s.AudioInputLevel = *inLevel
	}
	if outLevel != nil {
		s.AudioOutputLevel = *outLevel
	}

	return s
}

// lostFraction computes the per-interval packet loss percentage.
//
// When the report carries no loss data at all the fraction is 100% if any
// inbound packets were ever observed, a deliberate worst-case fallback.
// When no inbound packets arrived this interval the fraction is 0%.
func lostFraction(report *StatsReport, s *Sample) float64 {
	if report.PacketsLost == nil {
		if report.PacketsReceived > 0 {
			return 100
		}
		return 0
	}

	received := s.PacketsReceived
	lost := s.PacketsLost
	if received+lost == 0 {
		return 0
	}
	return float64(lost) / float64(received+lost) * 100
}

// counterDelta returns cur-prev, guarding against counter resets.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func ptr(v float64) *float64 { return &v }

// average returns the mean of the accumulated volume readings, or nil
// when no readings were recorded this interval.
func average(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return ptr(sum / float64(len(values)))
}
