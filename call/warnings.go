package call

import "github.com/peerwave/voice/monitor"

// Warning notification groups.
const (
	GroupNetworkQuality = "network-quality"
	GroupAudioLevel     = "audio-level"
)

// warningSource identifies a monitor warning by metric and bound kind.
type warningSource struct {
	Metric string
	Kind   string
}

// warningTable maps monitor warnings onto their semantic names.
var warningTable = map[warningSource]string{
	{monitor.MetricJitter, monitor.ThresholdMax}:                     "high-jitter",
	{monitor.MetricRTT, monitor.ThresholdMax}:                        "high-rtt",
	{monitor.MetricMOS, monitor.ThresholdMin}:                        "low-mos",
	{monitor.MetricPacketsLostFraction, monitor.ThresholdMax}:        "high-packet-loss",
	{monitor.MetricPacketsLostFraction, monitor.ThresholdMaxAverage}: "high-packets-lost-fraction",
	{monitor.MetricBytesReceived, monitor.ThresholdMin}:              "low-bytes-received",
	{monitor.MetricBytesSent, monitor.ThresholdMin}:                  "low-bytes-sent",
	{monitor.MetricAudioInputLevel, monitor.ThresholdMaxDuration}:    "constant-audio-input-level",
	{monitor.MetricAudioOutputLevel, monitor.ThresholdMaxDuration}:   "constant-audio-output-level",
}

// translateWarning maps a monitor event onto its semantic warning name
// and notification group. ok is false for unmapped combinations, which
// are dropped rather than surfaced with raw metric names.
func translateWarning(ev monitor.WarningEvent) (name, group string, ok bool) {
	name, ok = warningTable[warningSource{Metric: ev.Name, Kind: ev.Threshold.Name}]
	if !ok {
		return "", "", false
	}
	group = GroupNetworkQuality
	if ev.Name == monitor.MetricAudioInputLevel || ev.Name == monitor.MetricAudioOutputLevel {
		group = GroupAudioLevel
	}
	return name, group, true
}
