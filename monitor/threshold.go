package monitor

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Threshold kind names, reported on warning events.
const (
	ThresholdMax         = "max"
	ThresholdMin         = "min"
	ThresholdMaxAverage  = "maxAverage"
	ThresholdMaxDuration = "maxDuration"
)

// Default rule window parameters.
const (
	DefaultSampleCount = 5
	DefaultRaiseCount  = 3
	DefaultClearCount  = 0
)

// ThresholdRule configures one threshold condition for a metric. Any
// combination of the bound fields may be set; each set bound is evaluated
// independently. A metric may carry multiple rules.
type ThresholdRule struct {
	// Max raises when enough recent values exceed this ceiling.
	Max *float64

	// Min raises when enough recent values drop below this floor.
	Min *float64

	// MaxAverage raises when the mean of the last SampleCount values
	// exceeds this ceiling; the warning clears once a later value drops
	// to or below ClearValue.
	MaxAverage *float64
	ClearValue *float64

	// MaxDuration raises when the metric holds the exact same value for
	// this many consecutive samples; the warning clears when the streak
	// breaks.
	MaxDuration *int

	// SampleCount is the rolling window size (default 5).
	SampleCount int

	// RaiseCount is how many window values must cross the bound before
	// the warning raises (default 3).
	RaiseCount int

	// ClearCount is the crossing count at or below which the warning may
	// clear (default 0).
	ClearCount int
}

// sampleCount returns the configured window size or the default.
func (r ThresholdRule) sampleCount() int {
	if r.SampleCount > 0 {
		return r.SampleCount
	}
	return DefaultSampleCount
}

// raiseCount returns the configured raise count or the default.
func (r ThresholdRule) raiseCount() int {
	if r.RaiseCount > 0 {
		return r.RaiseCount
	}
	return DefaultRaiseCount
}

// DefaultThresholds returns the standard rule set for voice calls.
func DefaultThresholds() map[string][]ThresholdRule {
	return map[string][]ThresholdRule{
		MetricAudioInputLevel:  {{MaxDuration: intp(10)}},
		MetricAudioOutputLevel: {{MaxDuration: intp(10)}},
		MetricBytesReceived:    {{Min: fp(1), SampleCount: 3}},
		MetricBytesSent:        {{Min: fp(1), SampleCount: 3}},
		MetricJitter:           {{Max: fp(30)}},
		MetricMOS:              {{Min: fp(3)}},
		MetricPacketsLostFraction: {
			{Max: fp(3)},
			{MaxAverage: fp(3), ClearValue: fp(1), SampleCount: 7},
		},
		MetricRTT: {{Max: fp(400)}},
	}
}

func fp(v float64) *float64 { return &v }
func intp(v int) *int       { return &v }

// Threshold identifies the rule bound that raised or cleared a warning.
type Threshold struct {
	Name  string
	Value float64
}

// WarningEvent describes a raised or cleared threshold warning.
type WarningEvent struct {
	// Name is the metric name, e.g. "jitter".
	Name string

	// Threshold names the bound kind and its configured value.
	Threshold Threshold

	// Values holds the crossing window values for max/min warnings.
	Values []float64

	// Value holds the computed mean for maxAverage warnings and the
	// streak length for maxDuration warnings.
	Value float64

	// Samples is the evaluated window.
	Samples []*Sample
}

// warningKey identifies an active warning: one per (metric, bound kind).
type warningKey struct {
	metric string
	kind   string
}

// evaluateThresholds runs every configured rule against the sample buffer.
// Called with m.mu held.
func (m *Monitor) evaluateThresholds() {
	for metric, rules := range m.thresholds {
		for i, rule := range rules {
			m.evaluateRule(metric, i, rule)
		}
	}
}

// evaluateRule evaluates one rule's configured bounds independently.
// A window containing an absent value means insufficient data this round;
// the rule neither raises nor clears. Called with m.mu held.
func (m *Monitor) evaluateRule(metric string, ruleIndex int, rule ThresholdRule) {
	values, samples, complete := m.window(metric, rule.sampleCount())
	if !complete {
		return
	}
	win := windowPair{values: values, samples: samples}

	if rule.Max != nil {
		m.evaluateCrossing(metric, rule, win, ThresholdMax, *rule.Max,
			func(v float64) bool { return v > *rule.Max })
	}
	if rule.Min != nil {
		m.evaluateCrossing(metric, rule, win, ThresholdMin, *rule.Min,
			func(v float64) bool { return v < *rule.Min })
	}
	if rule.MaxAverage != nil {
		m.evaluateAverage(metric, rule, win)
	}
	if rule.MaxDuration != nil {
		m.evaluateDuration(metric, ruleIndex, rule)
	}
}

// window returns the values and samples of the last n buffered samples
// for the metric. complete is false when the window is empty or any
// sample lacks a value for the metric.
func (m *Monitor) window(metric string, n int) (values []float64, samples []*Sample, complete bool) {
	samples = m.sampleBuffer
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	if len(samples) == 0 {
		return nil, nil, false
	}
	values = make([]float64, 0, len(samples))
	for _, s := range samples {
		v, ok := s.Metric(metric)
		if !ok {
			return nil, nil, false
		}
		values = append(values, v)
	}
	return values, samples, true
}

// evaluateCrossing implements the max/min bound semantics: raise when at
// least raiseCount of the window values cross the bound, clear when the
// crossing count drops to clearCount or fewer and the debounce interval
// has elapsed since the raise.
func (m *Monitor) evaluateCrossing(metric string, rule ThresholdRule, win windowPair, kind string, bound float64, crosses func(float64) bool) {
	values, samples := win.values, win.samples

	var crossed []float64
	for _, v := range values {
		if crosses(v) {
			crossed = append(crossed, v)
		}
	}

	key := warningKey{metric: metric, kind: kind}
	raisedAt, active := m.activeWarnings[key]

	if !active && len(crossed) >= rule.raiseCount() {
		m.raiseWarning(key, WarningEvent{
			Name:      metric,
			Threshold: Threshold{Name: kind, Value: bound},
			Values:    crossed,
			Samples:   samples,
		})
		return
	}

	if active && len(crossed) <= rule.ClearCount &&
		m.clock.Now().Sub(raisedAt) >= m.warningTimeout {
		m.clearWarning(key, WarningEvent{
			Name:      metric,
			Threshold: Threshold{Name: kind, Value: bound},
			Samples:   samples,
		})
	}
}

// evaluateAverage implements the maxAverage semantics: raise when the
// window mean exceeds the bound, clear once the latest value drops to or
// below the rule's clear value.
func (m *Monitor) evaluateAverage(metric string, rule ThresholdRule, win windowPair) {
	values, samples := win.values, win.samples
	if len(values) == 0 {
		return
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	latest := values[len(values)-1]

	key := warningKey{metric: metric, kind: ThresholdMaxAverage}
	_, active := m.activeWarnings[key]

	if !active && mean > *rule.MaxAverage {
		m.raiseWarning(key, WarningEvent{
			Name:      metric,
			Threshold: Threshold{Name: ThresholdMaxAverage, Value: *rule.MaxAverage},
			Value:     mean,
			Samples:   samples,
		})
		return
	}

	if active && rule.ClearValue != nil && latest <= *rule.ClearValue {
		m.clearWarning(key, WarningEvent{
			Name:      metric,
			Threshold: Threshold{Name: ThresholdMaxAverage, Value: *rule.MaxAverage},
			Value:     latest,
			Samples:   samples,
		})
	}
}

// evaluateDuration implements the maxDuration semantics: a per-metric
// streak counter increments while consecutive samples hold the exact same
// value and resets on any change. The warning raises when the streak
// reaches the configured length and clears when the streak resets.
func (m *Monitor) evaluateDuration(metric string, ruleIndex int, rule ThresholdRule) {
	if len(m.sampleBuffer) < 2 {
		return
	}
	cur, _ := m.sampleBuffer[len(m.sampleBuffer)-1].Metric(metric)
	prev, _ := m.sampleBuffer[len(m.sampleBuffer)-2].Metric(metric)

	sk := streakKey{metric: metric, rule: ruleIndex}
	key := warningKey{metric: metric, kind: ThresholdMaxDuration}

	if cur == prev {
		m.streaks[sk]++
	} else {
		m.streaks[sk] = 0
		if _, active := m.activeWarnings[key]; active {
			m.clearWarning(key, WarningEvent{
				Name:      metric,
				Threshold: Threshold{Name: ThresholdMaxDuration, Value: float64(*rule.MaxDuration)},
			})
		}
		return
	}

	if _, active := m.activeWarnings[key]; !active && m.streaks[sk] >= *rule.MaxDuration {
		m.raiseWarning(key, WarningEvent{
			Name:      metric,
			Threshold: Threshold{Name: ThresholdMaxDuration, Value: float64(*rule.MaxDuration)},
			Value:     float64(m.streaks[sk]),
		})
	}
}

// raiseWarning records and emits a warning. A warning for a given key is
// never raised twice concurrently. Called with m.mu held.
func (m *Monitor) raiseWarning(key warningKey, ev WarningEvent) {
	m.activeWarnings[key] = m.clock.Now()

	logrus.WithFields(logrus.Fields{
		"function":  "raiseWarning",
		"metric":    key.metric,
		"threshold": key.kind,
	}).Info("Quality warning raised")

	if m.onWarning != nil {
		cb := m.onWarning
		m.emit(func() { cb(ev) })
	}
}

// clearWarning removes and emits the clearing of an active warning.
// Called with m.mu held.
func (m *Monitor) clearWarning(key warningKey, ev WarningEvent) {
	delete(m.activeWarnings, key)

	logrus.WithFields(logrus.Fields{
		"function":  "clearWarning",
		"metric":    key.metric,
		"threshold": key.kind,
	}).Info("Quality warning cleared")

	if m.onWarningCleared != nil {
		cb := m.onWarningCleared
		m.emit(func() { cb(ev) })
	}
}

// HasActiveWarning reports whether a warning is currently raised for the
// metric and threshold kind.
func (m *Monitor) HasActiveWarning(metric, kind string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, active := m.activeWarnings[warningKey{metric: metric, kind: kind}]
	return active
}

type streakKey struct {
	metric string
	rule   int
}

type windowPair struct {
	values  []float64
	samples []*Sample
}

// debounce default: minimum time a warning stays raised before it may clear.
const DefaultWarningTimeout = 5 * time.Second
