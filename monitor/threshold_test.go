package monitor

import (
	"testing"
	"time"
)

// fakeClock implements TimeProvider for deterministic testing.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

// newTestMonitor builds a monitor with the supplied thresholds and a
// fake clock, collecting warning events into the returned slices.
func newTestMonitor(t *testing.T, thresholds map[string][]ThresholdRule) (*Monitor, *fakeClock, *[]WarningEvent, *[]WarningEvent) {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := New(Options{
		Thresholds:   thresholds,
		TimeProvider: clock,
	})

	raised := &[]WarningEvent{}
	cleared := &[]WarningEvent{}
	m.SetWarningCallback(func(ev WarningEvent) { *raised = append(*raised, ev) })
	m.SetWarningClearedCallback(func(ev WarningEvent) { *cleared = append(*cleared, ev) })
	return m, clock, raised, cleared
}

// pushJitter feeds one report with the given jitter value through the
// sample pipeline.
func pushJitter(m *Monitor, clock *fakeClock, jitter float64) {
	clock.advance(time.Second)
	r := report(10, 10, uintp(0))
	r.Jitter = jitter
	r.PacketsSent = m.maxTotalHack()
	m.processReport(r)
}

// maxTotalHack keeps cumulative counters increasing between pushes.
func (m *Monitor) maxTotalHack() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := len(m.sampleBuffer); n > 0 {
		return m.sampleBuffer[n-1].Totals.PacketsSent + 10
	}
	return 10
}

// TestMaxThresholdRaisesOnce pushes a long run of samples past the
// bound: the warning fires exactly once, after the third qualifying
// sample, not on every subsequent sample.
func TestMaxThresholdRaisesOnce(t *testing.T) {
	m, clock, raised, _ := newTestMonitor(t, map[string][]ThresholdRule{
		MetricJitter: {{Max: fp(30)}},
	})

	for i := 0; i < 10; i++ {
		pushJitter(m, clock, 50)

		switch {
		case i < 2:
			if len(*raised) != 0 {
				t.Fatalf("warning raised too early, after sample %d", i+1)
			}
		default:
			if len(*raised) != 1 {
				t.Fatalf("expected exactly 1 warning after sample %d, got %d", i+1, len(*raised))
			}
		}
	}

	ev := (*raised)[0]
	if ev.Name != MetricJitter || ev.Threshold.Name != ThresholdMax || ev.Threshold.Value != 30 {
		t.Errorf("unexpected warning event: %+v", ev)
	}
	if len(ev.Values) != 3 {
		t.Errorf("expected 3 crossing values at raise time, got %d", len(ev.Values))
	}
}

// TestMaxThresholdClearDebounce verifies a warning clears only after both
// the crossing count drops to the clear count and the debounce interval
// has elapsed since the raise.
func TestMaxThresholdClearDebounce(t *testing.T) {
	m, clock, raised, cleared := newTestMonitor(t, map[string][]ThresholdRule{
		MetricJitter: {{Max: fp(30)}},
	})

	for i := 0; i < 3; i++ {
		pushJitter(m, clock, 50)
	}
	if len(*raised) != 1 {
		t.Fatalf("expected raise after 3 crossing samples, got %d", len(*raised))
	}

	// Recover immediately: crossing count drains over the next samples
	// but the debounce window (5s) has not elapsed relative to the
	// clearing criteria until enough time passes.
	for i := 0; i < 5; i++ {
		pushJitter(m, clock, 10)
	}
	// 5 seconds have advanced (1s per push); count is 0 and the raise
	// happened 5 pushes ago, so the debounce has elapsed.
	if len(*cleared) != 1 {
		t.Fatalf("expected warning to clear, got %d clear events", len(*cleared))
	}

	// A fresh violation can raise again after clearing.
	for i := 0; i < 3; i++ {
		pushJitter(m, clock, 50)
	}
	if len(*raised) != 2 {
		t.Errorf("expected warning to re-raise after clearing, got %d raises", len(*raised))
	}
}

// TestMinThreshold verifies floor crossings with a custom window.
func TestMinThreshold(t *testing.T) {
	m, clock, raised, _ := newTestMonitor(t, map[string][]ThresholdRule{
		MetricMOS: {{Min: fp(3), SampleCount: 3, RaiseCount: 3}},
	})

	// Drive MOS down via heavy loss.
	for i := 0; i < 3; i++ {
		clock.advance(time.Second)
		r := report(10, 10, uintp(0))
		prev := m.maxTotalHack()
		r.PacketsSent = prev
		r.PacketsReceived = prev
		lost := prev * 3
		r.PacketsLost = &lost
		m.processReport(r)
	}

	if len(*raised) != 1 {
		t.Fatalf("expected low-MOS warning, got %d", len(*raised))
	}
	if (*raised)[0].Threshold.Name != ThresholdMin {
		t.Errorf("expected min threshold, got %s", (*raised)[0].Threshold.Name)
	}
}

// TestMaxAverageThreshold verifies mean-based raising and clear-value
// based clearing without debounce.
func TestMaxAverageThreshold(t *testing.T) {
	m, clock, raised, cleared := newTestMonitor(t, map[string][]ThresholdRule{
		MetricJitter: {{MaxAverage: fp(30), ClearValue: fp(10), SampleCount: 3}},
	})

	pushJitter(m, clock, 20)
	pushJitter(m, clock, 40)
	if len(*raised) != 0 {
		t.Fatal("mean 30 should not exceed maxAverage 30")
	}

	pushJitter(m, clock, 60)
	if len(*raised) != 1 {
		t.Fatalf("mean 40 should raise, got %d events", len(*raised))
	}
	if (*raised)[0].Value != 40 {
		t.Errorf("expected reported mean 40, got %v", (*raised)[0].Value)
	}

	// A later value at or below the clear value clears immediately,
	// regardless of debounce.
	pushJitter(m, clock, 10)
	if len(*cleared) != 1 {
		t.Errorf("value at clearValue should clear, got %d clear events", len(*cleared))
	}
}

// TestMaxDurationThreshold verifies the consecutive-identical-value
// streak semantics.
func TestMaxDurationThreshold(t *testing.T) {
	m, clock, raised, cleared := newTestMonitor(t, map[string][]ThresholdRule{
		MetricAudioInputLevel: {{MaxDuration: intp(3)}},
	})

	push := func(level float64) {
		clock.advance(time.Second)
		m.AddVolumes(level, level)
		r := report(10, 10, uintp(0))
		r.PacketsSent = m.maxTotalHack()
		m.processReport(r)
	}

	push(0.4)
	push(0.4)
	push(0.4)
	push(0.4) // streak reaches 3 (three consecutive equal pairs)
	if len(*raised) != 1 {
		t.Fatalf("expected constant-level warning after 4 identical samples, got %d", len(*raised))
	}
	if (*raised)[0].Threshold.Name != ThresholdMaxDuration {
		t.Errorf("expected maxDuration threshold, got %s", (*raised)[0].Threshold.Name)
	}

	push(0.7) // streak breaks
	if len(*cleared) != 1 {
		t.Errorf("streak break should clear the warning, got %d clear events", len(*cleared))
	}
}

// TestIncompleteWindowAbortsEvaluation verifies that a window containing
// an absent metric value neither raises nor clears.
func TestIncompleteWindowAbortsEvaluation(t *testing.T) {
	m, clock, raised, _ := newTestMonitor(t, map[string][]ThresholdRule{
		MetricAudioInputLevel: {{Max: fp(0.1), SampleCount: 3, RaiseCount: 1}},
	})

	// No AddVolumes calls: audioInputLevel is absent from every sample.
	for i := 0; i < 5; i++ {
		pushJitter(m, clock, 5)
	}
	if len(*raised) != 0 {
		t.Errorf("absent metric values must abort evaluation, got %d warnings", len(*raised))
	}
}

// TestMultipleRulesPerMetric verifies independent concurrent evaluation.
func TestMultipleRulesPerMetric(t *testing.T) {
	m, clock, raised, _ := newTestMonitor(t, map[string][]ThresholdRule{
		MetricPacketsLostFraction: {
			{Max: fp(3)},
			{MaxAverage: fp(3), ClearValue: fp(1), SampleCount: 3},
		},
	})

	for i := 0; i < 3; i++ {
		clock.advance(time.Second)
		r := report(10, 10, uintp(0))
		prev := m.maxTotalHack()
		r.PacketsSent = prev
		r.PacketsReceived = prev
		lost := prev // 50% interval loss
		r.PacketsLost = &lost
		m.processReport(r)
	}

	kinds := map[string]bool{}
	for _, ev := range *raised {
		kinds[ev.Threshold.Name] = true
	}
	if !kinds[ThresholdMax] || !kinds[ThresholdMaxAverage] {
		t.Errorf("expected both max and maxAverage warnings, got %v", kinds)
	}
}

// TestDefaultThresholdsShape sanity-checks the default rule set.
func TestDefaultThresholdsShape(t *testing.T) {
	defaults := DefaultThresholds()

	for _, metric := range []string{
		MetricAudioInputLevel, MetricAudioOutputLevel, MetricBytesReceived,
		MetricBytesSent, MetricJitter, MetricMOS, MetricPacketsLostFraction, MetricRTT,
	} {
		if len(defaults[metric]) == 0 {
			t.Errorf("expected default rule for %s", metric)
		}
	}

	if len(defaults[MetricPacketsLostFraction]) != 2 {
		t.Error("packetsLostFraction should carry two independent rules")
	}
}
