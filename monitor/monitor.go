package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSampleInterval is the period between statistics fetches.
const DefaultSampleInterval = 1000 * time.Millisecond

// minBufferSize is the smallest rolling buffer the monitor keeps,
// regardless of configured rule windows.
const minBufferSize = 5

// Options configures a Monitor. The zero value selects defaults.
type Options struct {
	// SampleInterval is the period between statistics fetches
	// (default 1s).
	SampleInterval time.Duration

	// WarningTimeout is the minimum time a raised warning stays active
	// before it may clear (default 5s). Prevents flapping.
	WarningTimeout time.Duration

	// Thresholds maps metric names to their rules. Nil selects
	// DefaultThresholds().
	Thresholds map[string][]ThresholdRule

	// TimeProvider overrides the clock for deterministic testing.
	TimeProvider TimeProvider
}

// Monitor periodically samples a statistics source, maintains a rolling
// window of derived samples and evaluates threshold rules against it.
type Monitor struct {
	mu    sync.RWMutex
	clock TimeProvider

	source         StatsSource
	interval       time.Duration
	warningTimeout time.Duration

	thresholds     map[string][]ThresholdRule
	maxSampleCount int

	sampleBuffer   []*Sample
	activeWarnings map[warningKey]time.Time
	streaks        map[streakKey]int

	inputVolumes  []float64
	outputVolumes []float64

	enabled         bool
	warningsEnabled bool
	stop            chan struct{}

	// pending stages callbacks while m.mu is held; they run after the
	// lock is released so handlers may call back into the monitor.
	pending []func()

	onSample         func(*Sample)
	onWarning        func(WarningEvent)
	onWarningCleared func(WarningEvent)
	onError          func(error)
}

// New creates a quality monitor with the supplied options.
func New(opts Options) *Monitor {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.WarningTimeout <= 0 {
		opts.WarningTimeout = DefaultWarningTimeout
	}
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = DefaultTimeProvider{}
	}

	m := &Monitor{
		clock:           opts.TimeProvider,
		interval:        opts.SampleInterval,
		warningTimeout:  opts.WarningTimeout,
		thresholds:      opts.Thresholds,
		maxSampleCount:  bufferBound(opts.Thresholds),
		activeWarnings:  make(map[warningKey]time.Time),
		streaks:         make(map[streakKey]int),
		warningsEnabled: true,
	}

	logrus.WithFields(logrus.Fields{
		"function":        "New",
		"sample_interval": m.interval,
		"warning_timeout": m.warningTimeout,
		"buffer_bound":    m.maxSampleCount,
	}).Debug("Quality monitor created")

	return m
}

// bufferBound computes the rolling buffer size: the largest configured
// rule window, never below the minimum of 5.
func bufferBound(thresholds map[string][]ThresholdRule) int {
	bound := minBufferSize
	for _, rules := range thresholds {
		for _, r := range rules {
			if n := r.sampleCount(); n > bound {
				bound = n
			}
		}
	}
	return bound
}

// SetSampleCallback registers a handler invoked with each emitted sample.
func (m *Monitor) SetSampleCallback(cb func(*Sample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = cb
}

// SetWarningCallback registers a handler for raised threshold warnings.
func (m *Monitor) SetWarningCallback(cb func(WarningEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWarning = cb
}

// SetWarningClearedCallback registers a handler for cleared warnings.
func (m *Monitor) SetWarningClearedCallback(cb func(WarningEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWarningCleared = cb
}

// SetErrorCallback registers a handler for statistics fetch failures.
// A fetch failure disables the monitor; it is not retried here.
func (m *Monitor) SetErrorCallback(cb func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = cb
}

// Enable begins periodic sampling of the given statistics source.
//
// Passing nil reuses the previously bound source. Binding a different
// source while sampling is active fails with ErrSourceBound; Disable
// first. Enabling an already-enabled monitor with the same (or nil)
// source is a no-op.
func (m *Monitor) Enable(src StatsSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled {
		if src != nil && src != m.source {
			return ErrSourceBound
		}
		return nil
	}

	if src == nil && m.source == nil {
		return ErrNoSource
	}
	if src != nil {
		m.source = src
	}

	m.enabled = true
	m.stop = make(chan struct{})
	go m.run(m.stop)

	logrus.WithFields(logrus.Fields{
		"function": "Enable",
		"interval": m.interval,
	}).Info("Quality monitor sampling started")

	return nil
}

// Disable stops the sampling loop. Idempotent; the bound source is kept
// so a later Enable(nil) can resume against the same session.
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}

	close(m.stop)
	m.stop = nil
	m.enabled = false
	m.inputVolumes = nil
	m.outputVolumes = nil

	logrus.WithFields(logrus.Fields{
		"function": "Disable",
	}).Info("Quality monitor sampling stopped")
}

// IsEnabled reports whether the sampling loop is running.
func (m *Monitor) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// EnableWarnings turns threshold evaluation back on.
func (m *Monitor) EnableWarnings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warningsEnabled = true
}

// DisableWarnings turns threshold evaluation off and drops all active
// warnings without emitting clear events.
func (m *Monitor) DisableWarnings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warningsEnabled = false
	m.activeWarnings = make(map[warningKey]time.Time)
	m.streaks = make(map[streakKey]int)
}

// AddVolumes accumulates one input/output volume reading. Readings are
// averaged into the next emitted sample and the accumulation window
// resets after every emission.
func (m *Monitor) AddVolumes(inputLevel, outputLevel float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputVolumes = append(m.inputVolumes, inputLevel)
	m.outputVolumes = append(m.outputVolumes, outputLevel)
}

// Samples returns a snapshot of the current rolling sample buffer.
func (m *Monitor) Samples() []*Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sample, len(m.sampleBuffer))
	copy(out, m.sampleBuffer)
	return out
}

// run is the sampling loop. Only one fetch is ever outstanding, so
// sample emission order always matches fetch order.
func (m *Monitor) run(stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.fetchSample()
		}
	}
}

// fetchSample performs one statistics fetch and processes the report.
// A fetch failure disables the monitor and surfaces a single error.
func (m *Monitor) fetchSample() {
	m.mu.RLock()
	src := m.source
	interval := m.interval
	enabled := m.enabled
	m.mu.RUnlock()

	if !enabled || src == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	report, err := src.Stats(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetchSample",
			"error":    err.Error(),
		}).Error("Statistics fetch failed, disabling monitor")

		m.Disable()

		m.mu.Lock()
		if m.onError != nil {
			cb := m.onError
			m.emit(func() { cb(fmt.Errorf("%w: %v", ErrStatsFetch, err)) })
		}
		m.mu.Unlock()
		m.flush()
		return
	}

	m.processReport(report)
}

// processReport derives a sample from the report, appends it to the
// rolling buffer (evicting the oldest entry beyond the bound) and runs
// threshold evaluation.
func (m *Monitor) processReport(report *StatsReport) {
	m.mu.Lock()

	var prev *Sample
	if n := len(m.sampleBuffer); n > 0 {
		prev = m.sampleBuffer[n-1]
	}

	inLevel := average(m.inputVolumes)
	outLevel := average(m.outputVolumes)
	m.inputVolumes = nil
	m.outputVolumes = nil

	sample := createSample(report, prev, inLevel, outLevel, m.clock.Now())

	m.sampleBuffer = append(m.sampleBuffer, sample)
	if len(m.sampleBuffer) > m.maxSampleCount {
		m.sampleBuffer = m.sampleBuffer[len(m.sampleBuffer)-m.maxSampleCount:]
	}

	if m.onSample != nil {
		cb := m.onSample
		m.emit(func() { cb(sample) })
	}

	if m.warningsEnabled {
		m.evaluateThresholds()
	}

	m.mu.Unlock()
	m.flush()
}

// emit stages a callback to run once m.mu is released.
func (m *Monitor) emit(f func()) {
	m.pending = append(m.pending, f)
}

// flush runs staged callbacks outside the lock.
func (m *Monitor) flush() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, f := range pending {
		f()
	}
}
