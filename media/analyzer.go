package media

import (
	"math"
	"sync"
)

// Smoothing constants. Levels rise immediately and decay gradually;
// the floor tracks the quiet baseline and follows drops quickly.
const (
	levelDecay  = 0.8
	floorFollow = 0.95
)

// LevelAnalyzer derives audio levels from PCM frames. It keeps three
// readings: the instantaneous RMS of the last frame, a slow-release
// smoothed level, and a floor-biased level. Published volumes average
// the smoothed and floor readings so short spikes and short silences
// both register without dominating.
type LevelAnalyzer struct {
	mu       sync.Mutex
	raw      float64
	smoothed float64
	floor    float64
}

// NewLevelAnalyzer returns an analyzer with all levels at zero.
func NewLevelAnalyzer() *LevelAnalyzer {
	return &LevelAnalyzer{}
}

// Push folds one PCM frame into the running levels. Samples are
// treated as full-scale signed 16-bit; the resulting levels are
// normalized to [0, 1].
func (a *LevelAnalyzer) Push(pcm []int16) {
	if len(pcm) == 0 {
		return
	}

	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(pcm)))

	a.mu.Lock()
	defer a.mu.Unlock()

	a.raw = rms
	if rms > a.smoothed {
		a.smoothed = rms
	} else {
		a.smoothed = a.smoothed*levelDecay + rms*(1-levelDecay)
	}
	if rms < a.floor {
		a.floor = rms
	} else {
		a.floor = a.floor*floorFollow + rms*(1-floorFollow)
	}
}

// Levels returns the smoothed, floor-biased and raw readings.
func (a *LevelAnalyzer) Levels() (smoothed, floor, raw float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.smoothed, a.floor, a.raw
}
