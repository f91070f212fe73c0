package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func frame(value int16, n int) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = value
	}
	return f
}

func TestAnalyzerRisesImmediately(t *testing.T) {
	a := NewLevelAnalyzer()

	a.Push(frame(16384, 480))

	smoothed, _, raw := a.Levels()
	assert.InDelta(t, 0.5, raw, 0.01)
	assert.InDelta(t, 0.5, smoothed, 0.01, "rising levels are not smoothed")
}

func TestAnalyzerDecaysGradually(t *testing.T) {
	a := NewLevelAnalyzer()
	a.Push(frame(16384, 480))

	a.Push(frame(0, 480))

	smoothed, _, raw := a.Levels()
	assert.Zero(t, raw)
	assert.Greater(t, smoothed, 0.3, "smoothed level releases slowly")
}

func TestAnalyzerFloorFollowsQuietBaseline(t *testing.T) {
	a := NewLevelAnalyzer()
	a.Push(frame(16384, 480))

	_, floor, _ := a.Levels()
	firstFloor := floor

	a.Push(frame(0, 480))
	_, floor, _ = a.Levels()
	assert.Zero(t, floor, "floor drops immediately on silence")
	assert.LessOrEqual(t, firstFloor, 0.5)
}

func TestAnalyzerIgnoresEmptyFrames(t *testing.T) {
	a := NewLevelAnalyzer()
	a.Push(frame(16384, 480))
	smoothedBefore, _, rawBefore := a.Levels()

	a.Push(nil)

	smoothed, _, raw := a.Levels()
	assert.Equal(t, smoothedBefore, smoothed)
	assert.Equal(t, rawBefore, raw)
}
