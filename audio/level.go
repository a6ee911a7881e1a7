// Package audio provides loudness metering for live audio streams.
//
// The level monitor converts PCM sample windows into a continuously
// updated normalized loudness value used purely for visual feedback. It
// never influences call state. Remote audio arrives Opus-encoded; the
// OpusLevelSource decodes payloads into PCM before metering.
package audio

import (
	"math"
	"sync"
)

// DefaultSmoothing is the exponential smoothing factor applied between
// successive loudness windows. Higher values react faster.
const DefaultSmoothing = 0.6

// LevelMonitor maintains a normalized loudness value in [0, 1] computed
// from pushed PCM windows.
//
// A monitor with no source, or one that has been stopped, reports a level
// pinned at 0. Safe for concurrent use.
type LevelMonitor struct {
	mu        sync.RWMutex
	level     float64
	smoothing float64
	stopped   bool
}

// NewLevelMonitor creates a monitor with the default smoothing factor.
func NewLevelMonitor() *LevelMonitor {
	return &LevelMonitor{smoothing: DefaultSmoothing}
}

// SetSmoothing overrides the smoothing factor. Values outside (0, 1] are
// ignored.
func (m *LevelMonitor) SetSmoothing(alpha float64) {
	if alpha <= 0 || alpha > 1 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.smoothing = alpha
}

// Push feeds one PCM window into the monitor. Empty windows are treated
// as silence. Pushes after Stop are ignored.
func (m *LevelMonitor) Push(pcm []int16) {
	raw := rms(pcm)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.level = m.level + m.smoothing*(raw-m.level)
}

// Level returns the current normalized loudness in [0, 1].
func (m *LevelMonitor) Level() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return 0
	}
	return m.level
}

// Reset pins the level back to 0 without stopping the monitor. Used when
// the monitored stream is swapped.
func (m *LevelMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = 0
}

// Stop pins the level at 0 and discards all further pushes. Call when the
// stream goes away or the consuming surface is no longer displayed.
func (m *LevelMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.level = 0
}

// rms computes the root-mean-square energy of a PCM window, normalized to
// [0, 1] against full-scale int16.
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Min(1, math.Sqrt(sum/float64(len(pcm)))/math.MaxInt16)
}
