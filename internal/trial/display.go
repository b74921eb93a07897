package trial

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/tuberig/internal/monitoring"
)

// Color is a full-screen flash color.
type Color uint8

const (
	ColorStart Color = iota + 1 // green
	ColorEnd                    // red
)

func (c Color) String() string {
	switch c {
	case ColorStart:
		return "start"
	case ColorEnd:
		return "end"
	}
	return "none"
}

// Display renders the visual markers. Implementations must not block.
type Display interface {
	Shift(dx int)
	Flash(c Color)
}

// MarkerScroller converts tube movement into whole-pixel marker shifts and
// carries the fractional remainder to the next tick.
type MarkerScroller struct {
	PixelsPerCm float64
	Direction   float64
	remainder   float64
}

// Scroll returns the pixel shift for deltaCm.
func (m *MarkerScroller) Scroll(deltaCm float64) int {
	px := m.Direction*m.PixelsPerCm*deltaCm + m.remainder
	whole := math.Trunc(px)
	m.remainder = px - whole
	return int(whole)
}

// LogDisplay stands in for a screen: it logs flashes and totals shifts.
type LogDisplay struct {
	FlashDuration time.Duration
	FlashPeriod   time.Duration

	mu     sync.Mutex
	offset int
}

func (d *LogDisplay) Shift(dx int) {
	d.mu.Lock()
	d.offset += dx
	d.mu.Unlock()
}

func (d *LogDisplay) Flash(c Color) {
	monitoring.Logf("display: %s flash for %v (blink %v)", c, d.FlashDuration, d.FlashPeriod)
}

// Offset is the accumulated marker offset in pixels.
func (d *LogDisplay) Offset() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}
