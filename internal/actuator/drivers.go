package actuator

import (
	"sync"

	"github.com/banshee-data/tuberig/internal/monitoring"
)

// Write is one recorded driver call.
type Write struct {
	Channel Channel
	Duty    float64
}

// RecordingDriver keeps every write in memory. It backs simulation mode and
// tests.
type RecordingDriver struct {
	mu     sync.Mutex
	writes []Write
	closed bool
	// Verbose logs each write.
	Verbose bool
}

// SetDuty records the write.
func (d *RecordingDriver) SetDuty(ch Channel, duty float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, Write{Channel: ch, Duty: duty})
	if d.Verbose {
		monitoring.Logf("actuator: %s <- %.3f (%d ppm)", ch, duty, DutyCyclePPM(duty))
	}
	return nil
}

// Close marks the driver closed.
func (d *RecordingDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Writes returns a copy of the recorded writes.
func (d *RecordingDriver) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// WritesTo returns the duties written to one channel, in order.
func (d *RecordingDriver) WritesTo(ch Channel) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []float64
	for _, w := range d.writes {
		if w.Channel == ch {
			out = append(out, w.Duty)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (d *RecordingDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
