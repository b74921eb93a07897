// Package telemetry records kinematic samples to append-only CSV sinks at a
// rate independent of the control loop.
package telemetry

import (
	"sync/atomic"

	"github.com/banshee-data/tuberig/internal/kinematics"
)

// Cache holds the latest sample. The controller is the only writer; any
// number of readers see either the previous or the new sample, never a mix.
type Cache struct {
	p atomic.Pointer[kinematics.Sample]
}

// Store publishes s.
func (c *Cache) Store(s kinematics.Sample) {
	c.p.Store(&s)
}

// Load returns the latest sample and whether one has been stored.
func (c *Cache) Load() (kinematics.Sample, bool) {
	p := c.p.Load()
	if p == nil {
		return kinematics.Sample{}, false
	}
	return *p, true
}
