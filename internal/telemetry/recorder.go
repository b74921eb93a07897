package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

// DefaultSamplingRate is the recorder's target rate in samples per second.
const DefaultSamplingRate = 200

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Cache        *Cache
	Instructions <-chan protocol.Instruction
	Clock        timeutil.Clock
	Rate         float64
	Open         SinkOpener
}

// RecorderStatus is a snapshot for the status API.
type RecorderStatus struct {
	Paused  bool    `json:"paused"`
	Sink    string  `json:"sink,omitempty"`
	Rows    uint64  `json:"rows"`
	Dropped uint64  `json:"dropped"`
	Rate    float64 `json:"rate"`
}

// Recorder samples the latest-value cache at its own rate and appends to one
// sink at a time. It starts paused with no sink; Reset opens one and Ready
// starts sampling.
type Recorder struct {
	cache  *Cache
	in     <-chan protocol.Instruction
	clock  timeutil.Clock
	open   SinkOpener
	ticker timeutil.Ticker

	mu      sync.Mutex
	rate    float64
	paused  bool
	sink    Sink
	lastSeq uint64
	rows    uint64
	dropped uint64
}

// NewRecorder returns a paused recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultSamplingRate
	}
	return &Recorder{
		cache:  cfg.Cache,
		in:     cfg.Instructions,
		clock:  cfg.Clock,
		open:   cfg.Open,
		rate:   cfg.Rate,
		paused: true,
	}
}

func period(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}

// Run samples until Stop, the instruction channel closing, or ctx ending.
// It returns an error only when it meets an instruction it does not handle.
func (r *Recorder) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ticker = r.clock.NewTicker(period(r.rate))
	r.mu.Unlock()
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeSink("context done")
			return ctx.Err()
		case in, ok := <-r.in:
			if !ok {
				r.closeSink("instructions closed")
				return nil
			}
			stop, err := r.handle(in)
			if err != nil {
				r.closeSink("fatal instruction")
				return err
			}
			if stop {
				return nil
			}
		case <-r.ticker.C():
			r.sampleOnce()
		}
	}
}

func (r *Recorder) handle(in protocol.Instruction) (bool, error) {
	switch v := in.(type) {
	case protocol.Reset:
		r.closeSink("reset")
		r.mu.Lock()
		r.paused = true
		r.mu.Unlock()
		if r.open == nil {
			monitoring.Logf("recorder: reset to %q ignored, no sink opener", v.Destination)
			return false, nil
		}
		sink, err := r.open(v.Destination)
		if err != nil {
			monitoring.Logf("recorder: open sink %q: %v", v.Destination, err)
			return false, nil
		}
		r.mu.Lock()
		r.sink = sink
		r.rows, r.dropped = 0, 0
		r.mu.Unlock()
		monitoring.Logf("recorder: recording to %s", sink.Path())
	case protocol.Ready:
		r.mu.Lock()
		r.paused = false
		if s, ok := r.cache.Load(); ok {
			r.lastSeq = s.Seq
		}
		hasSink := r.sink != nil
		r.mu.Unlock()
		if !hasSink {
			monitoring.Logf("recorder: ready without a sink, nothing will be written")
		}
	case protocol.Pause:
		r.mu.Lock()
		r.paused = true
		if r.sink != nil {
			if err := r.sink.Flush(); err != nil {
				monitoring.Logf("recorder: flush %s: %v", r.sink.Path(), err)
			}
		}
		r.mu.Unlock()
	case protocol.SamplingRate:
		if v.PerSecond <= 0 {
			monitoring.Logf("recorder: ignoring sampling rate %v", v.PerSecond)
			return false, nil
		}
		r.mu.Lock()
		r.rate = v.PerSecond
		if r.ticker != nil {
			r.ticker.Reset(period(v.PerSecond))
		}
		r.mu.Unlock()
	case protocol.Stop:
		r.closeSink("stop")
		return true, nil
	default:
		return false, protocol.Unexpected("recorder", in)
	}
	return false, nil
}

// sampleOnce writes the cached sample if it is new since the last write.
func (r *Recorder) sampleOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.sink == nil {
		return
	}
	s, ok := r.cache.Load()
	if !ok || s.Seq == r.lastSeq {
		return
	}
	r.lastSeq = s.Seq
	if err := r.sink.Write(RowFromSample(s)); err != nil {
		r.dropped++
		if r.dropped%100 == 1 {
			monitoring.Logf("recorder: write %s: %v (%d dropped)", r.sink.Path(), err, r.dropped)
		}
		return
	}
	r.rows++
}

func (r *Recorder) closeSink(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return
	}
	if err := r.sink.Close(); err != nil {
		monitoring.Logf("recorder: close %s: %v", r.sink.Path(), err)
	}
	monitoring.Logf("recorder: closed %s (%s): %d rows, dropped %d", r.sink.Path(), reason, r.rows, r.dropped)
	r.sink = nil
}

// Status returns the current state.
func (r *Recorder) Status() RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RecorderStatus{Paused: r.paused, Rows: r.rows, Dropped: r.dropped, Rate: r.rate}
	if r.sink != nil {
		st.Sink = r.sink.Path()
	}
	return st
}
