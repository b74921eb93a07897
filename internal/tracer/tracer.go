// Package tracer keeps a short trace of tube position for the operator and
// running statistics over the session's trials.
package tracer

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/telemetry"
	"github.com/banshee-data/tuberig/internal/timeutil"
)

// DefaultRate is the tracer's polling rate in samples per second.
const DefaultRate = 300

// DumpFileName is the file Dump writes inside the dump directory.
const DumpFileName = "TRACER.csv"

// Config configures a Tracer.
type Config struct {
	Cache        *telemetry.Cache
	Instructions <-chan protocol.Instruction
	Clock        timeutil.Clock
	Rate         float64
	DumpDir      string
}

// Point is one traced sample.
type Point struct {
	Time     float64 `json:"t"`
	Position float64 `json:"position"`
	Phase    string  `json:"phase"`
}

// Stats summarises the session so far.
type Stats struct {
	Trials       int     `json:"trials"`
	Reached      int     `json:"reached"`
	Aborted      int     `json:"aborted"`
	SuccessRate  float64 `json:"success_rate"`
	MeanDuration float64 `json:"mean_duration_s"`
	StdDuration  float64 `json:"std_duration_s"`
}

// Tracer polls the latest-value cache while unpaused.
type Tracer struct {
	cache *telemetry.Cache
	in    <-chan protocol.Instruction
	clock timeutil.Clock
	rate  float64
	dir   string

	mu         sync.Mutex
	paused     bool
	phase      string
	window     time.Duration
	points     []Point
	lastSeq    uint64
	trialStart time.Time
	inTrial    bool
	reached    int
	aborted    int
	durations  []float64
}

// New returns a paused tracer.
func New(cfg Config) *Tracer {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	return &Tracer{
		cache:  cfg.Cache,
		in:     cfg.Instructions,
		clock:  cfg.Clock,
		rate:   cfg.Rate,
		dir:    cfg.DumpDir,
		paused: true,
		phase:  protocol.PhaseIdle.String(),
	}
}

// Run polls until Stop, the channel closing, or ctx ending.
func (tr *Tracer) Run(ctx context.Context) error {
	ticker := tr.clock.NewTicker(time.Duration(float64(time.Second) / tr.rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-tr.in:
			if !ok {
				return nil
			}
			stop, err := tr.handle(in)
			if err != nil || stop {
				return err
			}
		case <-ticker.C():
			tr.poll()
		}
	}
}

func (tr *Tracer) handle(in protocol.Instruction) (bool, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	switch v := in.(type) {
	case protocol.Reset:
		tr.window = v.Duration
		tr.paused = true
	case protocol.Ready:
		tr.points = tr.points[:0]
		tr.paused = false
		tr.trialStart = tr.clock.Now()
		tr.inTrial = true
		if s, ok := tr.cache.Load(); ok {
			tr.lastSeq = s.Seq
		}
	case protocol.Pause:
		tr.paused = true
	case protocol.Phase:
		tr.phase = v.Name
	case protocol.TubeReached:
		tr.finishTrial(true)
	case protocol.TrialAborted:
		tr.finishTrial(false)
	case protocol.Dump:
		if path, err := tr.dumpLocked(); err != nil {
			monitoring.Logf("tracer: dump: %v", err)
		} else {
			monitoring.Logf("tracer: dumped %d points to %s", len(tr.points), path)
		}
	case protocol.Stop:
		return true, nil
	default:
		return false, protocol.Unexpected("tracer", in)
	}
	return false, nil
}

func (tr *Tracer) finishTrial(reached bool) {
	if !tr.inTrial {
		return
	}
	tr.inTrial = false
	if reached {
		tr.reached++
	} else {
		tr.aborted++
	}
	tr.durations = append(tr.durations, tr.clock.Since(tr.trialStart).Seconds())
}

func (tr *Tracer) poll() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.paused {
		return
	}
	s, ok := tr.cache.Load()
	if !ok || s.Seq == tr.lastSeq {
		return
	}
	tr.lastSeq = s.Seq
	tr.points = append(tr.points, Point{Time: s.Timestamp, Position: s.PositionCm, Phase: tr.phase})
	if tr.window > 0 {
		cutoff := s.Timestamp - tr.window.Seconds()
		i := 0
		for i < len(tr.points) && tr.points[i].Time < cutoff {
			i++
		}
		if i > 0 {
			tr.points = append(tr.points[:0], tr.points[i:]...)
		}
	}
}

// Points returns a copy of the current trace.
func (tr *Tracer) Points() []Point {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Point(nil), tr.points...)
}

// Stats computes the session statistics.
func (tr *Tracer) Stats() Stats {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st := Stats{Reached: tr.reached, Aborted: tr.aborted, Trials: tr.reached + tr.aborted}
	if st.Trials > 0 {
		st.SuccessRate = float64(st.Reached) / float64(st.Trials)
	}
	if len(tr.durations) > 0 {
		st.MeanDuration = stat.Mean(tr.durations, nil)
	}
	if len(tr.durations) > 1 {
		st.StdDuration = stat.StdDev(tr.durations, nil)
	}
	if math.IsNaN(st.StdDuration) {
		st.StdDuration = 0
	}
	return st
}

func (tr *Tracer) dumpLocked() (string, error) {
	if tr.dir == "" {
		return "", fmt.Errorf("no dump directory configured")
	}
	if err := os.MkdirAll(tr.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(tr.dir, DumpFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"time", "position", "phase"})
	for _, p := range tr.points {
		_ = w.Write([]string{
			strconv.FormatFloat(p.Time, 'g', -1, 64),
			strconv.FormatFloat(p.Position, 'g', -1, 64),
			p.Phase,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
