package monitoring

import (
	"sync/atomic"
	"time"
)

// LoopStats counts ticks of a fixed-rate loop and how many of them ran past
// their budget. All methods are safe for concurrent use; the owning loop is
// the only caller of Observe.
type LoopStats struct {
	name     string
	budget   time.Duration
	ticks    atomic.Uint64
	overruns atomic.Uint64
	last     atomic.Int64
	worst    atomic.Int64
}

// LoopSnapshot is a point-in-time copy of LoopStats, shaped for JSON.
type LoopSnapshot struct {
	Name     string  `json:"name"`
	BudgetMs float64 `json:"budget_ms"`
	Ticks    uint64  `json:"ticks"`
	Overruns uint64  `json:"overruns"`
	LastMs   float64 `json:"last_ms"`
	WorstMs  float64 `json:"worst_ms"`
}

// NewLoopStats returns stats for a loop that must finish each tick within
// budget.
func NewLoopStats(name string, budget time.Duration) *LoopStats {
	return &LoopStats{name: name, budget: budget}
}

// Budget returns the per-tick budget.
func (s *LoopStats) Budget() time.Duration { return s.budget }

// Observe records the work time of one tick and reports whether it overran.
// Every 100th overrun is logged so a stalled loop cannot flood the log.
func (s *LoopStats) Observe(elapsed time.Duration) bool {
	s.ticks.Add(1)
	s.last.Store(int64(elapsed))
	for {
		w := s.worst.Load()
		if int64(elapsed) <= w || s.worst.CompareAndSwap(w, int64(elapsed)) {
			break
		}
	}
	if s.budget <= 0 || elapsed <= s.budget {
		return false
	}
	if n := s.overruns.Add(1); n%100 == 1 {
		Logf("%s: tick took %v (budget %v), %d overruns so far", s.name, elapsed, s.budget, n)
	}
	return true
}

// Snapshot returns the current counters.
func (s *LoopStats) Snapshot() LoopSnapshot {
	return LoopSnapshot{
		Name:     s.name,
		BudgetMs: ms(s.budget),
		Ticks:    s.ticks.Load(),
		Overruns: s.overruns.Load(),
		LastMs:   ms(time.Duration(s.last.Load())),
		WorstMs:  ms(time.Duration(s.worst.Load())),
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
