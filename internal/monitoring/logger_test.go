package monitoring

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not reach the previous logger")
	}
}

func TestLoopStats_Observe(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()
	var lines []string
	SetLogger(func(format string, v ...interface{}) { lines = append(lines, fmt.Sprintf(format, v...)) })

	s := NewLoopStats("controller", 10*time.Millisecond)
	if s.Observe(4 * time.Millisecond) {
		t.Error("4ms tick reported as overrun")
	}
	if !s.Observe(12 * time.Millisecond) {
		t.Error("12ms tick not reported as overrun")
	}
	s.Observe(3 * time.Millisecond)

	got := s.Snapshot()
	want := LoopSnapshot{Name: "controller", BudgetMs: 10, Ticks: 3, Overruns: 1, LastMs: 3, WorstMs: 12}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "controller") {
		t.Errorf("expected one overrun log line naming the loop, got %q", lines)
	}
}

func TestLoopStats_ZeroBudgetNeverOverruns(t *testing.T) {
	s := NewLoopStats("unbounded", 0)
	if s.Observe(time.Hour) {
		t.Error("zero budget should disable overrun accounting")
	}
	if got := s.Snapshot().Overruns; got != 0 {
		t.Errorf("Overruns = %d, want 0", got)
	}
}
