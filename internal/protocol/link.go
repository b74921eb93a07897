package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLinkFull is returned when the receiver has fallen a whole buffer
	// behind. The sender never waits.
	ErrLinkFull = errors.New("link buffer full")
	// ErrLinkClosed is returned by Send after Close.
	ErrLinkClosed = errors.New("link closed")
)

// DefaultLinkCapacity is the buffer used between units.
const DefaultLinkCapacity = 256

// TerminalWait bounds how long Send waits for room before giving up on a
// terminal instruction (Stop, SendingRecords).
const TerminalWait = 500 * time.Millisecond

// Link is a one-way FIFO of instructions between two units.
type Link struct {
	name    string
	mu      sync.RWMutex
	ch      chan Instruction
	closed  bool
	wait    time.Duration
	dropped atomic.Uint64
}

// NewLink returns an open link with the given buffer size.
func NewLink(name string, capacity int) *Link {
	if capacity <= 0 {
		capacity = DefaultLinkCapacity
	}
	return &Link{name: name, ch: make(chan Instruction, capacity), wait: TerminalWait}
}

// Name identifies the link in logs.
func (l *Link) Name() string { return l.name }

// Send enqueues in without blocking. Terminal instructions wait up to
// TerminalWait for room before failing with ErrLinkFull.
func (l *Link) Send(in Instruction) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return fmt.Errorf("%s: %w", l.name, ErrLinkClosed)
	}
	select {
	case l.ch <- in:
		return nil
	default:
	}
	if terminal(in) {
		t := time.NewTimer(l.wait)
		defer t.Stop()
		select {
		case l.ch <- in:
			return nil
		case <-t.C:
		}
	}
	l.dropped.Add(1)
	return fmt.Errorf("%s: %w (dropped %s)", l.name, ErrLinkFull, in.Kind())
}

// terminal instructions end a unit or carry a finished trial; a full buffer
// delays them instead of dropping them outright.
func terminal(in Instruction) bool {
	switch in.(type) {
	case Stop, SendingRecords:
		return true
	}
	return false
}

// C is the receiving end. It is closed by Close once the buffer drains.
func (l *Link) C() <-chan Instruction { return l.ch }

// Len reports how many instructions are waiting.
func (l *Link) Len() int { return len(l.ch) }

// Dropped reports how many sends failed because the buffer was full.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// Close closes the link. It is safe to call more than once.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}
