// Package serialmux owns the serial link to the trial sequencer: it decodes
// the incoming byte stream into frames, fans them out to subscribers and
// serialises writes back to the device.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tuberig/internal/protocol"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is the frame backlog a slow subscriber may accumulate
// before frames to it are dropped.
const subscriberBuffer = 64

// SerialMux multiplexes one sequencer serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan protocol.Frame
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      atomic.Bool
	stats        counters
}

type counters struct {
	frames  atomic.Uint64
	invalid atomic.Uint64
	dropped atomic.Uint64
	written atomic.Uint64
}

// Stats is a snapshot of link counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Invalid      uint64 `json:"invalid"`
	Dropped      uint64 `json:"dropped"`
	BytesWritten uint64 `json:"bytes_written"`
	Subscribers  int    `json:"subscribers"`
}

// SerialMuxInterface is what the arbitrator and the HTTP layer need from
// the sequencer link.
type SerialMuxInterface interface {
	// Subscribe returns a channel of decoded frames. The id is used to
	// unsubscribe.
	Subscribe() (string, chan protocol.Frame)
	Unsubscribe(string)
	// SendBytes writes raw bytes to the sequencer.
	SendBytes([]byte) error
	// Monitor decodes the incoming stream until ctx ends or the port fails.
	Monitor(context.Context) error
	Close() error
	Stats() Stats

	// AttachAdminRoutes mounts debug endpoints under /debug/. They are only
	// reachable over localhost or the tailnet.
	AttachAdminRoutes(*http.ServeMux)
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan protocol.Frame),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan protocol.Frame) {
	id := randomID()
	ch := make(chan protocol.Frame, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendBytes writes b to the port in one call.
func (s *SerialMux[T]) SendBytes(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(b)
	if err != nil {
		return err
	}
	s.stats.written.Add(uint64(n))
	if n != len(b) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads the port byte by byte, decodes frames and publishes them.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	reader := bufio.NewReader(s.port)
	frames := make(chan protocol.Frame)
	readErr := make(chan error, 1)

	// The blocking read runs apart from the loop below so cancellation is
	// observed promptly.
	go func() {
		defer close(frames)
		var dec protocol.Decoder
		for {
			b, err := reader.ReadByte()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			f, ok := dec.Feed(b)
			if !ok {
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if s.closing.Load() {
				return nil
			}
			return err
		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					if !s.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if s.closing.Load() {
				return nil
			}
			s.publish(f)
		}
	}
}

func (s *SerialMux[T]) publish(f protocol.Frame) {
	s.stats.frames.Add(1)
	if f.Kind == protocol.FrameInvalid {
		s.stats.invalid.Add(1)
	}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- f:
		default:
			s.stats.dropped.Add(1)
		}
	}
}

func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) Stats() Stats {
	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()
	return Stats{
		Frames:       s.stats.frames.Load(),
		Invalid:      s.stats.invalid.Load(),
		Dropped:      s.stats.dropped.Load(),
		BytesWritten: s.stats.written.Load(),
		Subscribers:  n,
	}
}

// FormatFrame renders a frame for the tail stream.
func FormatFrame(f protocol.Frame) string {
	switch f.Kind {
	case protocol.FrameCommand:
		return fmt.Sprintf("command %s raw=%x", f.Command, f.Raw)
	case protocol.FrameInvalid:
		msg := ""
		if f.Err != nil {
			msg = f.Err.Message
		}
		return fmt.Sprintf("invalid raw=%x %s", f.Raw, msg)
	}
	return fmt.Sprintf("%s raw=%x", f.Kind, f.Raw)
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("sequencer-stats", "sequencer link counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})

	// Writes hex-encoded bytes, e.g. bytes=0a to report a tube reached.
	debug.HandleSilentFunc("sequencer-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		payload, err := hex.DecodeString(strings.TrimSpace(r.FormValue("bytes")))
		if err != nil || len(payload) == 0 {
			http.Error(w, "bytes must be non-empty hex", http.StatusBadRequest)
			return
		}
		if err := s.SendBytes(payload); err != nil {
			http.Error(w, "Failed to write to serial port", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote %d bytes to serial port", len(payload))
	})

	// Server-sent events, one per decoded frame.
	debug.HandleSilentFunc("sequencer-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case f, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", FormatFrame(f)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
