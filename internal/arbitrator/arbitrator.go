package arbitrator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/serialmux"
	"github.com/banshee-data/tuberig/internal/version"
)

// DefaultWriteTimeout bounds one reply to a session.
const DefaultWriteTimeout = 2 * time.Second

// maxCommandLength is the longest command line a session may send.
const maxCommandLength = 4096

// Config wires an Arbitrator. Listener and Dispatcher are required.
type Config struct {
	Listener     net.Listener
	Sequencer    serialmux.SerialMuxInterface
	Dispatcher   *Dispatcher
	Events       <-chan protocol.Instruction
	WriteTimeout time.Duration
}

// Status is a snapshot for the status API.
type Status struct {
	Authority   Authority `json:"authority"`
	Session     string    `json:"session,omitempty"`
	Commands    uint64    `json:"commands"`
	Rejected    uint64    `json:"rejected"`
	Preemptions uint64    `json:"preemptions"`
}

type session struct {
	conn   net.Conn
	remote string
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

type sessionLine struct {
	s    *session
	text string
}

type sessionErr struct {
	s   *session
	err error
}

// Arbitrator routes operator commands to the dispatcher and controller events
// back to whichever source holds authority. At most one session is open; a
// new session replaces the old one and takes control from the sequencer.
type Arbitrator struct {
	cfg    Config
	subID  string
	frames chan protocol.Frame

	mu          sync.Mutex
	authority   Authority
	session     *session
	commands    uint64
	rejected    uint64
	preemptions uint64
}

func New(cfg Config) (*Arbitrator, error) {
	if cfg.Listener == nil || cfg.Dispatcher == nil {
		return nil, errors.New("arbitrator: listener and dispatcher are required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	a := &Arbitrator{cfg: cfg}
	// Subscribe before the caller starts the mux monitor so that no frame
	// published ahead of Run is lost.
	if cfg.Sequencer != nil {
		a.subID, a.frames = cfg.Sequencer.Subscribe()
	}
	return a, nil
}

// Addr is the session listener's address.
func (a *Arbitrator) Addr() net.Addr { return a.cfg.Listener.Addr() }

// Status reports the current authority and counters.
func (a *Arbitrator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		Authority:   a.authority,
		Commands:    a.commands,
		Rejected:    a.rejected,
		Preemptions: a.preemptions,
	}
	if a.session != nil {
		st.Session = a.session.remote
	}
	return st
}

// Run serves sessions and sequencer frames until ctx ends or an operator
// command asks for shutdown. It closes the listener on return.
func (a *Arbitrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.cfg.Listener.Close()

	conns := make(chan net.Conn)
	go a.accept(ctx, conns)

	frames := a.frames
	if a.cfg.Sequencer != nil {
		defer a.cfg.Sequencer.Unsubscribe(a.subID)
	}
	events := a.cfg.Events
	lines := make(chan sessionLine)
	errs := make(chan sessionErr)
	defer a.dropSession(nil, "arbitrator stopping")

	monitoring.Logf("arbitrator: listening for sessions on %s", a.cfg.Listener.Addr())
	for {
		// A pending session is always taken before the next sequencer frame.
		select {
		case c := <-conns:
			a.openSession(ctx, c, lines, errs)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-conns:
			a.openSession(ctx, c, lines, errs)
		case l := <-lines:
			if a.current() != l.s {
				continue
			}
			if a.handleSessionLine(l.s, l.text) {
				return nil
			}
		case e := <-errs:
			a.dropSession(e.s, e.err.Error())
		case f, ok := <-frames:
			if !ok {
				monitoring.Logf("arbitrator: sequencer link closed")
				frames = nil
				continue
			}
			if a.handleFrame(f) {
				return nil
			}
		case in, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.forward(in)
		}
	}
}

func (a *Arbitrator) accept(ctx context.Context, conns chan<- net.Conn) {
	for {
		c, err := a.cfg.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("arbitrator: accept: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		select {
		case conns <- c:
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

func (a *Arbitrator) current() *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Arbitrator) openSession(ctx context.Context, c net.Conn, lines chan<- sessionLine, errs chan<- sessionErr) {
	s := &session{conn: c, remote: c.RemoteAddr().String(), done: make(chan struct{})}

	a.mu.Lock()
	prev := a.session
	prevAuthority := a.authority
	a.session = s
	a.authority = Local
	if prev != nil || prevAuthority == Sequencer {
		a.preemptions++
	}
	a.mu.Unlock()

	switch {
	case prev != nil:
		prev.close()
		monitoring.Logf("arbitrator: session %s replaced by %s", prev.remote, s.remote)
	case prevAuthority == Sequencer:
		monitoring.Logf("arbitrator: session %s overrides sequencer control", s.remote)
	default:
		monitoring.Logf("arbitrator: session control activated: %s", s.remote)
	}
	go a.readSession(ctx, s, lines, errs)
}

// dropSession closes s, or the current session when s is nil. Authority goes
// to None when the closed session held it.
func (a *Arbitrator) dropSession(s *session, reason string) {
	a.mu.Lock()
	if s == nil {
		s = a.session
	}
	if s == nil {
		a.mu.Unlock()
		return
	}
	wasCurrent := a.session == s
	if wasCurrent {
		a.session = nil
		a.authority = None
	}
	a.mu.Unlock()

	s.close()
	if wasCurrent {
		monitoring.Logf("arbitrator: session %s closed: %s", s.remote, reason)
	}
}

func (a *Arbitrator) readSession(ctx context.Context, s *session, lines chan<- sessionLine, errs chan<- sessionErr) {
	sc := bufio.NewScanner(s.conn)
	sc.Buffer(make([]byte, 256), maxCommandLength)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		select {
		case lines <- sessionLine{s: s, text: text}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case errs <- sessionErr{s: s, err: err}:
	case <-s.done:
	case <-ctx.Done():
	}
}

// handleSessionLine reports whether the command asked for shutdown.
func (a *Arbitrator) handleSessionLine(s *session, text string) bool {
	cmd, cerr := protocol.ParseSessionCommand(text)
	if cerr == nil {
		var ack Ack
		ack, cerr = a.cfg.Dispatcher.Dispatch(Local, cmd)
		a.count(cerr)
		if ack.Reply != "" {
			a.reply(s, ack.Reply)
		}
		if cerr != nil {
			monitoring.Logf("arbitrator: session %q rejected: %v", text, cerr)
			a.reply(s, cerr.Reply())
		}
		return ack.Shutdown
	}
	a.count(cerr)
	monitoring.Logf("arbitrator: session %q rejected: %v", text, cerr)
	a.reply(s, cerr.Reply())
	return false
}

func (a *Arbitrator) count(cerr *protocol.CommandError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands++
	if cerr != nil {
		a.rejected++
	}
}

func (a *Arbitrator) reply(s *session, text string) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
		a.dropSession(s, err.Error())
		return
	}
	if _, err := s.conn.Write([]byte(text + "\n")); err != nil {
		a.dropSession(s, err.Error())
	}
}

// handleFrame reports whether the frame asked for shutdown.
func (a *Arbitrator) handleFrame(f protocol.Frame) bool {
	if f.Kind == protocol.FrameHandshake {
		if err := a.cfg.Sequencer.SendBytes(protocol.HandshakeReply(version.FirmwareVersion, version.ModuleName)); err != nil {
			monitoring.Logf("arbitrator: handshake reply: %v", err)
		}
		a.takeSequencer()
		return false
	}

	if !a.takeSequencer() {
		monitoring.Logf("arbitrator: sequencer %s %q ignored while a session has control", f.Kind, f.Command)
		return false
	}
	if f.Kind == protocol.FrameInvalid {
		a.count(f.Err)
		monitoring.Logf("arbitrator: sequencer frame % x rejected: %v", f.Raw, f.Err)
		return false
	}
	ack, cerr := a.cfg.Dispatcher.Dispatch(Sequencer, f.Command)
	a.count(cerr)
	if cerr != nil {
		monitoring.Logf("arbitrator: sequencer %q rejected: %v", f.Command, cerr)
	}
	return ack.Shutdown
}

// takeSequencer gives the sequencer authority unless a session holds it.
func (a *Arbitrator) takeSequencer() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.authority {
	case Local:
		return false
	case None:
		a.authority = Sequencer
		monitoring.Logf("arbitrator: sequencer control activated")
	}
	return true
}

// forward reports a controller event to the authoritative source.
func (a *Arbitrator) forward(in protocol.Instruction) {
	a.mu.Lock()
	authority, s := a.authority, a.session
	a.mu.Unlock()

	switch authority {
	case Local:
		if text, ok := protocol.SessionEvent(in); ok && s != nil {
			a.reply(s, text)
		}
	case Sequencer:
		if b, ok := protocol.SequencerEvent(in); ok {
			if err := a.cfg.Sequencer.SendBytes([]byte{b}); err != nil {
				monitoring.Logf("arbitrator: send %s to sequencer: %v", in.Kind(), err)
			}
			return
		}
		if rec, ok := in.(protocol.SendingRecords); ok && rec.Record != nil {
			monitoring.Logf("arbitrator: trial %d stored with %d samples", rec.Record.Number, len(rec.Record.Samples))
			return
		}
		monitoring.Logf("arbitrator: %s", in.Kind())
	default:
		monitoring.Logf("arbitrator: %s with no source in control", in.Kind())
	}
}
