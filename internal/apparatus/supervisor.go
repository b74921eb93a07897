// Package apparatus owns the lifetime of one controller session: it builds
// the controller, recorder and tracer for a profile, runs them, and tears
// them down on request.
package apparatus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tuberig/internal/actuator"
	"github.com/banshee-data/tuberig/internal/config"
	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/telemetry"
	"github.com/banshee-data/tuberig/internal/timeutil"
	"github.com/banshee-data/tuberig/internal/tracer"
	"github.com/banshee-data/tuberig/internal/trial"
	"github.com/banshee-data/tuberig/internal/units"
	"github.com/banshee-data/tuberig/internal/version"
)

var (
	ErrAlreadyRunning = errors.New("controller already running")
	ErrNotRunning     = errors.New("controller not running")
	ErrJoinTimeout    = errors.New("controller did not stop in time")
)

// DefaultJoinTimeout bounds how long StopController waits for the units.
const DefaultJoinTimeout = 2 * time.Second

// SessionStore records session lifetimes.
type SessionStore interface {
	CreateSession(profile, firmware string, started time.Time) (string, error)
	EndSession(id string, ended time.Time) error
}

// Config wires a Supervisor. Settings, Source and Output are required.
type Config struct {
	Settings    *config.Store
	Source      kinematics.Source
	Output      *actuator.Output
	Display     trial.Display
	Records     trial.RecordStore
	Sessions    SessionStore
	SinkDir     string
	Clock       timeutil.Clock
	JoinTimeout time.Duration
	Rand        *rand.Rand
}

// Status describes the running session for the status API.
type Status struct {
	Running       bool                      `json:"running"`
	SessionID     string                    `json:"session_id,omitempty"`
	Controller    *trial.Status             `json:"controller,omitempty"`
	Recorder      *telemetry.RecorderStatus `json:"recorder,omitempty"`
	Tracer        *tracer.Stats             `json:"tracer,omitempty"`
	EventsDropped uint64                    `json:"events_dropped"`
}

type session struct {
	id       string
	ctrl     *trial.Controller
	recorder *telemetry.Recorder
	tracer   *tracer.Tracer
	commands *protocol.Link
	cancel   context.CancelFunc
	done     chan struct{}
}

// Supervisor runs at most one controller session at a time. Events from every
// session arrive on the same channel.
type Supervisor struct {
	cfg    Config
	events *protocol.Link

	mu      sync.Mutex
	current *session
	rngMu   sync.Mutex
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Settings == nil || cfg.Source == nil || cfg.Output == nil {
		return nil, errors.New("apparatus: settings, source and output are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Supervisor{
		cfg:    cfg,
		events: protocol.NewLink("events", protocol.DefaultLinkCapacity),
	}, nil
}

// Events carries controller events for the arbitrator.
func (s *Supervisor) Events() <-chan protocol.Instruction { return s.events.C() }

// Running reports whether a controller session is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// StartController builds and starts a session for the named profile.
func (s *Supervisor) StartController(profileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return ErrAlreadyRunning
	}

	settings := s.cfg.Settings.Settings()
	profile, err := trial.ProfileFromSettings(profileName, settings)
	if err != nil {
		return err
	}

	now := s.cfg.Clock.Now()
	sessionID := uuid.NewString()
	if s.cfg.Sessions != nil {
		id, err := s.cfg.Sessions.CreateSession(profile.Name, fmt.Sprintf("%s %d", version.ModuleName, version.FirmwareVersion), now)
		if err != nil {
			monitoring.Logf("apparatus: create session: %v", err)
		} else {
			sessionID = id
		}
	}

	cache := &telemetry.Cache{}
	commands := protocol.NewLink("controller", protocol.DefaultLinkCapacity)
	recLink := protocol.NewLink("recorder", protocol.DefaultLinkCapacity)
	trLink := protocol.NewLink("tracer", protocol.DefaultLinkCapacity)

	recorder := telemetry.NewRecorder(telemetry.RecorderConfig{
		Cache:        cache,
		Instructions: recLink.C(),
		Clock:        s.cfg.Clock,
		Rate:         settings.GetSamplingRate(),
		Open:         telemetry.DirOpener(s.cfg.SinkDir),
	})
	tr := tracer.New(tracer.Config{
		Cache:        cache,
		Instructions: trLink.C(),
		Clock:        s.cfg.Clock,
		Rate:         settings.GetTracerRate(),
		DumpDir:      s.cfg.SinkDir,
	})

	direction := 1.0
	if settings.GetMainScreenLeftward() {
		direction = -1
	}
	period := settings.TickPeriod()
	ctrl, err := trial.New(trial.Config{
		Profile:    profile,
		Filter:     settings.Kinematics(),
		Mapper:     actuator.Mapper{TubeDistanceCm: settings.GetTubeDistanceCm()},
		TickPeriod: period,
		Source:     s.cfg.Source,
		Output:     s.cfg.Output,
		Display:    s.cfg.Display,
		Scroller: &trial.MarkerScroller{
			PixelsPerCm: units.PixelsPerCm(settings.GetScreenWidthPx(), settings.GetScreenWidthCm()) * settings.GetMarkerScale(),
			Direction:   direction,
		},
		Cache:      cache,
		Commands:   commands.C(),
		Events:     s.events,
		Recorder:   recLink,
		Tracer:     trLink,
		Store:      s.cfg.Records,
		Clock:      s.cfg.Clock,
		Stats:      monitoring.NewLoopStats("controller", period),
		SessionID:  sessionID,
		SinkPrefix: profile.Name,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:       sessionID,
		ctrl:     ctrl,
		recorder: recorder,
		tracer:   tr,
		commands: commands,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	for name, run := range map[string]func(context.Context) error{
		"controller": ctrl.Run,
		"recorder":   recorder.Run,
		"tracer":     tr.Run,
	} {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("apparatus: %s stopped: %v", name, err)
			}
		}(name, run)
	}
	go func() {
		wg.Wait()
		close(sess.done)
		s.mu.Lock()
		if s.current == sess {
			s.current = nil
			monitoring.Logf("apparatus: session %s ended without stop", sess.id)
			s.endSession(sess)
		}
		s.mu.Unlock()
	}()

	s.current = sess
	monitoring.Logf("apparatus: %s session %s started", profile.Name, sessionID)
	return nil
}

// StopController sends Stop and waits for the units to exit.
func (s *Supervisor) StopController() error {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()
	if sess == nil {
		return ErrNotRunning
	}
	defer s.endSession(sess)

	if err := sess.commands.Send(protocol.Stop{}); err != nil {
		monitoring.Logf("apparatus: send stop: %v", err)
		sess.cancel()
	}
	select {
	case <-sess.done:
		sess.cancel()
		monitoring.Logf("apparatus: session %s stopped", sess.id)
		return nil
	case <-time.After(s.cfg.JoinTimeout):
	}
	sess.cancel()
	<-sess.done
	return ErrJoinTimeout
}

func (s *Supervisor) endSession(sess *session) {
	if s.cfg.Sessions == nil {
		return
	}
	if err := s.cfg.Sessions.EndSession(sess.id, s.cfg.Clock.Now()); err != nil {
		monitoring.Logf("apparatus: end session %s: %v", sess.id, err)
	}
}

// Send queues an instruction for the controller. StartTrial is rejected
// outside Idle so the operator gets an answer.
func (s *Supervisor) Send(in protocol.Instruction) error {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return ErrNotRunning
	}
	if _, ok := in.(protocol.StartTrial); ok {
		if phase := sess.ctrl.Status().Phase; phase != protocol.PhaseIdle {
			return protocol.Rejectf(protocol.CodeRejected, "start_trial", "trial already in progress (%s)", phase)
		}
	}
	return sess.commands.Send(in)
}

// RandomDisk draws a disk state from the configured weights.
func (s *Supervisor) RandomDisk() uint8 {
	weights := s.cfg.Settings.Settings().GetDiskWeights()
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return config.DrawDisk(weights, s.cfg.Rand)
}

// Tracer returns the running session's tracer, or nil.
func (s *Supervisor) Tracer() *tracer.Tracer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.tracer
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	st := Status{EventsDropped: s.events.Dropped()}
	if sess == nil {
		return st
	}
	ctrl := sess.ctrl.Status()
	rec := sess.recorder.Status()
	trs := sess.tracer.Stats()
	st.Running = true
	st.SessionID = sess.id
	st.Controller = &ctrl
	st.Recorder = &rec
	st.Tracer = &trs
	return st
}
