// Package api serves the rig's JSON status API and mounts the debug routes.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/tuberig/internal/apparatus"
	"github.com/banshee-data/tuberig/internal/arbitrator"
	"github.com/banshee-data/tuberig/internal/config"
	"github.com/banshee-data/tuberig/internal/db"
	"github.com/banshee-data/tuberig/internal/httputil"
	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/tracer"
	"github.com/banshee-data/tuberig/internal/version"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultTrialLimit = 50
	maxTrialLimit     = 1000
)

// Apparatus is the supervisor view the API reads.
type Apparatus interface {
	Status() apparatus.Status
	Tracer() *tracer.Tracer
}

// Authority reports which command source is in control.
type Authority interface {
	Status() arbitrator.Status
}

// TrialStore is the read side of the trial database.
type TrialStore interface {
	RecentTrials(limit int) ([]db.TrialSummary, error)
	SessionTrials(sessionID string) ([]db.TrialSummary, error)
	TrialTransitions(trialID string) ([]protocol.PhaseTransition, error)
	GetSession(id string) (*db.Session, error)
	SessionStats(sessionID string) (db.SessionStats, error)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version    string             `json:"version"`
	Uptime     float64            `json:"uptime_s"`
	Arbitrator *arbitrator.Status `json:"arbitrator,omitempty"`
	Apparatus  apparatus.Status   `json:"apparatus"`
}

// SessionResponse is the body of GET /api/sessions/{id}.
type SessionResponse struct {
	Session *db.Session     `json:"session"`
	Stats   db.SessionStats `json:"stats"`
}

type Server struct {
	apparatus Apparatus
	authority Authority
	store     TrialStore
	settings  *config.Store
	started   time.Time
}

// NewServer wires the handlers. authority and store may be nil.
func NewServer(a Apparatus, authority Authority, store TrialStore, settings *config.Store) *Server {
	return &Server{
		apparatus: a,
		authority: authority,
		store:     store,
		settings:  settings,
		started:   time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/trials", s.listTrials)
	mux.HandleFunc("/api/trials/", s.showTransitions)
	mux.HandleFunc("/api/sessions/", s.showSession)
	mux.HandleFunc("/api/settings", s.showSettings)
	mux.HandleFunc("/api/trace", s.showTrace)
	mux.HandleFunc("/api/trace/stats", s.showTraceStats)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatusResponse{
		Version:   version.String(),
		Uptime:    time.Since(s.started).Seconds(),
		Apparatus: s.apparatus.Status(),
	}
	if s.authority != nil {
		st := s.authority.Status()
		resp.Arbitrator = &st
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "trial store not configured")
		return
	}

	if session := r.URL.Query().Get("session"); session != "" {
		trials, err := s.store.SessionTrials(session)
		if err != nil {
			httputil.InternalServerError(w, "failed to retrieve trials: "+err.Error())
			return
		}
		httputil.WriteJSONOK(w, nonNil(trials))
		return
	}

	limit := defaultTrialLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxTrialLimit {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	trials, err := s.store.RecentTrials(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve trials: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, nonNil(trials))
}

func nonNil(trials []db.TrialSummary) []db.TrialSummary {
	if trials == nil {
		return []db.TrialSummary{}
	}
	return trials
}

// showTransitions serves /api/trials/{id}/transitions.
func (s *Server) showTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "trial store not configured")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/trials/")
	id, suffix, ok := strings.Cut(rest, "/")
	if !ok || id == "" || suffix != "transitions" {
		httputil.NotFound(w, "not found")
		return
	}
	transitions, err := s.store.TrialTransitions(id)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve transitions: "+err.Error())
		return
	}
	if len(transitions) == 0 {
		httputil.NotFound(w, "no such trial")
		return
	}
	httputil.WriteJSONOK(w, transitions)
}

// showSession serves /api/sessions/{id}.
func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "trial store not configured")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		httputil.NotFound(w, "not found")
		return
	}
	sess, err := s.store.GetSession(id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, "no such session")
		return
	} else if err != nil {
		httputil.InternalServerError(w, "failed to retrieve session: "+err.Error())
		return
	}
	stats, err := s.store.SessionStats(id)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve session stats: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, SessionResponse{Session: sess, Stats: stats})
}

func (s *Server) showSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.settings == nil {
		httputil.ServiceUnavailable(w, "settings not configured")
		return
	}
	httputil.WriteJSONOK(w, s.settings.Settings())
}

func (s *Server) showTrace(w http.ResponseWriter, r *http.Request) {
	tr := s.apparatus.Tracer()
	if tr == nil {
		httputil.ServiceUnavailable(w, "controller not running")
		return
	}
	if r.URL.Query().Get("format") == "json" {
		points := tr.Points()
		if points == nil {
			points = []tracer.Point{}
		}
		httputil.WriteJSONOK(w, points)
		return
	}
	tr.ChartHandler().ServeHTTP(w, r)
}

func (s *Server) showTraceStats(w http.ResponseWriter, r *http.Request) {
	tr := s.apparatus.Tracer()
	if tr == nil {
		httputil.ServiceUnavailable(w, "controller not running")
		return
	}
	tr.StatsHandler().ServeHTTP(w, r)
}
