package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tuberig/internal/protocol"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Session is one controller lifetime under one profile.
type Session struct {
	ID       string     `json:"id"`
	Profile  string     `json:"profile"`
	Firmware string     `json:"firmware"`
	Started  time.Time  `json:"started"`
	Ended    *time.Time `json:"ended,omitempty"`
}

// TrialSummary is the stored row for one sealed trial.
type TrialSummary struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id,omitempty"`
	Number        int              `json:"number"`
	Profile       string           `json:"profile"`
	Disk          uint8            `json:"disk"`
	Outcome       protocol.Outcome `json:"outcome"`
	Started       time.Time        `json:"started"`
	Ended         time.Time        `json:"ended"`
	DurationS     float64          `json:"duration_s"`
	MaxPositionCm float64          `json:"max_position_cm"`
	SampleCount   int              `json:"sample_count"`
}

// SessionStats aggregates the trials of a session.
type SessionStats struct {
	Trials        int     `json:"trials"`
	Rewarded      int     `json:"rewarded"`
	Aborted       int     `json:"aborted"`
	Ended         int     `json:"ended"`
	Reached       int     `json:"reached"`
	MeanDurationS float64 `json:"mean_duration_s"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// CreateSession records a new session and returns its id.
func (db *DB) CreateSession(profile, firmware string, started time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, profile, firmware, started_unix) VALUES (?, ?, ?, ?)`,
		id, profile, firmware, unixSeconds(started),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// EndSession stamps the end time of a session.
func (db *DB) EndSession(id string, ended time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix = ? WHERE session_id = ?`, unixSeconds(ended), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession loads one session.
func (db *DB) GetSession(id string) (*Session, error) {
	var (
		s     Session
		start float64
		end   sql.NullFloat64
	)
	err := db.QueryRow(
		`SELECT session_id, profile, firmware, started_unix, ended_unix FROM sessions WHERE session_id = ?`, id,
	).Scan(&s.ID, &s.Profile, &s.Firmware, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	s.Started = fromUnix(start)
	if end.Valid {
		e := fromUnix(end.Float64)
		s.Ended = &e
	}
	return &s, nil
}

// SaveTrial stores a sealed record and its phase transitions in one
// transaction. Samples are not stored; the recorder sink holds them.
func (db *DB) SaveTrial(rec *protocol.TrialRecord) error {
	if rec == nil || !rec.Sealed {
		return errors.New("save trial: record is not sealed")
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	session := sql.NullString{String: rec.SessionID, Valid: rec.SessionID != ""}
	_, err = tx.Exec(`INSERT INTO trials (
			trial_id, session_id, number, profile, disk, outcome,
			started_unix, ended_unix, duration_s, max_position_cm, sample_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, session, rec.Number, rec.Profile, rec.Disk, rec.Outcome.String(),
		unixSeconds(rec.Started), unixSeconds(rec.Ended), rec.Duration().Seconds(),
		rec.MaxPosition(), len(rec.Samples),
	)
	if err != nil {
		return fmt.Errorf("insert trial %s: %w", rec.ID, err)
	}
	for i, tr := range rec.Transitions {
		if _, err := tx.Exec(
			`INSERT INTO trial_transitions (trial_id, seq, from_phase, to_phase, at_s) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, i, tr.From.String(), tr.To.String(), tr.At,
		); err != nil {
			return fmt.Errorf("insert transition %d of %s: %w", i, rec.ID, err)
		}
	}
	return tx.Commit()
}

const trialColumns = `trial_id, COALESCE(session_id, ''), number, profile, disk, outcome,
	started_unix, ended_unix, duration_s, max_position_cm, sample_count`

func scanTrials(rows *sql.Rows) ([]TrialSummary, error) {
	defer rows.Close()
	var out []TrialSummary
	for rows.Next() {
		var (
			t            TrialSummary
			outcome      string
			start, ended float64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Number, &t.Profile, &t.Disk, &outcome,
			&start, &ended, &t.DurationS, &t.MaxPositionCm, &t.SampleCount); err != nil {
			return nil, err
		}
		if err := t.Outcome.UnmarshalText([]byte(outcome)); err != nil {
			return nil, err
		}
		t.Started = fromUnix(start)
		t.Ended = fromUnix(ended)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentTrials returns up to limit trials, newest first.
func (db *DB) RecentTrials(limit int) ([]TrialSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+trialColumns+` FROM trials ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanTrials(rows)
}

// SessionTrials returns a session's trials in order.
func (db *DB) SessionTrials(sessionID string) ([]TrialSummary, error) {
	rows, err := db.Query(`SELECT `+trialColumns+` FROM trials WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanTrials(rows)
}

// TrialTransitions returns the phase edges of one trial in order.
func (db *DB) TrialTransitions(trialID string) ([]protocol.PhaseTransition, error) {
	rows, err := db.Query(
		`SELECT from_phase, to_phase, at_s FROM trial_transitions WHERE trial_id = ? ORDER BY seq`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.PhaseTransition
	for rows.Next() {
		var (
			from, to string
			tr       protocol.PhaseTransition
		)
		if err := rows.Scan(&from, &to, &tr.At); err != nil {
			return nil, err
		}
		if tr.From, err = protocol.ParseTrialPhase(from); err != nil {
			return nil, err
		}
		if tr.To, err = protocol.ParseTrialPhase(to); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SessionStats aggregates outcomes for a session.
func (db *DB) SessionStats(sessionID string) (SessionStats, error) {
	var (
		st   SessionStats
		mean sql.NullFloat64
	)
	err := db.QueryRow(`SELECT
			COUNT(*),
			COALESCE(SUM(outcome = 'rewarded'), 0),
			COALESCE(SUM(outcome = 'aborted'), 0),
			COALESCE(SUM(outcome = 'ended'), 0),
			COALESCE(SUM(outcome = 'reached'), 0),
			AVG(duration_s)
		FROM trials WHERE session_id = ?`, sessionID,
	).Scan(&st.Trials, &st.Rewarded, &st.Aborted, &st.Ended, &st.Reached, &mean)
	if err != nil {
		return st, err
	}
	st.MeanDurationS = mean.Float64
	return st, nil
}
