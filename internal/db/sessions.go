package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session status values.
const (
	StatusRecording = "recording"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
)

// ErrSessionNotFound is returned when no row matches a session id.
var ErrSessionNotFound = errors.New("session not found")

// Session is one catalogued recording run.
type Session struct {
	ID        string
	Path      string
	Source    string
	Visualize bool
	Status    string
	Started   time.Time
	Ended     *time.Time

	StopReason string
	Cameras    [2]string
	Written    [2]uint64
	Dropped    [2]uint64
	Windows    uint64
}

// Duration returns the run length, or zero while still recording.
func (s *Session) Duration() time.Duration {
	if s.Ended == nil {
		return 0
	}
	return s.Ended.Sub(s.Started)
}

// InsertSession records the start of a run.
func (db *DB) InsertSession(s *Session) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.Status == "" {
		s.Status = StatusRecording
	}
	_, err := db.Exec(`
		INSERT INTO sessions (session_id, path, source, visualize, status, started_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Path, s.Source, s.Visualize, s.Status, s.Started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}
	return nil
}

// CompleteSession stores the outcome of a finished run.
func (db *DB) CompleteSession(s *Session) error {
	if s.Ended == nil {
		now := time.Now()
		s.Ended = &now
	}
	res, err := db.Exec(`
		UPDATE sessions SET
			status = ?, ended_unix_ns = ?, stop_reason = ?,
			left_camera = ?, right_camera = ?,
			left_written = ?, right_written = ?,
			left_dropped = ?, right_dropped = ?,
			windows = ?
		WHERE session_id = ?`,
		s.Status, s.Ended.UnixNano(), s.StopReason,
		s.Cameras[0], s.Cameras[1],
		int64(s.Written[0]), int64(s.Written[1]),
		int64(s.Dropped[0]), int64(s.Dropped[1]),
		int64(s.Windows),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
	}
	return nil
}

const sessionColumns = `session_id, path, source, visualize, status, started_unix_ns, ended_unix_ns,
	stop_reason, left_camera, right_camera, left_written, right_written,
	left_dropped, right_dropped, windows`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		s       Session
		started int64
		ended   sql.NullInt64
		counts  [5]int64
	)
	if err := r.Scan(&s.ID, &s.Path, &s.Source, &s.Visualize, &s.Status, &started, &ended,
		&s.StopReason, &s.Cameras[0], &s.Cameras[1], &counts[0], &counts[1],
		&counts[2], &counts[3], &counts[4]); err != nil {
		return nil, err
	}
	s.Started = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		s.Ended = &t
	}
	s.Written = [2]uint64{uint64(counts[0]), uint64(counts[1])}
	s.Dropped = [2]uint64{uint64(counts[2]), uint64(counts[3])}
	s.Windows = uint64(counts[4])
	return &s, nil
}

// GetSession returns the session with id.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// ListSessions returns up to limit sessions, newest first. A non-positive
// limit returns all of them.
func (db *DB) ListSessions(limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_unix_ns DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
