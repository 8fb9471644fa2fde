// Package sqlite persists rsync instances and sessions in a sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/bobg/sqlutil"
	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3" // Registers the sqlite3 driver.
	"github.com/spf13/afero"

	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/session"
)

var fs = afero.NewOsFs()

// timeFormat is fixed width so that timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Schema is executed by New. The tables are created if they don't exist.
const Schema = `
CREATE TABLE IF NOT EXISTS instances (
  session_id INTEGER NOT NULL,
  source TEXT NOT NULL,
  destination TEXT NOT NULL,
  tag TEXT NOT NULL,
  pattern TEXT NOT NULL,
  files_counted INTEGER NOT NULL,
  files_transferred INTEGER NOT NULL,
  bytes_transferred INTEGER NOT NULL,
  files_skipped INTEGER NOT NULL,
  transferring BOOLEAN NOT NULL,
  paused BOOLEAN NOT NULL,
  broken BOOLEAN NOT NULL,
  finalised BOOLEAN NOT NULL,
  error TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (session_id, source)
);

CREATE INDEX IF NOT EXISTS instances_finalised_idx ON instances (finalised);

CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  visit TEXT NOT NULL,
  instrument_name TEXT NOT NULL,
  created_at TEXT NOT NULL,
  started_at TEXT,
  visit_end_time TEXT,
  started BOOLEAN NOT NULL
);
`

const instanceColumns = `session_id, source, destination, tag, pattern,
  files_counted, files_transferred, bytes_transferred, files_skipped,
  transferring, paused, broken, finalised, error, created_at, updated_at`

// Store is a sqlite-backed registry.Store and session.Store.
type Store struct {
	db *sql.DB
}

// New creates a Store using db, creating its tables if needed.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, errors.WithContext(err, "create schema")
	}
	return &Store{db: db}, nil
}

// Open opens the database at path, creating it and its parent directory if
// they don't exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.WithContext(err, "create database directory")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.WithContext(err, "open database")
	}

	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	return New(ctx, db)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveInstance implements registry.Store.
func (s *Store) SaveInstance(ctx context.Context, inst registry.Instance) error {
	const q = `INSERT OR REPLACE INTO instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	pattern, err := json.Marshal(inst.Pattern)
	if err != nil {
		return errors.WithContext(err, "encode pattern")
	}

	_, err = s.db.ExecContext(ctx, q,
		inst.SessionID, inst.Source, inst.Destination, inst.Tag, string(pattern),
		inst.FilesCounted, inst.FilesTransferred, inst.BytesTransferred, inst.FilesSkipped,
		inst.Transferring, inst.Paused, inst.Broken, inst.Finalised, inst.Error,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt))
	return errors.WithContext(err, "save instance")
}

// LoadInstances implements registry.Store.
func (s *Store) LoadInstances(ctx context.Context, sessionID int64) ([]registry.Instance, error) {
	const q = `SELECT ` + instanceColumns + ` FROM instances
		WHERE session_id = $1 ORDER BY created_at, source`
	return s.queryInstances(ctx, q, sessionID)
}

// LoadActiveInstances implements registry.Store.
func (s *Store) LoadActiveInstances(ctx context.Context) ([]registry.Instance, error) {
	const q = `SELECT ` + instanceColumns + ` FROM instances
		WHERE NOT finalised ORDER BY created_at, source`
	return s.queryInstances(ctx, q)
}

func (s *Store) queryInstances(ctx context.Context, q string, args ...interface{}) ([]registry.Instance, error) {
	var instances []registry.Instance
	scan := func(sessionID int64, source, destination, tag, pattern string,
		counted, transferred, bytes int64, skipped int,
		transferring, paused, broken, finalised bool, errMsg, createdAt, updatedAt string) error {

		inst := registry.Instance{
			SessionID:        sessionID,
			Source:           source,
			Destination:      destination,
			Tag:              tag,
			FilesCounted:     counted,
			FilesTransferred: transferred,
			BytesTransferred: bytes,
			FilesSkipped:     skipped,
			Transferring:     transferring,
			Paused:           paused,
			Broken:           broken,
			Finalised:        finalised,
			Error:            errMsg,
		}

		var p config.Pattern
		if err := json.Unmarshal([]byte(pattern), &p); err != nil {
			return errors.WithContext(err, "decode pattern")
		}
		inst.Pattern = p

		var err error
		if inst.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return err
		}
		instances = append(instances, inst)
		return nil
	}

	queryArgs := append(args, scan)
	if err := sqlutil.ForQueryRows(ctx, s.db, q, queryArgs...); err != nil {
		return nil, errors.WithContext(err, "load instances")
	}
	return instances, nil
}

// DeleteInstance implements registry.Store.
func (s *Store) DeleteInstance(ctx context.Context, sessionID int64, source string) error {
	const q = `DELETE FROM instances WHERE session_id = $1 AND source = $2`
	_, err := s.db.ExecContext(ctx, q, sessionID, source)
	return errors.WithContext(err, "delete instance")
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	const q = `INSERT INTO sessions
		(name, visit, instrument_name, created_at, started_at, visit_end_time, started)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, q, sess.Name, sess.Visit, sess.InstrumentName,
		formatTime(sess.CreatedAt), formatNullTime(sess.StartedAt),
		formatNullTime(sess.VisitEndTime), sess.Started)
	if err != nil {
		return session.Session{}, errors.WithContext(err, "create session")
	}

	if sess.ID, err = res.LastInsertId(); err != nil {
		return session.Session{}, errors.WithContext(err, "get session id")
	}
	return sess, nil
}

// SaveSession implements session.Store.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) error {
	const q = `UPDATE sessions SET name = $1, visit = $2, instrument_name = $3,
		started_at = $4, visit_end_time = $5, started = $6 WHERE id = $7`

	res, err := s.db.ExecContext(ctx, q, sess.Name, sess.Visit, sess.InstrumentName,
		formatNullTime(sess.StartedAt), formatNullTime(sess.VisitEndTime),
		sess.Started, sess.ID)
	if err != nil {
		return errors.WithContext(err, "save session")
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return errors.WithContext(err, "count updated sessions")
	}
	if updated == 0 {
		return errors.NotFoundError{SessionID: sess.ID}
	}
	return nil
}

// LoadSessions implements session.Store.
func (s *Store) LoadSessions(ctx context.Context) ([]session.Session, error) {
	const q = `SELECT id, name, visit, instrument_name, created_at, started_at,
		visit_end_time, started FROM sessions ORDER BY id`

	var sessions []session.Session
	err := sqlutil.ForQueryRows(ctx, s.db, q, func(id int64, name, visit, instrument, createdAt string,
		startedAt, visitEndTime sql.NullString, started bool) error {

		sess := session.Session{
			ID:             id,
			Name:           name,
			Visit:          visit,
			InstrumentName: instrument,
			Started:        started,
		}

		var err error
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		if sess.StartedAt, err = parseNullTime(startedAt); err != nil {
			return err
		}
		if sess.VisitEndTime, err = parseNullTime(visitEndTime); err != nil {
			return err
		}
		sessions = append(sessions, sess)
		return nil
	})
	if err != nil {
		return nil, errors.WithContext(err, "load sessions")
	}
	return sessions, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, errors.WithContext(err, "parse time")
	}
	return t, nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
