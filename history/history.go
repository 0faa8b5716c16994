// Package history appends finished and running sessions, their operation
// logs and supervisor log lines to a SQLite database for `glint history`.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"glint/logger"
	"glint/supervisor"
)

type DB struct {
	db *sql.DB
}

// Open opens or creates the history database at path and its tables.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// WAL lets `glint history` read while a supervisor writes.
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=15000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	h := &DB{db: db}
	if err := h.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *DB) Close() error {
	return h.db.Close()
}

func (h *DB) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			started_at  TEXT NOT NULL,           -- RFC3339
			updated_at  TEXT NOT NULL,
			strategy    TEXT NOT NULL,
			devices     TEXT NOT NULL,           -- comma separated addresses
			state       TEXT NOT NULL,
			cleanup     TEXT NOT NULL,
			exit_reason TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS ops (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			ts          TEXT NOT NULL,
			name        TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			err         TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ops_session_id ON ops(session_id);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ts          TEXT NOT NULL,
			level       INTEGER NOT NULL,        -- 0=info,1=error,2=warn,3=debug
			content     TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := h.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create history tables: %w", err)
		}
	}
	return nil
}

// Session is one row of the sessions table.
type Session struct {
	ID         string
	StartedAt  time.Time
	UpdatedAt  time.Time
	Strategy   string
	Devices    []string
	State      string
	Cleanup    string
	ExitReason string
	Error      string
}

// Op is one row of the ops table.
type Op struct {
	SessionID string
	At        time.Time
	Name      string
	Detail    string
	Err       string
}

type LogEntry struct {
	ID      int
	TS      string
	Level   int
	Content string
}

// SaveSession inserts rec or updates its row.
func (h *DB) SaveSession(rec *supervisor.Record) error {
	const query = `
	INSERT INTO sessions (id, started_at, updated_at, strategy, devices, state, cleanup, exit_reason, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		updated_at = excluded.updated_at,
		state = excluded.state,
		cleanup = excluded.cleanup,
		exit_reason = excluded.exit_reason,
		error = excluded.error;
	`
	_, err := h.db.Exec(query,
		rec.ID,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(rec.Strategy),
		strings.Join(rec.Addresses(), ","),
		string(rec.State),
		string(rec.Cleanup),
		rec.ExitReason,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

func (h *DB) InsertOp(sessionID string, op supervisor.Op) error {
	const query = `
	INSERT INTO ops (session_id, ts, name, detail, err)
	VALUES (?, ?, ?, ?, ?);
	`
	if _, err := h.db.Exec(query, sessionID, op.At.UTC().Format(time.RFC3339Nano), op.Name, op.Detail, op.Err); err != nil {
		return fmt.Errorf("insert op %s for %s: %w", op.Name, sessionID, err)
	}
	return nil
}

// RecordState implements supervisor.Recorder. Write failures are logged;
// history never stops a session.
func (h *DB) RecordState(rec *supervisor.Record) {
	if err := h.SaveSession(rec); err != nil {
		logger.Warn("history write failed", "session", rec.ID, "err", err)
	}
}

func (h *DB) RecordOp(sessionID string, op supervisor.Op) {
	if err := h.InsertOp(sessionID, op); err != nil {
		logger.Warn("history write failed", "session", sessionID, "err", err)
	}
}

// InsertLog stores one log line. It must not log itself since it runs as the
// logger callback.
func (h *DB) InsertLog(ts string, level int, content string) error {
	const query = `
	INSERT INTO logs (ts, level, content)
	VALUES (?, ?, ?);
	`
	_, err := h.db.Exec(query, ts, level, content)
	return err
}

// LogHook adapts InsertLog to logger.SetCallBack. Debug lines are dropped.
func (h *DB) LogHook(urgency int, msg string, fields ...interface{}) {
	if urgency == logger.UrgencyDebug {
		return
	}
	content := msg
	if len(fields) > 0 {
		content += " " + strings.TrimSpace(fmt.Sprintln(fields...))
	}
	_ = h.InsertLog(time.Now().UTC().Format(time.RFC3339Nano), urgency, content)
}

// Sessions returns the most recent sessions first.
func (h *DB) Sessions(limit int) ([]Session, error) {
	rows, err := h.db.Query(`
	SELECT id, started_at, updated_at, strategy, devices, state, cleanup, exit_reason, error
	FROM sessions
	ORDER BY started_at DESC
	LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started, updated, devices string
		if err := rows.Scan(&s.ID, &started, &updated, &s.Strategy, &devices, &s.State, &s.Cleanup, &s.ExitReason, &s.Error); err != nil {
			return nil, err
		}
		s.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		if devices != "" {
			s.Devices = strings.Split(devices, ",")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Session returns one session by id or an id prefix.
func (h *DB) Session(id string) (Session, error) {
	list, err := h.Sessions(-1)
	if err != nil {
		return Session{}, err
	}
	var found []Session
	for _, s := range list {
		if s.ID == id {
			return s, nil
		}
		if strings.HasPrefix(s.ID, id) {
			found = append(found, s)
		}
	}
	switch len(found) {
	case 0:
		return Session{}, fmt.Errorf("session %s: %w", id, sql.ErrNoRows)
	case 1:
		return found[0], nil
	}
	return Session{}, errors.New("session prefix " + id + " is ambiguous")
}

// Ops returns the operation log of one session in order.
func (h *DB) Ops(sessionID string) ([]Op, error) {
	rows, err := h.db.Query(`
	SELECT session_id, ts, name, detail, err
	FROM ops
	WHERE session_id = ?
	ORDER BY id ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list ops: %w", err)
	}
	defer rows.Close()

	var out []Op
	for rows.Next() {
		var o Op
		var ts string
		if err := rows.Scan(&o.SessionID, &ts, &o.Name, &o.Detail, &o.Err); err != nil {
			return nil, err
		}
		o.At, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Logs returns the newest log lines. level 0 returns every level, otherwise
// lines with level >= level (1=error,2=warn,3=debug).
func (h *DB) Logs(limit int, level int) ([]LogEntry, error) {
	var rows *sql.Rows
	var err error
	if level == 0 {
		rows, err = h.db.Query("SELECT id, ts, level, content FROM logs ORDER BY id DESC LIMIT ?", limit)
	} else {
		rows, err = h.db.Query("SELECT id, ts, level, content FROM logs WHERE level >= ? ORDER BY id DESC LIMIT ?", level, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.TS, &l.Level, &l.Content); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
