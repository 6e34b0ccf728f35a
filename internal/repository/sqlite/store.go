// Package sqlite implements the work store over a single SQLite database.
// The dispatch and reconciliation loops in other processes coordinate
// through this database, so every mutation commits before the caller moves
// on and each row is written incrementally (no load-all/save-all).
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS removal_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	flag_key TEXT NOT NULL,
	repositories TEXT NOT NULL DEFAULT '[]',
	provider TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	total_acu INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS agent_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id INTEGER NOT NULL DEFAULT 0,
	repository TEXT NOT NULL,
	remote_id TEXT NOT NULL DEFAULT '',
	remote_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	pr_url TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	acu_consumed INTEGER NOT NULL DEFAULT 0,
	max_acu_limit INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	event TEXT NOT NULL
);
`

// indexes cover the loop queries: oldest-pending selection, active counts,
// per-request session loads, and per-session log reads.
const indexes = `
CREATE INDEX IF NOT EXISTS idx_requests_status ON removal_requests(status);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON agent_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_request ON agent_sessions(request_id);
CREATE INDEX IF NOT EXISTS idx_logs_session ON session_logs(session_id);
`

// Status sets inlined into queries. Session IDs are AUTOINCREMENT, so id
// order is creation order and survives deletes.
const (
	activeStatuses   = `('claimed', 'working', 'blocked')`
	terminalStatuses = `('finished', 'expired', 'failed')`
)

// Store implements app.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path, creating parent dirs and schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// formatTime renders a timestamp, using the empty string for unset times
// (started_at, completed_at).
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// parseOptionalTime is the inverse of formatTime.
func parseOptionalTime(s, context string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return parseTime(s, context)
}

// CreateRequest inserts a removal request and its pending sessions in one
// transaction, assigning IDs and linking each session to the new request.
func (s *Store) CreateRequest(req *domain.RemovalRequest, sessions []*domain.AgentSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	repos, err := json.Marshal(req.Repositories)
	if err != nil {
		return fmt.Errorf("marshal repositories: %w", err)
	}
	res, err := tx.Exec(`INSERT INTO removal_requests
		(flag_key, repositories, provider, mode, status, created_by, created_at, updated_at, error_message, total_acu)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.FlagKey, string(repos), req.Provider, req.Mode, string(req.Status), req.CreatedBy,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt), req.ErrorMessage, req.TotalACU)
	if err != nil {
		return fmt.Errorf("insert removal request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("removal request id: %w", err)
	}
	req.ID = id

	for _, sess := range sessions {
		sess.RequestID = req.ID
		if err := insertSession(tx, sess); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertSession(e execer, sess *domain.AgentSession) error {
	res, err := e.Exec(`INSERT INTO agent_sessions
		(request_id, repository, remote_id, remote_url, status, pr_url, output,
		 started_at, completed_at, error_message, acu_consumed, max_acu_limit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.RequestID, sess.Repository, sess.RemoteID, sess.RemoteURL, string(sess.Status),
		sess.PRURL, sess.Output, formatTime(sess.StartedAt), formatTime(sess.CompletedAt),
		sess.ErrorMessage, sess.ACUConsumed, sess.MaxACULimit, formatTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	sess.ID = id
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

const requestColumns = `id, flag_key, repositories, provider, mode, status, created_by, created_at, updated_at, error_message, total_acu`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.RemovalRequest, error) {
	var req domain.RemovalRequest
	var repos, status, createdAt, updatedAt string
	if err := row.Scan(&req.ID, &req.FlagKey, &repos, &req.Provider, &req.Mode, &status,
		&req.CreatedBy, &createdAt, &updatedAt, &req.ErrorMessage, &req.TotalACU); err != nil {
		return nil, err
	}
	req.Status = domain.RequestStatus(status)
	if err := json.Unmarshal([]byte(repos), &req.Repositories); err != nil {
		return nil, fmt.Errorf("removal request %d repositories: %w", req.ID, err)
	}
	var err error
	if req.CreatedAt, err = parseTime(createdAt, "removal_requests created_at"); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = parseTime(updatedAt, "removal_requests updated_at"); err != nil {
		return nil, err
	}
	return &req, nil
}

// RequestByID returns one request, or (nil, nil) when it does not exist.
func (s *Store) RequestByID(id int64) (*domain.RemovalRequest, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM removal_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("removal request %d: %w", id, err)
	}
	return req, nil
}

// Requests lists requests newest first with the total count before paging.
func (s *Store) Requests(f app.RequestFilter) ([]*domain.RemovalRequest, int, error) {
	where := ""
	args := []any{}
	if f.Status != "" {
		where = " WHERE status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM removal_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count removal requests: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.Query(`SELECT `+requestColumns+` FROM removal_requests`+where+
		` ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list removal requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.RemovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan removal request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("removal requests iteration: %w", err)
	}
	return out, total, nil
}

// UpdateRequest writes back every mutable request field.
func (s *Store) UpdateRequest(req *domain.RemovalRequest) error {
	repos, err := json.Marshal(req.Repositories)
	if err != nil {
		return fmt.Errorf("marshal repositories: %w", err)
	}
	_, err = s.db.Exec(`UPDATE removal_requests SET
		flag_key = ?, repositories = ?, provider = ?, mode = ?, status = ?,
		created_by = ?, created_at = ?, updated_at = ?, error_message = ?, total_acu = ?
		WHERE id = ?`,
		req.FlagKey, string(repos), req.Provider, req.Mode, string(req.Status), req.CreatedBy,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt), req.ErrorMessage, req.TotalACU, req.ID)
	if err != nil {
		return fmt.Errorf("update removal request %d: %w", req.ID, err)
	}
	return nil
}

// DeleteRequest removes a request, its sessions, and their logs in one
// transaction. Returns false when the request does not exist.
func (s *Store) DeleteRequest(id int64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_logs WHERE session_id IN
		(SELECT id FROM agent_sessions WHERE request_id = ?)`, id); err != nil {
		return false, fmt.Errorf("delete logs of request %d: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM agent_sessions WHERE request_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete sessions of request %d: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM removal_requests WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete removal request %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete removal request %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

// RequestStatusCounts returns the number of requests per status.
func (s *Store) RequestStatusCounts() (map[domain.RequestStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM removal_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count removal requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.RequestStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		counts[domain.RequestStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request counts iteration: %w", err)
	}
	return counts, nil
}

// CreateSession inserts one session (standalone or already linked).
func (s *Store) CreateSession(sess *domain.AgentSession) error {
	return insertSession(s.db, sess)
}

const sessionColumns = `id, request_id, repository, remote_id, remote_url, status, pr_url, output, started_at, completed_at, error_message, acu_consumed, max_acu_limit, created_at`

func scanSession(row rowScanner) (*domain.AgentSession, error) {
	var sess domain.AgentSession
	var status, startedAt, completedAt, createdAt string
	if err := row.Scan(&sess.ID, &sess.RequestID, &sess.Repository, &sess.RemoteID, &sess.RemoteURL,
		&status, &sess.PRURL, &sess.Output, &startedAt, &completedAt, &sess.ErrorMessage,
		&sess.ACUConsumed, &sess.MaxACULimit, &createdAt); err != nil {
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	var err error
	if sess.StartedAt, err = parseOptionalTime(startedAt, "agent_sessions started_at"); err != nil {
		return nil, err
	}
	if sess.CompletedAt, err = parseOptionalTime(completedAt, "agent_sessions completed_at"); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(createdAt, "agent_sessions created_at"); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SessionByID returns one session, or (nil, nil) when it does not exist.
func (s *Store) SessionByID(id int64) (*domain.AgentSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", id, err)
	}
	return sess, nil
}

func (s *Store) querySessions(query string, args ...any) ([]*domain.AgentSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionsByRequest returns a request's sessions in creation order.
func (s *Store) SessionsByRequest(requestID int64) ([]*domain.AgentSession, error) {
	out, err := s.querySessions(`SELECT `+sessionColumns+` FROM agent_sessions
		WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("sessions of request %d: %w", requestID, err)
	}
	return out, nil
}

// OpenSessions returns every session in a non-terminal status, oldest first.
func (s *Store) OpenSessions() ([]*domain.AgentSession, error) {
	out, err := s.querySessions(`SELECT ` + sessionColumns + ` FROM agent_sessions
		WHERE status NOT IN ` + terminalStatuses + ` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}
	return out, nil
}

// OldestPendingSession returns the next session the dispatcher should claim,
// or (nil, nil) when nothing is pending.
func (s *Store) OldestPendingSession() (*domain.AgentSession, error) {
	row := s.db.QueryRow(`SELECT ` + sessionColumns + ` FROM agent_sessions
		WHERE status = 'pending' ORDER BY id LIMIT 1`)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest pending session: %w", err)
	}
	return sess, nil
}

// CountActiveSessions counts sessions holding a concurrency-ceiling slot.
func (s *Store) CountActiveSessions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agent_sessions WHERE status IN ` + activeStatuses).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// UpdateSession writes back every mutable session field.
func (s *Store) UpdateSession(sess *domain.AgentSession) error {
	_, err := s.db.Exec(`UPDATE agent_sessions SET
		request_id = ?, repository = ?, remote_id = ?, remote_url = ?, status = ?,
		pr_url = ?, output = ?, started_at = ?, completed_at = ?, error_message = ?,
		acu_consumed = ?, max_acu_limit = ?
		WHERE id = ?`,
		sess.RequestID, sess.Repository, sess.RemoteID, sess.RemoteURL, string(sess.Status),
		sess.PRURL, sess.Output, formatTime(sess.StartedAt), formatTime(sess.CompletedAt),
		sess.ErrorMessage, sess.ACUConsumed, sess.MaxACULimit, sess.ID)
	if err != nil {
		return fmt.Errorf("update session %d: %w", sess.ID, err)
	}
	return nil
}

// SessionStatusCounts returns the number of sessions per status.
func (s *Store) SessionStatusCounts() (map[domain.SessionStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM agent_sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		counts[domain.SessionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session counts iteration: %w", err)
	}
	return counts, nil
}

// AppendLog inserts one log entry and assigns its ID.
func (s *Store) AppendLog(entry *domain.SessionLog) error {
	res, err := s.db.Exec(`INSERT INTO session_logs (session_id, timestamp, level, message, event)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID, formatTime(entry.Timestamp), entry.Level, entry.Message, entry.Event)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("log id: %w", err)
	}
	entry.ID = id
	return nil
}

func (s *Store) queryLogs(query string, args ...any) ([]*domain.SessionLog, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SessionLog
	for rows.Next() {
		var entry domain.SessionLog
		var ts string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &ts, &entry.Level, &entry.Message, &entry.Event); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if entry.Timestamp, err = parseTime(ts, "session_logs timestamp"); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// LogsBySession returns a session's log entries in insertion order.
func (s *Store) LogsBySession(sessionID int64) ([]*domain.SessionLog, error) {
	out, err := s.queryLogs(`SELECT id, session_id, timestamp, level, message, event
		FROM session_logs WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("logs of session %d: %w", sessionID, err)
	}
	return out, nil
}

// LogsByRequest returns every log entry across a request's sessions in
// insertion order. Callers sort by timestamp where that matters.
func (s *Store) LogsByRequest(requestID int64) ([]*domain.SessionLog, error) {
	out, err := s.queryLogs(`SELECT l.id, l.session_id, l.timestamp, l.level, l.message, l.event
		FROM session_logs l
		JOIN agent_sessions s ON s.id = l.session_id
		WHERE s.request_id = ? ORDER BY l.id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("logs of request %d: %w", requestID, err)
	}
	return out, nil
}

// PruneLogs deletes log entries older than the cutoff and reports how many
// were removed. RFC3339 text compares chronologically except within the
// cutoff second, which is immaterial for day-scale retention.
func (s *Store) PruneLogs(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM session_logs WHERE timestamp < ?`,
		formatTime(olderThan.UTC()))
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return int(n), nil
}
