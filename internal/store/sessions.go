package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) InsertSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := 0
	if sess.Current {
		current = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, name, status, is_current, context_blob, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Name, sess.Status, current,
		sess.ContextBlob, toMillis(sess.CreatedAt), toMillis(sess.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	var current int
	var createdMs, activityMs int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.Status,
		&current, &sess.ContextBlob, &createdMs, &activityMs)
	if err != nil {
		return Session{}, err
	}
	sess.Current = current == 1
	sess.CreatedAt = fromMillis(createdMs)
	sess.LastActivity = fromMillis(activityMs)
	return sess, nil
}

const sessionCols = `id, user_id, name, status, is_current, context_blob, created_at, last_activity`

// CurrentSession returns the user's current active session, if any.
func (s *Store) CurrentSession(userID string) (Session, bool, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionCols+` FROM sessions
		 WHERE user_id = ? AND status = ? AND is_current = 1`,
		userID, SessionActive,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("current session: %w", err)
	}
	return sess, true, nil
}

func (s *Store) SessionByID(id string) (Session, bool, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("session by id: %w", err)
	}
	return sess, true, nil
}

func (s *Store) SessionByName(userID, name string) (Session, bool, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionCols+` FROM sessions
		 WHERE user_id = ? AND name = ? ORDER BY created_at DESC LIMIT 1`,
		userID, name,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("session by name: %w", err)
	}
	return sess, true, nil
}

func (s *Store) SessionsByUser(userID string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionCols+` FROM sessions WHERE user_id = ? ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessions by user: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetCurrentSession makes the given session the user's only current one.
func (s *Store) SetCurrentSession(userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE sessions SET is_current = 0 WHERE user_id = ? AND is_current = 1`, userID,
	); err != nil {
		return fmt.Errorf("clear current: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET is_current = 1 WHERE id = ? AND status = ?`,
		sessionID, SessionActive,
	); err != nil {
		return fmt.Errorf("set current: %w", err)
	}
	return tx.Commit()
}

// ArchiveSession marks a session terminal. Archived sessions keep their
// message history and never transition back.
func (s *Store) ArchiveSession(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, is_current = 0, last_activity = ?
		 WHERE id = ? AND status = ?`,
		SessionArchived, toMillis(now), id, SessionActive,
	)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// ArchiveIdleSessions archives every active session idle since before cutoff.
// Returns the number of sessions archived.
func (s *Store) ArchiveIdleSessions(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, is_current = 0
		 WHERE status = ? AND last_activity < ?`,
		SessionArchived, SessionActive, toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("archive idle sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) UpdateSessionContext(id, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET context_blob = ? WHERE id = ?`, blob, id)
	if err != nil {
		return fmt.Errorf("update session context: %w", err)
	}
	return nil
}

// AppendMessage appends one message and bumps the session's last activity.
// The message log is append-only: nothing ever updates or deletes rows in
// the messages table.
func (s *Store) AppendMessage(m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO messages (session_id, role, content, platform, ts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, m.Platform, toMillis(m.Timestamp), toMillis(m.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET last_activity = ? WHERE id = ?`,
		toMillis(m.CreatedAt), m.SessionID,
	); err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) MessagesBySession(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, platform, ts, created_at
		 FROM messages WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("messages by session: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var tsMs, createdMs int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Platform, &tsMs, &createdMs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromMillis(tsMs)
		m.CreatedAt = fromMillis(createdMs)
		out = append(out, m)
	}
	return out, rows.Err()
}
