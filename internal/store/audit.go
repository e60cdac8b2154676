package store

import "fmt"

// AppendAudit writes one audit log entry. The audit log is append-only and
// written for every dispatch attempt regardless of outcome.
func (s *Store) AppendAudit(e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (user_id, resource, action, params, outcome, success, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Resource, e.Action, e.Params, e.Outcome, success,
		e.Error, e.DurationMs, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) AuditByUser(userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, user_id, resource, action, params, outcome, success, error, duration_ms, created_at
		 FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit by user: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var success int
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Resource, &e.Action, &e.Params,
			&e.Outcome, &success, &e.Error, &e.DurationMs, &createdMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Success = success == 1
		e.CreatedAt = fromMillis(createdMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountAudit reports the number of audit entries for a user.
func (s *Store) CountAudit(userID string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE user_id = ?`, userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
