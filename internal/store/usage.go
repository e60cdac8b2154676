package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertUsageRecord appends one ledger entry. Records are never updated or
// deleted; totals are always computed by aggregation.
func (s *Store) InsertUsageRecord(r UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO usage_records (user_id, operation, units, created_at) VALUES (?, ?, ?, ?)`,
		r.UserID, r.Operation, r.Units, toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// SumUsageSince aggregates the user's ledger over [since, now].
func (s *Store) SumUsageSince(userID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(units) FROM usage_records WHERE user_id = ? AND created_at >= ?`,
		userID, toMillis(since),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total.Int64, nil
}

func (s *Store) UsageRecordsSince(userID string, since time.Time) ([]UsageRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, operation, units, created_at
		 FROM usage_records WHERE user_id = ? AND created_at >= ? ORDER BY id`,
		userID, toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("usage records: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var createdMs int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Operation, &r.Units, &createdMs); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.CreatedAt = fromMillis(createdMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetUsageLimit(userID string) (UsageLimit, bool, error) {
	var l UsageLimit
	var updatedMs int64
	err := s.db.QueryRow(
		`SELECT user_id, limit_units, last_alert_level, updated_at FROM usage_limits WHERE user_id = ?`,
		userID,
	).Scan(&l.UserID, &l.LimitUnits, &l.LastAlertLevel, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return UsageLimit{}, false, nil
	}
	if err != nil {
		return UsageLimit{}, false, fmt.Errorf("get usage limit: %w", err)
	}
	l.UpdatedAt = fromMillis(updatedMs)
	return l, true, nil
}

func (s *Store) SetUsageLimit(userID string, limitUnits int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO usage_limits (user_id, limit_units, last_alert_level, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(user_id) DO UPDATE SET limit_units = excluded.limit_units, updated_at = excluded.updated_at`,
		userID, limitUnits, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("set usage limit: %w", err)
	}
	return nil
}

// SetLastAlertLevel records the highest warning threshold already notified,
// so threshold alerts fire once per crossing.
func (s *Store) SetLastAlertLevel(userID string, level float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE usage_limits SET last_alert_level = ?, updated_at = ? WHERE user_id = ?`,
		level, toMillis(now), userID,
	)
	if err != nil {
		return fmt.Errorf("set last alert level: %w", err)
	}
	return nil
}
