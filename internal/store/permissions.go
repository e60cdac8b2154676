package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

func encodeActions(actions []string) string {
	return strings.Join(actions, ",")
}

func decodeActions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func encodeScope(sc Scope) (string, error) {
	data, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("marshal scope: %w", err)
	}
	return string(data), nil
}

func decodeScope(s string) (Scope, error) {
	var sc Scope
	if s == "" || s == "{}" {
		return sc, nil
	}
	if err := json.Unmarshal([]byte(s), &sc); err != nil {
		return Scope{}, fmt.Errorf("unmarshal scope: %w", err)
	}
	return sc, nil
}

func (s *Store) InsertGrant(g Grant) error {
	scope, err := encodeScope(g.Scope)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO grants (id, user_id, resource, actions, scope, granted_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.Resource, encodeActions(g.Actions), scope,
		toMillis(g.GrantedAt), optMillis(g.ExpiresAt), optMillis(g.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func scanGrant(row interface{ Scan(...any) error }) (Grant, error) {
	var g Grant
	var actions, scope string
	var grantedMs int64
	var expiresMs, revokedMs *int64
	err := row.Scan(&g.ID, &g.UserID, &g.Resource, &actions, &scope,
		&grantedMs, &expiresMs, &revokedMs)
	if err != nil {
		return Grant{}, err
	}
	g.Actions = decodeActions(actions)
	sc, err := decodeScope(scope)
	if err != nil {
		return Grant{}, err
	}
	g.Scope = sc
	g.GrantedAt = fromMillis(grantedMs)
	g.ExpiresAt = optTime(expiresMs)
	g.RevokedAt = optTime(revokedMs)
	return g, nil
}

const grantCols = `id, user_id, resource, actions, scope, granted_at, expires_at, revoked_at`

func (s *Store) GetGrant(id string) (Grant, bool, error) {
	row := s.db.QueryRow(`SELECT `+grantCols+` FROM grants WHERE id = ?`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, fmt.Errorf("get grant: %w", err)
	}
	return g, true, nil
}

// GrantsFor returns every grant row for a user and resource, including
// revoked and expired ones. Activity filtering happens in the permission
// layer so the point-in-time rule lives in one place.
func (s *Store) GrantsFor(userID, resource string) ([]Grant, error) {
	rows, err := s.db.Query(
		`SELECT `+grantCols+` FROM grants WHERE user_id = ? AND resource = ? ORDER BY granted_at`,
		userID, resource,
	)
	if err != nil {
		return nil, fmt.Errorf("grants for: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) GrantsByUser(userID string) ([]Grant, error) {
	rows, err := s.db.Query(
		`SELECT `+grantCols+` FROM grants WHERE user_id = ? ORDER BY granted_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("grants by user: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RevokeGrant tombstones a grant. Idempotent: revoking an already-revoked
// grant leaves the original revoked_at in place. Returns false when no such
// grant exists.
func (s *Store) RevokeGrant(id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE grants SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		toMillis(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("revoke grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	// Distinguish "already revoked" from "unknown id".
	var one int
	err = s.db.QueryRow(`SELECT 1 FROM grants WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revoke grant lookup: %w", err)
	}
	return true, nil
}

func (s *Store) InsertRequest(r PermissionRequest) error {
	scope, err := encodeScope(r.Scope)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO permission_requests (id, user_id, resource, actions, scope, reason, status, requested_at, responded_at, grant_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Resource, encodeActions(r.Actions), scope, r.Reason,
		r.Status, toMillis(r.RequestedAt), optMillis(r.RespondedAt), nullable(r.GrantID),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanRequest(row interface{ Scan(...any) error }) (PermissionRequest, error) {
	var r PermissionRequest
	var actions, scope string
	var requestedMs int64
	var respondedMs *int64
	var grantID *string
	err := row.Scan(&r.ID, &r.UserID, &r.Resource, &actions, &scope, &r.Reason,
		&r.Status, &requestedMs, &respondedMs, &grantID)
	if err != nil {
		return PermissionRequest{}, err
	}
	r.Actions = decodeActions(actions)
	sc, err := decodeScope(scope)
	if err != nil {
		return PermissionRequest{}, err
	}
	r.Scope = sc
	r.RequestedAt = fromMillis(requestedMs)
	r.RespondedAt = optTime(respondedMs)
	if grantID != nil {
		r.GrantID = *grantID
	}
	return r, nil
}

const requestCols = `id, user_id, resource, actions, scope, reason, status, requested_at, responded_at, grant_id`

func (s *Store) GetRequest(id string) (PermissionRequest, bool, error) {
	row := s.db.QueryRow(`SELECT `+requestCols+` FROM permission_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PermissionRequest{}, false, nil
	}
	if err != nil {
		return PermissionRequest{}, false, fmt.Errorf("get request: %w", err)
	}
	return r, true, nil
}

func (s *Store) RequestsByStatus(status string) ([]PermissionRequest, error) {
	rows, err := s.db.Query(
		`SELECT `+requestCols+` FROM permission_requests WHERE status = ? ORDER BY requested_at`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("requests by status: %w", err)
	}
	defer rows.Close()

	var out []PermissionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveRequest transitions a pending request to approved or denied.
// The status guard in the WHERE clause makes resolution exactly-once:
// returns false if the request was not pending (or does not exist).
func (s *Store) ResolveRequest(id, status, grantID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE permission_requests SET status = ?, responded_at = ?, grant_id = ?
		 WHERE id = ? AND status = ?`,
		status, toMillis(now), nullable(grantID), id, RequestPending,
	)
	if err != nil {
		return false, fmt.Errorf("resolve request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
