package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateUser(id, displayName string, now time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)`,
		id, displayName, toMillis(now),
	)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return User{ID: id, DisplayName: displayName, CreatedAt: now}, nil
}

func (s *Store) GetUser(id string) (User, bool, error) {
	var u User
	var createdMs int64
	err := s.db.QueryRow(
		`SELECT id, display_name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdMs)
	return u, true, nil
}

func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT id, display_name, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var createdMs int64
		if err := rows.Scan(&u.ID, &u.DisplayName, &createdMs); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = fromMillis(createdMs)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) GetLink(platform, platformUserID string) (LinkedAccount, bool, error) {
	var l LinkedAccount
	var linkedMs int64
	err := s.db.QueryRow(
		`SELECT platform, platform_user_id, user_id, linked_at
		 FROM linked_accounts WHERE platform = ? AND platform_user_id = ?`,
		platform, platformUserID,
	).Scan(&l.Platform, &l.PlatformUserID, &l.UserID, &linkedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return LinkedAccount{}, false, nil
	}
	if err != nil {
		return LinkedAccount{}, false, fmt.Errorf("get link: %w", err)
	}
	l.LinkedAt = fromMillis(linkedMs)
	return l, true, nil
}

// PutLink creates or reassigns the linked account for (platform,
// platformUserID). The upsert keeps the invariant that a platform account
// maps to exactly one user at a time.
func (s *Store) PutLink(platform, platformUserID, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO linked_accounts (platform, platform_user_id, user_id, linked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(platform, platform_user_id)
		 DO UPDATE SET user_id = excluded.user_id, linked_at = excluded.linked_at`,
		platform, platformUserID, userID, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("put link: %w", err)
	}
	return nil
}

// DeleteLink removes a user's linked account for a platform. Returns false
// when no such link existed (callers treat that as a no-op success).
func (s *Store) DeleteLink(userID, platform string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM linked_accounts WHERE user_id = ? AND platform = ?`,
		userID, platform,
	)
	if err != nil {
		return false, fmt.Errorf("delete link: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) LinksForUser(userID string) ([]LinkedAccount, error) {
	rows, err := s.db.Query(
		`SELECT platform, platform_user_id, user_id, linked_at
		 FROM linked_accounts WHERE user_id = ? ORDER BY platform`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("links for user: %w", err)
	}
	defer rows.Close()

	var links []LinkedAccount
	for rows.Next() {
		var l LinkedAccount
		var linkedMs int64
		if err := rows.Scan(&l.Platform, &l.PlatformUserID, &l.UserID, &linkedMs); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.LinkedAt = fromMillis(linkedMs)
		links = append(links, l)
	}
	return links, rows.Err()
}
