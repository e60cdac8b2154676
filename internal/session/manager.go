// Package session owns conversation session lifecycle: creation,
// cross-platform continuity, explicit clear and idle archival. A user may
// hold many named sessions but at most one is current for routing.
package session

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gituhq/gitu/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionArchived means the target session is terminal; archived
	// sessions never become current again.
	ErrSessionArchived = errors.New("session archived")
)

type Manager struct {
	store *store.Store
	idle  time.Duration
	group singleflight.Group
}

func NewManager(st *store.Store, idle time.Duration) *Manager {
	return &Manager{store: st, idle: idle}
}

// GetOrCreateActive returns the user's current session, creating one if
// none exists. Concurrent calls for the same user are collapsed through
// singleflight so two racing messages never create two sessions.
func (m *Manager) GetOrCreateActive(userID string) (store.Session, error) {
	v, err, _ := m.group.Do(userID, func() (any, error) {
		sess, ok, err := m.store.CurrentSession(userID)
		if err != nil {
			return store.Session{}, err
		}
		if ok {
			return sess, nil
		}
		return m.createCurrent(userID, "")
	})
	if err != nil {
		return store.Session{}, err
	}
	return v.(store.Session), nil
}

func (m *Manager) createCurrent(userID, name string) (store.Session, error) {
	now := time.Now()
	sess := store.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         name,
		Status:       store.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.store.InsertSession(sess); err != nil {
		return store.Session{}, err
	}
	if err := m.store.SetCurrentSession(userID, sess.ID); err != nil {
		return store.Session{}, err
	}
	sess.Current = true
	log.Printf("[session] created %s for user %s", sess.ID, userID)
	return sess, nil
}

// Append adds a message to the session log. Append-only: messages are never
// reordered or deleted. Timestamps are recorded as the platform reported
// them; apparent disorder from out-of-order delivery is accepted and kept
// auditable rather than re-sequenced.
func (m *Manager) Append(sessionID, role, content, platform string, ts time.Time) (store.Message, error) {
	sess, ok, err := m.store.SessionByID(sessionID)
	if err != nil {
		return store.Message{}, err
	}
	if !ok {
		return store.Message{}, ErrSessionNotFound
	}
	if sess.Status == store.SessionArchived {
		return store.Message{}, ErrSessionArchived
	}

	msg := store.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Platform:  platform,
		Timestamp: ts,
		CreatedAt: time.Now(),
	}
	id, err := m.store.AppendMessage(msg)
	if err != nil {
		return store.Message{}, err
	}
	msg.ID = id
	return msg, nil
}

// Clear archives the current session and immediately opens a fresh one.
// The prior session stays queryable for history.
func (m *Manager) Clear(userID string) (store.Session, error) {
	v, err, _ := m.group.Do("clear:"+userID, func() (any, error) {
		sess, ok, err := m.store.CurrentSession(userID)
		if err != nil {
			return store.Session{}, err
		}
		if ok {
			if err := m.store.ArchiveSession(sess.ID, time.Now()); err != nil {
				return store.Session{}, err
			}
		}
		return m.createCurrent(userID, "")
	})
	if err != nil {
		return store.Session{}, err
	}
	return v.(store.Session), nil
}

// NewNamed opens a named session and makes it current. The previous current
// session stays active (and resumable via Use), it just stops routing.
func (m *Manager) NewNamed(userID, name string) (store.Session, error) {
	return m.createCurrent(userID, name)
}

// Use switches the current session to an existing named one.
func (m *Manager) Use(userID, name string) (store.Session, error) {
	sess, ok, err := m.store.SessionByName(userID, name)
	if err != nil {
		return store.Session{}, err
	}
	if !ok {
		return store.Session{}, ErrSessionNotFound
	}
	if sess.Status == store.SessionArchived {
		return store.Session{}, ErrSessionArchived
	}
	if err := m.store.SetCurrentSession(userID, sess.ID); err != nil {
		return store.Session{}, err
	}
	sess.Current = true
	return sess, nil
}

// ExpireIdle archives every active session idle past the configured
// threshold. Archival preserves message history; nothing is deleted.
func (m *Manager) ExpireIdle(now time.Time) (int64, error) {
	n, err := m.store.ArchiveIdleSessions(now.Add(-m.idle))
	if err != nil {
		return 0, fmt.Errorf("expire idle sessions: %w", err)
	}
	if n > 0 {
		log.Printf("[session] archived %d idle sessions", n)
	}
	return n, nil
}

func (m *Manager) Get(sessionID string) (store.Session, bool, error) {
	return m.store.SessionByID(sessionID)
}

func (m *Manager) History(sessionID string) ([]store.Message, error) {
	return m.store.MessagesBySession(sessionID)
}

func (m *Manager) List(userID string) ([]store.Session, error) {
	return m.store.SessionsByUser(userID)
}
