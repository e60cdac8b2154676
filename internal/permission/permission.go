// Package permission answers point-in-time authorization queries against a
// user's grants and owns the permission-request lifecycle. Grants are
// additive and never edited: a scope change is a revoke plus a new grant,
// and revocation is a tombstone kept for audit.
package permission

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gituhq/gitu/internal/store"
)

var (
	ErrGrantNotFound   = errors.New("grant not found")
	ErrRequestNotFound = errors.New("permission request not found")
	// ErrRequestNotPending means the request was already approved or denied.
	ErrRequestNotPending = errors.New("permission request not pending")
)

// ScopeContext carries the concrete thing an action wants to touch, matched
// against grant scopes in Check.
type ScopeContext struct {
	Path    string
	Command string
	Label   string
}

type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Check reports whether any active grant covers (resource, action, scope).
// Every call reads the grant rows directly; there is no caching layer, so a
// completed revoke is visible to the next Check.
func (s *Service) Check(userID, resource, action string, sc ScopeContext) (bool, error) {
	grants, err := s.store.GrantsFor(userID, resource)
	if err != nil {
		return false, err
	}

	now := time.Now()
	for i := range grants {
		g := &grants[i]
		if !g.Active(now) {
			continue
		}
		if !hasAction(g.Actions, action) {
			continue
		}
		if scopeCovers(g.Scope, sc) {
			return true, nil
		}
	}
	return false, nil
}

func hasAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// scopeCovers checks each restricted dimension of the grant scope against
// the request context. An empty dimension on the grant is unrestricted.
func scopeCovers(scope store.Scope, sc ScopeContext) bool {
	if len(scope.PathPrefixes) > 0 {
		if sc.Path == "" || !pathCovered(scope.PathPrefixes, sc.Path) {
			return false
		}
	}
	if len(scope.CommandPrefixes) > 0 {
		if sc.Command == "" || !commandCovered(scope.CommandPrefixes, sc.Command) {
			return false
		}
	}
	if len(scope.Labels) > 0 {
		if sc.Label == "" || !labelCovered(scope.Labels, sc.Label) {
			return false
		}
	}
	return true
}

// pathCovered reports whether path is the prefix itself or a descendant of
// it. Plain string prefixing is not enough: /tmp/foo must not cover
// /tmp/foobar.
func pathCovered(prefixes []string, path string) bool {
	clean := filepath.Clean(path)
	for _, p := range prefixes {
		prefix := filepath.Clean(p)
		if clean == prefix {
			return true
		}
		if strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func commandCovered(prefixes []string, command string) bool {
	cmd := strings.TrimSpace(command)
	for _, p := range prefixes {
		prefix := strings.TrimSpace(p)
		if cmd == prefix || strings.HasPrefix(cmd, prefix+" ") {
			return true
		}
	}
	return false
}

func labelCovered(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Grant creates a new grant. Grants are never merged with existing ones;
// overlap is fine since Check only needs one match.
func (s *Service) Grant(userID, resource string, actions []string, scope store.Scope, expiresAt *time.Time) (store.Grant, error) {
	g := store.Grant{
		ID:        uuid.NewString(),
		UserID:    userID,
		Resource:  resource,
		Actions:   actions,
		Scope:     scope,
		GrantedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.store.InsertGrant(g); err != nil {
		return store.Grant{}, err
	}
	return g, nil
}

// Revoke tombstones a grant. Idempotent for existing grants.
func (s *Service) Revoke(grantID string) error {
	found, err := s.store.RevokeGrant(grantID, time.Now())
	if err != nil {
		return err
	}
	if !found {
		return ErrGrantNotFound
	}
	return nil
}

func (s *Service) Grants(userID string) ([]store.Grant, error) {
	return s.store.GrantsByUser(userID)
}

// Request records a pending ask for a grant. It grants nothing by itself.
func (s *Service) Request(userID, resource string, actions []string, scope store.Scope, reason string) (store.PermissionRequest, error) {
	r := store.PermissionRequest{
		ID:          uuid.NewString(),
		UserID:      userID,
		Resource:    resource,
		Actions:     actions,
		Scope:       scope,
		Reason:      reason,
		Status:      store.RequestPending,
		RequestedAt: time.Now(),
	}
	if err := s.store.InsertRequest(r); err != nil {
		return store.PermissionRequest{}, err
	}
	return r, nil
}

// Approve resolves a pending request and creates exactly one grant linked to
// it. The pending-status guard in the store makes resolution exactly-once:
// a second Approve or Deny fails with ErrRequestNotPending.
func (s *Service) Approve(requestID string, expiresInDays int) (store.Grant, error) {
	req, ok, err := s.store.GetRequest(requestID)
	if err != nil {
		return store.Grant{}, err
	}
	if !ok {
		return store.Grant{}, ErrRequestNotFound
	}

	now := time.Now()
	grantID := uuid.NewString()
	won, err := s.store.ResolveRequest(requestID, store.RequestApproved, grantID, now)
	if err != nil {
		return store.Grant{}, err
	}
	if !won {
		return store.Grant{}, ErrRequestNotPending
	}

	var expiresAt *time.Time
	if expiresInDays > 0 {
		t := now.AddDate(0, 0, expiresInDays)
		expiresAt = &t
	}
	g := store.Grant{
		ID:        grantID,
		UserID:    req.UserID,
		Resource:  req.Resource,
		Actions:   req.Actions,
		Scope:     req.Scope,
		GrantedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.InsertGrant(g); err != nil {
		return store.Grant{}, err
	}
	return g, nil
}

// Deny resolves a pending request without creating a grant.
func (s *Service) Deny(requestID string) error {
	_, ok, err := s.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRequestNotFound
	}
	won, err := s.store.ResolveRequest(requestID, store.RequestDenied, "", time.Now())
	if err != nil {
		return err
	}
	if !won {
		return ErrRequestNotPending
	}
	return nil
}

func (s *Service) Requests(status string) ([]store.PermissionRequest, error) {
	return s.store.RequestsByStatus(status)
}

func (s *Service) GetRequest(id string) (store.PermissionRequest, bool, error) {
	return s.store.GetRequest(id)
}
