package permission

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gituhq/gitu/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gitu.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st)
}

func TestPathCovered(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		path     string
		want     bool
	}{
		{"exact", []string{"/tmp/foo"}, "/tmp/foo", true},
		{"descendant", []string{"/tmp/foo"}, "/tmp/foo/bar.txt", true},
		{"sibling prefix", []string{"/tmp/foo"}, "/tmp/foobar", false},
		{"parent", []string{"/tmp/foo"}, "/tmp", false},
		{"unrelated", []string{"/tmp/foo"}, "/var/log", false},
		{"trailing slash on grant", []string{"/tmp/foo/"}, "/tmp/foo/bar", true},
		{"dotdot escape", []string{"/tmp/foo"}, "/tmp/foo/../secret", false},
		{"any of several", []string{"/a", "/b"}, "/b/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pathCovered(tt.prefixes, tt.path); got != tt.want {
				t.Errorf("pathCovered(%v, %q) = %v, want %v", tt.prefixes, tt.path, got, tt.want)
			}
		})
	}
}

func TestCommandCovered(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		command  string
		want     bool
	}{
		{"exact", []string{"git status"}, "git status", true},
		{"with args", []string{"git"}, "git log --oneline", true},
		{"token boundary", []string{"git"}, "gitk", false},
		{"no match", []string{"ls"}, "rm -rf /", false},
		{"padded input", []string{"git"}, "  git status  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commandCovered(tt.prefixes, tt.command); got != tt.want {
				t.Errorf("commandCovered(%v, %q) = %v, want %v", tt.prefixes, tt.command, got, tt.want)
			}
		})
	}
}

func TestLabelCovered(t *testing.T) {
	if !labelCovered([]string{"Invoices"}, "invoices") {
		t.Error("label match should be case-insensitive")
	}
	if labelCovered([]string{"Invoices"}, "receipts") {
		t.Error("unrelated label should not match")
	}
}

func TestCheck_GrantLifecycle(t *testing.T) {
	s := newTestService(t)

	ok, err := s.Check("u1", "files", "read", ScopeContext{Path: "/tmp/x"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("no grants yet, Check should deny")
	}

	g, err := s.Grant("u1", "files", []string{"read"}, store.Scope{PathPrefixes: []string{"/tmp"}}, nil)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	ok, _ = s.Check("u1", "files", "read", ScopeContext{Path: "/tmp/x"})
	if !ok {
		t.Error("covered path should be allowed")
	}
	ok, _ = s.Check("u1", "files", "write", ScopeContext{Path: "/tmp/x"})
	if ok {
		t.Error("ungranted action should be denied")
	}
	ok, _ = s.Check("u1", "files", "read", ScopeContext{Path: "/etc/passwd"})
	if ok {
		t.Error("out-of-scope path should be denied")
	}
	ok, _ = s.Check("u2", "files", "read", ScopeContext{Path: "/tmp/x"})
	if ok {
		t.Error("another user's grant must not apply")
	}

	// Revocation is visible to the very next Check.
	if err := s.Revoke(g.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	ok, _ = s.Check("u1", "files", "read", ScopeContext{Path: "/tmp/x"})
	if ok {
		t.Error("revoked grant should deny")
	}
}

func TestCheck_WildcardAction(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Grant("u1", "shell", []string{"*"}, store.Scope{}, nil); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	ok, err := s.Check("u1", "shell", "execute", ScopeContext{Command: "ls"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Error("wildcard action should cover execute")
	}
}

func TestCheck_ExpiredGrant(t *testing.T) {
	s := newTestService(t)

	past := time.Now().Add(-time.Hour)
	if _, err := s.Grant("u1", "gmail", []string{"read"}, store.Scope{}, &past); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	ok, err := s.Check("u1", "gmail", "read", ScopeContext{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("expired grant should deny")
	}
}

func TestCheck_AdditiveGrants(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Grant("u1", "files", []string{"read"}, store.Scope{PathPrefixes: []string{"/a"}}, nil); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := s.Grant("u1", "files", []string{"read"}, store.Scope{PathPrefixes: []string{"/b"}}, nil); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	for _, p := range []string{"/a/x", "/b/y"} {
		ok, _ := s.Check("u1", "files", "read", ScopeContext{Path: p})
		if !ok {
			t.Errorf("path %s should be covered by one of the grants", p)
		}
	}
}

func TestRevoke_UnknownGrant(t *testing.T) {
	s := newTestService(t)
	if err := s.Revoke("nope"); !errors.Is(err, ErrGrantNotFound) {
		t.Errorf("err = %v, want ErrGrantNotFound", err)
	}
}

func TestApprove_CreatesLinkedGrant(t *testing.T) {
	s := newTestService(t)

	req, err := s.Request("u1", "shell", []string{"execute"}, store.Scope{CommandPrefixes: []string{"git"}}, "needs git")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Pending request alone grants nothing.
	ok, _ := s.Check("u1", "shell", "execute", ScopeContext{Command: "git status"})
	if ok {
		t.Fatal("pending request must not authorize")
	}

	g, err := s.Approve(req.ID, 7)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if g.UserID != "u1" || g.Resource != "shell" {
		t.Errorf("grant = %+v", g)
	}
	if g.ExpiresAt == nil {
		t.Error("expected an expiry from expiresInDays")
	}

	got, found, err := s.GetRequest(req.ID)
	if err != nil || !found {
		t.Fatalf("GetRequest: found=%v err=%v", found, err)
	}
	if got.Status != store.RequestApproved || got.GrantID != g.ID {
		t.Errorf("request = %+v, want approved with grant %s", got, g.ID)
	}

	ok, _ = s.Check("u1", "shell", "execute", ScopeContext{Command: "git status"})
	if !ok {
		t.Error("approved request should authorize the asked scope")
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	s := newTestService(t)

	req, err := s.Request("u1", "files", []string{"write"}, store.Scope{}, "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := s.Approve(req.ID, 0); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if _, err := s.Approve(req.ID, 0); !errors.Is(err, ErrRequestNotPending) {
		t.Errorf("second Approve err = %v, want ErrRequestNotPending", err)
	}
	if err := s.Deny(req.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Errorf("Deny after Approve err = %v, want ErrRequestNotPending", err)
	}
}

func TestDeny(t *testing.T) {
	s := newTestService(t)

	req, err := s.Request("u1", "gmail", []string{"read"}, store.Scope{Labels: []string{"invoices"}}, "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := s.Deny(req.ID); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	got, found, _ := s.GetRequest(req.ID)
	if !found || got.Status != store.RequestDenied {
		t.Errorf("request = %+v, want denied", got)
	}
	if err := s.Deny("missing"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("err = %v, want ErrRequestNotFound", err)
	}

	ok, _ := s.Check("u1", "gmail", "read", ScopeContext{Label: "invoices"})
	if ok {
		t.Error("denied request must not authorize")
	}
}
