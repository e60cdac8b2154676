package store

import "time"

// Session status values. A session leaves "active" exactly once; "archived"
// is terminal.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Permission request status values.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestDenied   = "denied"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type LinkedAccount struct {
	Platform       string
	PlatformUserID string
	UserID         string
	LinkedAt       time.Time
}

type Session struct {
	ID           string
	UserID       string
	Name         string
	Status       string
	Current      bool
	ContextBlob  string
	CreatedAt    time.Time
	LastActivity time.Time
}

type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Platform  string
	Timestamp time.Time
	CreatedAt time.Time
}

// Scope restricts what a grant covers. Empty fields mean unrestricted for
// that dimension.
type Scope struct {
	PathPrefixes    []string `json:"pathPrefixes,omitempty"`
	CommandPrefixes []string `json:"commandPrefixes,omitempty"`
	Labels          []string `json:"labels,omitempty"`
}

type Grant struct {
	ID        string
	UserID    string
	Resource  string
	Actions   []string
	Scope     Scope
	GrantedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Active reports whether the grant is usable at the given instant.
func (g *Grant) Active(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

type PermissionRequest struct {
	ID          string
	UserID      string
	Resource    string
	Actions     []string
	Scope       Scope
	Reason      string
	Status      string
	RequestedAt time.Time
	RespondedAt *time.Time
	GrantID     string
}

type UsageRecord struct {
	ID        int64
	UserID    string
	Operation string
	Units     int64
	CreatedAt time.Time
}

type UsageLimit struct {
	UserID         string
	LimitUnits     int64
	LastAlertLevel float64
	UpdatedAt      time.Time
}

type AuditEntry struct {
	ID         int64
	UserID     string
	Resource   string
	Action     string
	Params     string
	Outcome    string
	Success    bool
	Error      string
	DurationMs int64
	CreatedAt  time.Time
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func optTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
