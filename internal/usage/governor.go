// Package usage enforces per-user cost budgets over an append-only ledger.
// Totals are always computed by aggregating the ledger over a rolling
// window; there is no mutable counter to race on.
package usage

import (
	"errors"
	"sync"
	"time"

	"github.com/gituhq/gitu/internal/store"
)

// ErrQuotaExceeded means the charge would push the rolling total past the
// user's limit. Denied charges are never recorded.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Summary is the point-in-time usage view exposed to the API.
type Summary struct {
	UserID    string        `json:"userId"`
	Used      int64         `json:"used"`
	Limit     int64         `json:"limit"`
	Window    time.Duration `json:"-"`
	WindowStr string        `json:"window"`
}

type Governor struct {
	store          *store.Store
	window         time.Duration
	defaultLimit   int64
	alertThreshold float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGovernor(st *store.Store, window time.Duration, defaultLimit int64, alertThreshold float64) *Governor {
	return &Governor{
		store:          st,
		window:         window,
		defaultLimit:   defaultLimit,
		alertThreshold: alertThreshold,
		locks:          make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing charge operations for one user.
// Linearizing read-total-then-insert per user is what stops two concurrent
// charges from both passing the check against the same stale total.
func (g *Governor) userLock(userID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[userID] = l
	}
	return l
}

func (g *Governor) limitFor(userID string) (int64, error) {
	l, ok, err := g.store.GetUsageLimit(userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return g.defaultLimit, nil
	}
	return l.LimitUnits, nil
}

// Charge admits or denies an expensive operation. On allow, the usage
// record is inserted before Charge returns, so every later charge sees it.
func (g *Governor) Charge(userID, operation string, units int64) error {
	lock := g.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	limit, err := g.limitFor(userID)
	if err != nil {
		return err
	}

	now := time.Now()
	total, err := g.store.SumUsageSince(userID, now.Add(-g.window))
	if err != nil {
		return err
	}
	if total+units > limit {
		return ErrQuotaExceeded
	}

	return g.store.InsertUsageRecord(store.UsageRecord{
		UserID:    userID,
		Operation: operation,
		Units:     units,
		CreatedAt: now,
	})
}

// ThresholdAlert reports whether the user crossed the warning threshold
// since the last alert. One-shot: it latches the alerted level so repeated
// calls do not re-fire until usage drops back below the threshold.
func (g *Governor) ThresholdAlert(userID string) (bool, float64, error) {
	lock := g.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	l, ok, err := g.store.GetUsageLimit(userID)
	if err != nil {
		return false, 0, err
	}
	limit := g.defaultLimit
	lastLevel := 0.0
	if ok {
		limit = l.LimitUnits
		lastLevel = l.LastAlertLevel
	}
	if limit <= 0 {
		return false, 0, nil
	}

	now := time.Now()
	total, err := g.store.SumUsageSince(userID, now.Add(-g.window))
	if err != nil {
		return false, 0, err
	}
	ratio := float64(total) / float64(limit)

	if ratio >= g.alertThreshold && lastLevel < g.alertThreshold {
		if !ok {
			if err := g.store.SetUsageLimit(userID, limit, now); err != nil {
				return false, 0, err
			}
		}
		if err := g.store.SetLastAlertLevel(userID, g.alertThreshold, now); err != nil {
			return false, 0, err
		}
		return true, ratio, nil
	}
	if ratio < g.alertThreshold && lastLevel >= g.alertThreshold {
		// Usage fell back under the threshold (window rolled over); re-arm.
		if err := g.store.SetLastAlertLevel(userID, 0, now); err != nil {
			return false, 0, err
		}
	}
	return false, ratio, nil
}

// SetLimit updates a user's budget ceiling.
func (g *Governor) SetLimit(userID string, limitUnits int64) error {
	return g.store.SetUsageLimit(userID, limitUnits, time.Now())
}

// Usage returns the user's current rolling usage view.
func (g *Governor) Usage(userID string) (Summary, error) {
	limit, err := g.limitFor(userID)
	if err != nil {
		return Summary{}, err
	}
	total, err := g.store.SumUsageSince(userID, time.Now().Add(-g.window))
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		UserID:    userID,
		Used:      total,
		Limit:     limit,
		Window:    g.window,
		WindowStr: g.window.String(),
	}, nil
}
