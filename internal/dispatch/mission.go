package dispatch

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/gituhq/gitu/internal/store"
)

// Step is one discrete action in a multi-step mission.
type Step struct {
	Name     string
	Resource string
	Action   string
	Params   map[string]string
}

// Mission is an explicit sequence of steps with a cancellation flag checked
// between steps. Cancellation is cooperative: an in-flight step finishes
// (or times out) before the mission stops; the next step never starts.
type Mission struct {
	Steps     []Step
	cancelled atomic.Bool
}

func NewMission(steps []Step) *Mission {
	return &Mission{Steps: steps}
}

// Cancel flags the mission to stop before its next step.
func (m *Mission) Cancel() {
	m.cancelled.Store(true)
}

func (m *Mission) Cancelled() bool {
	return m.cancelled.Load()
}

// RunMission executes steps in order through the dispatcher, stopping at
// the first non-ok result or at a cancellation point. A cancelled mission
// still leaves an audit entry for the step it stopped at.
func (d *Dispatcher) RunMission(ctx context.Context, userID string, m *Mission) []Result {
	results := make([]Result, 0, len(m.Steps))
	for _, step := range m.Steps {
		if m.Cancelled() || ctx.Err() != nil {
			log.Printf("[dispatch] mission cancelled for %s before step %q", userID, step.Name)
			d.auditCancelled(userID, step)
			results = append(results, Result{Status: StatusCancelled})
			return results
		}

		res := d.Execute(ctx, userID, Request{
			Resource: step.Resource,
			Action:   step.Action,
			Params:   step.Params,
			Reason:   "mission step " + step.Name,
		})
		results = append(results, res)
		if res.Status != StatusOK {
			return results
		}
	}
	return results
}

func (d *Dispatcher) auditCancelled(userID string, step Step) {
	entry := store.AuditEntry{
		UserID:    userID,
		Resource:  step.Resource,
		Action:    step.Action,
		Outcome:   string(StatusCancelled),
		Success:   false,
		CreatedAt: time.Now(),
	}
	if err := d.store.AppendAudit(entry); err != nil {
		log.Printf("[dispatch] AUDIT WRITE FAILED for cancelled step %q: %v", step.Name, err)
	}
}
