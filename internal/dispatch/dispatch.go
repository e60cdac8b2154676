// Package dispatch performs permission-checked actions against external
// collaborators (shell sandbox, files, Gmail/Shopify/MCP proxies) and writes
// an audit entry for every attempt, whatever the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gituhq/gitu/internal/config"
	"github.com/gituhq/gitu/internal/permission"
	"github.com/gituhq/gitu/internal/store"
	"github.com/gituhq/gitu/internal/usage"
)

// Status classifies the outcome of a dispatch.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDenied    Status = "denied"
	StatusPending   Status = "pending"
	StatusQuota     Status = "quota_exceeded"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNoCollaborator means no external collaborator is registered for the
// resource.
var ErrNoCollaborator = errors.New("no collaborator for resource")

// Collaborator is the single contract every external system implements.
// Internal retries are the collaborator's concern; the dispatcher only
// retries idempotent read-only actions, once.
type Collaborator interface {
	Perform(ctx context.Context, action string, params map[string]string) (string, error)
}

// Request is one permission-checked action to perform.
type Request struct {
	Resource string
	Action   string
	Params   map[string]string
	Reason   string
	Timeout  time.Duration
}

// Result is the normalized dispatch outcome.
type Result struct {
	Status     Status
	Output     string
	Err        string
	RequestID  string // set when Status == StatusPending
	DurationMs int64
}

const toolChargeUnits = 1

type Dispatcher struct {
	store      *store.Store
	perms      *permission.Service
	governor   *usage.Governor
	policies   map[string]string
	defTimeout time.Duration
	collabs    map[string]Collaborator
}

func NewDispatcher(st *store.Store, perms *permission.Service, gov *usage.Governor, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		store:      st,
		perms:      perms,
		governor:   gov,
		policies:   cfg.Policies,
		defTimeout: time.Duration(cfg.DefaultTimeoutSec) * time.Second,
		collabs:    make(map[string]Collaborator),
	}
}

// Register wires the collaborator that performs actions for a resource.
func (d *Dispatcher) Register(resource string, c Collaborator) {
	d.collabs[resource] = c
}

// requestable consults the per-resource policy table. Resources absent from
// the table are hard-denied.
func (d *Dispatcher) requestable(resource string) bool {
	return d.policies[resource] == config.PolicyRequestable
}

func scopeContext(params map[string]string) permission.ScopeContext {
	return permission.ScopeContext{
		Path:    params["path"],
		Command: params["command"],
		Label:   params["label"],
	}
}

// idempotentAction reports whether a failed call may be retried once
// without risking duplicate side effects.
func idempotentAction(action string) bool {
	switch action {
	case "read", "list", "get", "search":
		return true
	}
	return false
}

// Execute runs one permission-checked action. Every path through here ends
// in exactly one audit entry, written before the result is returned.
func (d *Dispatcher) Execute(ctx context.Context, userID string, req Request) Result {
	started := time.Now()
	res := d.execute(ctx, userID, req)
	res.DurationMs = time.Since(started).Milliseconds()
	d.audit(userID, req, res)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, userID string, req Request) Result {
	allowed, err := d.perms.Check(userID, req.Resource, req.Action, scopeContext(req.Params))
	if err != nil {
		return Result{Status: StatusFailed, Err: err.Error()}
	}
	if !allowed {
		if !d.requestable(req.Resource) {
			return Result{Status: StatusDenied}
		}
		pr, err := d.perms.Request(userID, req.Resource, []string{req.Action},
			scopeFromParams(req.Params), req.Reason)
		if err != nil {
			return Result{Status: StatusFailed, Err: err.Error()}
		}
		return Result{Status: StatusPending, RequestID: pr.ID}
	}

	if err := d.governor.Charge(userID, "tool:"+req.Resource, toolChargeUnits); err != nil {
		if errors.Is(err, usage.ErrQuotaExceeded) {
			return Result{Status: StatusQuota}
		}
		return Result{Status: StatusFailed, Err: err.Error()}
	}

	collab, ok := d.collabs[req.Resource]
	if !ok {
		return Result{Status: StatusFailed, Err: ErrNoCollaborator.Error()}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := collab.Perform(callCtx, req.Action, req.Params)
	if err != nil && idempotentAction(req.Action) && callCtx.Err() == nil {
		// One automatic retry, read-only actions only. Mutating actions are
		// surfaced immediately to avoid duplicate side effects.
		log.Printf("[dispatch] retrying %s/%s for %s: %v", req.Resource, req.Action, userID, err)
		output, err = collab.Perform(callCtx, req.Action, req.Params)
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{Status: StatusTimeout, Err: err.Error()}
		}
		if errors.Is(callCtx.Err(), context.Canceled) {
			return Result{Status: StatusCancelled, Err: err.Error()}
		}
		return Result{Status: StatusFailed, Err: err.Error()}
	}
	return Result{Status: StatusOK, Output: output}
}

// scopeFromParams shapes the attempted action's context into the scope the
// resulting permission request asks for.
func scopeFromParams(params map[string]string) store.Scope {
	var sc store.Scope
	if p := params["path"]; p != "" {
		sc.PathPrefixes = []string{p}
	}
	if c := params["command"]; c != "" {
		sc.CommandPrefixes = []string{c}
	}
	if l := params["label"]; l != "" {
		sc.Labels = []string{l}
	}
	return sc
}

func (d *Dispatcher) audit(userID string, req Request, res Result) {
	params := ""
	if len(req.Params) > 0 {
		if data, err := json.Marshal(req.Params); err == nil {
			params = string(data)
		}
	}
	entry := store.AuditEntry{
		UserID:     userID,
		Resource:   req.Resource,
		Action:     req.Action,
		Params:     params,
		Outcome:    string(res.Status),
		Success:    res.Status == StatusOK,
		Error:      res.Err,
		DurationMs: res.DurationMs,
		CreatedAt:  time.Now(),
	}
	if err := d.store.AppendAudit(entry); err != nil {
		// Auditability is a hard invariant; a failed write is loud.
		log.Printf("[dispatch] AUDIT WRITE FAILED for %s %s/%s: %v",
			userID, req.Resource, req.Action, err)
	}
}

// ResultError renders a result's failure as a single line for user-facing
// denial messages.
func ResultError(res Result) string {
	if res.Err != "" {
		return res.Err
	}
	return fmt.Sprintf("dispatch %s", res.Status)
}
