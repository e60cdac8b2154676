package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gituhq/gitu/internal/dispatch"
	"github.com/gituhq/gitu/internal/httpapi"
	"github.com/gituhq/gitu/internal/store"
)

const helpText = `commands:
/new [name]       open a fresh session (optionally named)
/use <name>       switch to a named session
/clear            archive the current session and start over
/sessions         list your sessions
/stop             cancel the current operation
/usage            show budget usage for the current window
/shell <cmd>      run a shell command
/files read|write|list <path> [content]
/gmail <action> [label]
/shopify <action> [args]
/notebook <action> [args]
/mission a; b; c  run steps in order, stopping on failure
/unlink <platform>
/help             this text`

// runCommand executes one in-chat command and returns the reply text plus
// an optional machine-readable code.
func (g *Gateway) runCommand(ctx context.Context, user store.User, text string) (string, string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "/help":
		return helpText, ""

	case "/new":
		name := strings.Join(args, " ")
		ns, err := g.sessions.NewNamed(user.ID, name)
		if err != nil {
			return "could not open session: " + err.Error(), httpapi.ErrorCode(err)
		}
		if name == "" {
			return "opened session " + ns.ID, ""
		}
		return fmt.Sprintf("opened session %q", name), ""

	case "/use":
		if len(args) == 0 {
			return "usage: /use <name>", ""
		}
		name := strings.Join(args, " ")
		if _, err := g.sessions.Use(user.ID, name); err != nil {
			return "could not switch session: " + err.Error(), httpapi.ErrorCode(err)
		}
		return fmt.Sprintf("now using session %q", name), ""

	case "/clear":
		ns, err := g.sessions.Clear(user.ID)
		if err != nil {
			return "could not clear session: " + err.Error(), httpapi.ErrorCode(err)
		}
		return "session cleared, continuing in " + ns.ID, ""

	case "/sessions":
		return g.listSessions(user.ID)

	case "/usage":
		sum, err := g.governor.Usage(user.ID)
		if err != nil {
			return "could not read usage: " + err.Error(), httpapi.CodeInternal
		}
		return fmt.Sprintf("used %d of %d units in the last %s", sum.Used, sum.Limit, sum.WindowStr), ""

	case "/unlink":
		if len(args) == 0 {
			return "usage: /unlink <platform>", ""
		}
		platform := strings.ToLower(args[0])
		if err := g.resolver.Unlink(user.ID, platform); err != nil {
			return "unlink failed: " + err.Error(), httpapi.ErrorCode(err)
		}
		return "unlinked " + platform, ""

	case "/mission":
		return g.runMissionCommand(ctx, user, rest)

	case "/shell", "/files", "/gmail", "/shopify", "/notebook", "/mcp":
		req, err := g.parseAction(strings.TrimPrefix(cmd, "/"), args, rest)
		if err != nil {
			return err.Error(), ""
		}
		return g.dispatchAndRender(ctx, user, req)
	}

	return "unknown command, send /help", ""
}

// parseAction shapes command arguments into a dispatch request.
func (g *Gateway) parseAction(resource string, args []string, rest string) (dispatch.Request, error) {
	switch resource {
	case "shell":
		if rest == "" {
			return dispatch.Request{}, fmt.Errorf("usage: /shell <command>")
		}
		return dispatch.Request{
			Resource: "shell",
			Action:   "execute",
			Params:   map[string]string{"command": rest},
			Timeout:  time.Duration(g.cfg.Dispatch.ShellTimeoutSec) * time.Second,
		}, nil

	case "files":
		if len(args) < 2 {
			return dispatch.Request{}, fmt.Errorf("usage: /files read|write|list <path> [content]")
		}
		action := strings.ToLower(args[0])
		params := map[string]string{"path": args[1]}
		if action == "write" {
			params["content"] = strings.Join(args[2:], " ")
		}
		return dispatch.Request{Resource: "files", Action: action, Params: params}, nil

	case "gmail":
		if len(args) == 0 {
			return dispatch.Request{}, fmt.Errorf("usage: /gmail <action> [label]")
		}
		params := map[string]string{}
		if len(args) > 1 {
			params["label"] = args[1]
		}
		return dispatch.Request{Resource: "gmail", Action: strings.ToLower(args[0]), Params: params}, nil

	default:
		if len(args) == 0 {
			return dispatch.Request{}, fmt.Errorf("usage: /%s <action> [args]", resource)
		}
		params := map[string]string{}
		if len(args) > 1 {
			params["query"] = strings.Join(args[1:], " ")
		}
		return dispatch.Request{Resource: resource, Action: strings.ToLower(args[0]), Params: params}, nil
	}
}

func (g *Gateway) dispatchAndRender(ctx context.Context, user store.User, req dispatch.Request) (string, string) {
	runCtx, cancel := context.WithCancel(ctx)
	g.setRun(user.ID, &userRun{cancel: cancel})
	defer func() {
		cancel()
		g.clearRun(user.ID)
	}()

	res := g.dispatcher.Execute(runCtx, user.ID, req)
	return renderResult(req.Resource, req.Action, res)
}

func renderResult(resource, action string, res dispatch.Result) (string, string) {
	switch res.Status {
	case dispatch.StatusOK:
		if strings.TrimSpace(res.Output) == "" {
			return "done", ""
		}
		return res.Output, ""
	case dispatch.StatusDenied:
		return fmt.Sprintf("permission denied for %s %s", resource, action), httpapi.CodePermissionDenied
	case dispatch.StatusPending:
		return fmt.Sprintf("no grant covers %s %s yet; asked for permission (request %s)", resource, action, res.RequestID), httpapi.CodePermissionPending
	case dispatch.StatusQuota:
		return "usage budget exhausted for the current window", httpapi.CodeQuotaExceeded
	case dispatch.StatusTimeout:
		return fmt.Sprintf("%s %s timed out", resource, action), httpapi.CodeDispatchTimeout
	case dispatch.StatusCancelled:
		return "stopped", ""
	default:
		return fmt.Sprintf("%s %s failed: %s", resource, action, dispatch.ResultError(res)), httpapi.CodeExternalFailure
	}
}

// runMissionCommand parses "/mission step; step; ..." where each step reads
// like a command without the slash, and runs them in order.
func (g *Gateway) runMissionCommand(ctx context.Context, user store.User, spec string) (string, string) {
	steps, err := g.parseMission(spec)
	if err != nil {
		return err.Error(), ""
	}

	m := dispatch.NewMission(steps)
	runCtx, cancel := context.WithCancel(ctx)
	g.setRun(user.ID, &userRun{cancel: cancel, mission: m})
	defer func() {
		cancel()
		g.clearRun(user.ID)
	}()

	results := g.dispatcher.RunMission(runCtx, user.ID, m)

	var sb strings.Builder
	var code string
	for i, res := range results {
		step := steps[i]
		line, c := renderResult(step.Resource, step.Action, res)
		if c != "" {
			code = c
		}
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, step.Name, line)
	}
	return strings.TrimRight(sb.String(), "\n"), code
}

func (g *Gateway) parseMission(spec string) ([]dispatch.Step, error) {
	segs := strings.Split(spec, ";")
	steps := make([]dispatch.Step, 0, len(segs))
	for _, seg := range segs {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		fields := strings.Fields(seg)
		rest := strings.TrimSpace(strings.TrimPrefix(seg, fields[0]))
		resource := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
		req, err := g.parseAction(resource, fields[1:], rest)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", seg, err)
		}
		steps = append(steps, dispatch.Step{
			Name:     seg,
			Resource: req.Resource,
			Action:   req.Action,
			Params:   req.Params,
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("usage: /mission <step>; <step>; ...")
	}
	return steps, nil
}

func (g *Gateway) listSessions(userID string) (string, string) {
	sessions, err := g.sessions.List(userID)
	if err != nil {
		return "could not list sessions: " + err.Error(), httpapi.CodeInternal
	}
	if len(sessions) == 0 {
		return "no sessions yet", ""
	}
	var sb strings.Builder
	for _, s := range sessions {
		marker := " "
		if s.Current {
			marker = "*"
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		fmt.Fprintf(&sb, "%s %s (%s, last active %s)\n", marker, name, s.Status, s.LastActivity.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(sb.String(), "\n"), ""
}

// parsePairToken extracts the token from a "/pair <token>" message.
func parsePairToken(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 2 && strings.EqualFold(fields[0], "/pair") {
		return fields[1], true
	}
	return "", false
}
