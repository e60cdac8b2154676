package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gituhq/gitu/internal/bus"
	"github.com/gituhq/gitu/internal/config"
	"github.com/gituhq/gitu/internal/cron"
	"github.com/gituhq/gitu/internal/dispatch"
	"github.com/gituhq/gitu/internal/httpapi"
	"github.com/gituhq/gitu/internal/identity"
)

func cronJob(message string) cron.CronJob {
	return cron.NewCronJob("test", cron.Schedule{Kind: "every", EveryMs: 60000}, cron.Payload{Message: message})
}

// echoResponder replies with a fixed prefix so tests can tell a
// conversational turn from a command reply.
type echoResponder struct{}

func (echoResponder) Respond(_ context.Context, _ string, prompt string) (string, error) {
	return "echo: " + prompt, nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cfg := config.DefaultConfig()
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "gitu.db")

	g, err := NewWithOptions(cfg, Options{Responder: echoResponder{}})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(func() { _ = g.store.Close() })
	return g
}

func waitOutbound(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-g.bus.Outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message")
		return bus.OutboundMessage{}
	}
}

func textEnvelope(platform, sender, text string) bus.Envelope {
	return bus.Envelope{
		Platform:  platform,
		SenderID:  sender,
		ChatID:    sender,
		Parts:     []bus.ContentPart{{Kind: bus.PartText, Text: text}},
		Timestamp: time.Now(),
	}
}

func TestRoute_UnlinkedSender(t *testing.T) {
	g := newTestGateway(t)

	g.route(context.Background(), textEnvelope("telegram", "42", "hello"))

	msg := waitOutbound(t, g)
	if msg.Code != httpapi.CodeUnlinkedAccount {
		t.Errorf("code = %q, want %q", msg.Code, httpapi.CodeUnlinkedAccount)
	}
	if msg.Platform != "telegram" || msg.ChatID != "42" {
		t.Errorf("reply addressed to %s/%s", msg.Platform, msg.ChatID)
	}
}

func TestRoute_PairThenConverse(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	token := g.resolver.IssuePairingToken("")
	g.route(ctx, textEnvelope("telegram", "42", "/pair "+token))

	msg := waitOutbound(t, g)
	if !strings.Contains(msg.Content, "linked") {
		t.Fatalf("pair reply = %q", msg.Content)
	}

	g.route(ctx, textEnvelope("telegram", "42", "hello there"))
	msg = waitOutbound(t, g)
	if msg.Content != "echo: hello there" {
		t.Errorf("reply = %q", msg.Content)
	}

	// The exchange is in session history.
	user, err := g.resolver.Resolve("telegram", "42", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	sess, err := g.sessions.GetOrCreateActive(user.ID)
	if err != nil {
		t.Fatalf("GetOrCreateActive: %v", err)
	}
	msgs, err := g.sessions.History(sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var haveUser, haveAssistant bool
	for _, m := range msgs {
		if m.Role == "user" && m.Content == "hello there" {
			haveUser = true
		}
		if m.Role == "assistant" && m.Content == "echo: hello there" {
			haveAssistant = true
		}
	}
	if !haveUser || !haveAssistant {
		t.Errorf("history missing turn: %+v", msgs)
	}
}

func TestRoute_HelpCommand(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	token := g.resolver.IssuePairingToken("")
	g.route(ctx, textEnvelope("web", "dev-1", "/pair "+token))
	waitOutbound(t, g)

	g.route(ctx, textEnvelope("web", "dev-1", "/help"))
	msg := waitOutbound(t, g)
	if msg.Content != helpText {
		t.Errorf("reply = %q", msg.Content)
	}
}

func TestRoute_StopWithNothingInFlight(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	token := g.resolver.IssuePairingToken("")
	g.route(ctx, textEnvelope("telegram", "42", "/pair "+token))
	waitOutbound(t, g)

	g.route(ctx, textEnvelope("telegram", "42", "/stop"))
	msg := waitOutbound(t, g)
	if msg.Content != "nothing in flight" {
		t.Errorf("reply = %q", msg.Content)
	}
}

func TestStopUser_CancelsRun(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := dispatch.NewMission([]dispatch.Step{{Name: "s", Resource: "files", Action: "list"}})
	g.setRun("u1", &userRun{cancel: cancel, mission: m})

	if !g.stopUser("u1") {
		t.Fatal("stopUser should report a cancelled run")
	}
	if ctx.Err() == nil {
		t.Error("run context should be cancelled")
	}
	if !m.Cancelled() {
		t.Error("mission should be flagged cancelled")
	}

	g.clearRun("u1")
	if g.stopUser("u1") {
		t.Error("stopUser with no run should report false")
	}
}

func TestResolveSender_QRMetadata(t *testing.T) {
	g := newTestGateway(t)

	env := textEnvelope("whatsapp", "155@s.whatsapp.net", "hi")
	env.Metadata = map[string]any{"qr_verified": true}

	user, err := g.resolveSender(env, "hi")
	if err != nil {
		t.Fatalf("resolveSender: %v", err)
	}
	if user.ID == "" {
		t.Error("expected a user from the QR handshake")
	}
}

func TestRunCommand_UnknownCommand(t *testing.T) {
	g := newTestGateway(t)

	user, err := g.resolver.CreateUser("")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	out, code := g.runCommand(context.Background(), user, "/frobnicate")
	if !strings.Contains(out, "unknown command") || code != "" {
		t.Errorf("out = %q code = %q", out, code)
	}
}

func TestParsePairToken(t *testing.T) {
	tests := []struct {
		text  string
		token string
		ok    bool
	}{
		{"/pair abc123", "abc123", true},
		{"/PAIR abc123", "abc123", true},
		{"  /pair abc123  ", "abc123", true},
		{"/pair", "", false},
		{"/pair a b", "", false},
		{"pair abc", "", false},
		{"hello", "", false},
	}
	for _, tt := range tests {
		token, ok := parsePairToken(tt.text)
		if token != tt.token || ok != tt.ok {
			t.Errorf("parsePairToken(%q) = %q, %v; want %q, %v", tt.text, token, ok, tt.token, tt.ok)
		}
	}
}

func TestEnvelopeContent(t *testing.T) {
	tests := []struct {
		name  string
		parts []bus.ContentPart
		want  string
	}{
		{"text only", []bus.ContentPart{{Kind: bus.PartText, Text: "hi"}}, "hi"},
		{"image only", []bus.ContentPart{{Kind: bus.PartImage, Data: "aGk="}}, "[image]"},
		{"text and file", []bus.ContentPart{
			{Kind: bus.PartText, Text: "see attached"},
			{Kind: bus.PartFile, Name: "a.pdf"},
		}, "see attached [file]"},
		{"audio and image", []bus.ContentPart{
			{Kind: bus.PartAudio},
			{Kind: bus.PartImage},
		}, "[audio] [image]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := envelopeContent(bus.Envelope{Parts: tt.parts})
			if got != tt.want {
				t.Errorf("envelopeContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		name     string
		res      dispatch.Result
		wantText string
		wantCode string
	}{
		{"ok with output", dispatch.Result{Status: dispatch.StatusOK, Output: "hi"}, "hi", ""},
		{"ok empty output", dispatch.Result{Status: dispatch.StatusOK}, "done", ""},
		{"denied", dispatch.Result{Status: dispatch.StatusDenied}, "permission denied for shell execute", httpapi.CodePermissionDenied},
		{"quota", dispatch.Result{Status: dispatch.StatusQuota}, "usage budget exhausted for the current window", httpapi.CodeQuotaExceeded},
		{"timeout", dispatch.Result{Status: dispatch.StatusTimeout}, "shell execute timed out", httpapi.CodeDispatchTimeout},
		{"cancelled", dispatch.Result{Status: dispatch.StatusCancelled}, "stopped", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, code := renderResult("shell", "execute", tt.res)
			if text != tt.wantText || code != tt.wantCode {
				t.Errorf("renderResult = %q, %q; want %q, %q", text, code, tt.wantText, tt.wantCode)
			}
		})
	}

	text, code := renderResult("shell", "execute", dispatch.Result{Status: dispatch.StatusPending, RequestID: "r1"})
	if !strings.Contains(text, "r1") || code != httpapi.CodePermissionPending {
		t.Errorf("pending render = %q, %q", text, code)
	}
	text, code = renderResult("gmail", "read", dispatch.Result{Status: dispatch.StatusFailed, Err: "boom"})
	if !strings.Contains(text, "boom") || code != httpapi.CodeExternalFailure {
		t.Errorf("failed render = %q, %q", text, code)
	}
}

func TestParseMission(t *testing.T) {
	g := newTestGateway(t)

	steps, err := g.parseMission("files list /tmp; shell git status; gmail read invoices")
	if err != nil {
		t.Fatalf("parseMission: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	if steps[0].Resource != "files" || steps[0].Action != "list" || steps[0].Params["path"] != "/tmp" {
		t.Errorf("step 0 = %+v", steps[0])
	}
	if steps[1].Resource != "shell" || steps[1].Params["command"] != "git status" {
		t.Errorf("step 1 = %+v", steps[1])
	}
	if steps[2].Resource != "gmail" || steps[2].Action != "read" || steps[2].Params["label"] != "invoices" {
		t.Errorf("step 2 = %+v", steps[2])
	}

	if _, err := g.parseMission("  ;  ; "); err == nil {
		t.Error("expected an error for an empty mission")
	}
	if _, err := g.parseMission("shell"); err == nil {
		t.Error("expected an error for a step missing its argument")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestMaintenanceJobs_RegisteredOnce(t *testing.T) {
	g := newTestGateway(t)

	if err := g.ensureMaintenanceJobs(); err != nil {
		t.Fatalf("ensureMaintenanceJobs: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		t.Fatalf("second ensureMaintenanceJobs: %v", err)
	}

	sweeps, alerts := 0, 0
	for _, job := range g.cron.ListJobs() {
		switch job.Payload.Message {
		case jobSessionSweep:
			sweeps++
		case jobUsageAlertScan:
			alerts++
		}
	}
	if sweeps != 1 || alerts != 1 {
		t.Errorf("sweep jobs = %d, alert jobs = %d, want 1 each", sweeps, alerts)
	}
}

func TestRunJob_SessionSweep(t *testing.T) {
	g := newTestGateway(t)

	out, err := g.runJob(cronJob(jobSessionSweep))
	if err != nil {
		t.Fatalf("runJob: %v", err)
	}
	if !strings.HasPrefix(out, "archived") {
		t.Errorf("out = %q", out)
	}
}

func TestRunJob_Deliver(t *testing.T) {
	g := newTestGateway(t)

	job := cronJob("good morning")
	job.Payload.Deliver = true
	job.Payload.Channel = "telegram"
	job.Payload.To = "42"

	out, err := g.runJob(job)
	if err != nil {
		t.Fatalf("runJob: %v", err)
	}
	if out != "delivered" {
		t.Errorf("out = %q", out)
	}
	msg := waitOutbound(t, g)
	if msg.Platform != "telegram" || msg.ChatID != "42" || msg.Content != "good morning" {
		t.Errorf("outbound = %+v", msg)
	}
}

func TestRunJob_Unknown(t *testing.T) {
	g := newTestGateway(t)
	if _, err := g.runJob(cronJob("mystery")); err == nil {
		t.Error("expected an error for an unknown payload")
	}
}

func TestConsumeIdentityEvents_RecordsSystemMessage(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.consumeIdentityEvents(ctx)

	token := g.resolver.IssuePairingToken("")
	user, err := g.resolver.Resolve("telegram", "42", &identity.Proof{PairingToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := g.sessions.GetOrCreateActive(user.ID)
		if err != nil {
			t.Fatalf("GetOrCreateActive: %v", err)
		}
		msgs, err := g.sessions.History(sess.ID)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		found := false
		for _, m := range msgs {
			if m.Role == "system" && strings.Contains(m.Content, "linked") {
				found = true
			}
		}
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no system message recorded for the link event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
