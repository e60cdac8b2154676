// Package gateway is the hub tying the platform adapters to the session,
// permission, usage and dispatch layers. One intake goroutine assigns
// inbound messages to per-user workers, so each user's messages are handled
// strictly in arrival order while users never wait on each other.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gituhq/gitu/internal/bus"
	"github.com/gituhq/gitu/internal/channel"
	"github.com/gituhq/gitu/internal/config"
	"github.com/gituhq/gitu/internal/cron"
	"github.com/gituhq/gitu/internal/dispatch"
	"github.com/gituhq/gitu/internal/httpapi"
	"github.com/gituhq/gitu/internal/identity"
	"github.com/gituhq/gitu/internal/permission"
	"github.com/gituhq/gitu/internal/session"
	"github.com/gituhq/gitu/internal/store"
	"github.com/gituhq/gitu/internal/usage"
)

// Responder produces the assistant reply for a conversational turn
// (anything that is not a command). Allows mocking in tests.
type Responder interface {
	Respond(ctx context.Context, sessionID, prompt string) (string, error)
}

// Options for creating a Gateway
type Options struct {
	Responder  Responder
	SignalChan chan os.Signal // for testing signal handling
}

const (
	chatChargeUnits = 5
	userQueueSize   = 16

	jobSessionSweep   = "__internal:session:sweep"
	jobUsageAlertScan = "__internal:usage:alert-scan"
)

// ackResponder is the fallback when no assistant backend is wired in.
type ackResponder struct{}

func (ackResponder) Respond(_ context.Context, _ string, prompt string) (string, error) {
	return fmt.Sprintf("received: %s\nSend /help for commands.", truncate(prompt, 120)), nil
}

// userRun is the cancellable unit of in-flight work for one user.
type userRun struct {
	cancel  context.CancelFunc
	mission *dispatch.Mission
}

type inboundWork struct {
	user store.User
	env  bus.Envelope
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	resolver   *identity.Resolver
	sessions   *session.Manager
	perms      *permission.Service
	governor   *usage.Governor
	dispatcher *dispatch.Dispatcher
	channels   *channel.ChannelManager
	cron       *cron.Service
	responder  Responder
	httpSrv    *http.Server
	signalChan chan os.Signal // for testing

	mu      sync.Mutex
	workers map[string]chan inboundWork
	runs    map[string]*userRun
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		workers: make(map[string]chan inboundWork),
		runs:    make(map[string]*userRun),
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	dbPath := strings.TrimSpace(cfg.Store.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "gitu.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	g.resolver = identity.NewResolver(st, cfg.PairingTTL())
	g.sessions = session.NewManager(st, cfg.IdleDuration())
	g.perms = permission.NewService(st)
	g.governor = usage.NewGovernor(st, cfg.UsageWindow(), cfg.Usage.DefaultLimit, cfg.Usage.AlertThreshold)

	g.dispatcher = dispatch.NewDispatcher(st, g.perms, g.governor, cfg.Dispatch)
	g.dispatcher.Register("shell", &dispatch.ShellCollaborator{})
	g.dispatcher.Register("files", &dispatch.FileCollaborator{
		Root: filepath.Join(config.ConfigDir(), "files"),
	})

	g.responder = opts.Responder
	if g.responder == nil {
		g.responder = ackResponder{}
	}
	g.signalChan = opts.SignalChan

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.runJob

	return g, nil
}

// Resolver exposes the identity resolver (used by the pairing CLI).
func (g *Gateway) Resolver() *identity.Resolver {
	return g.resolver
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	srv := &httpapi.Server{
		Bus:      g.bus,
		Resolver: g.resolver,
		Sessions: g.sessions,
		Perms:    g.perms,
		Governor: g.governor,
		Store:    g.store,
	}
	if ch, ok := g.channels.Get(channel.PlatformWeb); ok {
		if web, ok := ch.(*channel.WebChannel); ok {
			srv.WSHandler = web.Handler()
		}
	}
	g.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port),
		Handler: srv.Router(),
	}
	go func() {
		if err := g.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[gateway] http server error: %v", err)
		}
	}()

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] ensure maintenance jobs warning: %v", err)
	}

	go g.consumeIdentityEvents(ctx)
	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if g.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.httpSrv.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown warning: %v", err)
		}
		cancel()
	}
	_ = g.channels.StopAll()
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

// ensureMaintenanceJobs registers the internal sweep jobs once; the cron
// store persists them across restarts.
func (g *Gateway) ensureMaintenanceJobs() error {
	jobs := g.cron.ListJobs()
	hasSweep := false
	hasAlert := false
	for _, job := range jobs {
		if job.Payload.Message == jobSessionSweep {
			hasSweep = true
		}
		if job.Payload.Message == jobUsageAlertScan {
			hasAlert = true
		}
	}

	if !hasSweep {
		_, err := g.cron.AddJob("__internal_session_sweep",
			cron.Schedule{Kind: "cron", Expr: g.cfg.Session.SweepExpr},
			cron.Payload{Message: jobSessionSweep})
		if err != nil {
			return err
		}
	}
	if !hasAlert {
		_, err := g.cron.AddJob("__internal_usage_alert_scan",
			cron.Schedule{Kind: "cron", Expr: g.cfg.Usage.AlertExpr},
			cron.Payload{Message: jobUsageAlertScan})
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) runJob(job cron.CronJob) (string, error) {
	switch job.Payload.Message {
	case jobSessionSweep:
		n, err := g.sessions.ExpireIdle(time.Now())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("archived %d", n), nil
	case jobUsageAlertScan:
		return g.scanUsageAlerts()
	}

	if job.Payload.Deliver && job.Payload.Channel != "" {
		g.bus.Outbound <- bus.OutboundMessage{
			Platform: job.Payload.Channel,
			ChatID:   job.Payload.To,
			Content:  job.Payload.Message,
		}
		return "delivered", nil
	}
	return "", fmt.Errorf("unknown job payload %q", job.Payload.Message)
}

func (g *Gateway) scanUsageAlerts() (string, error) {
	users, err := g.store.ListUsers()
	if err != nil {
		return "", err
	}
	fired := 0
	for _, u := range users {
		alert, ratio, err := g.governor.ThresholdAlert(u.ID)
		if err != nil {
			log.Printf("[gateway] usage alert check for %s: %v", u.ID, err)
			continue
		}
		if alert {
			fired++
			g.notify(u.ID, fmt.Sprintf("usage warning: %.0f%% of your budget is spent in the current window", ratio*100), "")
		}
	}
	return fmt.Sprintf("alerted %d", fired), nil
}

// notify pushes a message to every platform account the user has linked.
func (g *Gateway) notify(userID, content, code string) {
	links, err := g.resolver.Links(userID)
	if err != nil {
		log.Printf("[gateway] notify %s: %v", userID, err)
		return
	}
	for _, l := range links {
		g.bus.Outbound <- bus.OutboundMessage{
			Platform: l.Platform,
			ChatID:   l.PlatformUserID,
			Content:  content,
			Code:     code,
		}
	}
}

// consumeIdentityEvents records link/unlink events as system messages in the
// affected user's current session, keeping the account trail in history.
func (g *Gateway) consumeIdentityEvents(ctx context.Context) {
	for {
		select {
		case ev := <-g.resolver.Events():
			sess, err := g.sessions.GetOrCreateActive(ev.UserID)
			if err != nil {
				log.Printf("[gateway] identity event session: %v", err)
				continue
			}
			note := fmt.Sprintf("%s account %s %s", ev.Platform, ev.PlatformUserID, ev.Kind)
			if _, err := g.sessions.Append(sess.ID, store.RoleSystem, note, ev.Platform, time.Now()); err != nil {
				log.Printf("[gateway] identity event append: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case env := <-g.bus.Inbound:
			g.route(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// route resolves the sender while still on the single intake goroutine, so
// messages enter the per-user queues in arrival order, then hands the work
// to that user's worker.
func (g *Gateway) route(ctx context.Context, env bus.Envelope) {
	text := strings.TrimSpace(env.Text())
	log.Printf("[gateway] inbound from %s/%s: %s", env.Platform, env.SenderID, truncate(text, 80))

	user, err := g.resolveSender(env, text)
	if err != nil {
		g.replyError(env, err)
		return
	}

	// /stop is handled here, off the worker queue, so it never waits behind
	// the very operation it is meant to cancel.
	if strings.EqualFold(text, "/stop") {
		if g.stopUser(user.ID) {
			g.reply(env, "stopping", "")
		} else {
			g.reply(env, "nothing in flight", "")
		}
		return
	}

	select {
	case g.userQueue(ctx, user.ID) <- inboundWork{user: user, env: env}:
	case <-ctx.Done():
	}
}

// resolveSender maps the platform identity to an internal user. Pairing
// proof rides on the message itself: a "/pair <token>" text, or the QR
// handshake the adapter completed (WhatsApp device link).
func (g *Gateway) resolveSender(env bus.Envelope, text string) (store.User, error) {
	var proof *identity.Proof
	if token, ok := parsePairToken(text); ok {
		proof = &identity.Proof{PairingToken: token}
	} else if v, ok := env.Metadata["qr_verified"].(bool); ok && v {
		proof = &identity.Proof{QRVerified: true}
	}
	return g.resolver.Resolve(env.Platform, env.SenderID, proof)
}

func (g *Gateway) userQueue(ctx context.Context, userID string) chan inboundWork {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.workers[userID]
	if !ok {
		q = make(chan inboundWork, userQueueSize)
		g.workers[userID] = q
		go g.workerLoop(ctx, q)
	}
	return q
}

func (g *Gateway) workerLoop(ctx context.Context, q chan inboundWork) {
	for {
		select {
		case w := <-q:
			g.handle(ctx, w.user, w.env)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, user store.User, env bus.Envelope) {
	text := strings.TrimSpace(env.Text())

	if _, ok := parsePairToken(text); ok {
		// The token was redeemed during identity resolution.
		g.reply(env, fmt.Sprintf("this %s account is linked", env.Platform), "")
		return
	}

	sess, err := g.sessions.GetOrCreateActive(user.ID)
	if err != nil {
		g.replyError(env, err)
		return
	}

	if _, err := g.sessions.Append(sess.ID, store.RoleUser, envelopeContent(env), env.Platform, env.Timestamp); err != nil {
		g.replyError(env, err)
		return
	}

	var out, code string
	if strings.HasPrefix(text, "/") {
		out, code = g.runCommand(ctx, user, text)
	} else {
		out, code = g.converse(ctx, user, sess, text)
	}
	if out == "" {
		return
	}

	// Commands may have switched or cleared the session; the reply belongs
	// to whatever is current now.
	if cur, err := g.sessions.GetOrCreateActive(user.ID); err != nil {
		log.Printf("[gateway] current session for reply: %v", err)
	} else if _, err := g.sessions.Append(cur.ID, store.RoleAssistant, out, env.Platform, time.Now()); err != nil {
		log.Printf("[gateway] append reply: %v", err)
	}

	g.deliver(user, env, out, code)
}

func (g *Gateway) converse(ctx context.Context, user store.User, sess store.Session, text string) (string, string) {
	if err := g.governor.Charge(user.ID, "chat", chatChargeUnits); err != nil {
		if errors.Is(err, usage.ErrQuotaExceeded) {
			return "usage budget exhausted for the current window", httpapi.CodeQuotaExceeded
		}
		return "internal error: " + err.Error(), httpapi.CodeInternal
	}
	if alert, ratio, err := g.governor.ThresholdAlert(user.ID); err == nil && alert {
		g.notify(user.ID, fmt.Sprintf("usage warning: %.0f%% of your budget is spent in the current window", ratio*100), "")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.setRun(user.ID, &userRun{cancel: cancel})
	defer func() {
		cancel()
		g.clearRun(user.ID)
	}()

	out, err := g.responder.Respond(runCtx, sess.ID, text)
	if err != nil {
		if runCtx.Err() != nil {
			return "stopped", ""
		}
		log.Printf("[gateway] responder error: %v", err)
		return "sorry, something went wrong handling that message", httpapi.CodeInternal
	}
	return out, ""
}

// deliver answers on the originating connection and mirrors the reply to
// the user's linked web device so open app views stay in sync.
func (g *Gateway) deliver(user store.User, env bus.Envelope, content, code string) {
	g.reply(env, content, code)
	if env.Platform == channel.PlatformWeb {
		return
	}
	links, err := g.resolver.Links(user.ID)
	if err != nil {
		return
	}
	for _, l := range links {
		if l.Platform == channel.PlatformWeb {
			g.bus.Outbound <- bus.OutboundMessage{
				Platform: l.Platform,
				ChatID:   l.PlatformUserID,
				Content:  content,
				Code:     code,
			}
		}
	}
}

func (g *Gateway) reply(env bus.Envelope, content, code string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Platform: env.Platform,
		ChatID:   env.ChatID,
		Content:  content,
		ReplyTo:  env.PlatformMsgID,
		Code:     code,
	}
}

func (g *Gateway) replyError(env bus.Envelope, err error) {
	msg := err.Error()
	if errors.Is(err, identity.ErrUnlinkedAccount) {
		msg = "this account is not paired; run `gitu pair` and send /pair <token>"
	}
	g.reply(env, msg, httpapi.ErrorCode(err))
}

func (g *Gateway) setRun(userID string, r *userRun) {
	g.mu.Lock()
	g.runs[userID] = r
	g.mu.Unlock()
}

func (g *Gateway) clearRun(userID string) {
	g.mu.Lock()
	delete(g.runs, userID)
	g.mu.Unlock()
}

// stopUser cancels the user's in-flight work. In-flight steps finish or
// time out on their own; the cancellation stops what comes after.
func (g *Gateway) stopUser(userID string) bool {
	g.mu.Lock()
	r := g.runs[userID]
	g.mu.Unlock()
	if r == nil {
		return false
	}
	if r.mission != nil {
		r.mission.Cancel()
	}
	r.cancel()
	return true
}

// envelopeContent renders the envelope for session history: text parts plus
// a marker per non-text attachment.
func envelopeContent(env bus.Envelope) string {
	text := strings.TrimSpace(env.Text())
	var extras []string
	for _, p := range env.Parts {
		if p.Kind != bus.PartText {
			extras = append(extras, "["+string(p.Kind)+"]")
		}
	}
	if len(extras) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(extras, " ")
	}
	return text + " " + strings.Join(extras, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
