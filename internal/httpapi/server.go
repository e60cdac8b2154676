// Package httpapi exposes the gateway's upward-facing HTTP contract to the
// (out of scope) UI layer: message ingress, session history, permission
// administration and usage queries.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gituhq/gitu/internal/bus"
	"github.com/gituhq/gitu/internal/identity"
	"github.com/gituhq/gitu/internal/permission"
	"github.com/gituhq/gitu/internal/session"
	"github.com/gituhq/gitu/internal/store"
	"github.com/gituhq/gitu/internal/usage"
)

// APIPlatform is the platform tag for clients that talk to the HTTP API
// directly; the userToken is their platform user id.
const APIPlatform = "web"

type Server struct {
	Bus       *bus.MessageBus
	Resolver  *identity.Resolver
	Sessions  *session.Manager
	Perms     *permission.Service
	Governor  *usage.Governor
	Store     *store.Store
	WSHandler http.HandlerFunc
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/message", s.postMessage)
	r.Post("/pair", s.postPair)
	r.Get("/sessions/{id}", s.getSession)
	r.Post("/permissions/grant", s.postGrant)
	r.Post("/permissions/revoke", s.postRevoke)
	r.Get("/permissions/requests", s.getRequests)
	r.Post("/permissions/requests/{id}/approve", s.postApprove)
	r.Post("/permissions/requests/{id}/deny", s.postDeny)
	r.Get("/usage/{userId}", s.getUsage)
	r.Get("/audit/{userId}", s.getAudit)

	if s.WSHandler != nil {
		r.Get("/ws", s.WSHandler)
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] write response: %v", err)
	}
}

type errorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	writeJSON(w, StatusForCode(code), errorBody{Code: code, Reason: err.Error()})
}

type postMessageBody struct {
	Platform  string `json:"platform"`
	UserToken string `json:"userToken"`
	Content   string `json:"content"`
}

// postMessage accepts a message on behalf of an API client and feeds it
// into the normal gateway routing path. The response acknowledges
// acceptance; the reply arrives over the client's live connection.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body postMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Reason: "invalid json"})
		return
	}
	if body.Content == "" || body.UserToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Reason: "userToken and content are required"})
		return
	}
	platform := body.Platform
	if platform == "" {
		platform = APIPlatform
	}

	user, err := s.Resolver.Resolve(platform, body.UserToken, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.Sessions.GetOrCreateActive(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.Bus.Inbound <- bus.Envelope{
		Platform:  platform,
		SenderID:  body.UserToken,
		ChatID:    body.UserToken,
		Parts:     []bus.ContentPart{{Kind: bus.PartText, Text: body.Content}},
		Timestamp: time.Now(),
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"accepted":  true,
	})
}

// postPair mints a one-time pairing token. An empty userId pairs a brand
// new user on redeem; a set userId links another platform account to them.
func (s *Server) postPair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	token := s.Resolver.IssuePairingToken(body.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type sessionBody struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Name      string        `json:"name,omitempty"`
	Status    string        `json:"status"`
	Current   bool          `json:"current"`
	CreatedAt time.Time     `json:"createdAt"`
	Messages  []messageBody `json:"messages"`
}

type messageBody struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Platform  string    `json:"platform,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok, err := s.Sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Code: CodeNotFound, Reason: "unknown session"})
		return
	}
	msgs, err := s.Sessions.History(id)
	if err != nil {
		writeError(w, err)
		return
	}

	body := sessionBody{
		ID:        sess.ID,
		UserID:    sess.UserID,
		Name:      sess.Name,
		Status:    sess.Status,
		Current:   sess.Current,
		CreatedAt: sess.CreatedAt,
		Messages:  make([]messageBody, 0, len(msgs)),
	}
	for _, m := range msgs {
		body.Messages = append(body.Messages, messageBody{
			Role:      m.Role,
			Content:   m.Content,
			Platform:  m.Platform,
			Timestamp: m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, body)
}

type grantBody struct {
	UserID    string      `json:"userId"`
	Resource  string      `json:"resource"`
	Actions   []string    `json:"actions"`
	Scope     store.Scope `json:"scope"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
}

func (s *Server) postGrant(w http.ResponseWriter, r *http.Request) {
	var body grantBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Reason: "invalid json"})
		return
	}
	if body.UserID == "" || body.Resource == "" || len(body.Actions) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Reason: "userId, resource and actions are required"})
		return
	}
	g, err := s.Perms.Grant(body.UserID, body.Resource, body.Actions, body.Scope, body.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"grantId": g.ID})
}

func (s *Server) postRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GrantID string `json:"grantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.GrantID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Reason: "grantId is required"})
		return
	}
	if err := s.Perms.Revoke(body.GrantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) getRequests(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = store.RequestPending
	}
	reqs, err := s.Perms.Requests(status)
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []store.PermissionRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) postApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		ExpiresInDays int `json:"expiresInDays"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	g, err := s.Perms.Approve(id, body.ExpiresInDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"grantId": g.ID})
}

func (s *Server) postDeny(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Perms.Deny(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"denied": true})
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	summary, err := s.Governor.Usage(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	entries, err := s.Store.AuditByUser(userID, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
