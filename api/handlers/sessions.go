package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/session"
	"github.com/libraxisai/lbrxserve/types"
)

type createSessionRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	TTL       int            `json:"ttl,omitempty"`
}

type sessionView struct {
	ID           string `json:"id"`
	Model        string `json:"model,omitempty"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type sessionDetail struct {
	sessionView
	Messages []sessionMessage `json:"messages"`
}

type sessionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		ID:           s.ID,
		Model:        s.Model,
		MessageCount: s.MessageCount,
		CreatedAt:    s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:    s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// CreateSession handles POST {prefix}/sessions.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if req.Model != "" && !h.Registry.Admissible(req.Model) {
		h.writeError(w, types.NewError(types.ErrModelNotAdmissible,
			"model not in catalog: "+req.Model))
		return
	}
	if req.TTL < 0 {
		h.writeError(w, types.NewError(types.ErrBadRequest, "ttl must be non-negative"))
		return
	}
	identity := auth.IdentityFrom(r.Context())
	sess := session.New(identity.UserID, identity.Service, req.Model)
	if req.SessionID != "" {
		sess.ID = req.SessionID
	}
	sess.Data = req.Data
	sess.TTLSeconds = req.TTL
	if err := h.Sessions.Create(r.Context(), sess); err != nil {
		h.writeError(w, err)
		return
	}
	h.Log.Info("session created",
		zap.String("session", sess.ID),
		zap.String("user", identity.UserID))
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

// GetSession handles GET {prefix}/sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	detail := sessionDetail{sessionView: viewOf(sess)}
	for _, m := range sess.Messages {
		detail.Messages = append(detail.Messages, sessionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListSessions handles GET {prefix}/sessions. Backends without an index
// return an empty list.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// SessionMessages handles GET {prefix}/sessions/{id}/messages. A positive
// limit query parameter returns only the most recent messages.
func (h *Handlers) SessionMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	msgs := sess.Messages
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, types.NewError(types.ErrBadRequest, "limit must be a non-negative integer"))
			return
		}
		if limit < len(msgs) {
			msgs = msgs[len(msgs)-limit:]
		}
	}
	out := make([]sessionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, sessionMessage{Role: string(m.Role), Content: m.Content})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"messages":   out,
		"count":      len(out),
	})
}

// DeleteSession handles DELETE {prefix}/sessions/{id}.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Sessions.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
