package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/planweave/planweave/internal/agent"
	"github.com/planweave/planweave/internal/sessions"
	"github.com/planweave/planweave/pkg/models"
)

// handleChatMessage handles POST /chat/message.
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req agent.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.TraceChatTurn(r.Context(), req.SessionID)
	defer span.End()

	resp, err := s.agent.ChatMessage(ctx, req)
	if err != nil {
		s.tracer.RecordError(span, err)
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// actionStatusResponse is the wire form of GET /chat/actions/{id}.
type actionStatusResponse struct {
	TrackingID string             `json:"tracking_id"`
	Status     string             `json:"status"`
	PlanID     *int64             `json:"plan_id,omitempty"`
	Actions    []models.AgentStep `json:"actions"`
	Errors     []string           `json:"errors,omitempty"`
	Result     *agent.Outcome     `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// handleChatAction handles GET /chat/actions/{tracking_id}.
func (s *Server) handleChatAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathSegments(r, "/chat/actions/")
	if len(parts) != 1 || parts[0] == "" {
		s.jsonError(w, "tracking id required", http.StatusBadRequest)
		return
	}

	res, err := s.agent.LookupAction(r.Context(), parts[0])
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := actionStatusResponse{
		TrackingID: res.TrackingID,
		Status:     res.Status,
		Actions:    []models.AgentStep{},
		Error:      res.Error,
		FinishedAt: res.FinishedAt,
	}
	if res.Outcome != nil {
		out.PlanID = res.Outcome.PlanID
		out.Actions = res.Outcome.Actions
		out.Errors = res.Outcome.Errors
		out.Result = res.Outcome
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// handleChatHistory handles GET /chat/history/{session_id}.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathSegments(r, "/chat/history/")
	if len(parts) != 1 || parts[0] == "" {
		s.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	sessionID := parts[0]
	limit := parseIntParam(r, "limit", 0)

	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		s.respondError(w, err)
		return
	}
	messages, err := s.sessions.History(r.Context(), sessionID, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if messages == nil {
		messages = []*models.ChatMessage{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
		"total":      len(messages),
	})
}

// handleSessionList handles GET /chat/sessions.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntParam(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	activeOnly := parseBoolParam(r, "active", false)

	list, err := s.sessions.List(r.Context(), activeOnly, limit, offset)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if list == nil {
		list = []*models.ChatSession{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"sessions": list,
		"total":    len(list),
		"limit":    limit,
		"offset":   offset,
	})
}

// handleSession routes /chat/sessions/{id} and its autotitle
// subresource.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := pathSegments(r, "/chat/sessions/")
	if len(parts) == 0 || parts[0] == "" {
		s.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	sessionID := parts[0]

	if len(parts) == 2 && parts[1] == "autotitle" {
		s.handleSessionAutoTitle(w, r, sessionID)
		return
	}
	if len(parts) != 1 {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		s.handleSessionPatch(w, r, sessionID)
	case http.MethodDelete:
		s.handleSessionDelete(w, r, sessionID)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionPatch handles PATCH /chat/sessions/{id}.
func (s *Server) handleSessionPatch(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Name     *string                 `json:"name"`
		IsActive *bool                   `json:"is_active"`
		PlanID   *int64                  `json:"plan_id"`
		Unbind   bool                    `json:"unbind"`
		Settings *models.SessionSettings `json:"settings"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := s.sessions.Update(r.Context(), sessionID, sessions.UpdateParams{
		Name:     body.Name,
		IsActive: body.IsActive,
		PlanID:   body.PlanID,
		Unbind:   body.Unbind,
		Settings: body.Settings,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, session)
}

// handleSessionAutoTitle handles POST /chat/sessions/{id}/autotitle.
func (s *Server) handleSessionAutoTitle(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Force    bool   `json:"force"`
		Strategy string `json:"strategy"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	switch body.Strategy {
	case "", agent.TitleStrategyLLM, agent.TitleStrategyPlan, agent.TitleStrategyFirstMessage:
	default:
		s.jsonError(w, "unknown title strategy", http.StatusBadRequest)
		return
	}

	session, renamed, err := s.agent.AutoTitle(r.Context(), sessionID, body.Force, body.Strategy)
	if errors.Is(err, agent.ErrNoBoundPlan) {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"session": session,
		"renamed": renamed,
	})
}

// handleSessionDelete handles DELETE /chat/sessions/{id}. With
// archive=true the session is soft-archived instead of removed.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request, sessionID string) {
	archive := parseBoolParam(r, "archive", false)
	var err error
	if archive {
		err = s.sessions.Archive(r.Context(), sessionID)
	} else {
		err = s.sessions.Delete(r.Context(), sessionID)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	status := "deleted"
	if archive {
		status = "archived"
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     status,
	})
}
