// Package agent runs the conversational planning loop. Each turn sends
// the session history plus a state-aware system prompt to the model,
// expects one structured JSON reply, and dispatches the returned
// actions against the plan repository, the job queue, and the tool
// registry. Turns whose actions are long-running come back immediately
// with a tracking id and finish inside a chat_action job.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/sessions"
	"github.com/planweave/planweave/internal/tools"
	"github.com/planweave/planweave/pkg/models"
)

// Dispatch modes a client can force. Empty picks automatically: turns
// with long-running actions go async, everything else runs inline.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// errUnparseableReply marks a model reply that still failed structured
// validation after all corrective retries.
var errUnparseableReply = errors.New("model reply failed structured validation")

// ChatRequest is one user turn.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Mode      string `json:"mode,omitempty"`
	// History overrides the stored conversation when the client keeps
	// its own transcript.
	History               []HistoryMessage `json:"history,omitempty"`
	Context               string           `json:"context,omitempty"`
	DefaultSearchProvider string           `json:"default_search_provider,omitempty"`
	Metadata              map[string]any   `json:"metadata,omitempty"`
}

// HistoryMessage is one client-supplied transcript entry.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the assistant turn returned to the client.
type ChatResponse struct {
	SessionID string             `json:"session_id"`
	Response  string             `json:"response"`
	Actions   []models.AgentStep `json:"actions,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// Outcome is the result payload of a chat_action job: the final state
// of every dispatched action.
type Outcome struct {
	Status  string             `json:"status"`
	PlanID  *int64             `json:"plan_id,omitempty"`
	Actions []models.AgentStep `json:"actions"`
	Errors  []string           `json:"errors,omitempty"`
}

// ActionStatusResult reports the progress of an asynchronous turn by
// its tracking id.
type ActionStatusResult struct {
	TrackingID string     `json:"tracking_id"`
	Status     string     `json:"status"`
	Outcome    *Outcome   `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Service is the conversational agent.
type Service struct {
	repo         *plan.Repository
	sessions     *sessions.Service
	jobs         *jobs.Manager
	tools        *tools.Registry
	provider     llm.Provider
	cfg          config.AgentConfig
	decomposeCfg config.DecomposeConfig
	logger       *observability.Logger
}

// New wires the agent. The decompose config is only consulted for the
// auto-decompose-on-create flag.
func New(repo *plan.Repository, sess *sessions.Service, manager *jobs.Manager, registry *tools.Registry, provider llm.Provider, cfg config.AgentConfig, decomposeCfg config.DecomposeConfig, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.AutoTitleMinUserMessages <= 0 {
		cfg.AutoTitleMinUserMessages = 2
	}
	if cfg.ValidationRetries < 0 {
		cfg.ValidationRetries = 0
	}
	return &Service{
		repo:         repo,
		sessions:     sess,
		jobs:         manager,
		tools:        registry,
		provider:     provider,
		cfg:          cfg,
		decomposeCfg: decomposeCfg,
		logger:       logger.WithComponent("agent"),
	}
}

// ChatMessage runs one conversational turn end to end: persist the
// user message, call the model, and dispatch whatever actions come
// back. Turns are serialised per session.
func (s *Service) ChatMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, errors.New("message is required")
	}

	session, err := s.sessions.Ensure(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	unlock := s.sessions.LockTurn(session.ID)
	defer unlock()

	session, err = s.applySearchPreference(ctx, session, req.DefaultSearchProvider)
	if err != nil {
		return nil, err
	}

	// History is loaded before the new message is stored so the prompt
	// does not carry the current message twice.
	history, err := s.loadHistory(ctx, session.ID, req.History)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.AppendMessage(ctx, session.ID, models.RoleUser, message, req.Metadata); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	tree, plans, err := s.loadPlanContext(ctx, session)
	if err != nil {
		return nil, err
	}
	system := buildSystemPrompt(promptInput{
		tree:            tree,
		plans:           plans,
		session:         session,
		extra:           req.Context,
		tools:           s.toolCatalog(),
		outlineMaxDepth: s.cfg.OutlineMaxDepth,
		outlineMaxNodes: s.cfg.OutlineMaxNodes,
	})
	messages := append(history, llm.Message{Role: llm.RoleUser, Content: message})

	structured, raw, err := s.completeStructured(ctx, system, messages)
	if err != nil {
		if !errors.Is(err, errUnparseableReply) {
			return nil, err
		}
		// The turn still answers the user; only the action channel is
		// lost. The salvage text is whatever message the reply carried.
		response := looseReply(raw)
		meta := map[string]any{"parse_error": err.Error()}
		s.persistAssistant(ctx, session.ID, response, meta)
		s.autoTitleAsync(session)
		s.logger.Warn(ctx, "structured reply unrecoverable", "session_id", session.ID, "error", err)
		return &ChatResponse{SessionID: session.ID, Response: response, Metadata: meta}, nil
	}

	response := strings.TrimSpace(structured.LLMReply.Message)
	actions := normalizeActions(structured.Actions)
	meta := map[string]any{}
	if session.PlanID != nil {
		meta["plan_id"] = *session.PlanID
	}

	if len(actions) == 0 {
		s.persistAssistant(ctx, session.ID, response, meta)
		s.autoTitleAsync(session)
		return &ChatResponse{SessionID: session.ID, Response: response, Metadata: meta}, nil
	}

	if violatesSubgraphRule(actions) {
		const msg = "request_subgraph must be the only action in a reply"
		steps := failedSteps(actions, msg)
		meta["error"] = msg
		s.persistAssistant(ctx, session.ID, response, meta)
		return &ChatResponse{SessionID: session.ID, Response: response, Actions: steps, Metadata: meta}, nil
	}

	async := false
	for _, action := range actions {
		if s.longRunning(action) {
			async = true
			break
		}
	}
	switch req.Mode {
	case ModeSync:
		async = false
	case ModeAsync:
		async = true
	}

	if async {
		return s.dispatchAsync(ctx, session, req, response, actions, meta)
	}
	return s.dispatchSync(ctx, session, req, response, actions, meta)
}

// dispatchSync runs the actions inline and returns their final steps.
func (s *Service) dispatchSync(ctx context.Context, session *models.ChatSession, req ChatRequest, response string, actions []models.Action, meta map[string]any) (*ChatResponse, error) {
	st := &dispatchState{
		session:        session,
		planID:         session.PlanID,
		searchProvider: req.DefaultSearchProvider,
	}
	s.runActions(ctx, st, actions)

	if len(st.toolResults) > 0 {
		meta["tool_results"] = st.toolResults
		if err := s.sessions.RecordToolResults(ctx, session.ID, st.toolResults, s.cfg.RecentToolResultsLimit); err != nil {
			s.logger.Warn(ctx, "record tool results failed", "session_id", session.ID, "error", err)
		}
	}
	for k, v := range st.extra {
		meta[k] = v
	}
	if st.planID != nil {
		meta["plan_id"] = *st.planID
	} else {
		delete(meta, "plan_id")
	}
	meta["status"] = "completed"
	meta["actions_summary"] = summarizeSteps(st.steps)

	s.persistAssistant(ctx, session.ID, response, meta)
	s.autoTitleAsync(st.session)
	return &ChatResponse{SessionID: session.ID, Response: response, Actions: st.steps, Metadata: meta}, nil
}

// dispatchAsync parks the actions in a chat_action job and answers
// immediately with a tracking id. A full queue degrades to a failed
// turn that tells the user to retry, never to a dropped one.
func (s *Service) dispatchAsync(ctx context.Context, session *models.ChatSession, req ChatRequest, response string, actions []models.Action, meta map[string]any) (*ChatResponse, error) {
	turn := storedTurn{
		SessionID:      session.ID,
		PlanID:         session.PlanID,
		SearchProvider: req.DefaultSearchProvider,
		Actions:        actions,
	}
	job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
		Type:       models.JobTypeChatAction,
		PlanID:     session.PlanID,
		SessionID:  session.ID,
		Parameters: turn,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			steps := failedSteps(actions, "job queue is full")
			meta["error"] = "job queue is full"
			response = strings.TrimSpace(response + " The background queue is full right now, so these actions were not started; please try again shortly.")
			s.persistAssistant(ctx, session.ID, response, meta)
			return &ChatResponse{SessionID: session.ID, Response: response, Actions: steps, Metadata: meta}, nil
		}
		return nil, fmt.Errorf("enqueue chat actions: %w", err)
	}

	meta["tracking_id"] = job.ID
	meta["status"] = "pending"
	s.persistAssistant(ctx, session.ID, response, meta)
	s.autoTitleAsync(session)
	return &ChatResponse{SessionID: session.ID, Response: response, Actions: pendingSteps(actions), Metadata: meta}, nil
}

// LookupAction reports an asynchronous turn's progress by tracking id.
func (s *Service) LookupAction(ctx context.Context, trackingID string) (*ActionStatusResult, error) {
	job, err := s.jobs.Get(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	result := &ActionStatusResult{
		TrackingID: job.ID,
		Status:     trackingStatus(job.Status),
		Error:      job.Error,
		FinishedAt: job.FinishedAt,
	}
	if len(job.Result) > 0 {
		var outcome Outcome
		if err := json.Unmarshal(job.Result, &outcome); err == nil {
			result.Outcome = &outcome
		}
	}
	return result, nil
}

func trackingStatus(status models.JobStatus) string {
	switch status {
	case models.JobStatusQueued:
		return "pending"
	case models.JobStatusRunning:
		return "running"
	case models.JobStatusSucceeded:
		return "completed"
	case models.JobStatusFailed:
		return "failed"
	}
	return string(status)
}

// completeStructured calls the model and parses the structured reply,
// sending the validation error back for another try up to the
// configured retry count. The raw text of the last reply is returned
// for salvage when every attempt fails.
func (s *Service) completeStructured(ctx context.Context, system string, messages []llm.Message) (*models.LLMStructuredResponse, string, error) {
	attempts := s.cfg.ValidationRetries + 1
	conversation := messages
	var lastRaw string
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := s.provider.Complete(ctx, &llm.Request{
			System:   system,
			Messages: conversation,
			JSONOnly: true,
		})
		if err != nil {
			return nil, "", fmt.Errorf("llm call failed: %w", err)
		}
		lastRaw = resp.Text

		structured, perr := parseResponse(resp.Text)
		if perr == nil {
			return structured, resp.Text, nil
		}
		lastErr = perr
		s.logger.Warn(ctx, "structured reply rejected", "attempt", attempt, "error", perr)
		if attempt < attempts {
			next := make([]llm.Message, 0, len(conversation)+2)
			next = append(next, conversation...)
			next = append(next,
				llm.Message{Role: llm.RoleAssistant, Content: resp.Text},
				llm.Message{Role: llm.RoleUser, Content: correctiveHint(perr)},
			)
			conversation = next
		}
	}
	return nil, lastRaw, fmt.Errorf("%w: %v", errUnparseableReply, lastErr)
}

func (s *Service) applySearchPreference(ctx context.Context, session *models.ChatSession, provider string) (*models.ChatSession, error) {
	if provider == "" || provider == session.Settings.DefaultSearchProvider {
		return session, nil
	}
	settings := session.Settings
	settings.DefaultSearchProvider = provider
	updated, err := s.sessions.Update(ctx, session.ID, sessions.UpdateParams{Settings: &settings})
	if err != nil {
		s.logger.Warn(ctx, "update search preference failed", "session_id", session.ID, "error", err)
		return session, nil
	}
	return updated, nil
}

// loadHistory returns the prompt conversation, preferring a
// client-supplied transcript over the stored one. System entries are
// dropped; the system prompt is built fresh every turn.
func (s *Service) loadHistory(ctx context.Context, sessionID string, override []HistoryMessage) ([]llm.Message, error) {
	if len(override) > 0 {
		messages := make([]llm.Message, 0, len(override))
		for _, m := range override {
			switch models.Role(m.Role) {
			case models.RoleAssistant:
				messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
			case models.RoleUser:
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
			}
		}
		return messages, nil
	}

	stored, err := s.sessions.History(ctx, sessionID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	messages := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		switch m.Role {
		case models.RoleUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case models.RoleAssistant:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return messages, nil
}

// loadPlanContext resolves the bound plan tree for the prompt. A bound
// plan that no longer exists unbinds the session instead of wedging
// every later turn. Unbound sessions get the plan list for the
// restricted prompt; losing that list is not fatal.
func (s *Service) loadPlanContext(ctx context.Context, session *models.ChatSession) (*models.PlanTree, []*models.PlanSummary, error) {
	if session.PlanID != nil {
		tree, err := s.repo.GetPlanTree(ctx, *session.PlanID)
		if err == nil {
			return tree, nil, nil
		}
		if !plan.IsNotFound(err) {
			return nil, nil, err
		}
		s.logger.Warn(ctx, "bound plan is gone, unbinding session", "session_id", session.ID, "plan_id", *session.PlanID)
		updated, uerr := s.sessions.Update(ctx, session.ID, sessions.UpdateParams{Unbind: true})
		if uerr != nil {
			return nil, nil, uerr
		}
		*session = *updated
	}

	plans, err := s.repo.ListPlans(ctx)
	if err != nil {
		s.logger.Warn(ctx, "list plans for prompt failed", "error", err)
		plans = nil
	}
	return nil, plans, nil
}

func (s *Service) persistAssistant(ctx context.Context, sessionID, content string, metadata map[string]any) {
	if _, err := s.sessions.AppendMessage(ctx, sessionID, models.RoleAssistant, content, metadata); err != nil {
		s.logger.Warn(ctx, "persist assistant message failed", "session_id", sessionID, "error", err)
	}
}

func summarizeSteps(steps []models.AgentStep) []string {
	out := make([]string, 0, len(steps))
	for _, step := range steps {
		out = append(out, fmt.Sprintf("%s: %s", step.Name, step.Status))
	}
	return out
}
