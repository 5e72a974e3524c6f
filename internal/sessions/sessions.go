// Package sessions manages chat sessions: metadata, message history,
// per-session settings, and the turn lock that keeps one writer per
// conversation.
package sessions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/storage"
	"github.com/planweave/planweave/pkg/models"
)

const defaultName = "New conversation"

// recentToolResultsKept bounds the per-session buffer of tool results
// offered to later prompts.
const recentToolResultsKept = 5

// Service is thin CRUD over the registry's session tables plus the
// session-level invariants: sticky user names, the plan binding, and
// the recent tool results buffer.
type Service struct {
	registry *storage.Registry
	logger   *observability.Logger

	locksMu sync.Mutex
	locks   map[string]*turnLock
}

// NewService wires a session service over the registry.
func NewService(manager *storage.Manager, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		registry: manager.Registry(),
		logger:   logger.WithComponent("sessions"),
		locks:    make(map[string]*turnLock),
	}
}

// Ensure returns the session with the given id, creating it when it
// does not exist yet. An empty id creates a fresh session.
func (s *Service) Ensure(ctx context.Context, id string) (*models.ChatSession, error) {
	if id != "" {
		existing, err := s.registry.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	session := &models.ChatSession{
		ID:         id,
		Name:       defaultName,
		NameSource: models.NameSourceDefault,
		IsActive:   true,
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if err := s.registry.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info(ctx, "session created", "session_id", session.ID)
	return session, nil
}

// Get returns a session or a NotFoundError.
func (s *Service) Get(ctx context.Context, id string) (*models.ChatSession, error) {
	session, err := s.registry.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, &NotFoundError{ID: id}
	}
	return session, nil
}

// List returns sessions newest-activity first.
func (s *Service) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.ChatSession, error) {
	return s.registry.ListSessions(ctx, activeOnly, limit, offset)
}

// UpdateParams carries a partial session update. Nil fields are left
// unchanged; Unbind wins over PlanID.
type UpdateParams struct {
	Name     *string
	IsActive *bool
	PlanID   *int64
	Unbind   bool
	Settings *models.SessionSettings
}

// Update applies a partial update. Setting a non-empty name marks the
// session user-named, which auto-titling respects from then on.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*models.ChatSession, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if params.Name != nil && strings.TrimSpace(*params.Name) != "" {
		session.Name = strings.TrimSpace(*params.Name)
		session.NameSource = models.NameSourceUser
		session.IsUserNamed = true
	}
	if params.IsActive != nil {
		session.IsActive = *params.IsActive
	}
	if params.Unbind {
		session.PlanID = nil
	} else if params.PlanID != nil {
		session.PlanID = params.PlanID
	}
	if params.Settings != nil {
		params.Settings.RecentToolResults = session.Settings.RecentToolResults
		session.Settings = *params.Settings
	}
	if err := s.registry.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return session, nil
}

// Bind attaches the session to a plan. A session the user never named
// takes the plan title as its name.
func (s *Service) Bind(ctx context.Context, id string, planID int64, planTitle string) (*models.ChatSession, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	session.PlanID = &planID
	if !session.IsUserNamed && strings.TrimSpace(planTitle) != "" {
		session.Name = strings.TrimSpace(planTitle)
		session.NameSource = models.NameSourcePlan
	}
	if err := s.registry.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("bind session: %w", err)
	}
	s.logger.Info(ctx, "session bound", "session_id", id, "plan_id", planID)
	return session, nil
}

// ApplyAutoTitle renames a session from a background titling call and
// reports whether the name changed. User-given names are never
// overwritten.
func (s *Service) ApplyAutoTitle(ctx context.Context, id, title string, source models.NameSource) (*models.ChatSession, bool, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	title = strings.TrimSpace(title)
	if title == "" || session.IsUserNamed {
		return session, false, nil
	}
	session.Name = title
	session.NameSource = source
	if err := s.registry.UpdateSession(ctx, session); err != nil {
		return nil, false, fmt.Errorf("apply title: %w", err)
	}
	return session, true, nil
}

// AppendMessage stores one message; the registry bumps the session's
// activity timestamps in the same transaction.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (*models.ChatMessage, error) {
	message := &models.ChatMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	}
	if err := s.registry.AddMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return message, nil
}

// History returns the most recent messages in chronological order, up
// to limit (0 means all).
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	return s.registry.Messages(ctx, sessionID, limit)
}

// UserMessageCount reports how many user messages the session holds.
func (s *Service) UserMessageCount(ctx context.Context, sessionID string) (int, error) {
	return s.registry.CountMessages(ctx, sessionID, models.RoleUser)
}

// RecordToolResults appends tool invocations to the session's recent
// results buffer, keeping only the keep newest entries (keep <= 0
// falls back to the package default).
func (s *Service) RecordToolResults(ctx context.Context, sessionID string, invocations []models.ToolInvocation, keep int) error {
	if len(invocations) == 0 {
		return nil
	}
	if keep <= 0 {
		keep = recentToolResultsKept
	}
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	buffer := append(session.Settings.RecentToolResults, invocations...)
	if len(buffer) > keep {
		buffer = buffer[len(buffer)-keep:]
	}
	session.Settings.RecentToolResults = buffer
	if err := s.registry.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("record tool results: %w", err)
	}
	return nil
}

// Archive soft-deletes: the session disappears from active listings
// but keeps its history.
func (s *Service) Archive(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	session.IsActive = false
	if err := s.registry.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// Delete removes the session and its messages.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.registry.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
