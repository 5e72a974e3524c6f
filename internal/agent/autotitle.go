package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/pkg/models"
)

// Title strategies. The default prefers an LLM-written title and falls
// back to the first user message when the model returns nothing
// usable.
const (
	TitleStrategyLLM          = "llm"
	TitleStrategyPlan         = "plan"
	TitleStrategyFirstMessage = "first_message"
)

const (
	titleMaxChars        = 80
	titleSourceMessages  = 4
	titleMessageClip     = 200
	autoTitleTimeout     = 15 * time.Second
	titleInstruction     = "Write a short descriptive title for this conversation. At most six words. Reply with the title only, without quotes."
	firstMessageTitleMax = 60
)

// ErrNoBoundPlan rejects the plan title strategy on unbound sessions.
var ErrNoBoundPlan = errors.New("session has no bound plan to take a title from")

// autoTitleAsync renames the session in the background after a turn.
// User-chosen names are never touched, and sessions are only renamed
// once enough of a conversation exists to name.
func (s *Service) autoTitleAsync(session *models.ChatSession) {
	if !s.cfg.AutoTitle || session == nil || session.IsUserNamed {
		return
	}
	id := session.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), autoTitleTimeout)
		defer cancel()
		if _, _, err := s.AutoTitle(ctx, id, false, ""); err != nil {
			s.logger.Warn(ctx, "auto title failed", "session_id", id, "error", err)
		}
	}()
}

// AutoTitle renames a session using the given strategy. With force the
// message-count heuristic is bypassed; a name the user chose is never
// replaced either way. Returns the session and whether it was renamed.
func (s *Service) AutoTitle(ctx context.Context, sessionID string, force bool, strategy string) (*models.ChatSession, bool, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session.IsUserNamed {
		return session, false, nil
	}
	if !force {
		if !s.cfg.AutoTitle {
			return session, false, nil
		}
		count, err := s.sessions.UserMessageCount(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if count < s.cfg.AutoTitleMinUserMessages {
			return session, false, nil
		}
	}

	if strategy == "" {
		strategy = TitleStrategyLLM
		if s.provider == nil {
			strategy = TitleStrategyFirstMessage
		}
	}

	var (
		title  string
		source models.NameSource
	)
	switch strategy {
	case TitleStrategyLLM:
		title, err = s.titleFromLLM(ctx, sessionID)
		if err != nil {
			s.logger.Warn(ctx, "llm title failed, falling back", "session_id", sessionID, "error", err)
		}
		source = models.NameSourceHeuristic
		if title == "" {
			title, err = s.titleFromFirstMessage(ctx, sessionID)
			if err != nil {
				return nil, false, err
			}
		}
	case TitleStrategyPlan:
		if session.PlanID == nil {
			return nil, false, ErrNoBoundPlan
		}
		bound, err := s.repo.GetPlan(ctx, *session.PlanID)
		if err != nil {
			return nil, false, err
		}
		title = bound.Title
		source = models.NameSourcePlan
	case TitleStrategyFirstMessage:
		title, err = s.titleFromFirstMessage(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		source = models.NameSourceHeuristic
	default:
		return nil, false, fmt.Errorf("unknown title strategy %q", strategy)
	}

	if strings.TrimSpace(title) == "" {
		return session, false, nil
	}
	return s.sessions.ApplyAutoTitle(ctx, sessionID, title, source)
}

// titleFromLLM asks the model for a title over the first few user
// messages.
func (s *Service) titleFromLLM(ctx context.Context, sessionID string) (string, error) {
	if s.provider == nil {
		return "", nil
	}
	firsts, err := s.firstUserMessages(ctx, sessionID, titleSourceMessages)
	if err != nil {
		return "", err
	}
	if len(firsts) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Conversation opening:\n")
	for _, m := range firsts {
		b.WriteString("- ")
		b.WriteString(clip(m, titleMessageClip))
		b.WriteString("\n")
	}
	resp, err := s.provider.Complete(ctx, &llm.Request{
		System:   titleInstruction,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	})
	if err != nil {
		return "", err
	}
	return sanitizeTitle(resp.Text), nil
}

func (s *Service) titleFromFirstMessage(ctx context.Context, sessionID string) (string, error) {
	firsts, err := s.firstUserMessages(ctx, sessionID, 1)
	if err != nil {
		return "", err
	}
	if len(firsts) == 0 {
		return "", nil
	}
	return clip(firsts[0], firstMessageTitleMax), nil
}

func (s *Service) firstUserMessages(ctx context.Context, sessionID string, max int) ([]string, error) {
	stored, err := s.sessions.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, max)
	for _, m := range stored {
		if m.Role != models.RoleUser {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			out = append(out, text)
		}
		if len(out) == max {
			break
		}
	}
	return out, nil
}

// sanitizeTitle reduces raw model output to a single clean line.
func sanitizeTitle(raw string) string {
	text := strings.TrimSpace(llm.StripFences(raw))
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.Trim(text, "\"'` ")
	text = strings.TrimSuffix(text, ".")
	return clip(strings.Join(strings.Fields(text), " "), titleMaxChars)
}
