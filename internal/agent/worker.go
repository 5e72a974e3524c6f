package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/pkg/models"
)

// storedTurn is the chat_action job payload: the action list of one
// asynchronous turn plus the session state it was authored against.
type storedTurn struct {
	SessionID      string          `json:"session_id"`
	PlanID         *int64          `json:"plan_id,omitempty"`
	SearchProvider string          `json:"search_provider,omitempty"`
	Actions        []models.Action `json:"actions"`
}

// Handler returns the chat_action job handler. It replays the parked
// action sequence through the same dispatch path as synchronous turns,
// with every transition mirrored into the job's action log. Failed
// actions are reported through the Outcome; the job itself only fails
// when the turn cannot be dispatched at all.
func (s *Service) Handler() jobs.Handler {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, map[string]any, error) {
		var turn storedTurn
		if err := json.Unmarshal(job.Parameters, &turn); err != nil {
			return nil, nil, fmt.Errorf("decode chat action parameters: %w", err)
		}
		if turn.SessionID == "" {
			turn.SessionID = job.SessionID
		}
		if turn.SessionID == "" {
			return nil, nil, errors.New("session_id is required")
		}

		session, err := s.sessions.Get(ctx, turn.SessionID)
		if err != nil {
			return nil, nil, err
		}
		unlock := s.sessions.LockTurn(session.ID)
		defer unlock()

		planID := turn.PlanID
		if planID == nil {
			planID = session.PlanID
		}
		st := &dispatchState{
			session:        session,
			planID:         planID,
			searchProvider: turn.SearchProvider,
			jobID:          job.ID,
		}

		s.jobLog(ctx, job.ID, models.LogLevelInfo,
			fmt.Sprintf("dispatching %d actions", len(turn.Actions)), nil)
		s.runActions(ctx, st, turn.Actions)

		if len(st.toolResults) > 0 {
			if err := s.sessions.RecordToolResults(ctx, session.ID, st.toolResults, s.cfg.RecentToolResultsLimit); err != nil {
				s.logger.Warn(ctx, "record tool results failed", "session_id", session.ID, "error", err)
			}
		}

		outcome := Outcome{
			Status:  "completed",
			PlanID:  st.planID,
			Actions: st.steps,
			Errors:  st.errs,
		}
		counts := map[string]int{}
		for _, step := range st.steps {
			counts[string(step.Status)]++
		}
		if counts[string(models.ActionStatusFailed)] > 0 {
			outcome.Status = "failed"
		}

		stats := map[string]any{"actions": len(st.steps)}
		for status, n := range counts {
			stats[status] = n
		}

		if outcome.Status == "completed" {
			s.jobLog(ctx, job.ID, models.LogLevelSuccess,
				fmt.Sprintf("dispatched %d actions", len(st.steps)), stats)
		} else {
			s.jobLog(ctx, job.ID, models.LogLevelWarn,
				fmt.Sprintf("%d of %d actions failed", counts[string(models.ActionStatusFailed)], len(st.steps)), stats)
		}

		raw, err := json.Marshal(outcome)
		if err != nil {
			return nil, nil, fmt.Errorf("encode outcome: %w", err)
		}
		return raw, stats, nil
	}
}

func (s *Service) jobLog(ctx context.Context, jobID string, level models.LogLevel, message string, metadata map[string]any) {
	if jobID == "" || s.jobs == nil {
		return
	}
	if err := s.jobs.Log(ctx, jobID, level, message, metadata); err != nil {
		s.logger.Warn(ctx, "job log append failed", "job_id", jobID, "error", err)
	}
}
