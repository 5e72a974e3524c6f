package models

import (
	"encoding/json"
	"time"
)

// JobType identifies the kind of background work a job performs.
type JobType string

const (
	JobTypeDecompose  JobType = "plan_decompose"
	JobTypeExecute    JobType = "plan_execute"
	JobTypeChatAction JobType = "chat_action"
)

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Job is a persistent background unit of work. Jobs bound to a plan
// store their logs in that plan's database file; jobs with a nil
// PlanID log to the shared system store.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	PlanID       *int64          `json:"plan_id,omitempty"`
	TargetTaskID *int64          `json:"target_task_id,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Stats        map[string]any  `json:"stats,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.PlanID != nil {
		v := *j.PlanID
		c.PlanID = &v
	}
	if j.TargetTaskID != nil {
		v := *j.TargetTaskID
		c.TargetTaskID = &v
	}
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Stats != nil {
		c.Stats = cloneMap(j.Stats)
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

// LogLevel classifies a job log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarn    LogLevel = "warn"
	LogLevelError   LogLevel = "error"
)

// JobLogEvent is one append-only log entry scoped to a job. Sequence
// values are strictly increasing per job with no gaps.
type JobLogEvent struct {
	JobID     string         `json:"job_id"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ActionLog records one dispatched action within a job. Details are
// redacted before persistence.
type ActionLog struct {
	JobID     string         `json:"job_id"`
	PlanID    *int64         `json:"plan_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Sequence  int64          `json:"sequence"`
	Kind      ActionKind     `json:"action_kind"`
	Name      string         `json:"action_name"`
	Status    ActionStatus   `json:"status"`
	Success   *bool          `json:"success,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
