package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planweave/planweave/pkg/models"
)

// JobFilter narrows ListJobs results. Zero values mean no constraint.
type JobFilter struct {
	PlanID *int64
	Type   models.JobType
	Status models.JobStatus
	Limit  int
	Offset int
}

// CreateJob inserts the canonical job row.
func (r *Registry) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	statsJSON, err := marshalMap(job.Stats)
	if err != nil {
		return fmt.Errorf("marshal job stats: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO plan_job_index
			(job_id, plan_id, job_type, status, target_task_id, session_id,
			 parameters_json, result_json, stats_json, error_message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		nullInt64(job.PlanID),
		string(job.Type),
		string(job.Status),
		nullInt64(job.TargetTaskID),
		nullString(job.SessionID),
		nullRaw(job.Parameters),
		nullRaw(job.Result),
		statsJSON,
		job.Error,
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob rewrites the mutable job columns.
func (r *Registry) UpdateJob(ctx context.Context, job *models.Job) error {
	statsJSON, err := marshalMap(job.Stats)
	if err != nil {
		return fmt.Errorf("marshal job stats: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE plan_job_index SET
			plan_id = ?, status = ?, target_task_id = ?, result_json = ?, stats_json = ?,
			error_message = ?, started_at = ?, finished_at = ?
		WHERE job_id = ?
	`,
		nullInt64(job.PlanID),
		string(job.Status),
		nullInt64(job.TargetTaskID),
		nullRaw(job.Result),
		statsJSON,
		job.Error,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update job %s: no such job", job.ID)
	}
	return nil
}

// GetJob returns a job by ID, nil when absent.
func (r *Registry) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT job_id, plan_id, job_type, status, target_task_id, session_id,
			parameters_json, result_json, stats_json, error_message, created_at, started_at, finished_at
		FROM plan_job_index WHERE job_id = ?
	`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobs returns jobs matching the filter, newest first.
func (r *Registry) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `
		SELECT job_id, plan_id, job_type, status, target_task_id, session_id,
			parameters_json, result_json, stats_json, error_message, created_at, started_at, finished_at
		FROM plan_job_index WHERE 1=1`
	var args []any
	if filter.PlanID != nil {
		query += ` AND plan_id = ?`
		args = append(args, *filter.PlanID)
	}
	if filter.Type != "" {
		query += ` AND job_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, job_id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ActiveJobs returns jobs still queued or running, oldest first. Used
// on startup to fail jobs orphaned by a crash.
func (r *Registry) ActiveJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, plan_id, job_type, status, target_task_id, session_id,
			parameters_json, result_json, stats_json, error_message, created_at, started_at, finished_at
		FROM plan_job_index
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
	`, string(models.JobStatusQueued), string(models.JobStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJobsBefore removes terminal job rows finished before cutoff.
// Returns the number of rows removed.
func (r *Registry) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM plan_job_index
		WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?
	`, string(models.JobStatusSucceeded), string(models.JobStatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old jobs affected: %w", err)
	}
	return n, nil
}

func scanJob(scanner rowScanner) (*models.Job, error) {
	var (
		job            models.Job
		jobType        string
		status         string
		planID         sql.NullInt64
		targetTaskID   sql.NullInt64
		sessionID      sql.NullString
		parametersJSON sql.NullString
		resultJSON     sql.NullString
		statsJSON      sql.NullString
		startedAt      sql.NullTime
		finishedAt     sql.NullTime
	)
	err := scanner.Scan(
		&job.ID,
		&planID,
		&jobType,
		&status,
		&targetTaskID,
		&sessionID,
		&parametersJSON,
		&resultJSON,
		&statsJSON,
		&job.Error,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if planID.Valid {
		job.PlanID = &planID.Int64
	}
	if targetTaskID.Valid {
		job.TargetTaskID = &targetTaskID.Int64
	}
	job.SessionID = sessionID.String
	if parametersJSON.Valid && parametersJSON.String != "" {
		job.Parameters = json.RawMessage(parametersJSON.String)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		job.Result = json.RawMessage(resultJSON.String)
	}
	if job.Stats, err = unmarshalMap(statsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal job stats: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
