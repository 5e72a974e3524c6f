package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planweave/planweave/pkg/models"
)

// logStore provides the job-log and action-log streams shared by plan
// files and the system store. Both tables key events by (job_id,
// sequence) with a unique index, so a replayed append fails loudly
// instead of corrupting the stream.
type logStore struct {
	db *sql.DB
}

const logSchema = `
CREATE TABLE IF NOT EXISTS plan_job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata_json TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_plan_job_logs_job_seq ON plan_job_logs(job_id, sequence);

CREATE TABLE IF NOT EXISTS plan_action_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id INTEGER,
	job_id TEXT NOT NULL,
	session_id TEXT,
	action_kind TEXT NOT NULL,
	action_name TEXT NOT NULL,
	status TEXT NOT NULL,
	success INTEGER,
	message TEXT NOT NULL DEFAULT '',
	details_json TEXT,
	sequence INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_plan_action_logs_job_seq ON plan_action_logs(job_id, sequence);
`

// AppendJobLog persists one log event. The caller assigns Sequence.
func (s *logStore) AppendJobLog(ctx context.Context, event *models.JobLogEvent) error {
	metadataJSON, err := marshalMap(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_job_logs (job_id, sequence, timestamp, level, message, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		event.JobID,
		event.Sequence,
		event.Timestamp,
		string(event.Level),
		event.Message,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// JobLogs returns events for a job with sequence > afterSeq, ascending,
// up to limit (0 means no limit).
func (s *logStore) JobLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.JobLogEvent, error) {
	query := `
		SELECT job_id, sequence, timestamp, level, message, metadata_json
		FROM plan_job_logs
		WHERE job_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []any{jobID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var events []*models.JobLogEvent
	for rows.Next() {
		var (
			event        models.JobLogEvent
			level        string
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&event.JobID, &event.Sequence, &event.Timestamp, &level, &event.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		event.Level = models.LogLevel(level)
		if event.Metadata, err = unmarshalMap(metadataJSON); err != nil {
			return nil, fmt.Errorf("unmarshal log metadata: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	return events, nil
}

// MaxJobLogSequence returns the highest assigned log sequence for a
// job, 0 when none exist.
func (s *logStore) MaxJobLogSequence(ctx context.Context, jobID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM plan_job_logs WHERE job_id = ?`, jobID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max job log sequence: %w", err)
	}
	return seq.Int64, nil
}

// AppendActionLog persists one action log entry. The caller assigns
// Sequence and is responsible for redacting Details beforehand.
func (s *logStore) AppendActionLog(ctx context.Context, entry *models.ActionLog) error {
	detailsJSON, err := marshalMap(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal action details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_action_logs
			(plan_id, job_id, session_id, action_kind, action_name, status, success, message, details_json, sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullInt64(entry.PlanID),
		entry.JobID,
		nullString(entry.SessionID),
		string(entry.Kind),
		entry.Name,
		string(entry.Status),
		nullBool(entry.Success),
		entry.Message,
		detailsJSON,
		entry.Sequence,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

// ActionLogs returns action entries for a job with sequence > afterSeq.
func (s *logStore) ActionLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.ActionLog, error) {
	query := `
		SELECT plan_id, job_id, session_id, action_kind, action_name, status, success, message, details_json, sequence, created_at, updated_at
		FROM plan_action_logs
		WHERE job_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []any{jobID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ActionLog
	for rows.Next() {
		entry, err := scanActionLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	return entries, nil
}

// MaxActionLogSequence returns the highest assigned action-log
// sequence for a job, 0 when none exist.
func (s *logStore) MaxActionLogSequence(ctx context.Context, jobID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM plan_action_logs WHERE job_id = ?`, jobID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max action log sequence: %w", err)
	}
	return seq.Int64, nil
}

// CleanupLogs removes log rows older than cutoff and, when maxRows > 0,
// trims each job's streams to the newest maxRows entries. Returns the
// number of rows deleted.
func (s *logStore) CleanupLogs(ctx context.Context, cutoff time.Time, maxRows int) (int64, error) {
	var deleted int64

	res, err := s.db.ExecContext(ctx, `DELETE FROM plan_job_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("cleanup job logs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		deleted += n
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM plan_action_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("cleanup action logs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		deleted += n
	}

	if maxRows > 0 {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM plan_job_logs WHERE id IN (
				SELECT l.id FROM plan_job_logs l
				JOIN (
					SELECT job_id, MAX(sequence) AS max_seq FROM plan_job_logs GROUP BY job_id
				) m ON l.job_id = m.job_id
				WHERE l.sequence <= m.max_seq - ?
			)
		`, maxRows)
		if err != nil {
			return deleted, fmt.Errorf("cap job logs: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM plan_action_logs WHERE id IN (
				SELECT l.id FROM plan_action_logs l
				JOIN (
					SELECT job_id, MAX(sequence) AS max_seq FROM plan_action_logs GROUP BY job_id
				) m ON l.job_id = m.job_id
				WHERE l.sequence <= m.max_seq - ?
			)
		`, maxRows)
		if err != nil {
			return deleted, fmt.Errorf("cap action logs: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}
	}

	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActionLog(scanner rowScanner) (*models.ActionLog, error) {
	var (
		entry       models.ActionLog
		planID      sql.NullInt64
		sessionID   sql.NullString
		kind        string
		status      string
		success     sql.NullBool
		detailsJSON sql.NullString
	)
	err := scanner.Scan(
		&planID,
		&entry.JobID,
		&sessionID,
		&kind,
		&entry.Name,
		&status,
		&success,
		&entry.Message,
		&detailsJSON,
		&entry.Sequence,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan action log: %w", err)
	}
	if planID.Valid {
		entry.PlanID = &planID.Int64
	}
	entry.SessionID = sessionID.String
	entry.Kind = models.ActionKind(kind)
	entry.Status = models.ActionStatus(status)
	if success.Valid {
		entry.Success = &success.Bool
	}
	if entry.Details, err = unmarshalMap(detailsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal action details: %w", err)
	}
	return &entry, nil
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt64(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

func nullBool(value *bool) sql.NullBool {
	if value == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil || value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
