package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planweave/planweave/pkg/models"
)

// Registry is the main database: the plan catalog, chat sessions and
// their messages, and the job index shared by every worker.
type Registry struct {
	db *sql.DB
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS plans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	plan_db_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	plan_id INTEGER,
	name TEXT NOT NULL DEFAULT '',
	name_source TEXT NOT NULL DEFAULT 'default',
	is_user_named INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	settings_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_message_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_plan ON chat_sessions(plan_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);

CREATE TABLE IF NOT EXISTS plan_job_index (
	job_id TEXT PRIMARY KEY,
	plan_id INTEGER,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	target_task_id INTEGER,
	session_id TEXT,
	parameters_json TEXT,
	result_json TEXT,
	stats_json TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_plan_job_index_plan ON plan_job_index(plan_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_plan_job_index_status ON plan_job_index(status, created_at DESC);
`

// OpenRegistry opens or creates the registry database.
func OpenRegistry(ctx context.Context, path string) (*Registry, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := execScript(ctx, db, registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry %s: %w", path, err)
	}
	if err := ensureVersion(ctx, db, registrySchemaVersion, "registry"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry %s: %w", path, err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CreatePlan inserts a plan row and assigns its ID.
func (r *Registry) CreatePlan(ctx context.Context, plan *models.Plan) error {
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	metadataJSON, err := marshalMap(plan.Metadata)
	if err != nil {
		return fmt.Errorf("marshal plan metadata: %w", err)
	}
	if !metadataJSON.Valid {
		metadataJSON = sql.NullString{String: "{}", Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO plans (title, description, metadata, plan_db_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, plan.Title, plan.Description, metadataJSON.String, plan.DBPath, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create plan id: %w", err)
	}
	plan.ID = id
	return nil
}

// SetPlanDBPath records where the plan's database file lives. The path
// depends on the assigned ID, so it is written right after creation.
func (r *Registry) SetPlanDBPath(ctx context.Context, id int64, path string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE plans SET plan_db_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("set plan db path: %w", err)
	}
	return nil
}

// GetPlan returns a plan by ID, nil when absent.
func (r *Registry) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, description, metadata, plan_db_path, created_at, updated_at
		FROM plans WHERE id = ?
	`, id)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return plan, err
}

// ListPlans returns all plans ordered by ID.
func (r *Registry) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, description, metadata, plan_db_path, created_at, updated_at
		FROM plans ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// UpdatePlan rewrites title, description, and metadata.
func (r *Registry) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	plan.UpdatedAt = time.Now().UTC()
	metadataJSON, err := marshalMap(plan.Metadata)
	if err != nil {
		return fmt.Errorf("marshal plan metadata: %w", err)
	}
	if !metadataJSON.Valid {
		metadataJSON = sql.NullString{String: "{}", Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE plans SET title = ?, description = ?, metadata = ?, updated_at = ? WHERE id = ?
	`, plan.Title, plan.Description, metadataJSON.String, plan.UpdatedAt, plan.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plan affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update plan %d: no such plan", plan.ID)
	}
	return nil
}

// TouchPlan bumps updated_at without changing content.
func (r *Registry) TouchPlan(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE plans SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch plan: %w", err)
	}
	return nil
}

// DeletePlan removes a plan row and detaches sessions bound to it.
func (r *Registry) DeletePlan(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete plan: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET plan_id = NULL, updated_at = ? WHERE plan_id = ?`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("unbind sessions of plan %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete plan %d: %w", id, err)
	}
	return tx.Commit()
}

func scanPlan(scanner rowScanner) (*models.Plan, error) {
	var (
		plan         models.Plan
		metadataJSON sql.NullString
	)
	err := scanner.Scan(&plan.ID, &plan.Title, &plan.Description, &metadataJSON,
		&plan.DBPath, &plan.CreatedAt, &plan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if plan.Metadata, err = unmarshalMap(metadataJSON); err != nil {
		return nil, fmt.Errorf("unmarshal plan metadata: %w", err)
	}
	return &plan, nil
}

// CreateSession inserts a chat session. The caller supplies the ID.
func (r *Registry) CreateSession(ctx context.Context, session *models.ChatSession) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	settingsJSON, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("marshal session settings: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO chat_sessions
			(id, plan_id, name, name_source, is_user_named, is_active, settings_json, created_at, updated_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		nullInt64(session.PlanID),
		session.Name,
		string(session.NameSource),
		session.IsUserNamed,
		session.IsActive,
		string(settingsJSON),
		session.CreatedAt,
		session.UpdatedAt,
		nullTime(session.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, nil when absent.
func (r *Registry) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, plan_id, name, name_source, is_user_named, is_active, settings_json,
			created_at, updated_at, last_message_at
		FROM chat_sessions WHERE id = ?
	`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// ListSessions returns sessions newest-activity first. When activeOnly
// is set, archived sessions are excluded.
func (r *Registry) ListSessions(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.ChatSession, error) {
	query := `
		SELECT id, plan_id, name, name_source, is_user_named, is_active, settings_json,
			created_at, updated_at, last_message_at
		FROM chat_sessions`
	var args []any
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY COALESCE(last_message_at, updated_at) DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSession rewrites the mutable session columns.
func (r *Registry) UpdateSession(ctx context.Context, session *models.ChatSession) error {
	session.UpdatedAt = time.Now().UTC()
	settingsJSON, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("marshal session settings: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			plan_id = ?, name = ?, name_source = ?, is_user_named = ?, is_active = ?,
			settings_json = ?, updated_at = ?, last_message_at = ?
		WHERE id = ?
	`,
		nullInt64(session.PlanID),
		session.Name,
		string(session.NameSource),
		session.IsUserNamed,
		session.IsActive,
		string(settingsJSON),
		session.UpdatedAt,
		nullTime(session.LastMessageAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update session %s: no such session", session.ID)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (r *Registry) DeleteSession(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages of session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return tx.Commit()
}

func scanSession(scanner rowScanner) (*models.ChatSession, error) {
	var (
		session       models.ChatSession
		planID        sql.NullInt64
		nameSource    string
		settingsJSON  string
		lastMessageAt sql.NullTime
	)
	err := scanner.Scan(
		&session.ID,
		&planID,
		&session.Name,
		&nameSource,
		&session.IsUserNamed,
		&session.IsActive,
		&settingsJSON,
		&session.CreatedAt,
		&session.UpdatedAt,
		&lastMessageAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if planID.Valid {
		session.PlanID = &planID.Int64
	}
	session.NameSource = models.NameSource(nameSource)
	if settingsJSON != "" && settingsJSON != "{}" {
		if err := json.Unmarshal([]byte(settingsJSON), &session.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal session settings: %w", err)
		}
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		session.LastMessageAt = &t
	}
	return &session, nil
}

// AddMessage appends a chat message and bumps the session's
// last_message_at.
func (r *Registry) AddMessage(ctx context.Context, message *models.ChatMessage) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	metadataJSON, err := marshalMap(message.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	if !metadataJSON.Valid {
		metadataJSON = sql.NullString{String: "{}", Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, message.SessionID, string(message.Role), message.Content, metadataJSON.String, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("add message id: %w", err)
	}
	message.ID = id

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		message.CreatedAt, message.CreatedAt, message.SessionID); err != nil {
		return fmt.Errorf("touch session %s: %w", message.SessionID, err)
	}
	return tx.Commit()
}

// Messages returns the most recent messages of a session in
// chronological order, up to limit (0 means all).
func (r *Registry) Messages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	query := `
		SELECT id, session_id, role, content, metadata_json, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		var (
			message      models.ChatMessage
			role         string
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&message.ID, &message.SessionID, &role, &message.Content,
			&metadataJSON, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Role = models.Role(role)
		if message.Metadata, err = unmarshalMap(metadataJSON); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// Newest-first query, oldest-first result.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages returns how many messages a session holds for a role.
// An empty role counts all messages.
func (r *Registry) CountMessages(ctx context.Context, sessionID string, role models.Role) (int, error) {
	query := `SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`
	args := []any{sessionID}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, string(role))
	}
	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
