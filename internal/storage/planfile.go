package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/planweave/planweave/pkg/models"
)

// PlanFile is the SQLite database backing a single plan: its task
// tree, dependency edges, snapshots, and the log streams of jobs that
// ran against the plan.
type PlanFile struct {
	logStore
	path string
}

const planSchema = `
CREATE TABLE IF NOT EXISTS plan_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER,
	position INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL,
	instruction TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	execution_result_json TEXT,
	context_combined TEXT NOT NULL DEFAULT '',
	context_sections_json TEXT,
	context_meta_json TEXT,
	context_updated_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id, position);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id INTEGER NOT NULL,
	depends_on INTEGER NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	note TEXT NOT NULL DEFAULT '',
	snapshot_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
` + logSchema

// OpenPlanFile opens or creates the database file for one plan and
// brings its schema up to date.
func OpenPlanFile(ctx context.Context, path string) (*PlanFile, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := execScript(ctx, db, planSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init plan file %s: %w", path, err)
	}
	if err := ensurePlanVersion(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate plan file %s: %w", path, err)
	}
	return &PlanFile{logStore: logStore{db: db}, path: path}, nil
}

func (f *PlanFile) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}

// Path returns the filesystem location of the plan database.
func (f *PlanFile) Path() string { return f.path }

// InsertTask stores a new task and assigns its ID. Dependencies on the
// node are persisted as well.
func (f *PlanFile) InsertTask(ctx context.Context, node *models.PlanNode) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert task: %w", err)
	}
	defer tx.Rollback()

	if err := insertTaskTx(ctx, tx, node); err != nil {
		return err
	}
	if err := replaceDependenciesTx(ctx, tx, node.ID, node.Dependencies); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertTasks stores a batch of new tasks in one transaction. Nodes
// must be ordered parents before children; ParentID references to
// other batch members are resolved through the IDs assigned during the
// insert.
func (f *PlanFile) InsertTasks(ctx context.Context, nodes []*models.PlanNode) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tasks: %w", err)
	}
	defer tx.Rollback()

	for _, node := range nodes {
		if err := insertTaskTx(ctx, tx, node); err != nil {
			return err
		}
	}
	for _, node := range nodes {
		if err := replaceDependenciesTx(ctx, tx, node.ID, node.Dependencies); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, node *models.PlanNode) error {
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = now
	}

	metadataJSON, resultJSON, sectionsJSON, ctxMetaJSON, err := marshalTaskColumns(node)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks
			(parent_id, position, path, depth, name, instruction, metadata_json, status,
			 execution_result_json, context_combined, context_sections_json, context_meta_json,
			 context_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullInt64(node.ParentID),
		node.Position,
		node.Path,
		node.Depth,
		node.Name,
		node.Instruction,
		metadataJSON.String,
		string(node.Status),
		resultJSON,
		node.ContextCombined,
		sectionsJSON,
		ctxMetaJSON,
		nullTime(node.ContextUpdatedAt),
		node.CreatedAt,
		node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task id: %w", err)
	}
	node.ID = id
	return nil
}

// UpdateTask rewrites every mutable column of a task, including its
// dependency edges.
func (f *PlanFile) UpdateTask(ctx context.Context, node *models.PlanNode) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update task: %w", err)
	}
	defer tx.Rollback()

	node.UpdatedAt = time.Now().UTC()
	metadataJSON, resultJSON, sectionsJSON, ctxMetaJSON, err := marshalTaskColumns(node)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			parent_id = ?, position = ?, path = ?, depth = ?, name = ?, instruction = ?,
			metadata_json = ?, status = ?, execution_result_json = ?, context_combined = ?,
			context_sections_json = ?, context_meta_json = ?, context_updated_at = ?, updated_at = ?
		WHERE id = ?
	`,
		nullInt64(node.ParentID),
		node.Position,
		node.Path,
		node.Depth,
		node.Name,
		node.Instruction,
		metadataJSON.String,
		string(node.Status),
		resultJSON,
		node.ContextCombined,
		sectionsJSON,
		ctxMetaJSON,
		nullTime(node.ContextUpdatedAt),
		node.UpdatedAt,
		node.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update task %d: no such task", node.ID)
	}
	if err := replaceDependenciesTx(ctx, tx, node.ID, node.Dependencies); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePositions rewrites position, path, depth, and parent for a set
// of nodes in one transaction. Used by move and resequence operations.
func (f *PlanFile) UpdatePositions(ctx context.Context, nodes []*models.PlanNode) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update positions: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, node := range nodes {
		node.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET parent_id = ?, position = ?, path = ?, depth = ?, updated_at = ?
			WHERE id = ?
		`, nullInt64(node.ParentID), node.Position, node.Path, node.Depth, now, node.ID)
		if err != nil {
			return fmt.Errorf("update position of task %d: %w", node.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateTaskStatus updates status and, when result is non-nil, the
// execution result. This is the executor's hot path.
func (f *PlanFile) UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus, result *models.ExecutionResult) error {
	now := time.Now().UTC()
	var err error
	if result != nil {
		var resultJSON []byte
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal execution result: %w", err)
		}
		_, err = f.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, execution_result_json = ?, updated_at = ? WHERE id = ?
		`, string(status), string(resultJSON), now, id)
	} else {
		_, err = f.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
		`, string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// UpdateTaskContext stores gathered context for a task.
func (f *PlanFile) UpdateTaskContext(ctx context.Context, node *models.PlanNode) error {
	sectionsJSON, err := marshalSections(node.ContextSections)
	if err != nil {
		return err
	}
	ctxMetaJSON, err := marshalMap(node.ContextMeta)
	if err != nil {
		return fmt.Errorf("marshal context meta: %w", err)
	}
	now := time.Now().UTC()
	node.UpdatedAt = now
	_, err = f.db.ExecContext(ctx, `
		UPDATE tasks SET context_combined = ?, context_sections_json = ?, context_meta_json = ?,
			context_updated_at = ?, updated_at = ?
		WHERE id = ?
	`, node.ContextCombined, sectionsJSON, ctxMetaJSON, nullTime(node.ContextUpdatedAt), now, node.ID)
	if err != nil {
		return fmt.Errorf("update task context: %w", err)
	}
	return nil
}

// DeleteTasks removes tasks and every dependency edge touching them.
func (f *PlanFile) DeleteTasks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tasks: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on = ?`, id, id); err != nil {
			return fmt.Errorf("delete dependencies of task %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ReplaceDependencies rewrites the outgoing dependency edges of one
// task.
func (f *PlanFile) ReplaceDependencies(ctx context.Context, taskID int64, deps []int64) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace dependencies: %w", err)
	}
	defer tx.Rollback()

	if err := replaceDependenciesTx(ctx, tx, taskID, deps); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceDependenciesTx(ctx context.Context, tx *sql.Tx, taskID int64, deps []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`,
			taskID, dep); err != nil {
			return fmt.Errorf("insert dependency %d -> %d: %w", taskID, dep, err)
		}
	}
	return nil
}

// Tasks loads every task with its dependencies.
func (f *PlanFile) Tasks(ctx context.Context) ([]*models.PlanNode, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT id, parent_id, position, path, depth, name, instruction, metadata_json, status,
			execution_result_json, context_combined, context_sections_json, context_meta_json,
			context_updated_at, created_at, updated_at
		FROM tasks
		ORDER BY depth ASC, parent_id ASC, position ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var nodes []*models.PlanNode
	byID := make(map[int64]*models.PlanNode)
	for rows.Next() {
		node, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		byID[node.ID] = node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	depRows, err := f.db.QueryContext(ctx,
		`SELECT task_id, depends_on FROM task_dependencies ORDER BY task_id ASC, depends_on ASC`)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, dependsOn int64
		if err := depRows.Scan(&taskID, &dependsOn); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		if node, ok := byID[taskID]; ok {
			node.Dependencies = append(node.Dependencies, dependsOn)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	return nodes, nil
}

// Task loads a single task with its dependencies, nil when absent.
func (f *PlanFile) Task(ctx context.Context, id int64) (*models.PlanNode, error) {
	row := f.db.QueryRowContext(ctx, `
		SELECT id, parent_id, position, path, depth, name, instruction, metadata_json, status,
			execution_result_json, context_combined, context_sections_json, context_meta_json,
			context_updated_at, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	node, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := f.db.QueryContext(ctx,
		`SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		node.Dependencies = append(node.Dependencies, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	return node, nil
}

// CountTasks returns the number of tasks in the plan.
func (f *PlanFile) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// StatusCounts aggregates tasks by status.
func (f *PlanFile) StatusCounts(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	return counts, nil
}

// ReplaceTree atomically swaps the stored task set for the provided
// one. Nodes with ID 0 are treated as new: they receive fresh IDs, and
// parent and dependency references to them are remapped through the
// returned table. When snapshot is non-empty the previous tree is
// stored first and old snapshots pruned to keepSnapshots.
func (f *PlanFile) ReplaceTree(ctx context.Context, nodes []*models.PlanNode, snapshot []byte, note string, keepSnapshots int) (map[int64]int64, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace tree: %w", err)
	}
	defer tx.Rollback()

	if len(snapshot) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (note, snapshot_json, created_at) VALUES (?, ?, ?)`,
			note, string(snapshot), time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("store snapshot: %w", err)
		}
		if keepSnapshots > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM snapshots WHERE id NOT IN (
					SELECT id FROM snapshots ORDER BY id DESC LIMIT ?
				)
			`, keepSnapshots); err != nil {
				return nil, fmt.Errorf("prune snapshots: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies`); err != nil {
		return nil, fmt.Errorf("clear dependencies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return nil, fmt.Errorf("clear tasks: %w", err)
	}

	// Parents before children so remapped parent IDs are known when
	// their children are written.
	ordered := make([]*models.PlanNode, len(nodes))
	copy(ordered, nodes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Depth < ordered[j].Depth })

	remap := make(map[int64]int64)
	for _, node := range ordered {
		if node.ParentID != nil {
			if mapped, ok := remap[*node.ParentID]; ok {
				node.ParentID = &mapped
			}
		}
		oldID := node.ID
		if err := insertTreeNodeTx(ctx, tx, node); err != nil {
			return nil, err
		}
		if oldID != 0 && oldID != node.ID {
			remap[oldID] = node.ID
		}
	}

	for _, node := range ordered {
		mappedDeps := make([]int64, 0, len(node.Dependencies))
		for _, dep := range node.Dependencies {
			if mapped, ok := remap[dep]; ok {
				dep = mapped
			}
			mappedDeps = append(mappedDeps, dep)
		}
		node.Dependencies = mappedDeps
		if err := replaceDependenciesTx(ctx, tx, node.ID, node.Dependencies); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace tree: %w", err)
	}
	return remap, nil
}

// insertTreeNodeTx inserts a node preserving a positive ID. Zero and
// negative IDs mark new nodes and are replaced by fresh ones.
func insertTreeNodeTx(ctx context.Context, tx *sql.Tx, node *models.PlanNode) error {
	if node.ID <= 0 {
		node.ID = 0
		return insertTaskTx(ctx, tx, node)
	}
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = now
	}
	metadataJSON, resultJSON, sectionsJSON, ctxMetaJSON, err := marshalTaskColumns(node)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks
			(id, parent_id, position, path, depth, name, instruction, metadata_json, status,
			 execution_result_json, context_combined, context_sections_json, context_meta_json,
			 context_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		node.ID,
		nullInt64(node.ParentID),
		node.Position,
		node.Path,
		node.Depth,
		node.Name,
		node.Instruction,
		metadataJSON.String,
		string(node.Status),
		resultJSON,
		node.ContextCombined,
		sectionsJSON,
		ctxMetaJSON,
		nullTime(node.ContextUpdatedAt),
		node.CreatedAt,
		node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task %d: %w", node.ID, err)
	}
	return nil
}

// Snapshot stores a serialized tree outside of ReplaceTree, for
// explicit snapshot requests.
func (f *PlanFile) Snapshot(ctx context.Context, note string, payload []byte, keep int) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (note, snapshot_json, created_at) VALUES (?, ?, ?)`,
		note, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM snapshots WHERE id NOT IN (
				SELECT id FROM snapshots ORDER BY id DESC LIMIT ?
			)
		`, keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return tx.Commit()
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	ID        int64     `json:"id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// ListSnapshots returns snapshot descriptors, newest first.
func (f *PlanFile) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT id, note, created_at FROM snapshots ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.ID, &info.Note, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return infos, nil
}

// SnapshotPayload returns a snapshot's serialized tree.
func (f *PlanFile) SnapshotPayload(ctx context.Context, id int64) ([]byte, error) {
	var payload string
	err := f.db.QueryRowContext(ctx,
		`SELECT snapshot_json FROM snapshots WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return []byte(payload), nil
}

func marshalTaskColumns(node *models.PlanNode) (metadata sql.NullString, result, sections, ctxMeta sql.NullString, err error) {
	metadata, err = marshalMap(node.Metadata)
	if err != nil {
		return metadata, result, sections, ctxMeta, fmt.Errorf("marshal task metadata: %w", err)
	}
	if !metadata.Valid {
		metadata = sql.NullString{String: "{}", Valid: true}
	}
	if node.ExecutionResult != nil {
		data, merr := json.Marshal(node.ExecutionResult)
		if merr != nil {
			return metadata, result, sections, ctxMeta, fmt.Errorf("marshal execution result: %w", merr)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	sections, err = marshalSections(node.ContextSections)
	if err != nil {
		return metadata, result, sections, ctxMeta, err
	}
	ctxMeta, err = marshalMap(node.ContextMeta)
	if err != nil {
		return metadata, result, sections, ctxMeta, fmt.Errorf("marshal context meta: %w", err)
	}
	return metadata, result, sections, ctxMeta, nil
}

func marshalSections(sections []models.ContextSection) (sql.NullString, error) {
	if len(sections) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(sections)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal context sections: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanTask(scanner rowScanner) (*models.PlanNode, error) {
	var (
		node             models.PlanNode
		parentID         sql.NullInt64
		metadataJSON     sql.NullString
		status           string
		resultJSON       sql.NullString
		sectionsJSON     sql.NullString
		ctxMetaJSON      sql.NullString
		contextUpdatedAt sql.NullTime
	)
	err := scanner.Scan(
		&node.ID,
		&parentID,
		&node.Position,
		&node.Path,
		&node.Depth,
		&node.Name,
		&node.Instruction,
		&metadataJSON,
		&status,
		&resultJSON,
		&node.ContextCombined,
		&sectionsJSON,
		&ctxMetaJSON,
		&contextUpdatedAt,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if parentID.Valid {
		node.ParentID = &parentID.Int64
	}
	node.Status = models.TaskStatus(status)
	if node.Metadata, err = unmarshalMap(metadataJSON); err != nil {
		return nil, fmt.Errorf("unmarshal task metadata: %w", err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result models.ExecutionResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshal execution result: %w", err)
		}
		node.ExecutionResult = &result
	}
	if sectionsJSON.Valid && sectionsJSON.String != "" {
		if err := json.Unmarshal([]byte(sectionsJSON.String), &node.ContextSections); err != nil {
			return nil, fmt.Errorf("unmarshal context sections: %w", err)
		}
	}
	if node.ContextMeta, err = unmarshalMap(ctxMetaJSON); err != nil {
		return nil, fmt.Errorf("unmarshal context meta: %w", err)
	}
	if contextUpdatedAt.Valid {
		t := contextUpdatedAt.Time
		node.ContextUpdatedAt = &t
	}
	return &node, nil
}
