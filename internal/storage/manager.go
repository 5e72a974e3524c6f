package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/pkg/models"
)

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

const (
	registryFileName = "registry.db"
	systemFileName   = "system_jobs.db"
	plansDirName     = "plans"
)

// LogStore is the log-stream surface shared by plan files and the
// system store. Jobs bound to a plan log into that plan's file,
// unbound jobs into the system store.
type LogStore interface {
	AppendJobLog(ctx context.Context, event *models.JobLogEvent) error
	JobLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.JobLogEvent, error)
	MaxJobLogSequence(ctx context.Context, jobID string) (int64, error)
	AppendActionLog(ctx context.Context, entry *models.ActionLog) error
	ActionLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.ActionLog, error)
	MaxActionLogSequence(ctx context.Context, jobID string) (int64, error)
	CleanupLogs(ctx context.Context, cutoff time.Time, maxRows int) (int64, error)
}

// Manager owns the storage fleet under one data root: the registry,
// the system store, and per-plan database files opened on demand
// behind a small LRU cache. Writes to one plan are serialised through
// LockPlan.
type Manager struct {
	root     string
	logger   *observability.Logger
	registry *Registry
	system   *SystemStore

	mu    sync.Mutex
	cache *lru.Cache[int64, *PlanFile]
	locks map[int64]*planLock
}

type planLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates the data root layout and opens the shared stores.
func NewManager(ctx context.Context, root string, cacheSize int, logger *observability.Logger) (*Manager, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}
	if err := os.MkdirAll(filepath.Join(root, plansDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	registry, err := OpenRegistry(ctx, filepath.Join(root, registryFileName))
	if err != nil {
		return nil, err
	}
	system, err := OpenSystemStore(ctx, filepath.Join(root, systemFileName))
	if err != nil {
		registry.Close()
		return nil, err
	}

	m := &Manager{
		root:     root,
		logger:   logger.WithComponent("storage"),
		registry: registry,
		system:   system,
		locks:    make(map[int64]*planLock),
	}
	m.cache, err = lru.NewWithEvict[int64, *PlanFile](cacheSize, m.onEvict)
	if err != nil {
		registry.Close()
		system.Close()
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	return m, nil
}

func (m *Manager) onEvict(planID int64, file *PlanFile) {
	if err := file.Close(); err != nil {
		m.logger.Warn(context.Background(), "closing evicted plan file failed",
			"plan_id", planID, "error", err)
	}
}

// Registry returns the shared registry store.
func (m *Manager) Registry() *Registry { return m.registry }

// System returns the store for jobs without a plan.
func (m *Manager) System() *SystemStore { return m.system }

// Root returns the data root directory.
func (m *Manager) Root() string { return m.root }

// LockPlan serialises access to one plan. The returned function
// releases the lock; locks are reference counted so idle entries do
// not accumulate.
func (m *Manager) LockPlan(planID int64) func() {
	m.mu.Lock()
	l, ok := m.locks[planID]
	if !ok {
		l = &planLock{}
		m.locks[planID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, planID)
		}
		m.mu.Unlock()
	}
}

// PlanFile returns the open database for a plan, opening and caching
// it on first use. Callers mutating the plan must hold its lock.
func (m *Manager) PlanFile(ctx context.Context, planID int64) (*PlanFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if file, ok := m.cache.Get(planID); ok {
		return file, nil
	}

	plan, err := m.registry.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %d: %w", planID, ErrNotFound)
	}

	file, err := OpenPlanFile(ctx, m.resolvePlanPath(plan))
	if err != nil {
		return nil, err
	}
	m.cache.Add(planID, file)
	return file, nil
}

// PlanRelPath returns the registry-recorded location for a plan's
// database, relative to the data root.
func (m *Manager) PlanRelPath(planID int64) string {
	return filepath.Join(plansDirName, fmt.Sprintf("plan_%d.db", planID))
}

func (m *Manager) resolvePlanPath(plan *models.Plan) string {
	path := plan.DBPath
	if path == "" {
		path = m.PlanRelPath(plan.ID)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.root, path)
}

// LogSink chooses the log store for a job: the plan file when the job
// is bound to a plan, the system store otherwise.
func (m *Manager) LogSink(ctx context.Context, planID *int64) (LogStore, error) {
	if planID == nil {
		return m.system, nil
	}
	return m.PlanFile(ctx, *planID)
}

// RemovePlanFile closes and deletes a plan's database file. The caller
// must hold the plan's lock and have removed the registry row.
func (m *Manager) RemovePlanFile(ctx context.Context, planID int64, dbPath string) error {
	m.mu.Lock()
	m.cache.Remove(planID)
	m.mu.Unlock()

	path := dbPath
	if path == "" {
		path = m.PlanRelPath(planID)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove plan file %s: %w", p, err)
		}
	}
	return nil
}

// Close releases every open database.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.cache.Purge()
	m.mu.Unlock()

	var firstErr error
	if err := m.system.Close(); err != nil {
		firstErr = err
	}
	if err := m.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
