// Package jobs implements the background job manager: persistent job
// records in the registry, per-job log and action-log streams in the
// owning plan's file (or the system store for unbound jobs), live
// event fanout over buffered subscriber channels, and a bounded
// worker queue with scheduled retention.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/storage"
	"github.com/planweave/planweave/pkg/models"
)

// ErrQueueFull is returned by Submit when the bounded job queue
// cannot accept more work.
var ErrQueueFull = errors.New("job queue is full")

// Handler executes one job and returns its result payload and stats.
// Handlers append progress through the manager; the worker finalises
// the job from the returned values.
type Handler func(ctx context.Context, job *models.Job) (json.RawMessage, map[string]any, error)

// Manager owns the job lifecycle. All log appends for one job are
// serialised per job; no global lock is held while writing.
type Manager struct {
	store   *storage.Manager
	cfg     config.JobsConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	hub     *hub

	mu       sync.Mutex
	active   map[string]*jobState
	handlers map[models.JobType]Handler

	queue  chan *models.Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
	cron   *cron.Cron
}

// jobState is the in-memory side of one job: the latest record plus
// the sequence counters feeding both log streams. Its mutex is the
// per-job serialisation point.
type jobState struct {
	mu      sync.Mutex
	job     *models.Job
	logSeq  int64
	actSeq  int64
	sink    storage.LogStore
	counted bool
}

// NewManager wires a job manager over the storage layer. Call Start
// to spawn workers and the retention schedule.
func NewManager(store *storage.Manager, cfg config.JobsConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 64
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		logger:   logger.WithComponent("jobs"),
		metrics:  metrics,
		hub:      newHub(cfg.SubscriberBuffer, logger, metrics),
		active:   make(map[string]*jobState),
		handlers: make(map[models.JobType]Handler),
		queue:    make(chan *models.Job, cfg.QueueCapacity),
	}
}

// RegisterHandler binds a handler to a job type. Register all
// handlers before Start.
func (m *Manager) RegisterHandler(jobType models.JobType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = handler
}

// SubmitRequest describes a job to create and enqueue.
type SubmitRequest struct {
	Type         models.JobType
	PlanID       *int64
	TargetTaskID *int64
	SessionID    string
	Parameters   any
}

// Submit persists a queued job and hands it to the worker pool. When
// the queue is full the job is recorded as failed and ErrQueueFull is
// returned so callers can surface a structured error.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	m.mu.Lock()
	_, ok := m.handlers[req.Type]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", req.Type)
	}

	var params json.RawMessage
	if req.Parameters != nil {
		raw, err := json.Marshal(req.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal job parameters: %w", err)
		}
		params = raw
	}

	job := &models.Job{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Status:       models.JobStatusQueued,
		PlanID:       req.PlanID,
		TargetTaskID: req.TargetTaskID,
		SessionID:    req.SessionID,
		Parameters:   params,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Registry().CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	sink, err := m.store.LogSink(ctx, job.PlanID)
	if err != nil {
		return nil, fmt.Errorf("resolve log sink: %w", err)
	}
	st := &jobState{job: job.Clone(), sink: sink}
	m.mu.Lock()
	m.active[job.ID] = st
	m.mu.Unlock()

	select {
	case m.queue <- job.Clone():
	default:
		if failErr := m.MarkFailed(ctx, job.ID, "job queue is full"); failErr != nil {
			m.logger.Error(ctx, "mark queue-full job failed", "job_id", job.ID, "error", failErr)
		}
		return nil, fmt.Errorf("enqueue %s job: %w", job.Type, ErrQueueFull)
	}

	if m.metrics != nil {
		m.metrics.JobStarted(string(job.Type))
	}
	st.mu.Lock()
	st.counted = true
	st.mu.Unlock()

	m.logger.Info(ctx, "job queued",
		"job_id", job.ID,
		"job_type", job.Type,
		"plan_id", job.PlanID,
		"session_id", job.SessionID)
	return job.Clone(), nil
}

// Get returns the current job record.
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	st, ok := m.active[jobID]
	m.mu.Unlock()
	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.job.Clone(), nil
	}
	job, err := m.store.Registry().GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	return job, nil
}

// Detail is one job with its log windows and the cursor to resume
// the log stream from.
type Detail struct {
	Job        *models.Job           `json:"job"`
	Logs       []*models.JobLogEvent `json:"logs"`
	ActionLogs []*models.ActionLog   `json:"action_logs"`
	Cursor     int64                 `json:"cursor"`
}

// GetDetail returns the job plus logs after the cursor and its action
// log stream. The returned cursor is the highest log sequence seen,
// suitable for the next poll or an SSE reconnect.
func (m *Manager) GetDetail(ctx context.Context, jobID string, cursor int64, limit int) (*Detail, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 200
	}
	sink, err := m.store.LogSink(ctx, job.PlanID)
	if err != nil {
		return nil, fmt.Errorf("resolve log sink: %w", err)
	}
	logs, err := sink.JobLogs(ctx, jobID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("load job logs: %w", err)
	}
	actions, err := sink.ActionLogs(ctx, jobID, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("load action logs: %w", err)
	}
	next := cursor
	if n := len(logs); n > 0 {
		next = logs[n-1].Sequence
	}
	return &Detail{Job: job, Logs: logs, ActionLogs: actions, Cursor: next}, nil
}

// MarkRunning transitions a queued job to running.
func (m *Manager) MarkRunning(ctx context.Context, jobID string) error {
	st, err := m.state(ctx, jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	st.job.Status = models.JobStatusRunning
	st.job.StartedAt = &now
	if err := m.store.Registry().UpdateJob(ctx, st.job); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	m.hub.broadcast(jobID, StreamEvent{
		Type:   EventTypeEvent,
		JobID:  jobID,
		Status: models.JobStatusRunning,
	})
	return nil
}

// MarkSucceeded finalises a job with its result payload and stats.
func (m *Manager) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage, stats map[string]any) error {
	return m.finalize(ctx, jobID, models.JobStatusSucceeded, result, stats, "")
}

// MarkFailed finalises a job with an error message.
func (m *Manager) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	return m.finalize(ctx, jobID, models.JobStatusFailed, nil, nil, errMsg)
}

func (m *Manager) finalize(ctx context.Context, jobID string, status models.JobStatus, result json.RawMessage, stats map[string]any, errMsg string) error {
	st, err := m.state(ctx, jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()

	now := time.Now().UTC()
	st.job.Status = status
	st.job.FinishedAt = &now
	st.job.Result = result
	if stats != nil {
		st.job.Stats = stats
	}
	st.job.Error = errMsg
	if err := m.store.Registry().UpdateJob(ctx, st.job); err != nil {
		st.mu.Unlock()
		return fmt.Errorf("mark %s: %w", status, err)
	}

	event := StreamEvent{
		Type:   EventTypeEvent,
		JobID:  jobID,
		Status: status,
		Stats:  st.job.Stats,
		Result: st.job.Result,
		Error:  errMsg,
	}
	jobType := st.job.Type
	duration := now.Sub(st.job.CreatedAt).Seconds()
	if st.job.StartedAt != nil {
		duration = now.Sub(*st.job.StartedAt).Seconds()
	}
	counted := st.counted
	st.counted = false
	st.mu.Unlock()

	m.hub.broadcast(jobID, event)
	m.hub.closeJob(jobID)

	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()

	if m.metrics != nil && counted {
		m.metrics.JobFinished(string(jobType), string(status), duration)
	}
	m.logger.Info(ctx, "job finished",
		"job_id", jobID,
		"job_type", jobType,
		"status", status,
		"duration_seconds", duration,
		"error", errMsg)
	return nil
}

// Log appends one log event to the job's stream and broadcasts it.
// Sequences are dense per job; a failed append rolls the counter
// back so no gap is left.
func (m *Manager) Log(ctx context.Context, jobID string, level models.LogLevel, message string, metadata map[string]any) error {
	st, err := m.state(ctx, jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	st.logSeq++
	event := &models.JobLogEvent{
		JobID:     jobID,
		Sequence:  st.logSeq,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	}
	if err := st.sink.AppendJobLog(ctx, event); err != nil {
		st.logSeq--
		return fmt.Errorf("append job log: %w", err)
	}
	m.hub.broadcast(jobID, StreamEvent{Type: EventTypeEvent, JobID: jobID, Event: event})
	return nil
}

// ActionLogRequest describes one dispatched action to record.
type ActionLogRequest struct {
	Kind    models.ActionKind
	Name    string
	Status  models.ActionStatus
	Success *bool
	Message string
	Details map[string]any
}

// AppendActionLog records an action outcome on the job's action
// stream. Details are redacted before they are persisted.
func (m *Manager) AppendActionLog(ctx context.Context, jobID string, req ActionLogRequest) error {
	st, err := m.state(ctx, jobID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	st.actSeq++
	entry := &models.ActionLog{
		JobID:     jobID,
		PlanID:    st.job.PlanID,
		SessionID: st.job.SessionID,
		Sequence:  st.actSeq,
		Kind:      req.Kind,
		Name:      req.Name,
		Status:    req.Status,
		Success:   req.Success,
		Message:   req.Message,
		Details:   redactDetails(req.Details),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.sink.AppendActionLog(ctx, entry); err != nil {
		st.actSeq--
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

// Subscribe opens a live event stream for a job. The stream delivers
// one snapshot, then persisted log events after the cursor, then live
// events until the job reaches a terminal status or cancel is called.
// Heartbeats are interleaved at the configured interval.
func (m *Manager) Subscribe(ctx context.Context, jobID string, cursor int64) (<-chan StreamEvent, func(), error) {
	st, err := m.state(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	// Register with the hub while holding the job lock so no append
	// can land between the snapshot read and the live subscription.
	st.mu.Lock()
	live, cancelLive := m.hub.subscribe(jobID)
	snapshot := st.job.Clone()
	lastSeq := st.logSeq
	st.mu.Unlock()

	streamCtx, cancelStream := context.WithCancel(ctx)
	out := make(chan StreamEvent, 8)

	// The pump lives as long as the subscriber's context; server
	// shutdown cancels request contexts and unwinds it.
	go func() {
		defer close(out)
		defer cancelLive()

		send := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-streamCtx.Done():
				return false
			}
		}

		if !send(StreamEvent{Type: EventTypeSnapshot, Job: snapshot}) {
			return
		}
		replayed, ok := m.replayLogs(streamCtx, st, jobID, cursor, send)
		if !ok {
			return
		}
		if replayed > lastSeq {
			lastSeq = replayed
		}
		if snapshot.Status.Terminal() {
			return
		}

		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				st.mu.Lock()
				hb := heartbeatEvent(st.job)
				st.mu.Unlock()
				if !send(hb) {
					return
				}
			case ev, open := <-live:
				if !open {
					// Terminal status reached; drain nothing further.
					return
				}
				if ev.Event != nil && ev.Event.Sequence <= lastSeq {
					continue
				}
				if ev.Event != nil {
					lastSeq = ev.Event.Sequence
				}
				if !send(ev) {
					return
				}
				if ev.Status.Terminal() {
					return
				}
			}
		}
	}()

	cancel := func() {
		cancelStream()
		cancelLive()
	}
	return out, cancel, nil
}

// replayLogs pushes persisted log events after the cursor into the
// stream in batches. Returns the highest sequence sent.
func (m *Manager) replayLogs(ctx context.Context, st *jobState, jobID string, after int64, send func(StreamEvent) bool) (int64, bool) {
	const batch = 500
	last := after
	for {
		logs, err := st.sink.JobLogs(ctx, jobID, last, batch)
		if err != nil {
			m.logger.Warn(ctx, "replay job logs failed", "job_id", jobID, "error", err)
			return last, true
		}
		for _, event := range logs {
			if !send(StreamEvent{Type: EventTypeEvent, JobID: jobID, Event: event}) {
				return last, false
			}
			last = event.Sequence
		}
		if len(logs) < batch {
			return last, true
		}
	}
}

// state returns the in-memory side of a job, loading it from the
// registry when the job is not active. Terminal jobs are not cached.
func (m *Manager) state(ctx context.Context, jobID string) (*jobState, error) {
	m.mu.Lock()
	st, ok := m.active[jobID]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	job, err := m.store.Registry().GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	sink, err := m.store.LogSink(ctx, job.PlanID)
	if err != nil {
		return nil, fmt.Errorf("resolve log sink: %w", err)
	}
	logSeq, err := sink.MaxJobLogSequence(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("seed log sequence: %w", err)
	}
	actSeq, err := sink.MaxActionLogSequence(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("seed action sequence: %w", err)
	}
	st = &jobState{job: job, logSeq: logSeq, actSeq: actSeq, sink: sink}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[jobID]; ok {
		return existing, nil
	}
	if !job.Status.Terminal() {
		m.active[jobID] = st
	}
	return st, nil
}

// SubscriberCount reports live subscribers for a job.
func (m *Manager) SubscriberCount(jobID string) int {
	return m.hub.subscriberCount(jobID)
}
