package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/planweave/planweave/pkg/models"
)

// Start recovers jobs interrupted by a previous shutdown, spawns the
// worker pool, and begins the retention schedule.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recoverInterrupted(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx)
	}
	if err := m.startRetention(); err != nil {
		cancel()
		return err
	}
	m.logger.Info(ctx, "job manager started",
		"workers", m.cfg.Workers,
		"queue_capacity", m.cfg.QueueCapacity,
		"cleanup_schedule", m.cfg.CleanupSchedule)
	return nil
}

// Stop cancels workers and the retention schedule, then waits for
// in-flight jobs to finalise.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.queue:
			m.run(ctx, job)
		}
	}
}

// run executes one job end to end. Finalisation uses a detached
// context so a shutdown that cancels the handler still records the
// terminal status.
func (m *Manager) run(ctx context.Context, job *models.Job) {
	finalCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(finalCtx, "job handler panicked", "job_id", job.ID, "job_type", job.Type, "panic", r)
			if err := m.MarkFailed(finalCtx, job.ID, fmt.Sprintf("internal error: %v", r)); err != nil {
				m.logger.Error(finalCtx, "finalize panicked job failed", "job_id", job.ID, "error", err)
			}
		}
	}()

	m.mu.Lock()
	handler := m.handlers[job.Type]
	m.mu.Unlock()
	if handler == nil {
		// Submit rejects unknown types; this covers handlers
		// deregistered between enqueue and pickup.
		if err := m.MarkFailed(finalCtx, job.ID, fmt.Sprintf("no handler for job type %q", job.Type)); err != nil {
			m.logger.Error(finalCtx, "finalize unhandled job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := m.MarkRunning(finalCtx, job.ID); err != nil {
		m.logger.Error(finalCtx, "mark job running failed", "job_id", job.ID, "error", err)
		return
	}
	m.logger.Info(ctx, "job started", "job_id", job.ID, "job_type", job.Type, "plan_id", job.PlanID)

	result, stats, err := handler(ctx, job)
	if err != nil {
		if markErr := m.MarkFailed(finalCtx, job.ID, err.Error()); markErr != nil {
			m.logger.Error(finalCtx, "finalize failed job failed", "job_id", job.ID, "error", markErr)
		}
		return
	}
	if err := m.MarkSucceeded(finalCtx, job.ID, result, stats); err != nil {
		m.logger.Error(finalCtx, "finalize succeeded job failed", "job_id", job.ID, "error", err)
	}
}

// recoverInterrupted fails jobs left queued or running by an unclean
// shutdown. Their partial logs stay readable; clients polling or
// re-subscribing see the failure.
func (m *Manager) recoverInterrupted(ctx context.Context) error {
	orphans, err := m.store.Registry().ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range orphans {
		now := time.Now().UTC()
		job.Status = models.JobStatusFailed
		job.Error = "interrupted by server restart"
		job.FinishedAt = &now
		if err := m.store.Registry().UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		m.logger.Warn(ctx, "failed interrupted job", "job_id", job.ID, "job_type", job.Type, "created_at", job.CreatedAt)
	}
	if len(orphans) > 0 {
		m.logger.Info(ctx, "interrupted job recovery complete", "count", len(orphans))
	}
	return nil
}

// QueueDepth reports how many jobs are waiting for a worker.
func (m *Manager) QueueDepth() int {
	return len(m.queue)
}
