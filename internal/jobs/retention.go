package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// startRetention schedules nightly cleanup of old jobs and logs.
func (m *Manager) startRetention() error {
	schedule := m.cfg.CleanupSchedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := m.Cleanup(ctx, time.Duration(m.cfg.RetentionDays)*24*time.Hour, m.cfg.MaxLogRows); err != nil {
			m.logger.Error(ctx, "scheduled cleanup failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Cleanup removes terminal jobs older than the retention window and
// trims log streams in the system store and every plan file. Each
// job's most recent maxRows log rows survive the per-job cap.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration, maxRows int) error {
	cutoff := time.Now().UTC().Add(-olderThan)

	jobsDeleted, err := m.store.Registry().DeleteJobsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete old jobs: %w", err)
	}

	logsDeleted, err := m.store.System().CleanupLogs(ctx, cutoff, maxRows)
	if err != nil {
		return fmt.Errorf("cleanup system logs: %w", err)
	}

	plans, err := m.store.Registry().ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("list plans for cleanup: %w", err)
	}
	for _, plan := range plans {
		file, err := m.store.PlanFile(ctx, plan.ID)
		if err != nil {
			m.logger.Warn(ctx, "skip plan file during cleanup", "plan_id", plan.ID, "error", err)
			continue
		}
		deleted, err := file.CleanupLogs(ctx, cutoff, maxRows)
		if err != nil {
			m.logger.Warn(ctx, "cleanup plan logs failed", "plan_id", plan.ID, "error", err)
			continue
		}
		logsDeleted += deleted
	}

	m.logger.Info(ctx, "retention cleanup complete",
		"cutoff", cutoff,
		"jobs_deleted", jobsDeleted,
		"log_rows_deleted", logsDeleted)
	return nil
}
