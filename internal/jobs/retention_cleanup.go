package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultRetentionDays     = 90
	DefaultRetentionSchedule = "0 3 * * *" // daily at 03:00 UTC
)

// TurnPruner deletes conversation turns older than a cutoff
type TurnPruner interface {
	DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionCleanupJob deletes persisted conversation turns past the retention window
type RetentionCleanupJob struct {
	pruner    TurnPruner
	retention time.Duration
	schedule  cron.Schedule
	now       func() time.Time
}

// NewRetentionCleanupJob creates the retention job. expr is a standard
// five-field cron expression evaluated in UTC.
func NewRetentionCleanupJob(pruner TurnPruner, retentionDays int, expr string) (*RetentionCleanupJob, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if expr == "" {
		expr = DefaultRetentionSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	return &RetentionCleanupJob{
		pruner:    pruner,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run deletes every turn older than the retention window
func (j *RetentionCleanupJob) Run(ctx context.Context) error {
	if j.pruner == nil {
		log.Info("[RETENTION] Retention cleanup disabled (no conversation store)")
		return nil
	}

	cutoff := j.now().Add(-j.retention)
	deleted, err := j.pruner.DeleteTurnsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention cleanup: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("🧹 [RETENTION] Conversation retention cleanup complete")
	return nil
}

// GetNextRunTime returns the next cron activation
func (j *RetentionCleanupJob) GetNextRunTime() time.Time {
	return j.schedule.Next(j.now())
}
