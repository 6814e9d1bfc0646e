// Package history keeps an audit trail of finished jobs in a SQL database.
//
// Every job that reaches a terminal state is written once as a JobOutcome.
// The store is write-only with respect to job state: the in-memory registry
// remains the source of truth and nothing is restored from here on restart.
// Old rows are removed by Prune, optionally on a cron schedule (RunPruner).
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/ai-orchestrator/internal/events"
	"github.com/ChuLiYu/ai-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const recordTimeout = 5 * time.Second

// JobOutcome is one finished job.
type JobOutcome struct {
	ID            uint      `gorm:"primaryKey"`
	JobID         string    `gorm:"uniqueIndex;size:64;not null"`
	Mode          string    `gorm:"size:32;index"`
	Owner         string    `gorm:"size:128;index"`
	ContextKey    string    `gorm:"size:128"`
	State         string    `gorm:"size:16;index"`
	Error         string    `gorm:"type:text"`
	InvalidOutput bool      // completed with INVALID_MODEL_OUTPUT
	ReportFile    string    `gorm:"size:512"`
	DurationMS    int64
	SubmittedAt   time.Time
	FinishedAt    time.Time `gorm:"index"`
}

// Store persists job outcomes with GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) a SQLite database at path. ":memory:"
// gives a private in-memory database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// SQLite allows one writer; in-memory databases are per connection.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// New wraps db. Call Migrate before first use.
func New(db *gorm.DB) *Store {
	return &Store{db: db, logger: slog.Default(), now: time.Now}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&JobOutcome{})
}

// Record stores a terminal job. Recording the same job twice is an error.
func (s *Store) Record(ctx context.Context, job types.Job) error {
	if !job.State.IsTerminal() {
		return fmt.Errorf("record %s: state %s is not terminal", job.ID, job.State)
	}

	outcome := JobOutcome{
		JobID:         string(job.ID),
		Mode:          string(job.Mode),
		Owner:         job.Owner,
		ContextKey:    job.ContextKey,
		State:         string(job.State),
		Error:         job.Error,
		InvalidOutput: orchestrator.IsInvalidOutput(job.Result),
		DurationMS:    job.Duration().Milliseconds(),
		SubmittedAt:   job.SubmittedAt,
		FinishedAt:    job.UpdatedAt,
	}
	if ref, ok := job.Result["reportFile"].(string); ok {
		outcome.ReportFile = ref
	}
	return s.db.WithContext(ctx).Create(&outcome).Error
}

// Get returns the outcome of one job, or gorm.ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, id types.JobID) (JobOutcome, error) {
	var outcome JobOutcome
	err := s.db.WithContext(ctx).
		Where("job_id = ?", string(id)).
		First(&outcome).Error
	return outcome, err
}

// Recent returns up to limit outcomes, most recently finished first.
func (s *Store) Recent(ctx context.Context, limit int) ([]JobOutcome, error) {
	var outcomes []JobOutcome
	err := s.db.WithContext(ctx).
		Order("finished_at DESC").
		Limit(limit).
		Find(&outcomes).Error
	return outcomes, err
}

// Prune deletes outcomes finished more than retention ago and returns the
// number of rows removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("finished_at < ?", cutoff).
		Delete(&JobOutcome{})
	return res.RowsAffected, res.Error
}

// Handle implements events.Listener: terminal transitions are recorded.
func (s *Store) Handle(ev events.Event) {
	e, ok := ev.(events.JobTransitioned)
	if !ok || !e.Job.State.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.Record(ctx, e.Job); err != nil {
		s.logger.Error("record job outcome", "jobID", e.Job.ID, "error", err)
	}
}

// RunPruner prunes on the given cron schedule (standard five fields or a
// descriptor such as "@hourly" or "@every 10m") until ctx is done.
func (s *Store) RunPruner(ctx context.Context, spec string, retention time.Duration) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("prune schedule %q: %w", spec, err)
	}

	for {
		next := schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		n, err := s.Prune(ctx, retention)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			s.logger.Error("prune job history", "error", err)
		case n > 0:
			s.logger.Info("pruned job history", "rows", n, "retention", retention)
		}
	}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
