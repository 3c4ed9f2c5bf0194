// Package janitor implements the Background Janitor: a periodic sweep
// that reclaims orphaned workspaces and expired uploads without ever
// touching a job that is still non-terminal.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("forgeyard/internal/janitor")

// JobLookup is the narrow view of job state the Janitor needs: whether
// a job still exists, and whether it is terminal.
type JobLookup interface {
	// Exists reports whether a job record is still present.
	Exists(ctx context.Context, jobID string) (bool, error)
	// IsTerminal reports whether the job is in a terminal status. Only
	// called when Exists has already returned true.
	IsTerminal(ctx context.Context, jobID string) (bool, error)
	// DeletedAt returns when a job record was removed, for jobs whose
	// deletion the lookup implementation itself recorded. The second
	// return is false if unknown.
	DeletedAt(jobID string) (time.Time, bool)
}

// Config configures sweep behavior. Either a plain Interval or a
// CronSchedule (robfig/cron syntax, e.g. "0 */5 * * * *") drives the
// sweep; CronSchedule takes precedence when both are set.
type Config struct {
	Interval        time.Duration
	CronSchedule    string
	JobsRoot        string // <jobs_root>/<jobId>/workspace and /uploads live here
	UploadRetention time.Duration
}

// Janitor runs a ticking background sweep. Start/Stop follow a
// ticker+mutex idiom: a single sweep goroutine, idempotent Stop, and an
// exported Sweep that runs one pass directly (used by tests).
type Janitor struct {
	cfg    Config
	jobs   JobLookup
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	ticker  *time.Ticker
	cron    *cron.Cron
}

// New constructs a Janitor. jobs supplies the job-existence/terminal
// lookups the sweep needs to decide what is safe to delete.
func New(cfg Config, jobs JobLookup) *Janitor {
	return &Janitor{
		cfg:    cfg,
		jobs:   jobs,
		logger: slog.Default().With("component", "janitor"),
	}
}

// Start begins the periodic sweep. Calling Start while already running
// is a no-op. When cfg.CronSchedule is set, sweeps run on that
// robfig/cron schedule instead of a fixed interval.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	if j.cfg.CronSchedule != "" {
		c := cron.New(cron.WithSeconds())
		if _, err := c.AddFunc(j.cfg.CronSchedule, func() { j.Sweep(ctx) }); err != nil {
			return fmt.Errorf("janitor: invalid cron schedule %q: %w", j.cfg.CronSchedule, err)
		}
		c.Start()
		j.cron = c
		j.running = true
		j.logger.Info("janitor started", "cron", j.cfg.CronSchedule)
		return nil
	}

	interval := j.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	j.ticker = time.NewTicker(interval)
	j.stopCh = make(chan struct{})
	j.running = true

	j.logger.Info("janitor started", "interval", interval)
	go j.runLoop(ctx)
	return nil
}

// Stop halts the sweep. Idempotent.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	j.running = false
	if j.cron != nil {
		stopCtx := j.cron.Stop()
		<-stopCtx.Done()
		j.cron = nil
		j.logger.Info("janitor stopped")
		return
	}
	j.ticker.Stop()
	close(j.stopCh)
	j.logger.Info("janitor stopped")
}

func (j *Janitor) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-j.ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass immediately: deletes orphaned workspaces (job
// record gone), deletes upload directories past retention for jobs
// already deleted, and never touches a workspace whose job is
// non-terminal. Safe to call concurrently with the scheduler; every
// decision re-checks job existence/status just before acting.
func (j *Janitor) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "janitor.sweep")
	defer span.End()

	entries, err := os.ReadDir(j.cfg.JobsRoot)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		j.logger.Error("failed to list jobs root", "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j.sweepJobDir(ctx, entry.Name())
	}
}

func (j *Janitor) sweepJobDir(ctx context.Context, jobID string) {
	exists, err := j.jobs.Exists(ctx, jobID)
	if err != nil {
		j.logger.Error("failed to check job existence", "job_id", jobID, "error", err)
		return
	}

	dir := filepath.Join(j.cfg.JobsRoot, jobID)

	if !exists {
		j.reclaimOrphan(ctx, jobID, dir)
		return
	}

	terminal, err := j.jobs.IsTerminal(ctx, jobID)
	if err != nil {
		j.logger.Error("failed to check job terminal status", "job_id", jobID, "error", err)
		return
	}
	if !terminal {
		return
	}
}

func (j *Janitor) reclaimOrphan(ctx context.Context, jobID, dir string) {
	_, span := tracer.Start(ctx, "janitor.reclaim_orphan", trace.WithAttributes(
		attribute.String("job.id", jobID),
	))
	defer span.End()

	deletedAt, known := j.jobs.DeletedAt(jobID)
	if known && j.cfg.UploadRetention > 0 && time.Since(deletedAt) < j.cfg.UploadRetention {
		// Job was deleted recently: leave uploads in place until retention elapses.
		workspacePath := filepath.Join(dir, "workspace")
		if err := os.RemoveAll(workspacePath); err != nil {
			j.logger.Error("failed to remove orphan workspace", "job_id", jobID, "error", err)
		}
		return
	}

	if err := os.RemoveAll(dir); err != nil {
		j.logger.Error("failed to remove orphaned job directory", "job_id", jobID, "error", err)
	}
}
