package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forgeyard/internal/apperr"
	"forgeyard/internal/bus"
	"forgeyard/internal/workspace"
)

var schedulerTracer = otel.Tracer("forgeyard/internal/jobs/scheduler")

// RepoResolver resolves a registered repository name to the canonical,
// read-only clone path the workspace manager clones from. The Job
// Scheduler depends on this narrow interface rather than the full
// Repository Registry so the two components stay independently
// testable.
type RepoResolver interface {
	CanonicalPath(ctx context.Context, repoName string) (string, error)
}

// SchedulerParams bundles the Scheduler's tunables (§6 configuration
// inputs maxConcurrent/jobTimeoutSecondsDefault/cancelGraceSeconds plus
// a drain window and the assistant CLI command line).
type SchedulerParams struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	CancelGrace    time.Duration
	DrainWindow    time.Duration
	CLICommand     string
}

type runningJob struct {
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// Scheduler is the Job Scheduler: a FIFO queue of queued jobs, a
// maxConcurrent-bounded running set, and a single mutation lock
// guarding both. All blocking I/O (workspace materialization,
// subprocess spawn/wait) happens outside the lock in detached
// goroutines that report back through the same lock.
type Scheduler struct {
	params SchedulerParams

	store      *Store
	workspaces *workspace.Manager
	executor   *Executor
	broker     *Broker
	notifyBus  *bus.Bus
	repos      RepoResolver

	logger *slog.Logger

	mu           sync.Mutex
	queue        []string
	running      map[string]*runningJob
	jobs         map[string]*Job
	deletedAt    map[string]time.Time
	shuttingDown bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler constructs a Scheduler. Call Recover once at startup to
// repopulate in-memory state from the Store before Run.
func NewScheduler(store *Store, workspaces *workspace.Manager, executor *Executor, broker *Broker, notifyBus *bus.Bus, repos RepoResolver, params SchedulerParams) *Scheduler {
	if params.MaxConcurrent < 1 {
		params.MaxConcurrent = 1
	}
	return &Scheduler{
		params:     params,
		store:      store,
		workspaces: workspaces,
		executor:   executor,
		broker:     broker,
		notifyBus:  notifyBus,
		repos:      repos,
		logger:     slog.Default().With("component", "job_scheduler"),
		running:    make(map[string]*runningJob),
		jobs:       make(map[string]*Job),
		deletedAt:  make(map[string]time.Time),
		wake:       make(chan struct{}, 1),
	}
}

// Recover loads every persisted job (demoting any found StatusRunning to
// failed(host_restart), per the Store's own recovery rule) and rebuilds
// the in-memory FIFO queue from jobs left in StatusQueued, ordered by
// CreatedAt so restart preserves submission order.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.store.Recover(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	s.queue = nil
	for _, job := range orderedByCreatedAt(jobs) {
		if job.Status == StatusQueued {
			s.queue = append(s.queue, job.ID)
		}
	}
	return nil
}

func orderedByCreatedAt(in []*Job) []*Job {
	out := append([]*Job(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Run starts the background dispatch loop. It returns when ctx is
// cancelled; callers should then call Shutdown to drain running jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.signalDispatch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.dispatchAvailable(ctx)
		}
	}
}

func (s *Scheduler) signalDispatch() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Create materializes a new job record in status created. No workspace
// is touched until Start is called.
func (s *Scheduler) Create(ctx context.Context, repoName, prompt, owner string, opts Options) (*Job, error) {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.create", trace.WithAttributes(
		attribute.String("job.owner", owner),
		attribute.String("job.repo", repoName),
	))
	defer span.End()

	job := &Job{
		ID:        uuid.NewString(),
		Owner:     owner,
		RepoName:  repoName,
		Prompt:    prompt,
		Options:   opts,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Save(ctx, job); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.publish(ctx, job)
	return job.Clone(), nil
}

// Start transitions a created job to queued (or directly to running if
// the dispatch loop finds capacity). Idempotent while the job remains
// in created/queued/running. Returns apperr.Conflict once Shutdown has
// begun.
func (s *Scheduler) Start(ctx context.Context, id string) error {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.start", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer span.End()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.NotFound, "scheduler: no such job")
	}
	if s.shuttingDown {
		s.mu.Unlock()
		return apperr.New(apperr.Conflict, "scheduler: shutting down")
	}
	if job.Status == StatusQueued || job.Status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	if job.Status != StatusCreated {
		s.mu.Unlock()
		return apperr.New(apperr.Conflict, "scheduler: job is not in created status")
	}
	job.Status = StatusQueued
	s.queue = append(s.queue, id)
	s.mu.Unlock()

	if err := s.store.Save(ctx, job); err != nil {
		return err
	}
	s.publish(ctx, job)
	s.signalDispatch()
	return nil
}

// Cancel requests termination of a job in any non-terminal status. For
// created/queued jobs this is synchronous; for a dispatched job Cancel
// cancels its run context and returns at once, without waiting for the
// subprocess to be signaled or to exit; the Executor then signals the
// process group and records the terminal status.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.cancel", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer span.End()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.NotFound, "scheduler: no such job")
	}

	if slot, running := s.running[id]; running {
		s.mu.Unlock()
		slot.cancel()
		return nil
	}

	switch job.Status {
	case StatusCancelled:
		s.mu.Unlock()
		return nil
	case StatusCreated:
		job.Status = StatusCancelled
	case StatusQueued:
		s.removeFromQueue(id)
		job.Status = StatusCancelled
	default:
		s.mu.Unlock()
		if job.Status.IsTerminal() {
			return apperr.New(apperr.Conflict, "scheduler: job already terminal")
		}
		return apperr.New(apperr.Conflict, "scheduler: job cannot be cancelled in its current status")
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}
	s.publish(ctx, job)
	if s.broker != nil {
		s.broker.MarkTerminal(ctx, id)
	}
	return nil
}

func (s *Scheduler) removeFromQueue(id string) {
	for i, q := range s.queue {
		if q == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Delete destroys a job's workspace and on-disk record. A running job
// is force-cancelled first and waited on (bounded by CancelGrace plus
// the executor's grace timeout plus two seconds) so the workspace is not
// removed out from under a live subprocess.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.delete", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer span.End()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.NotFound, "scheduler: no such job")
	}
	slot, running := s.running[id]
	s.mu.Unlock()

	if running {
		slot.cancel()
		select {
		case <-slot.done:
		case <-time.After(s.params.CancelGrace + s.executor.graceTimeout + 2*time.Second):
		}
	} else {
		s.removeFromQueueLocked(id)
	}

	if job.WorkspacePath != "" {
		if err := s.workspaces.DestroyWorkspace(ctx, job.WorkspacePath); err != nil {
			s.logger.Error("failed to destroy workspace on delete", "job_id", id, "error", err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.broker != nil {
		s.broker.Forget(id)
	}

	s.mu.Lock()
	delete(s.jobs, id)
	s.deletedAt[id] = time.Now().UTC()
	s.mu.Unlock()
	return nil
}

// Exists reports whether jobID still has a live record, satisfying the
// Janitor's JobLookup interface.
func (s *Scheduler) Exists(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok, nil
}

// IsTerminal reports whether jobID is in a terminal status, satisfying
// the Janitor's JobLookup interface.
func (s *Scheduler) IsTerminal(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, apperr.New(apperr.NotFound, "scheduler: no such job")
	}
	return job.Status.IsTerminal(), nil
}

// DeletedAt returns when jobID's record was removed via Delete, if this
// Scheduler instance itself performed that deletion, satisfying the
// Janitor's JobLookup interface.
func (s *Scheduler) DeletedAt(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.deletedAt[jobID]
	return t, ok
}

// HasNonTerminalJobsForRepo reports whether any in-memory job
// referencing repoName is not yet terminal, satisfying the Repository
// Registry's JobReferenceChecker interface.
func (s *Scheduler) HasNonTerminalJobsForRepo(ctx context.Context, repoName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.RepoName == repoName && !job.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) removeFromQueueLocked(id string) {
	s.mu.Lock()
	s.removeFromQueue(id)
	s.mu.Unlock()
}

// QueuePosition reports the zero-based index of a queued job at this
// instant. The value is advisory: by the time a caller observes it, the
// job may have already dispatched. Returns -1 if the job is not
// currently queued.
func (s *Scheduler) QueuePosition(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == id {
			return i
		}
	}
	return -1
}

// Get returns a snapshot of one job's current state.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "scheduler: no such job")
	}
	return job.Clone(), nil
}

// AttachUpload saves an uploaded file under a job's uploads directory.
// Only permitted while the job is still in status created, matching
// §3's "uploaded only while job status is created" invariant.
func (s *Scheduler) AttachUpload(ctx context.Context, id, originalName string, data []byte, contentType string, overwrite bool) (UploadedFile, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return UploadedFile{}, apperr.New(apperr.NotFound, "scheduler: no such job")
	}
	if job.Status != StatusCreated {
		s.mu.Unlock()
		return UploadedFile{}, apperr.New(apperr.Conflict, "scheduler: uploads are only accepted before a job starts")
	}
	s.mu.Unlock()

	uploaded, err := s.store.SaveUpload(ctx, id, originalName, data, contentType, overwrite)
	if err != nil {
		return UploadedFile{}, err
	}

	s.mu.Lock()
	job, ok = s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return uploaded, nil
	}
	if job.Status != StatusCreated {
		s.mu.Unlock()
		return uploaded, nil
	}
	job.Uploads = append(job.Uploads, uploaded)
	s.mu.Unlock()
	if err := s.store.Save(ctx, job); err != nil {
		return uploaded, err
	}
	return uploaded, nil
}

// dispatchAvailable pops as many queued jobs as current capacity allows
// and hands each to a detached goroutine that performs the actual
// workspace-creation-then-execute sequence outside the mutation lock.
func (s *Scheduler) dispatchAvailable(ctx context.Context) {
	for {
		job, slot := s.popForDispatch(ctx)
		if job == nil {
			return
		}
		s.wg.Add(1)
		go s.runOne(job, slot)
	}
}

func (s *Scheduler) popForDispatch(ctx context.Context) (*Job, *runningJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown || len(s.queue) == 0 || len(s.running) >= s.params.MaxConcurrent {
		return nil, nil
	}
	id := s.queue[0]
	s.queue = s.queue[1:]

	job, ok := s.jobs[id]
	if !ok {
		s.logger.Error("queued job missing from job table", "job_id", id)
		return nil, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	slot := &runningJob{cancel: cancel, ctx: runCtx, done: make(chan struct{})}
	s.running[id] = slot
	return job, slot
}

func (s *Scheduler) runOne(job *Job, slot *runningJob) {
	defer s.wg.Done()
	defer close(slot.done)
	defer s.finishDispatch(job.ID)

	ctx := slot.ctx

	repoPath, err := s.repos.CanonicalPath(ctx, job.RepoName)
	if err != nil {
		s.failDispatch(ctx, job, ReasonWorkspace)
		return
	}

	ws, err := s.workspaces.CreateWorkspace(ctx, repoPath, job.ID)
	if err != nil {
		s.failDispatch(ctx, job, ReasonWorkspace)
		return
	}
	job.WorkspacePath = ws.Path

	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		s.logger.Error("failed to persist running transition", "job_id", job.ID, "error", err)
	}
	s.publish(ctx, job)

	timeout := s.params.DefaultTimeout
	if job.Options.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Options.TimeoutSeconds) * time.Second
	}

	desc := LaunchDescriptor{
		Argv: []string{s.params.CLICommand, job.Prompt},
		Cwd:  ws.Path,
		Env:  os.Environ(),
	}

	if err := s.executor.Run(ctx, job, desc, timeout); err != nil {
		s.logger.Error("executor run returned an error", "job_id", job.ID, "error", err)
	}
	s.publish(ctx, job)
}

func (s *Scheduler) failDispatch(ctx context.Context, job *Job, reason FailureReason) {
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.FailureReason = reason
	job.CompletedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		s.logger.Error("failed to persist dispatch failure", "job_id", job.ID, "error", err)
	}
	s.publish(ctx, job)
	if s.broker != nil {
		s.broker.MarkTerminal(ctx, job.ID)
	}
}

func (s *Scheduler) finishDispatch(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	s.signalDispatch()
}

func (s *Scheduler) publish(ctx context.Context, job *Job) {
	if s.notifyBus == nil {
		return
	}
	payload := fmt.Sprintf(`{"id":%q,"status":%q,"failureReason":%q}`, job.ID, job.Status, job.FailureReason)
	if err := s.notifyBus.Publish(fmt.Sprintf("jobs.%s.status", job.ID), []byte(payload)); err != nil {
		s.logger.Warn("failed to publish status notification", "job_id", job.ID, "error", err)
	}
}

// Shutdown stops accepting new Start calls and new dispatch, cancels every running job with
// grace, waits up to the configured drain window, and force-records any
// job that does not drain in time as failed(reason=shutdown).
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.shuttingDown = true
	slots := make(map[string]*runningJob, len(s.running))
	for id, slot := range s.running {
		slots[id] = slot
	}
	s.mu.Unlock()

	for _, slot := range slots {
		slot.cancel()
	}

	// A closed channel wakes every receiver, so all waiters see the deadline.
	deadline := make(chan struct{})
	drainTimer := time.AfterFunc(s.params.DrainWindow, func() { close(deadline) })
	defer drainTimer.Stop()
	remaining := make(map[string]*runningJob, len(slots))
	for id, slot := range slots {
		remaining[id] = slot
	}
	for len(remaining) > 0 {
		anyDone := make(chan string, len(remaining))
		for id, slot := range remaining {
			id, slot := id, slot
			go func() {
				select {
				case <-slot.done:
					anyDone <- id
				case <-deadline:
				}
			}()
		}
		select {
		case id := <-anyDone:
			delete(remaining, id)
		case <-deadline:
			for id := range remaining {
				s.forceShutdownFail(ctx, id)
			}
			return
		}
	}
}

func (s *Scheduler) forceShutdownFail(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok || job.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.FailureReason = ReasonShutdown
	job.CompletedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		s.logger.Error("failed to persist shutdown demotion", "job_id", id, "error", err)
	}
	s.publish(ctx, job)
	if s.broker != nil {
		s.broker.MarkTerminal(ctx, id)
	}
}
