package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"forgeyard/internal/apperr"
)

var executorTracer = otel.Tracer("forgeyard/internal/jobs/executor")

// scrubbedEnvPrefixes lists environment variable name prefixes stripped
// from a launched assistant CLI process: server-internal secrets that
// must never leak into job-controlled subprocesses.
var scrubbedEnvPrefixes = []string{
	"FORGEYARD_TOKEN_SECRET",
	"FORGEYARD_DB_",
	"FORGEYARD_SECRET",
}

// LaunchDescriptor is the typed, never-shell-interpolated description of
// the subprocess the Executor spawns for a job.
type LaunchDescriptor struct {
	Argv []string
	Cwd  string
	Env  []string
}

func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		skip := false
		for _, prefix := range scrubbedEnvPrefixes {
			if strings.HasPrefix(kv, prefix) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	return out
}

// outputSink serializes concurrent stdout/stderr writes from a single
// subprocess into the job's append-only output log, notifying the
// broker of the new write offset after each append.
type outputSink struct {
	mu     sync.Mutex
	ctx    context.Context
	store  *Store
	broker *Broker
	jobID  string
}

func (w *outputSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	offset, err := w.store.atomicAppend(w.jobID, p)
	if err != nil {
		return 0, err
	}
	if w.broker != nil {
		w.broker.Notify(w.ctx, w.jobID, offset)
	}
	return len(p), nil
}

// Executor spawns the assistant CLI for one job at a time, enforcing a
// timeout/cancellation-then-grace-then-force-kill protocol and capturing
// merged stdout/stderr into the job's output log.
type Executor struct {
	store        *Store
	broker       *Broker
	graceTimeout time.Duration
	logger       *slog.Logger
}

// NewExecutor constructs an Executor. graceTimeout bounds how long a
// signaled process group is given to exit before SIGKILL.
func NewExecutor(store *Store, broker *Broker, graceTimeout time.Duration) *Executor {
	return &Executor{
		store:        store,
		broker:       broker,
		graceTimeout: graceTimeout,
		logger:       slog.Default().With("component", "job_executor"),
	}
}

// Run spawns desc for job and blocks until the subprocess exits, the
// timeout elapses, or ctx is cancelled by the caller. It mutates job in
// place, persists every transition via the Store, and notifies the
// Broker when the job reaches a terminal status. Run never holds a lock
// across the subprocess wait.
func (e *Executor) Run(ctx context.Context, job *Job, desc LaunchDescriptor, timeout time.Duration) error {
	ctx, span := executorTracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.StringSlice("job.argv", desc.Argv),
	))
	defer span.End()

	if len(desc.Argv) == 0 {
		return apperr.New(apperr.ValidationFailed, "executor: empty argv")
	}

	cmd := exec.Command(desc.Argv[0], desc.Argv[1:]...)
	cmd.Dir = desc.Cwd
	cmd.Env = scrubEnv(desc.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sink := &outputSink{ctx: ctx, store: e.store, broker: e.broker, jobID: job.ID}
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		return e.finishDispatchFailure(ctx, job, err)
	}

	pid := cmd.Process.Pid
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.PID = &pid
	if err := e.store.Save(ctx, job); err != nil {
		e.logger.Error("failed to persist running state", "job_id", job.ID, "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timedOut atomic.Bool
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancelRun()
		})
		defer timer.Stop()
	}

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		e.terminateGroup(pid)
		select {
		case waitErr = <-done:
		case <-time.After(e.graceTimeout):
			e.forceKillGroup(pid)
			waitErr = <-done
		}
	}

	completed := time.Now().UTC()
	job.CompletedAt = &completed
	job.PID = nil

	switch {
	case runCtx.Err() != nil && timedOut.Load():
		job.Status = StatusFailed
		job.FailureReason = ReasonTimeout
	case runCtx.Err() != nil:
		job.Status = StatusCancelled
		job.FailureReason = ReasonNone
	case waitErr == nil:
		code := 0
		job.Status = StatusCompleted
		job.ExitCode = &code
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			job.ExitCode = &code
			job.Status = StatusFailed
			job.FailureReason = ReasonNonzero
		} else {
			job.Status = StatusFailed
			job.FailureReason = ReasonDispatch
		}
	}

	if err := e.store.Save(ctx, job); err != nil {
		e.logger.Error("failed to persist terminal state", "job_id", job.ID, "error", err)
	}
	if e.broker != nil {
		e.broker.MarkTerminal(ctx, job.ID)
	}
	return nil
}

func (e *Executor) terminateGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		e.logger.Warn("sigterm to process group failed", "pid", pid, "error", err)
	}
}

func (e *Executor) forceKillGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		e.logger.Warn("sigkill to process group failed", "pid", pid, "error", err)
	}
}

func (e *Executor) finishDispatchFailure(ctx context.Context, job *Job, cause error) error {
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.FailureReason = ReasonDispatch
	job.CompletedAt = &now
	if err := e.store.Save(ctx, job); err != nil {
		e.logger.Error("failed to persist dispatch failure", "job_id", job.ID, "error", err)
	}
	if e.broker != nil {
		e.broker.MarkTerminal(ctx, job.ID)
	}
	return apperr.Wrap(apperr.SubprocessFailed, cause, "executor: failed to start subprocess")
}
