package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forgeyard/internal/workspace"
)

type fakeResolver struct {
	path string
}

func (f *fakeResolver) CanonicalPath(ctx context.Context, repoName string) (string, error) {
	return f.path, nil
}

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, context.CancelFunc) {
	t.Helper()
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "jobs"))
	broker := NewBroker(store, nil)
	executor := NewExecutor(store, broker, time.Second)
	wsManager := workspace.NewManager(filepath.Join(root, "jobs"))

	repoPath := filepath.Join(root, "repo")
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("seed repo file: %v", err)
	}

	// Stand-in for the real assistant CLI binary: forwards its single
	// prompt argument to a shell so tests can drive completion/failure/
	// timeout/cancellation paths without a real assistant installed.
	cliPath := filepath.Join(root, "assistant-cli")
	cliScript := "#!/bin/sh\nexec /bin/sh -c \"$1\"\n"
	if err := os.WriteFile(cliPath, []byte(cliScript), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}

	params := SchedulerParams{
		MaxConcurrent:  maxConcurrent,
		DefaultTimeout: 5 * time.Second,
		CancelGrace:    time.Second,
		DrainWindow:    2 * time.Second,
		CLICommand:     cliPath,
	}
	sched := NewScheduler(store, wsManager, executor, broker, nil, &fakeResolver{path: repoPath}, params)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	return sched, cancel
}

func waitForStatus(t *testing.T, sched *Scheduler, id string, want Status, timeout time.Duration) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := sched.Get(id)
		require.NoError(t, err)
		job = j
		return j.Status == want
	}, timeout, 10*time.Millisecond, "job %s did not reach status %s in time", id, want)
	return job
}

func TestScheduler_CreateStartRunsToCompletion(t *testing.T) {
	sched, cancel := newTestScheduler(t, 2)
	defer cancel()

	job, err := sched.Create(context.Background(), "repo", "echo ok", "alice", Options{})
	require.NoError(t, err)
	require.Equal(t, StatusCreated, job.Status)

	require.NoError(t, sched.Start(context.Background(), job.ID))

	final := waitForStatus(t, sched, job.ID, StatusCompleted, 5*time.Second)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 0, *final.ExitCode)
}

func TestScheduler_CancelQueuedJobBeforeDispatch(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	blocker, err := sched.Create(context.Background(), "repo", "sleep 5", "alice", Options{})
	if err != nil {
		t.Fatalf("Create blocker: %v", err)
	}
	if err := sched.Start(context.Background(), blocker.ID); err != nil {
		t.Fatalf("Start blocker: %v", err)
	}
	waitForStatus(t, sched, blocker.ID, StatusRunning, 2*time.Second)

	queued, err := sched.Create(context.Background(), "repo", "echo queued", "bob", Options{})
	if err != nil {
		t.Fatalf("Create queued: %v", err)
	}
	if err := sched.Start(context.Background(), queued.ID); err != nil {
		t.Fatalf("Start queued: %v", err)
	}

	if pos := sched.QueuePosition(queued.ID); pos != 0 {
		t.Fatalf("QueuePosition = %d, want 0", pos)
	}

	if err := sched.Cancel(context.Background(), queued.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final, err := sched.Get(queued.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}

	if err := sched.Cancel(context.Background(), blocker.ID); err != nil {
		t.Fatalf("Cancel blocker: %v", err)
	}
	waitForStatus(t, sched, blocker.ID, StatusCancelled, 3*time.Second)
}

func TestScheduler_CancelAlreadyCancelledJobIsNoop(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	job, err := sched.Create(context.Background(), "repo", "echo ok", "alice", Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sched.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForStatus(t, sched, job.ID, StatusCancelled, 2*time.Second)

	if err := sched.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel on already-cancelled job should be a no-op, got error: %v", err)
	}
	final, err := sched.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestScheduler_DeleteRemovesJobAndWorkspace(t *testing.T) {
	sched, cancel := newTestScheduler(t, 2)
	defer cancel()

	job, err := sched.Create(context.Background(), "repo", "echo bye", "alice", Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sched.Start(context.Background(), job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitForStatus(t, sched, job.ID, StatusCompleted, 5*time.Second)

	if err := sched.Delete(context.Background(), job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := sched.Get(job.ID); err == nil {
		t.Fatal("expected error getting deleted job")
	}
	if _, err := os.Stat(final.WorkspacePath); !os.IsNotExist(err) {
		t.Fatalf("workspace %s still present after Delete (stat err = %v)", final.WorkspacePath, err)
	}
}

func TestScheduler_AttachUploadAllowedOnlyBeforeStart(t *testing.T) {
	sched, cancel := newTestScheduler(t, 2)
	defer cancel()

	job, err := sched.Create(context.Background(), "repo", "echo ok", "alice", Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	uploaded, err := sched.AttachUpload(context.Background(), job.ID, "notes.txt", []byte("hello"), "text/plain", false)
	if err != nil {
		t.Fatalf("AttachUpload before start: %v", err)
	}
	if uploaded.Size != int64(len("hello")) {
		t.Errorf("uploaded.Size = %d, want %d", uploaded.Size, len("hello"))
	}

	got, err := sched.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Uploads) != 1 || got.Uploads[0].OriginalName != "notes.txt" {
		t.Errorf("Uploads = %+v, want one entry named notes.txt", got.Uploads)
	}

	if err := sched.Start(context.Background(), job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sched, job.ID, StatusCompleted, 5*time.Second)

	if _, err := sched.AttachUpload(context.Background(), job.ID, "late.txt", []byte("too late"), "text/plain", false); err == nil {
		t.Fatal("expected AttachUpload to be rejected once the job has started")
	}
}

func TestScheduler_StartIsIdempotentWithinCreated(t *testing.T) {
	sched, cancel := newTestScheduler(t, 2)
	defer cancel()

	job, err := sched.Create(context.Background(), "repo", "echo idem", "alice", Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sched.Start(context.Background(), job.ID); err != nil {
		t.Fatalf("Start 1: %v", err)
	}
	if err := sched.Start(context.Background(), job.ID); err != nil {
		t.Fatalf("Start 2 (idempotent): %v", err)
	}
	waitForStatus(t, sched, job.ID, StatusCompleted, 5*time.Second)
}
