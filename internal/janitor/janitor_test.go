package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeJobLookup struct {
	existing  map[string]bool
	terminal  map[string]bool
	deletedAt map[string]time.Time
}

func (f *fakeJobLookup) Exists(ctx context.Context, jobID string) (bool, error) {
	return f.existing[jobID], nil
}

func (f *fakeJobLookup) IsTerminal(ctx context.Context, jobID string) (bool, error) {
	return f.terminal[jobID], nil
}

func (f *fakeJobLookup) DeletedAt(jobID string) (time.Time, bool) {
	t, ok := f.deletedAt[jobID]
	return t, ok
}

func makeJobDir(t *testing.T, root, jobID string) string {
	t.Helper()
	dir := filepath.Join(root, jobID)
	if err := os.MkdirAll(filepath.Join(dir, "workspace"), 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "output.log"), []byte("log"), 0o644); err != nil {
		t.Fatalf("write output.log: %v", err)
	}
	return dir
}

func TestJanitor_SweepDeletesOrphanWithNoRetention(t *testing.T) {
	root := t.TempDir()
	dir := makeJobDir(t, root, "orphan-job")

	lookup := &fakeJobLookup{existing: map[string]bool{}, terminal: map[string]bool{}, deletedAt: map[string]time.Time{}}
	j := New(Config{JobsRoot: root, UploadRetention: 0}, lookup)

	j.Sweep(context.Background())

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected orphan directory removed, stat err = %v", err)
	}
}

func TestJanitor_SweepLeavesWorkspaceForNonTerminalJob(t *testing.T) {
	root := t.TempDir()
	dir := makeJobDir(t, root, "active-job")

	lookup := &fakeJobLookup{
		existing: map[string]bool{"active-job": true},
		terminal: map[string]bool{"active-job": false},
	}
	j := New(Config{JobsRoot: root}, lookup)

	j.Sweep(context.Background())

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected active job directory preserved, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "workspace")); err != nil {
		t.Errorf("expected workspace preserved for non-terminal job: %v", err)
	}
}

func TestJanitor_SweepRespectsUploadRetentionWindow(t *testing.T) {
	root := t.TempDir()
	dir := makeJobDir(t, root, "recently-deleted")

	lookup := &fakeJobLookup{
		existing:  map[string]bool{},
		deletedAt: map[string]time.Time{"recently-deleted": time.Now()},
	}
	j := New(Config{JobsRoot: root, UploadRetention: time.Hour}, lookup)

	j.Sweep(context.Background())

	if _, err := os.Stat(filepath.Join(dir, "workspace")); !os.IsNotExist(err) {
		t.Errorf("expected workspace reclaimed even within retention, stat err = %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected job directory preserved within retention window: %v", err)
	}
}

func TestJanitor_SweepPastRetentionRemovesEverything(t *testing.T) {
	root := t.TempDir()
	dir := makeJobDir(t, root, "long-gone")

	lookup := &fakeJobLookup{
		existing:  map[string]bool{},
		deletedAt: map[string]time.Time{"long-gone": time.Now().Add(-2 * time.Hour)},
	}
	j := New(Config{JobsRoot: root, UploadRetention: time.Hour}, lookup)

	j.Sweep(context.Background())

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected job directory fully removed past retention, stat err = %v", err)
	}
}

func TestJanitor_StartStopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	lookup := &fakeJobLookup{existing: map[string]bool{}}
	j := New(Config{JobsRoot: root, Interval: 10 * time.Millisecond}, lookup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j.Start(ctx)
	j.Start(ctx) // no-op
	time.Sleep(30 * time.Millisecond)
	j.Stop()
	j.Stop() // no-op
}
