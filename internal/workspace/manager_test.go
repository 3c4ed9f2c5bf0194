package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_CreateWorkspace_CopyFallback(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	jobsRoot := t.TempDir()

	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	m := NewManager(jobsRoot)
	// Force the plain-copy path deterministically regardless of host fs capability.
	m.recordCapability(repoDir, ModeCopy)

	ws, err := m.CreateWorkspace(ctx, repoDir, "job-1")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if ws.CowMode != ModeCopy {
		t.Errorf("CowMode = %s, want copy", ws.CowMode)
	}

	got, err := os.ReadFile(filepath.Join(ws.Path, "README.md"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want hello", got)
	}

	// Mutating the workspace must not affect the source repo.
	if err := os.WriteFile(filepath.Join(ws.Path, "README.md"), []byte("mutated"), 0o644); err != nil {
		t.Fatalf("mutate workspace: %v", err)
	}
	srcContent, _ := os.ReadFile(filepath.Join(repoDir, "README.md"))
	if string(srcContent) != "hello" {
		t.Errorf("source repo was mutated: %q", srcContent)
	}
}

func TestManager_CreateWorkspace_SourceMissing(t *testing.T) {
	ctx := context.Background()
	jobsRoot := t.TempDir()
	m := NewManager(jobsRoot)

	_, err := m.CreateWorkspace(ctx, filepath.Join(jobsRoot, "does-not-exist"), "job-2")
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestManager_CreateWorkspace_TargetExists(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	jobsRoot := t.TempDir()
	os.WriteFile(filepath.Join(repoDir, "f.txt"), []byte("x"), 0o644)

	target := filepath.Join(jobsRoot, "job-3", "workspace")
	os.MkdirAll(target, 0o755)

	m := NewManager(jobsRoot)
	if _, err := m.CreateWorkspace(ctx, repoDir, "job-3"); err == nil {
		t.Fatal("expected error for pre-existing target")
	}
}

func TestManager_DestroyWorkspace(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	jobsRoot := t.TempDir()
	os.WriteFile(filepath.Join(repoDir, "f.txt"), []byte("x"), 0o644)

	m := NewManager(jobsRoot)
	m.recordCapability(repoDir, ModeCopy)
	ws, err := m.CreateWorkspace(ctx, repoDir, "job-4")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	if err := m.DestroyWorkspace(ctx, ws.Path); err != nil {
		t.Fatalf("DestroyWorkspace: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Errorf("workspace path still exists after destroy")
	}
}

func TestCascadeFrom(t *testing.T) {
	cases := []struct {
		mode CowMode
		want int
	}{
		{ModeReflink, 4},
		{ModeSnapshot, 3},
		{ModeRsync, 2},
		{ModeCopy, 1},
	}
	for _, tc := range cases {
		got := cascadeFrom(tc.mode)
		if len(got) != tc.want {
			t.Errorf("cascadeFrom(%s) len = %d, want %d", tc.mode, len(got), tc.want)
		}
		if got[len(got)-1] != ModeCopy {
			t.Errorf("cascadeFrom(%s) must always end in copy, got %v", tc.mode, got)
		}
	}
}
