package assistant

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSessionFile(t *testing.T, dir, id string, mtime time.Time) {
	t.Helper()
	sessionDir := filepath.Join(dir, sessionDirName)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(sessionDir, id+".json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestLocator_LocateMostRecent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Now()

	writeSessionFile(t, dir, "older-session", now.Add(-time.Hour))
	writeSessionFile(t, dir, "newer-session", now)

	loc := NewLocator()
	id, err := loc.Locate(ctx, dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if id != "newer-session" {
		t.Errorf("Locate = %q, want newer-session", id)
	}
}

func TestLocator_LocateNoneWhenMissing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	loc := NewLocator()
	id, err := loc.Locate(ctx, dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if id != NoneSessionID {
		t.Errorf("Locate = %q, want none", id)
	}
}

func TestLocator_Exists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSessionFile(t, dir, "sess-a", time.Now())

	loc := NewLocator()
	ok, err := loc.Exists(ctx, dir, "sess-a")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}

	ok, err = loc.Exists(ctx, dir, "sess-missing")
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v, want false, nil", ok, err)
	}
}

func TestLocator_ListOrdersByModTimeDescending(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Now()
	writeSessionFile(t, dir, "first", now.Add(-2*time.Hour))
	writeSessionFile(t, dir, "second", now.Add(-time.Hour))
	writeSessionFile(t, dir, "third", now)

	loc := NewLocator()
	sessions, err := loc.List(ctx, dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len = %d, want 3", len(sessions))
	}
	if sessions[0].ID != "third" || sessions[2].ID != "first" {
		t.Errorf("unexpected order: %+v", sessions)
	}
}
