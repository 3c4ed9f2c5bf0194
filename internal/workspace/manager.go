// Package workspace implements the CoW Workspace Manager: per-job
// writable clones of registered repositories, materialized with the
// cheapest filesystem-native copy-on-write mechanism available and a
// safe fallback cascade otherwise.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forgeyard/internal/apperr"
)

var tracer = otel.Tracer("forgeyard/internal/workspace")

// CowMode identifies the materialization strategy used for a workspace.
type CowMode string

const (
	ModeReflink  CowMode = "reflink"
	ModeSnapshot CowMode = "snapshot"
	ModeRsync    CowMode = "rsync"
	ModeCopy     CowMode = "copy"
)

// Workspace is a materialized per-job writable directory.
type Workspace struct {
	JobID    string
	RepoName string
	Path     string
	CowMode  CowMode
}

// Manager materializes and destroys per-job workspaces under a configured
// root, caching the detected filesystem capability per parent directory
// of the source repository. The probe runs on the source's filesystem;
// the filesystem under the jobs root is not probed separately.
type Manager struct {
	jobsRoot string
	logger   *slog.Logger

	mu           sync.Mutex
	capabilities map[string]CowMode // keyed by filepath.Dir of the source repoPath
}

// NewManager constructs a Manager rooted at jobsRoot (the parent of every
// <jobId>/workspace directory).
func NewManager(jobsRoot string) *Manager {
	return &Manager{
		jobsRoot:     jobsRoot,
		logger:       slog.Default().With("component", "workspace_manager"),
		capabilities: make(map[string]CowMode),
	}
}

// CreateWorkspace materializes a new workspace for jobID from repoPath.
// The result is atomic from the caller's perspective: on any failure
// along the fallback cascade, no partial directory is left behind.
func (m *Manager) CreateWorkspace(ctx context.Context, repoPath, jobID string) (*Workspace, error) {
	ctx, span := tracer.Start(ctx, "workspace.create", trace.WithAttributes(
		attribute.String("workspace.job_id", jobID),
		attribute.String("workspace.repo_path", repoPath),
	))
	defer span.End()

	if _, err := os.Stat(repoPath); err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.WorkspaceUnavailable, "workspace: source_missing")
		}
		return nil, apperr.Wrap(apperr.WorkspaceUnavailable, err, "workspace: stat source")
	}

	target := filepath.Join(m.jobsRoot, jobID, "workspace")
	if _, err := os.Stat(target); err == nil {
		return nil, apperr.New(apperr.WorkspaceUnavailable, "workspace: target_exists")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.WorkspaceUnavailable, err, "workspace: prepare job dir")
	}

	mode := m.detectCapability(repoPath)

	cascade := cascadeFrom(mode)
	var lastErr error
	for _, candidate := range cascade {
		if err := m.materialize(ctx, candidate, repoPath, target); err != nil {
			lastErr = err
			m.logger.Warn("workspace materialization attempt failed, falling back",
				"mode", candidate, "job_id", jobID, "error", err)
			_ = os.RemoveAll(target)
			continue
		}
		m.recordCapability(repoPath, candidate)
		return &Workspace{JobID: jobID, RepoName: filepath.Base(repoPath), Path: target, CowMode: candidate}, nil
	}

	return nil, apperr.Wrap(apperr.WorkspaceUnavailable, lastErr, "workspace: copy_failed")
}

// DestroyWorkspace removes a workspace directory recursively. Failures
// are logged and surfaced, but callers must still mark the owning job
// destroyed so no state leaks.
func (m *Manager) DestroyWorkspace(ctx context.Context, path string) error {
	_, span := tracer.Start(ctx, "workspace.destroy", trace.WithAttributes(
		attribute.String("workspace.path", path),
	))
	defer span.End()

	if err := os.RemoveAll(path); err != nil {
		m.logger.Error("failed to destroy workspace", "path", path, "error", err)
		return apperr.Wrap(apperr.StorageFailed, err, "workspace: destroy")
	}
	return nil
}

// detectCapability probes the filesystem holding repoPath once and
// caches the best available mode keyed by repoPath's parent directory.
func (m *Manager) detectCapability(repoPath string) CowMode {
	key := filepath.Dir(repoPath)

	m.mu.Lock()
	if mode, ok := m.capabilities[key]; ok {
		m.mu.Unlock()
		return mode
	}
	m.mu.Unlock()

	mode := probeFilesystem(repoPath)
	m.recordCapability(repoPath, mode)
	return mode
}

func (m *Manager) recordCapability(repoPath string, mode CowMode) {
	key := filepath.Dir(repoPath)
	m.mu.Lock()
	m.capabilities[key] = mode
	m.mu.Unlock()
}

// probeFilesystem performs a best-effort, one-time check of what copy
// strategy the target filesystem supports, preferring reflink, then
// btrfs snapshot, then rsync.
func probeFilesystem(path string) CowMode {
	if commandExists("cp") && reflinkSupported(path) {
		return ModeReflink
	}
	if commandExists("btrfs") && isBtrfsSubvolume(path) {
		return ModeSnapshot
	}
	if commandExists("rsync") {
		return ModeRsync
	}
	return ModeCopy
}

func reflinkSupported(path string) bool {
	probeSrc, err := os.CreateTemp(filepath.Dir(path), ".reflink-probe-src-*")
	if err != nil {
		return false
	}
	defer os.Remove(probeSrc.Name())
	probeSrc.WriteString("probe")
	probeSrc.Close()

	dst := probeSrc.Name() + ".dst"
	defer os.Remove(dst)

	cmd := exec.Command("cp", "--reflink=always", probeSrc.Name(), dst)
	return cmd.Run() == nil
}

func isBtrfsSubvolume(path string) bool {
	cmd := exec.Command("btrfs", "subvolume", "show", path)
	return cmd.Run() == nil
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// cascadeFrom returns the ordered fallback sequence starting at mode:
// reflink -> snapshot -> rsync -> copy.
func cascadeFrom(mode CowMode) []CowMode {
	order := []CowMode{ModeReflink, ModeSnapshot, ModeRsync, ModeCopy}
	for i, m := range order {
		if m == mode {
			return order[i:]
		}
	}
	return []CowMode{ModeCopy}
}

func (m *Manager) materialize(ctx context.Context, mode CowMode, src, dst string) error {
	switch mode {
	case ModeReflink:
		return runCommand(ctx, "cp", "-a", "--reflink=always", src, dst)
	case ModeSnapshot:
		return runCommand(ctx, "btrfs", "subvolume", "snapshot", src, dst)
	case ModeRsync:
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		return runCommand(ctx, "rsync", "-a", ensureTrailingSlash(src), dst)
	case ModeCopy:
		return copyTree(src, dst)
	default:
		return fmt.Errorf("workspace: unknown mode %q", mode)
	}
}

func ensureTrailingSlash(path string) string {
	if strings.HasSuffix(path, string(filepath.Separator)) {
		return path
	}
	return path + string(filepath.Separator)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

// copyTree is the last-resort, dependency-free full copy used when
// neither reflink, btrfs snapshot, nor rsync are available.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
