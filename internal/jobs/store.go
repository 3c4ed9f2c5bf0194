package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forgeyard/internal/apperr"
)

var storeTracer = otel.Tracer("forgeyard/internal/jobs/store")

const (
	stateFileName  = "state.json"
	outputFileName = "output.log"
	uploadsDirName = "uploads"
)

// Store persists Job records as one subdirectory per job under a jobs
// root, with atomic (write-temp-then-rename) updates to state.json.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore constructs a Store rooted at root (<jobs_root>).
func NewStore(root string) *Store {
	return &Store{
		root:   root,
		logger: slog.Default().With("component", "job_store"),
	}
}

// JobDir returns the per-job directory path.
func (s *Store) JobDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.JobDir(id), stateFileName)
}

// OutputPath returns the path to a job's append-only output log.
func (s *Store) OutputPath(id string) string {
	return filepath.Join(s.JobDir(id), outputFileName)
}

// UploadsDir returns the path to a job's pre-start uploads directory.
func (s *Store) UploadsDir(id string) string {
	return filepath.Join(s.JobDir(id), uploadsDirName)
}

// Save persists job atomically via write-temp-then-rename.
func (s *Store) Save(ctx context.Context, job *Job) error {
	_, span := storeTracer.Start(ctx, "job_store.save", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
	))
	defer span.End()

	job.SchemaVersion = currentSchemaVersion

	dir := s.JobDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "job_store: mkdir")
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "job_store: marshal")
	}

	tmp, err := os.CreateTemp(dir, stateFileName+".tmp-*")
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "job_store: create temp")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.StorageFailed, err, "job_store: write temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.StorageFailed, err, "job_store: close temp")
	}
	if err := os.Rename(tmpPath, s.statePath(job.ID)); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.StorageFailed, err, "job_store: rename")
	}
	return nil
}

// Load reads one job's state.json. Returns apperr.NotFound if absent.
func (s *Store) Load(ctx context.Context, id string) (*Job, error) {
	_, span := storeTracer.Start(ctx, "job_store.load", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer span.End()

	data, err := os.ReadFile(s.statePath(id))
	if os.IsNotExist(err) {
		return nil, apperr.New(apperr.NotFound, "job_store: no such job")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailed, err, "job_store: read")
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, apperr.Wrap(apperr.StorageFailed, err, "job_store: unmarshal")
	}

	if job.SchemaVersion > currentSchemaVersion {
		job.Status = StatusFailed
		job.FailureReason = ReasonIncompatibleState
	}
	return &job, nil
}

// SaveUpload writes an uploaded file's bytes under the job's uploads
// directory, rejecting a duplicate originalName unless overwrite is
// true, per §9's upload-overwrite resolution.
func (s *Store) SaveUpload(ctx context.Context, id, originalName string, data []byte, contentType string, overwrite bool) (UploadedFile, error) {
	_, span := storeTracer.Start(ctx, "job_store.save_upload", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("upload.name", originalName),
	))
	defer span.End()

	dir := s.UploadsDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return UploadedFile{}, apperr.Wrap(apperr.StorageFailed, err, "job_store: mkdir uploads")
	}

	storedPath := filepath.Join(dir, originalName)
	if !overwrite {
		if _, err := os.Stat(storedPath); err == nil {
			return UploadedFile{}, apperr.New(apperr.Conflict, "job_store: upload already exists")
		}
	}

	if err := os.WriteFile(storedPath, data, 0o644); err != nil {
		return UploadedFile{}, apperr.Wrap(apperr.StorageFailed, err, "job_store: write upload")
	}

	return UploadedFile{
		JobID:        id,
		OriginalName: originalName,
		StoredPath:   storedPath,
		Size:         int64(len(data)),
		ContentType:  contentType,
	}, nil
}

// Delete removes a job's state and output log, but leaves the uploads
// directory in place: the Janitor is responsible for reclaiming
// uploads once UploadRetention has elapsed, which only works if
// deleting a job doesn't already erase them.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, span := storeTracer.Start(ctx, "job_store.delete", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer span.End()

	dir := s.JobDir(id)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "job_store: read job dir")
	}

	for _, entry := range entries {
		if entry.Name() == uploadsDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return apperr.Wrap(apperr.StorageFailed, err, "job_store: delete")
		}
	}
	return nil
}

// Recover enumerates every job subdirectory, loads its state, demotes
// any job that was StatusRunning at last persist to
// failed(host_restart) — the host cannot reclaim a foreign subprocess
// safely — and returns the full recovered set for the Scheduler.
//
// output.log is left untouched on recovery (keep-as-is, never truncated).
func (s *Store) Recover(ctx context.Context) ([]*Job, error) {
	_, span := storeTracer.Start(ctx, "job_store.recover")
	defer span.End()

	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailed, err, "job_store: read root")
	}

	var recovered []*Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := s.Load(ctx, entry.Name())
		if err != nil {
			s.logger.Error("failed to load job during recovery", "job_id", entry.Name(), "error", err)
			continue
		}

		if job.Status == StatusRunning {
			job.Status = StatusFailed
			job.FailureReason = ReasonHostRestart
			now := time.Now().UTC()
			job.CompletedAt = &now
			job.PID = nil
			if err := s.Save(ctx, job); err != nil {
				s.logger.Error("failed to persist host_restart demotion", "job_id", job.ID, "error", err)
			}
		}
		recovered = append(recovered, job)
	}
	return recovered, nil
}

// atomicAppend appends data to a job's output log without ever
// truncating or rewriting existing bytes, matching the single-writer
// append-only discipline §5 requires. The job directory is created if it
// does not exist yet.
func (s *Store) atomicAppend(id string, data []byte) (int64, error) {
	if err := os.MkdirAll(s.JobDir(id), 0o755); err != nil {
		return 0, fmt.Errorf("job_store: create job dir: %w", err)
	}
	path := s.OutputPath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("job_store: open output log: %w", err)
	}
	defer f.Close()

	n, err := f.Write(data)
	if err != nil {
		return 0, fmt.Errorf("job_store: append output log: %w", err)
	}
	offset, err := f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return int64(n), nil
	}
	return offset, nil
}

// outputLength returns the current size of a job's output log, or 0 if
// it does not yet exist.
func (s *Store) outputLength(id string) int64 {
	info, err := os.Stat(s.OutputPath(id))
	if err != nil {
		return 0
	}
	return info.Size()
}

// readOutputFrom reads output.log bytes starting at offset.
func (s *Store) readOutputFrom(id string, offset int64) ([]byte, error) {
	f, err := os.Open(s.OutputPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
