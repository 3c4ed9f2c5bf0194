package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forgeyard/internal/apperr"
	"forgeyard/internal/pathguard"
)

var tracer = otel.Tracer("forgeyard/internal/registry")

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// RegistrationStatus tracks the async clone stage of a Repository.
type RegistrationStatus string

const (
	RegistrationCloning RegistrationStatus = "cloning"
	RegistrationReady   RegistrationStatus = "ready"
	RegistrationFailed  RegistrationStatus = "failed"
)

// IndexStatus tracks the async semantic-indexing stage of a Repository.
type IndexStatus string

const (
	IndexNotApplicable IndexStatus = "not_applicable"
	IndexPending       IndexStatus = "pending"
	IndexReady         IndexStatus = "ready"
	IndexFailed        IndexStatus = "failed"
)

// Repository is one registered, name-addressable git repository.
type Repository struct {
	Name               string
	URL                string
	IndexAware         bool
	CanonicalPath      string
	RegistrationStatus RegistrationStatus
	IndexStatus        IndexStatus
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobReferenceChecker reports whether any non-terminal job still
// references a repository, so Unregister can refuse to remove a repo a
// running job depends on.
type JobReferenceChecker interface {
	HasNonTerminalJobsForRepo(ctx context.Context, repoName string) (bool, error)
}

// Registry is the Repository Registry: a persistent name->Repository
// map backed by sqlite, plus the asynchronous clone/index worker and
// path-guarded file browsing over each repo's canonical clone.
type Registry struct {
	db         *sql.DB
	reposRoot  string
	indexerCmd string
	jobChecker JobReferenceChecker
	logger     *slog.Logger

	// fs backs List/ReadContent's final read once pathguard has resolved
	// and verified the real on-disk path. Defaults to the OS filesystem;
	// overridable so tests can substitute an in-memory one.
	fs afero.Fs
}

// Params configures a Registry.
type Params struct {
	DatabasePath string
	ReposRoot    string
	IndexerCmd   string // empty disables indexing entirely
	JobChecker   JobReferenceChecker
}

// Open opens (and migrates) the registry database and constructs a
// Registry rooted at params.ReposRoot.
func Open(params Params) (*Registry, error) {
	conn, err := openDatabase(params.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := os.MkdirAll(params.ReposRoot, 0o755); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: create repos root: %w", err)
	}
	return &Registry{
		db:         conn,
		reposRoot:  params.ReposRoot,
		indexerCmd: params.IndexerCmd,
		jobChecker: params.JobChecker,
		logger:     slog.Default().With("component", "registry"),
		fs:         afero.NewOsFs(),
	}, nil
}

// Close releases the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// SetJobChecker wires the job-reference checker after construction, for
// callers that must build the Registry before the component (the Job
// Scheduler) that implements JobReferenceChecker exists.
func (r *Registry) SetJobChecker(c JobReferenceChecker) {
	r.jobChecker = c
}

func (r *Registry) canonicalPathFor(name string) string {
	return filepath.Join(r.reposRoot, name)
}

// CanonicalPath resolves a registered repo name to its canonical clone
// path, satisfying the Job Scheduler's RepoResolver interface. Only a
// repo whose registration has completed (status ready) is resolvable.
func (r *Registry) CanonicalPath(ctx context.Context, name string) (string, error) {
	repo, err := r.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if repo.RegistrationStatus != RegistrationReady {
		return "", apperr.New(apperr.Conflict, "registry: repository is not ready")
	}
	return repo.CanonicalPath, nil
}

// Register persists a new repository record in status cloning and
// returns immediately; the clone (and, if indexAware, indexing) runs in
// a detached goroutine that updates the record as it progresses.
func (r *Registry) Register(ctx context.Context, name, url string, indexAware bool) (*Repository, error) {
	ctx, span := tracer.Start(ctx, "registry.register", trace.WithAttributes(
		attribute.String("repo.name", name),
	))
	defer span.End()

	if !namePattern.MatchString(name) {
		return nil, apperr.New(apperr.ValidationFailed, "registry: invalid repository name")
	}
	if url == "" {
		return nil, apperr.New(apperr.ValidationFailed, "registry: url is required")
	}

	now := time.Now().UTC()
	repo := &Repository{
		Name:               name,
		URL:                url,
		IndexAware:         indexAware,
		CanonicalPath:      r.canonicalPathFor(name),
		RegistrationStatus: RegistrationCloning,
		IndexStatus:        IndexNotApplicable,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if indexAware {
		repo.IndexStatus = IndexPending
	}

	writeMutex.Lock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO repositories (name, url, index_aware, canonical_path, registration_status, index_status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		repo.Name, repo.URL, boolToInt(repo.IndexAware), repo.CanonicalPath,
		string(repo.RegistrationStatus), string(repo.IndexStatus), rfc3339(now), rfc3339(now),
	)
	writeMutex.Unlock()
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.Conflict, "registry: repository already registered")
		}
		return nil, apperr.Wrap(apperr.StorageFailed, err, "registry: insert")
	}

	go r.runRegistration(context.Background(), repo.Clone())
	return repo, nil
}

func (r *Repository) Clone() *Repository {
	cp := *r
	return &cp
}

// runRegistration performs the clone, then the optional index build,
// persisting status after each stage. It never holds writeMutex across
// the subprocess calls themselves.
func (r *Registry) runRegistration(ctx context.Context, repo *Repository) {
	ctx, span := tracer.Start(ctx, "registry.run_registration", trace.WithAttributes(
		attribute.String("repo.name", repo.Name),
	))
	defer span.End()

	if err := cloneRepository(ctx, repo.URL, repo.CanonicalPath); err != nil {
		r.logger.Error("clone failed", "repo", repo.Name, "error", err)
		r.updateStatus(ctx, repo.Name, RegistrationFailed, repo.IndexStatus, err.Error())
		return
	}
	r.updateStatus(ctx, repo.Name, RegistrationReady, repo.IndexStatus, "")

	if !repo.IndexAware {
		return
	}
	if r.indexerCmd == "" {
		r.updateStatus(ctx, repo.Name, RegistrationReady, IndexNotApplicable, "")
		return
	}
	if err := runIndexer(ctx, r.indexerCmd, repo.CanonicalPath); err != nil {
		r.logger.Error("indexing failed", "repo", repo.Name, "error", err)
		r.updateStatus(ctx, repo.Name, RegistrationReady, IndexFailed, err.Error())
		return
	}
	r.updateStatus(ctx, repo.Name, RegistrationReady, IndexReady, "")
}

func cloneRepository(ctx context.Context, url, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("registry: create parent directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, target)
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("registry: git clone failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

func runIndexer(ctx context.Context, indexerCmd, repoPath string) error {
	cmd := exec.CommandContext(ctx, indexerCmd, repoPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("registry: indexer failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (r *Registry) updateStatus(ctx context.Context, name string, regStatus RegistrationStatus, idxStatus IndexStatus, errMsg string) {
	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := r.db.ExecContext(ctx, `
		UPDATE repositories SET registration_status = ?, index_status = ?, error_message = ?, updated_at = ?
		WHERE name = ?`,
		string(regStatus), string(idxStatus), errMsg, rfc3339(time.Now().UTC()), name,
	)
	if err != nil {
		r.logger.Error("failed to persist registration status", "repo", name, "error", err)
	}
}

// Get returns one repository's current record.
func (r *Registry) Get(ctx context.Context, name string) (*Repository, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, url, index_aware, canonical_path, registration_status, index_status, error_message, created_at, updated_at
		FROM repositories WHERE name = ?`, name)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "registry: no such repository")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailed, err, "registry: scan")
	}
	return repo, nil
}

// ListRepositories returns every registered repository.
func (r *Registry) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, url, index_aware, canonical_path, registration_status, index_status, error_message, created_at, updated_at
		FROM repositories ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailed, err, "registry: query")
	}
	defer rows.Close()

	var out []*Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StorageFailed, err, "registry: scan row")
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*Repository, error) {
	var repo Repository
	var indexAware int
	var regStatus, idxStatus, createdAt, updatedAt string
	if err := row.Scan(&repo.Name, &repo.URL, &indexAware, &repo.CanonicalPath,
		&regStatus, &idxStatus, &repo.ErrorMessage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	repo.IndexAware = indexAware != 0
	repo.RegistrationStatus = RegistrationStatus(regStatus)
	repo.IndexStatus = IndexStatus(idxStatus)
	repo.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	repo.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &repo, nil
}

// Unregister removes a repository's record and deletes its canonical
// clone. Refuses if any non-terminal job still references it.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "registry.unregister", trace.WithAttributes(
		attribute.String("repo.name", name),
	))
	defer span.End()

	repo, err := r.Get(ctx, name)
	if err != nil {
		return err
	}

	if r.jobChecker != nil {
		inUse, err := r.jobChecker.HasNonTerminalJobsForRepo(ctx, name)
		if err != nil {
			return apperr.Wrap(apperr.StorageFailed, err, "registry: check job references")
		}
		if inUse {
			return apperr.New(apperr.Conflict, "registry: repository is referenced by a non-terminal job")
		}
	}

	writeMutex.Lock()
	_, err = r.db.ExecContext(ctx, `DELETE FROM repositories WHERE name = ?`, name)
	writeMutex.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "registry: delete")
	}

	if err := os.RemoveAll(repo.CanonicalPath); err != nil {
		r.logger.Error("failed to remove canonical clone", "repo", name, "error", err)
	}
	return nil
}

// List returns the entries of dir, a path relative to repo name's
// canonical root, rejecting any traversal or symlink escape.
func (r *Registry) List(ctx context.Context, name, relPath string) ([]os.FileInfo, error) {
	repo, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	resolved, err := pathguard.Resolve(repo.CanonicalPath, relPath)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(r.fs, resolved)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "registry: list directory")
	}
	return entries, nil
}

// ReadContent returns the bytes of relPath within repo name's canonical
// clone, rejecting any traversal or symlink escape.
func (r *Registry) ReadContent(ctx context.Context, name, relPath string) ([]byte, error) {
	repo, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	resolved, err := pathguard.Resolve(repo.CanonicalPath, relPath)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(r.fs, resolved)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "registry: read file")
	}
	return data, nil
}

// ResolveIndexAwareOverride applies §9's rule: a job may request
// index-aware behavior only if the repo itself is index-aware; a
// non-index-aware repo can never be forced on by a job.
func (r *Registry) ResolveIndexAwareOverride(ctx context.Context, repoName string, requested bool) (bool, error) {
	repo, err := r.Get(ctx, repoName)
	if err != nil {
		return false, err
	}
	if !repo.IndexAware {
		return false, nil
	}
	return requested, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rfc3339(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
