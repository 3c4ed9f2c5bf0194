// Package jobs implements the Job Store, Job Scheduler, Job Executor,
// and Output Stream Broker: the persistent queue/lifecycle machine at
// the center of the service.
package jobs

import "time"

// Status is one of a Job's terminal or non-terminal lifecycle states.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is one of completed/failed/cancelled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// FailureReason qualifies a StatusFailed job.
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonWorkspace          FailureReason = "workspace"
	ReasonDispatch           FailureReason = "dispatch"
	ReasonNonzero            FailureReason = "nonzero"
	ReasonTimeout            FailureReason = "timeout"
	ReasonHostRestart        FailureReason = "host_restart"
	ReasonShutdown           FailureReason = "shutdown"
	ReasonIncompatibleState  FailureReason = "incompatible_state"
)

// Options carries per-job overrides supplied at Create time.
type Options struct {
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
	IndexAware      bool   `json:"indexAware,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
}

// UploadedFile is a file attached to a job before it starts running.
type UploadedFile struct {
	JobID        string `json:"jobId"`
	OriginalName string `json:"originalName"`
	StoredPath   string `json:"storedPath"`
	Size         int64  `json:"size"`
	ContentType  string `json:"contentType"`
}

// currentSchemaVersion is bumped whenever the persisted Job shape changes
// incompatibly. Records with a higher version than this are demoted to
// failed(incompatible_state) on load.
const currentSchemaVersion = 1

// Job is the full persisted record for one unit of work.
type Job struct {
	SchemaVersion int           `json:"schemaVersion"`
	ID            string        `json:"id"`
	Owner         string        `json:"owner"`
	RepoName      string        `json:"repoName"`
	Prompt        string        `json:"prompt"`
	Options       Options       `json:"options"`
	Status        Status        `json:"status"`
	FailureReason FailureReason `json:"failureReason,omitempty"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	WorkspacePath string        `json:"workspacePath,omitempty"`
	PID           *int          `json:"pid,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	Uploads       []UploadedFile `json:"uploads,omitempty"`
}

// Clone returns a deep-enough copy for safe handoff across goroutines
// (the scheduler must never share a live *Job with callers).
func (j *Job) Clone() *Job {
	cp := *j
	if j.ExitCode != nil {
		v := *j.ExitCode
		cp.ExitCode = &v
	}
	if j.PID != nil {
		v := *j.PID
		cp.PID = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	cp.Uploads = append([]UploadedFile(nil), j.Uploads...)
	return &cp
}
