// Package assistant implements the Assistant Session Locator: discovery
// of the most recently modified assistant-CLI session id for a given
// directory, without interpreting session contents.
package assistant

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("forgeyard/internal/assistant")

// NoneSessionID is returned when no session can be located.
const NoneSessionID = "none"

// sessionDirName is the well-known per-directory folder the assistant
// CLI writes session files into.
const sessionDirName = ".assistant-sessions"

// SessionInfo describes one discovered session file.
type SessionInfo struct {
	ID      string
	ModTime int64
}

// Locator discovers assistant-CLI session identifiers on disk.
type Locator struct{}

// NewLocator constructs a Locator. It carries no state: every operation
// re-reads the filesystem, since sessions are written by an external
// process this service does not control.
func NewLocator() *Locator {
	return &Locator{}
}

// Locate returns the most recently modified session id under dir, or
// NoneSessionID if the layout is missing, empty, or unreadable.
func (l *Locator) Locate(ctx context.Context, dir string) (string, error) {
	_, span := tracer.Start(ctx, "assistant.locate", trace.WithAttributes(
		attribute.String("assistant.dir", dir),
	))
	defer span.End()

	sessions := l.list(dir)
	if len(sessions) == 0 {
		return NoneSessionID, nil
	}
	return sessions[0].ID, nil
}

// List returns every discovered session for dir, most recently modified
// first. Missing or unreadable layouts yield an empty slice, never an error.
func (l *Locator) List(ctx context.Context, dir string) ([]SessionInfo, error) {
	_, span := tracer.Start(ctx, "assistant.list", trace.WithAttributes(
		attribute.String("assistant.dir", dir),
	))
	defer span.End()
	return l.list(dir), nil
}

// Exists reports whether a session with the given id exists under dir.
func (l *Locator) Exists(ctx context.Context, dir, id string) (bool, error) {
	_, span := tracer.Start(ctx, "assistant.exists", trace.WithAttributes(
		attribute.String("assistant.dir", dir),
		attribute.String("assistant.session_id", id),
	))
	defer span.End()

	for _, s := range l.list(dir) {
		if s.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (l *Locator) list(dir string) []SessionInfo {
	sessionDir := filepath.Join(dir, sessionDirName)
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		return nil
	}

	sessions := make([]SessionInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		id := entry.Name()
		if ext := filepath.Ext(id); ext != "" {
			id = id[:len(id)-len(ext)]
		}
		sessions = append(sessions, SessionInfo{ID: id, ModTime: info.ModTime().UnixNano()})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ModTime > sessions[j].ModTime
	})
	return sessions
}
