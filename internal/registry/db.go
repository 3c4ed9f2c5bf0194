// Package registry implements the Repository Registry: a persistent
// map from repository name to its canonical, read-only clone, plus
// asynchronous clone/index background work.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// writeMutex serializes every write to the registry database. SQLite
// allows only one writer at a time even in WAL mode; every INSERT,
// UPDATE, or DELETE in this package must hold it.
var writeMutex sync.Mutex

// openDatabase opens (creating if absent) the sqlite file at path with
// the pragmas needed for a single-writer/many-reader service process.
func openDatabase(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry: create database directory: %w", err)
		}
	}

	var conn *sql.DB
	var err error
	const maxRetries = 5
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("registry: open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if err = conn.Ping(); err == nil {
			break
		}
		conn.Close()
		if attempt == maxRetries-1 {
			return nil, fmt.Errorf("registry: ping database after %d attempts: %w", maxRetries, err)
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("registry: set pragma %q: %w", p, err)
		}
	}

	return conn, nil
}
