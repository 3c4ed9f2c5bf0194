// Package authn implements the Passwd/Shadow Authenticator: credential
// verification and administration against a private passwd/shadow file
// pair, independent of the host's real /etc/passwd.
package authn

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forgeyard/internal/apperr"
)

var tracer = otel.Tracer("forgeyard/internal/authn")

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{2,31}$`)

// VerifyOutcome is the result of a credential check.
type VerifyOutcome string

const (
	VerifyOK               VerifyOutcome = "ok"
	VerifyNotFound         VerifyOutcome = "not_found"
	VerifyBadPassword      VerifyOutcome = "bad_password"
	VerifyNoShadow         VerifyOutcome = "no_shadow"
	VerifyInvalidUsername  VerifyOutcome = "invalid_username"
)

// User is one administered account.
type User struct {
	Username       string
	UID            int
	GID            int
	Home           string
	Shell          string
	PasswordHash   string
	LastChangeDays int
	hasShadow      bool
}

// Authenticator guards a passwd/shadow file pair with a single-writer,
// many-reader discipline: an in-process sync.RWMutex plus
// rename-after-temp-write. No OS-level file lock is taken, so writers in
// other processes sharing the same files are not excluded.
type Authenticator struct {
	passwdPath string
	shadowPath string

	mu     sync.RWMutex
	logger *slog.Logger
}

// New constructs an Authenticator bound to the given file pair. The files
// need not exist yet; a missing file reads as empty, and both are
// created by the first Add.
func New(passwdPath, shadowPath string) *Authenticator {
	return &Authenticator{
		passwdPath: passwdPath,
		shadowPath: shadowPath,
		logger:     slog.Default().With("component", "authn"),
	}
}

// VerifyCredentials checks username/password against the passwd/shadow
// pair and reports one of the VerifyOutcome values.
func (a *Authenticator) VerifyCredentials(ctx context.Context, username, password string) (VerifyOutcome, error) {
	_, span := tracer.Start(ctx, "authn.verify_credentials", trace.WithAttributes(
		attribute.String("authn.username", username),
	))
	defer span.End()

	if !usernamePattern.MatchString(username) {
		return VerifyInvalidUsername, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	users, err := a.loadUsers()
	if err != nil {
		return "", apperr.Wrap(apperr.StorageFailed, err, "authn: load users")
	}

	user, ok := users[username]
	if !ok {
		return VerifyNotFound, nil
	}
	if !user.hasShadow {
		return VerifyNoShadow, nil
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return VerifyBadPassword, nil
	}
	return VerifyOK, nil
}

// List returns every administered user, sorted by username.
func (a *Authenticator) List(ctx context.Context) ([]User, error) {
	_, span := tracer.Start(ctx, "authn.list")
	defer span.End()

	a.mu.RLock()
	defer a.mu.RUnlock()

	users, err := a.loadUsers()
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailed, err, "authn: load users")
	}
	out := make([]User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Add creates a new user with the given password, failing with
// apperr.Conflict if the username already exists or apperr.ValidationFailed
// if it does not match the required pattern.
func (a *Authenticator) Add(ctx context.Context, username, password string, uid, gid int, home, shell string) error {
	ctx, span := tracer.Start(ctx, "authn.add", trace.WithAttributes(
		attribute.String("authn.username", username),
	))
	defer span.End()

	if !usernamePattern.MatchString(username) {
		return apperr.New(apperr.ValidationFailed, "authn: invalid username")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	users, err := a.loadUsers()
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "authn: load users")
	}
	if _, exists := users[username]; exists {
		return apperr.New(apperr.Conflict, "authn: user already exists")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "authn: hash password")
	}

	users[username] = User{
		Username:       username,
		UID:            uid,
		GID:            gid,
		Home:           home,
		Shell:          shell,
		PasswordHash:   hash,
		LastChangeDays: int(time.Now().Unix() / 86400),
		hasShadow:      true,
	}

	return a.saveUsers(ctx, users)
}

// Remove deletes a user, failing with apperr.NotFound if absent.
func (a *Authenticator) Remove(ctx context.Context, username string) error {
	ctx, span := tracer.Start(ctx, "authn.remove", trace.WithAttributes(
		attribute.String("authn.username", username),
	))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	users, err := a.loadUsers()
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "authn: load users")
	}
	if _, exists := users[username]; !exists {
		return apperr.New(apperr.NotFound, "authn: no such user")
	}
	delete(users, username)
	return a.saveUsers(ctx, users)
}

// UpdatePassword changes an existing user's password hash.
func (a *Authenticator) UpdatePassword(ctx context.Context, username, newPassword string) error {
	ctx, span := tracer.Start(ctx, "authn.update_password", trace.WithAttributes(
		attribute.String("authn.username", username),
	))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	users, err := a.loadUsers()
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "authn: load users")
	}
	user, exists := users[username]
	if !exists {
		return apperr.New(apperr.NotFound, "authn: no such user")
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "authn: hash password")
	}
	user.PasswordHash = hash
	user.hasShadow = true
	user.LastChangeDays = int(time.Now().Unix() / 86400)
	users[username] = user
	return a.saveUsers(ctx, users)
}

func (a *Authenticator) loadUsers() (map[string]User, error) {
	passwdEntries, err := readColonFile(a.passwdPath)
	if err != nil {
		return nil, err
	}
	shadowEntries, err := readColonFile(a.shadowPath)
	if err != nil {
		return nil, err
	}

	shadowByUser := make(map[string][]string, len(shadowEntries))
	for _, fields := range shadowEntries {
		if len(fields) == 0 {
			continue
		}
		shadowByUser[fields[0]] = fields
	}

	users := make(map[string]User, len(passwdEntries))
	for _, fields := range passwdEntries {
		if len(fields) < 7 {
			continue
		}
		uid, _ := strconv.Atoi(fields[2])
		gid, _ := strconv.Atoi(fields[3])
		u := User{
			Username: fields[0],
			UID:      uid,
			GID:      gid,
			Home:     fields[5],
			Shell:    fields[6],
		}
		if sh, ok := shadowByUser[fields[0]]; ok && len(sh) >= 3 {
			u.PasswordHash = sh[1]
			u.LastChangeDays, _ = strconv.Atoi(sh[2])
			u.hasShadow = true
		}
		users[u.Username] = u
	}
	return users, nil
}

func (a *Authenticator) saveUsers(ctx context.Context, users map[string]User) error {
	_, span := tracer.Start(ctx, "authn.save_users")
	defer span.End()

	passwdLines := make([]string, 0, len(users))
	shadowLines := make([]string, 0, len(users))
	for _, u := range users {
		passwdLines = append(passwdLines, fmt.Sprintf("%s:x:%d:%d::%s:%s",
			u.Username, u.UID, u.GID, u.Home, u.Shell))
		if u.hasShadow {
			shadowLines = append(shadowLines, fmt.Sprintf("%s:%s:%d:0:99999:7:::",
				u.Username, u.PasswordHash, u.LastChangeDays))
		}
	}

	if err := writeFileAtomicWithBackup(a.passwdPath, []byte(strings.Join(passwdLines, "\n")+"\n")); err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "authn: write passwd")
	}
	if err := writeFileAtomicWithBackup(a.shadowPath, []byte(strings.Join(shadowLines, "\n")+"\n")); err != nil {
		return apperr.Wrap(apperr.StorageFailed, err, "authn: write shadow")
	}
	return nil
}

// readColonFile reads a classical colon-separated file, tolerating a
// missing file (treated as empty) and blank/comment lines.
func readColonFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries [][]string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, strings.Split(line, ":"))
	}
	return entries, scanner.Err()
}

// writeFileAtomicWithBackup writes data to path via a temp-file-then-rename
// sequence and leaves a timestamped backup of the previous contents beside
// it, guaranteeing torn-write safety.
func writeFileAtomicWithBackup(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if existing, err := os.ReadFile(path); err == nil {
		backupPath := fmt.Sprintf("%s.%d.bak", path, time.Now().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return fmt.Errorf("backup %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
