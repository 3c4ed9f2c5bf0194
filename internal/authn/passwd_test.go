package authn

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "passwd"), filepath.Join(dir, "shadow"))
}

func TestAuthenticator_AddAndVerify(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(t)

	if err := a.Add(ctx, "alice", "p@ss", 1000, 1000, "/home/alice", "/bin/bash"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	outcome, err := a.VerifyCredentials(ctx, "alice", "p@ss")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if outcome != VerifyOK {
		t.Fatalf("outcome = %s, want ok", outcome)
	}

	outcome, err = a.VerifyCredentials(ctx, "alice", "wrong")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if outcome != VerifyBadPassword {
		t.Fatalf("outcome = %s, want bad_password", outcome)
	}
}

func TestAuthenticator_VerifyUnknownUser(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(t)

	outcome, err := a.VerifyCredentials(ctx, "ghost", "whatever")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if outcome != VerifyNotFound {
		t.Fatalf("outcome = %s, want not_found", outcome)
	}
}

func TestAuthenticator_InvalidUsernamePattern(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(t)

	outcome, err := a.VerifyCredentials(ctx, "a", "whatever")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if outcome != VerifyInvalidUsername {
		t.Fatalf("outcome = %s, want invalid_username", outcome)
	}
}

func TestAuthenticator_AddDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(t)

	if err := a.Add(ctx, "bob", "pw1", 1001, 1001, "/home/bob", "/bin/sh"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := a.Add(ctx, "bob", "pw2", 1001, 1001, "/home/bob", "/bin/sh")
	if err == nil {
		t.Fatal("expected conflict error adding duplicate user")
	}
}

func TestAuthenticator_RemoveAndUpdate(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(t)

	if err := a.Add(ctx, "carol", "orig", 1002, 1002, "/home/carol", "/bin/sh"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := a.UpdatePassword(ctx, "carol", "newpass"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	outcome, err := a.VerifyCredentials(ctx, "carol", "newpass")
	if err != nil || outcome != VerifyOK {
		t.Fatalf("outcome = %s, err = %v, want ok", outcome, err)
	}

	if err := a.Remove(ctx, "carol"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	outcome, err = a.VerifyCredentials(ctx, "carol", "newpass")
	if err != nil || outcome != VerifyNotFound {
		t.Fatalf("outcome = %s, err = %v, want not_found after removal", outcome, err)
	}
}

func TestAuthenticator_RemoveUnknownNotFound(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthenticator(t)
	if err := a.Remove(ctx, "ghost"); err == nil {
		t.Fatal("expected not_found error")
	}
}

func TestSHA512Crypt_RoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("correct horse battery staple", hash) {
		t.Fatal("VerifyPassword rejected its own hash")
	}
	if VerifyPassword("wrong phrase", hash) {
		t.Fatal("VerifyPassword accepted an incorrect password")
	}
}

func TestSHA512Crypt_KnownVector(t *testing.T) {
	// Reference vector from the published sha512-crypt specification.
	const password = "Hello world!"
	const salt = "saltstring"
	const want = "$6$saltstring$svn8UoSVapNtMuq1ukKS4tPQd8iKwSMHWjl/O817G3uBnIFNjnQJuesI68u4OTLiBFdcbYEdFCoEOfaS35inz1"

	got := sha512Crypt(password, salt, defaultRounds)
	if got != want {
		t.Errorf("sha512Crypt(%q, %q) = %q, want %q", password, salt, got, want)
	}
}
