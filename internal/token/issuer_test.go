package token

import (
	"context"
	"testing"
	"time"
)

func TestIssuer_IssueAndValidate(t *testing.T) {
	ctx := context.Background()
	iss, err := New("top-secret", time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := iss.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := iss.Validate(ctx, tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", claims.Subject)
	}
}

func TestIssuer_RejectsEmptySecret(t *testing.T) {
	if _, err := New("", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestIssuer_RejectsTamperedSignature(t *testing.T) {
	ctx := context.Background()
	iss, _ := New("top-secret", time.Hour)
	tok, _ := iss.Issue(ctx, "alice")

	tampered := tok + "x"
	if _, err := iss.Validate(ctx, tampered); err == nil {
		t.Fatal("expected error for tampered token")
	}
}

func TestIssuer_RejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	issA, _ := New("secret-a", time.Hour)
	issB, _ := New("secret-b", time.Hour)

	tok, _ := issA.Issue(ctx, "alice")
	if _, err := issB.Validate(ctx, tok); err == nil {
		t.Fatal("expected error validating token signed by a different secret")
	}
}

func TestIssuer_ExpiryWithSkewLeniency(t *testing.T) {
	ctx := context.Background()
	iss, _ := New("top-secret", 61*time.Second)
	tok, _ := iss.Issue(ctx, "alice")

	// Immediately after issue it must validate.
	if _, err := iss.Validate(ctx, tok); err != nil {
		t.Fatalf("Validate immediately after issue: %v", err)
	}

	// A token that expired 30s ago is still inside the one-minute leniency.
	now := time.Now().UTC()
	recent := encodePayload("alice", now.Add(-2*time.Minute), now.Add(-30*time.Second))
	if _, err := iss.Validate(ctx, recent+"."+iss.sign(recent)); err != nil {
		t.Fatalf("Validate 30s past expiry: %v", err)
	}

	// A token that expired 2 minutes ago is past the leniency and rejected.
	stale := encodePayload("alice", now.Add(-3*time.Minute), now.Add(-2*time.Minute))
	if _, err := iss.Validate(ctx, stale+"."+iss.sign(stale)); err == nil {
		t.Fatal("expected token expired beyond the leniency window to be rejected")
	}
}

func TestIssuer_RejectsEmptySubject(t *testing.T) {
	ctx := context.Background()
	iss, _ := New("top-secret", time.Hour)
	if _, err := iss.Issue(ctx, ""); err == nil {
		t.Fatal("expected error issuing token for empty subject")
	}
}
