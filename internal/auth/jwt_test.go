package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/helicon-ai/docchat/internal/auth"
)

func TestVerifyRoundTrip(t *testing.T) {
	verifier := auth.NewJWTVerifier("test-secret")

	token, err := verifier.Sign(auth.Identity{UserID: 42, Username: "alice", Admin: true}, time.Minute)
	if err != nil {
		t.Fatalf("Sign err: %v", err)
	}

	identity, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify err: %v", err)
	}
	if identity.UserID != 42 || identity.Username != "alice" || !identity.Admin {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := auth.NewJWTVerifier("secret-a")
	verifier := auth.NewJWTVerifier("secret-b")

	token, err := signer.Sign(auth.Identity{UserID: 1}, time.Minute)
	if err != nil {
		t.Fatalf("Sign err: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier := auth.NewJWTVerifier("test-secret")

	token, err := verifier.Sign(auth.Identity{UserID: 1}, -time.Minute)
	if err != nil {
		t.Fatalf("Sign err: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	verifier := auth.NewJWTVerifier("test-secret")

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := verifier.Verify(context.Background(), token); err == nil {
			t.Fatalf("expected error for token %q", token)
		}
	}
}

func TestVerifyRejectsMissingUserID(t *testing.T) {
	verifier := auth.NewJWTVerifier("test-secret")

	token, err := verifier.Sign(auth.Identity{Username: "ghost"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign err: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatal("expected error for token without a user id")
	}
}
