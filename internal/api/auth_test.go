package api

import (
	"errors"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	auth := NewAuth("test-secret")

	token, err := auth.IssueToken("u1", "trader@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := auth.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "trader@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenRejectedWithWrongSecret(t *testing.T) {
	token, err := NewAuth("secret-a").IssueToken("u1", "trader@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := NewAuth("secret-b").VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenRejectedWhenMangled(t *testing.T) {
	auth := NewAuth("test-secret")
	if _, err := auth.VerifyToken("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := auth.VerifyToken(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	auth := NewAuth("test-secret")

	hash, err := auth.HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "hunter2hunter2" {
		t.Fatal("password stored in the clear")
	}
	if !auth.CheckPassword(hash, "hunter2hunter2") {
		t.Fatal("correct password rejected")
	}
	if auth.CheckPassword(hash, "wrong") {
		t.Fatal("wrong password accepted")
	}
}
