package identity

import (
	"context"
	"testing"
)

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(0)

	u, err := s.CreateUser(ctx, CreateUserInput{Username: "Alice", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(u.Roles) != 1 || u.Roles[0] != RoleUser {
		t.Fatalf("default roles: %v", u.Roles)
	}

	if _, err := s.CreateUser(ctx, CreateUserInput{Username: " alice ", PasswordHash: "h"}); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.CreateUser(ctx, CreateUserInput{Username: "", PasswordHash: "h"}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	got, err := s.GetByUsername(ctx, "ALICE")
	if err != nil || got.ID != u.ID {
		t.Fatalf("GetByUsername: %+v %v", got, err)
	}
	if _, err := s.GetByUsername(ctx, "bob"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_UpdateCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(3)

	u, err := s.CreateUser(ctx, CreateUserInput{Username: "alice", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a := u.Clone()
	a.Logins.Append(LoginRecord{SessionID: "s1", Active: true, RefreshTokenHash: "h1"})
	a.AddRefreshToken("h1")

	saved, err := s.Update(ctx, a)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("version: got %d", saved.Version)
	}

	stale := u.Clone()
	stale.AddRefreshToken("other")
	if _, err := s.Update(ctx, stale); !IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	bySession, err := s.GetBySessionID(ctx, "s1")
	if err != nil || bySession.ID != u.ID {
		t.Fatalf("GetBySessionID: %v", err)
	}
	byHash, err := s.GetByRefreshHash(ctx, "h1")
	if err != nil || byHash.ID != u.ID {
		t.Fatalf("GetByRefreshHash: %v", err)
	}
	if _, err := s.GetByRefreshHash(ctx, "other"); !IsNotFound(err) {
		t.Fatalf("stale write leaked: %v", err)
	}
}

func TestMemoryStore_ReturnsDetachedCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(0)

	u, err := s.CreateUser(ctx, CreateUserInput{Username: "alice", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	u.AddRefreshToken("local-only")

	got, err := s.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HasRefreshToken("local-only") {
		t.Fatalf("store must hand out copies")
	}
}

func TestMemoryStore_UpdateUnknownUser(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(0)
	if _, err := s.Update(context.Background(), User{ID: "missing"}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
