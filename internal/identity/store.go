package identity

import (
	"context"
	"time"
)

// CreateUserInput describes a registration.
// PasswordHash is produced by the caller (security/password).
type CreateUserInput struct {
	Username     string
	PasswordHash string
	Roles        []Role
	Now          time.Time
}

// Store is the credential persistence boundary.
//
// Lookups return detached copies; callers mutate the copy and hand it back to
// Update, which succeeds only if the stored version still equals u.Version.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)

	GetByUsername(ctx context.Context, username string) (User, error)
	GetBySessionID(ctx context.Context, sessionID string) (User, error)
	GetByRefreshHash(ctx context.Context, hash string) (User, error)

	// Update persists u if the stored version equals u.Version and returns the
	// record with its new version. A lost race yields VersionConflictError.
	Update(ctx context.Context, u User) (User, error)

	Close() error
}
