package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in dev mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	byID     map[string]User
	byName   map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore whose users keep loginCapacity records.
func NewMemoryStore(loginCapacity int) *MemoryStore {
	if loginCapacity <= 0 {
		loginCapacity = DefaultLoginCapacity
	}
	return &MemoryStore{
		capacity: loginCapacity,
		byID:     make(map[string]User),
		byName:   make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	username := strings.TrimSpace(in.Username)
	norm := NormalizeUsername(username)
	if norm == "" || in.PasswordHash == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "username and password hash are required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = DefaultRoles()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byName[norm]; taken {
		return User{}, ConflictError{Op: op, Field: "username"}
	}

	u := User{
		ID:           id,
		Username:     username,
		PasswordHash: in.PasswordHash,
		Roles:        roles,
		Logins:       NewLoginHistory(s.capacity, nil),
		Version:      0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[id] = u.Clone()
	s.byName[norm] = id
	return u, nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[NormalizeUsername(username)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetByUsername", Resource: "user"}
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) GetBySessionID(ctx context.Context, sessionID string) (User, error) {
	return s.find(ctx, "identity.GetBySessionID", func(u User) bool {
		return u.Logins.Index(sessionID) >= 0
	})
}

func (s *MemoryStore) GetByRefreshHash(ctx context.Context, hash string) (User, error) {
	return s.find(ctx, "identity.GetByRefreshHash", func(u User) bool {
		return u.HasRefreshToken(hash)
	})
}

func (s *MemoryStore) Update(ctx context.Context, u User) (User, error) {
	const op = "identity.Update"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[u.ID]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if cur.Version != u.Version {
		return User{}, VersionConflictError{Op: op, UserID: u.ID, Expected: u.Version}
	}

	next := u.Clone()
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.byID[u.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) find(ctx context.Context, op string, match func(User) bool) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.byID {
		if match(u) {
			return u.Clone(), nil
		}
	}
	return User{}, NotFoundError{Op: op, Resource: "user"}
}
