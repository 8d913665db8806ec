package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over a single users table.
//
// Design notes:
//   - The pgx pool is owned by the caller; Close does not close it.
//   - Logins and devices are embedded JSONB documents of the user row so that one
//     UPDATE ... WHERE version = $n covers the whole read-modify-write.
//   - Refresh-token hashes live in a TEXT[] column with a GIN index for reverse lookup.
type PostgresStore struct {
	pool     *pgxpool.Pool
	schema   string
	capacity int
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "chatmate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithLoginCapacity sets the login history capacity applied when rows are loaded.
func WithLoginCapacity(n int) PostgresOption {
	return func(s *PostgresStore) error {
		if n <= 0 {
			return fmt.Errorf("identity: login capacity must be positive")
		}
		s.capacity = n
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:     pool,
		schema:   "chatmate",
		capacity: DefaultLoginCapacity,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const userColumns = `
	id, username, password_hash, roles, refresh_tokens,
	logins, devices, version, created_at, updated_at`

func (s *PostgresStore) users() string {
	return pgx.Identifier{s.schema, "users"}.Sanitize()
}

func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+s.users()+` (
			id, username, username_norm, password_hash, roles,
			refresh_tokens, logins, devices, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, '{}', '[]'::jsonb, '[]'::jsonb, 0, $6, $6)
	`, id, username, norm, in.PasswordHash, rolesToInt32(roles), now)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	return User{
		ID:           id,
		Username:     username,
		PasswordHash: in.PasswordHash,
		Roles:        roles,
		Logins:       NewLoginHistory(s.capacity, nil),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (User, error) {
	return s.getOne(ctx, "identity.GetByUsername",
		`SELECT `+userColumns+` FROM `+s.users()+` WHERE username_norm = $1`,
		NormalizeUsername(username))
}

func (s *PostgresStore) GetBySessionID(ctx context.Context, sessionID string) (User, error) {
	return s.getOne(ctx, "identity.GetBySessionID",
		`SELECT `+userColumns+` FROM `+s.users()+`
		 WHERE logins @> jsonb_build_array(jsonb_build_object('sessionId', $1::text))`,
		sessionID)
}

func (s *PostgresStore) GetByRefreshHash(ctx context.Context, hash string) (User, error) {
	return s.getOne(ctx, "identity.GetByRefreshHash",
		`SELECT `+userColumns+` FROM `+s.users()+` WHERE refresh_tokens @> ARRAY[$1::text]`,
		hash)
}

func (s *PostgresStore) Update(ctx context.Context, u User) (User, error) {
	const op = "identity.Update"

	logins, err := json.Marshal(nonNilLogins(u.Logins.Entries()))
	if err != nil {
		return User{}, fmt.Errorf("%s: encode logins: %w", op, err)
	}
	devices, err := json.Marshal(nonNilDevices(u.Devices))
	if err != nil {
		return User{}, fmt.Errorf("%s: encode devices: %w", op, err)
	}
	tokens := u.RefreshTokens
	if tokens == nil {
		tokens = []string{}
	}

	var (
		version   int64
		updatedAt time.Time
	)
	err = s.pool.QueryRow(ctx, `
		UPDATE `+s.users()+`
		SET password_hash = $2,
		    roles = $3,
		    refresh_tokens = $4,
		    logins = $5::jsonb,
		    devices = $6::jsonb,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $7
		RETURNING version, updated_at
	`, u.ID, u.PasswordHash, rolesToInt32(u.Roles), tokens, string(logins), string(devices), u.Version).
		Scan(&version, &updatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+s.users()+` WHERE id = $1)`, u.ID).Scan(&exists); qerr != nil {
			return User{}, fmt.Errorf("%s: %w", op, qerr)
		}
		if !exists {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, VersionConflictError{Op: op, UserID: u.ID, Expected: u.Version}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	out := u.Clone()
	out.Version = version
	out.UpdatedAt = updatedAt
	return out, nil
}

// Close is a no-op: the pool is owned by the app.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) getOne(ctx context.Context, op, query string, arg any) (User, error) {
	var (
		u       User
		roles   []int32
		tokens  []string
		logins  []byte
		devices []byte
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&roles,
		&tokens,
		&logins,
		&devices,
		&u.Version,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	var recs []LoginRecord
	if len(logins) > 0 {
		if err := json.Unmarshal(logins, &recs); err != nil {
			return User{}, fmt.Errorf("%s: decode logins: %w", op, err)
		}
	}
	if len(devices) > 0 {
		if err := json.Unmarshal(devices, &u.Devices); err != nil {
			return User{}, fmt.Errorf("%s: decode devices: %w", op, err)
		}
	}

	u.Roles = make([]Role, 0, len(roles))
	for _, r := range roles {
		u.Roles = append(u.Roles, Role(r))
	}
	u.RefreshTokens = tokens
	u.Logins = NewLoginHistory(s.capacity, recs)
	return u, nil
}

func rolesToInt32(roles []Role) []int32 {
	out := make([]int32, 0, len(roles))
	for _, r := range roles {
		out = append(out, int32(r)) // #nosec G115 -- role codes are small constants.
	}
	return out
}

func nonNilLogins(v []LoginRecord) []LoginRecord {
	if v == nil {
		return []LoginRecord{}
	}
	return v
}

func nonNilDevices(v []Device) []Device {
	if v == nil {
		return []Device{}
	}
	return v
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
