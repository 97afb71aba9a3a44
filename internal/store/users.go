package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Role separates the two sides of the marketplace. Clients pay for
// readings; readers deliver them and set a per-minute rate.
type Role string

const (
	RoleClient Role = "client"
	RoleReader Role = "reader"
)

func (r Role) Valid() bool {
	return r == RoleClient || r == RoleReader
}

// User is an account record. TotalSeconds and TotalAmount are lifetime
// aggregates bumped by billing ticks: amount spent for clients, gross
// amount earned for readers.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	DisplayName   string
	Role          Role
	RatePerMinute int64 // minor units, readers only
	Bio           string
	TotalSessions int64
	TotalSeconds  int64
	TotalAmount   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const userColumns = `id, email, password_hash, display_name, role, rate_per_minute, bio,
	total_sessions, total_seconds, total_amount, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Role,
		&u.RatePerMinute, &u.Bio, &u.TotalSessions, &u.TotalSeconds, &u.TotalAmount,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if u.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Role, u.RatePerMinute, u.Bio,
		u.TotalSessions, u.TotalSeconds, u.TotalAmount,
		encodeTime(u.CreatedAt), encodeTime(u.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// ListReaders returns all reader accounts ordered by display name.
func (s *Store) ListReaders(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE role = ? ORDER BY display_name`, RoleReader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserProfile changes the mutable profile fields.
func (s *Store) UpdateUserProfile(ctx context.Context, id, displayName, bio string, ratePerMinute int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET display_name = ?, bio = ?, rate_per_minute = ?, updated_at = ?
		WHERE id = ?`,
		displayName, bio, ratePerMinute, encodeTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSessionCounts bumps the lifetime session counter for each user.
// Called once per session when it reaches a terminal paid state.
func (s *Store) IncrementSessionCounts(ctx context.Context, userIDs ...string) error {
	now := encodeTime(time.Now().UTC())
	for _, id := range userIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE users SET total_sessions = total_sessions + 1, updated_at = ?
			WHERE id = ?`, now, id); err != nil {
			return err
		}
	}
	return nil
}
