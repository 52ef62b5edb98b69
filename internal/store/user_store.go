package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

const userSelect = `SELECT u.id, u.username, u.email, u.name, u.avatar_url FROM users u`

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.queryUser(ctx, "get user", userSelect+` WHERE u.id = $1`, id)
}

// FindUserByUsername matches usernames case-insensitively.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.queryUser(ctx, "find user by username", userSelect+` WHERE LOWER(u.username) = LOWER($1)`, username)
}

// FindUserByEmail matches emails case-insensitively.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.queryUser(ctx, "find user by email", userSelect+` WHERE LOWER(u.email) = LOWER($1) ORDER BY u.id LIMIT 1`, email)
}

// FindUserByUsernameOrEmail treats a login containing "@" as an email.
func (s *Store) FindUserByUsernameOrEmail(ctx context.Context, login string) (*models.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, ErrNotFound
	}
	if strings.Contains(login, "@") {
		return s.FindUserByEmail(ctx, login)
	}
	return s.FindUserByUsername(ctx, login)
}

// GetUserByCustomerID returns the user owning the local customer row.
func (s *Store) GetUserByCustomerID(ctx context.Context, customerID int64) (*models.User, error) {
	return s.queryUser(ctx, "get user by customer",
		userSelect+` JOIN customers c ON c.user_id = u.id WHERE c.id = $1`, customerID)
}

// CreateUser inserts a user. Used by operators seeding accounts and by tests.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, name, avatar_url) VALUES ($1, $2, $3, $4) RETURNING id`,
		user.Username, user.Email, user.Name, user.AvatarURL,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: user %s: %w", user.Username, ErrDuplicate)
		}
		return fmt.Errorf("store: create user %s: %w", user.Username, err)
	}
	return nil
}

func (s *Store) queryUser(ctx context.Context, op, query string, args ...any) (*models.User, error) {
	var (
		u                   models.User
		email, name, avatar sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Username, &email, &name, &avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	u.Email = nullStringPtr(email)
	u.Name = nullStringPtr(name)
	u.AvatarURL = nullStringPtr(avatar)
	return &u, nil
}
