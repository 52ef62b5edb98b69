package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

// FindGroupByName returns the group with the exact name.
func (s *Store) FindGroupByName(ctx context.Context, name string) (*models.Group, error) {
	var g models.Group
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM groups WHERE name = $1`, name).Scan(&g.ID, &g.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find group %q: %w", name, err)
	}
	return &g, nil
}

// AddMember adds the user to the group. It reports false when the user was
// already a member.
func (s *Store) AddMember(ctx context.Context, groupID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO group_users (group_id, user_id) VALUES ($1, $2) ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID)
	if err != nil {
		return false, fmt.Errorf("store: add user %d to group %d: %w", userID, groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: add user %d to group %d: %w", userID, groupID, err)
	}
	return n > 0, nil
}

// RemoveMember removes the user from the group. It reports false when the
// user was not a member.
func (s *Store) RemoveMember(ctx context.Context, groupID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM group_users WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return false, fmt.Errorf("store: remove user %d from group %d: %w", userID, groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: remove user %d from group %d: %w", userID, groupID, err)
	}
	return n > 0, nil
}

// IsMember reports whether the user belongs to the group.
func (s *Store) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_users WHERE group_id = $1 AND user_id = $2)`, groupID, userID,
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: membership of user %d in group %d: %w", userID, groupID, err)
	}
	return ok, nil
}
