package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

const subscriptionColumns = `s.id, s.customer_id, s.external_id, s.plan_id, s.product_id, s.provider,
       s.status, s.duration, s.expires_at, s.created_at, s.updated_at`

const userColumns = `u.id, u.username, u.email, u.name, u.avatar_url`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateSubscription inserts sub unless a row with the same external id
// already exists, in which case ErrDuplicate is returned and nothing changes.
// On success the generated id and timestamps are written back to sub.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	var provider sql.NullString
	if sub.Provider != "" {
		provider = sql.NullString{String: string(sub.Provider), Valid: true}
	}

	query := `
		INSERT INTO subscriptions (customer_id, external_id, plan_id, product_id, provider, status, duration, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		sub.CustomerID,
		sub.ExternalID,
		sub.PlanID,
		sub.ProductID,
		provider,
		string(sub.Status),
		sub.Duration,
		sub.ExpiresAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return fmt.Errorf("store: subscription %s: %w", sub.ExternalID, ErrDuplicate)
		}
		return fmt.Errorf("store: create subscription %s: %w", sub.ExternalID, err)
	}
	return nil
}

// GetSubscriptionByExternalID returns the subscription with the given provider id.
func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions s WHERE s.external_id = $1`, externalID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get subscription %s: %w", externalID, err)
	}
	return sub, nil
}

// SubscriptionExists reports whether a subscription with externalID is recorded.
func (s *Store) SubscriptionExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE external_id = $1)`, externalID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: subscription exists %s: %w", externalID, err)
	}
	return exists, nil
}

// UpdateSubscriptionStatus sets the status of one subscription.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id int64, status models.SubscriptionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: update subscription %d status: %w", id, err)
	}
	return requireAffected(res, id)
}

// UpdateSubscriptionPlan records a plan change reported by the provider.
func (s *Store) UpdateSubscriptionPlan(ctx context.Context, id int64, planID string, productID *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET plan_id = $1, product_id = COALESCE($2, product_id), updated_at = NOW() WHERE id = $3`,
		planID, productID, id)
	if err != nil {
		return fmt.Errorf("store: update subscription %d plan: %w", id, err)
	}
	return requireAffected(res, id)
}

// ListActiveSubscriptionsForUser returns the user's active, unexpired
// subscriptions other than excludeID (pass 0 to exclude nothing).
func (s *Store) ListActiveSubscriptionsForUser(ctx context.Context, userID, excludeID int64, now time.Time) ([]models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions s
		JOIN customers c ON c.id = s.customer_id
		WHERE c.user_id = $1
		  AND s.id <> $2
		  AND s.status = 'active'
		  AND (s.expires_at IS NULL OR s.expires_at > $3)
		ORDER BY s.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, excludeID, now)
	if err != nil {
		return nil, fmt.Errorf("store: list active subscriptions for user %d: %w", userID, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListExpiredActiveSubscriptions returns subscriptions still marked active
// whose expiry has passed.
func (s *Store) ListExpiredActiveSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions s
		WHERE s.status = 'active'
		  AND s.expires_at IS NOT NULL
		  AND s.expires_at < $1
		ORDER BY s.expires_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("store: list expired subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListEntitledSubscriptions returns every active, unexpired subscription with
// its owning user.
func (s *Store) ListEntitledSubscriptions(ctx context.Context, now time.Time) ([]models.SubscriptionWithUser, error) {
	query := `
		SELECT ` + subscriptionColumns + `, ` + userColumns + `
		FROM subscriptions s
		JOIN customers c ON c.id = s.customer_id
		JOIN users u ON u.id = c.user_id
		WHERE s.status = 'active'
		  AND (s.expires_at IS NULL OR s.expires_at > $1)
		ORDER BY s.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("store: list entitled subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptionsWithUser(rows)
}

// ListSubscriptionsForUser returns all of a user's subscriptions, newest first.
func (s *Store) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions s
		JOIN customers c ON c.id = s.customer_id
		WHERE c.user_id = $1
		ORDER BY s.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions for user %d: %w", userID, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListSubscriptions returns one page of subscriptions with their users, newest
// first, and the total number of rows matching the filter.
func (s *Store) ListSubscriptions(ctx context.Context, filter models.SubscriptionFilter) ([]models.SubscriptionWithUser, int, error) {
	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if filter.Username != "" {
		where = `WHERE LOWER(u.username) = LOWER($1)`
		args = append(args, filter.Username)
	}

	from := `
		FROM subscriptions s
		JOIN customers c ON c.id = s.customer_id
		JOIN users u ON u.id = c.user_id
		` + where

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count subscriptions: %w", err)
	}

	n := len(args)
	query := `SELECT ` + subscriptionColumns + `, ` + userColumns + from +
		fmt.Sprintf(` ORDER BY s.created_at DESC, s.id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	items, err := scanSubscriptionsWithUser(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for subscription %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

func subscriptionDest(sub *models.Subscription, productID, provider *sql.NullString, duration *sql.NullInt64, expiresAt *sql.NullTime) []any {
	return []any{
		&sub.ID, &sub.CustomerID, &sub.ExternalID, &sub.PlanID, productID, provider,
		&sub.Status, duration, expiresAt, &sub.CreatedAt, &sub.UpdatedAt,
	}
}

func fillSubscription(sub *models.Subscription, productID, provider sql.NullString, duration sql.NullInt64, expiresAt sql.NullTime) {
	sub.ProductID = nullStringPtr(productID)
	if provider.Valid {
		sub.Provider = models.Provider(provider.String)
	}
	if duration.Valid {
		d := int(duration.Int64)
		sub.Duration = &d
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		sub.ExpiresAt = &t
	}
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		productID sql.NullString
		provider  sql.NullString
		duration  sql.NullInt64
		expiresAt sql.NullTime
	)
	if err := row.Scan(subscriptionDest(&sub, &productID, &provider, &duration, &expiresAt)...); err != nil {
		return nil, err
	}
	fillSubscription(&sub, productID, provider, duration, expiresAt)
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscriptionsWithUser(rows *sql.Rows) ([]models.SubscriptionWithUser, error) {
	var items []models.SubscriptionWithUser
	for rows.Next() {
		var (
			item                models.SubscriptionWithUser
			productID, provider sql.NullString
			duration            sql.NullInt64
			expiresAt           sql.NullTime
			email, name, avatar sql.NullString
		)
		dest := subscriptionDest(&item.Subscription, &productID, &provider, &duration, &expiresAt)
		dest = append(dest, &item.User.ID, &item.User.Username, &email, &name, &avatar)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("store: scan subscription with user: %w", err)
		}
		fillSubscription(&item.Subscription, productID, provider, duration, expiresAt)
		item.User.Email = nullStringPtr(email)
		item.User.Name = nullStringPtr(name)
		item.User.AvatarURL = nullStringPtr(avatar)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return items, nil
}
