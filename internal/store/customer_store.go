package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

const customerColumns = `id, user_id, customer_id, product_id, created_at, updated_at`

// FindOrCreateCustomer returns the customer row for userID, creating it when
// absent. A non-empty customerRef replaces the stored provider reference.
// It is a single statement so concurrent callers converge on one row.
func (s *Store) FindOrCreateCustomer(ctx context.Context, userID int64, customerRef string, productID *string) (*models.Customer, error) {
	query := `
		INSERT INTO customers (user_id, customer_id, product_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET customer_id = COALESCE(NULLIF(EXCLUDED.customer_id, ''), customers.customer_id),
		    product_id = COALESCE(EXCLUDED.product_id, customers.product_id),
		    updated_at = NOW()
		RETURNING ` + customerColumns

	c, err := scanCustomer(s.db.QueryRowContext(ctx, query, userID, customerRef, productID))
	if err != nil {
		return nil, fmt.Errorf("store: find or create customer for user %d: %w", userID, err)
	}
	return c, nil
}

// GetCustomer returns a customer by local id.
func (s *Store) GetCustomer(ctx context.Context, id int64) (*models.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get customer %d: %w", id, err)
	}
	return c, nil
}

// GetCustomerByUserID returns the customer owned by a user.
func (s *Store) GetCustomerByUserID(ctx context.Context, userID int64) (*models.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get customer for user %d: %w", userID, err)
	}
	return c, nil
}

func scanCustomer(row *sql.Row) (*models.Customer, error) {
	var (
		c         models.Customer
		productID sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.CustomerID, &productID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ProductID = nullStringPtr(productID)
	return &c, nil
}
