package cart

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/commercekit/fulfillment/internal/domain"
	"github.com/commercekit/fulfillment/internal/storage"
)

type CartRepository struct {
	db *sql.DB
}

func NewCartRepository(db *sql.DB) *CartRepository {
	return &CartRepository{db: db}
}

// CreateForUser creates the user's cart. Each user has exactly one cart;
// a second create for the same user fails on the unique constraint.
func (r *CartRepository) CreateForUser(ctx context.Context, userID string) (*domain.Cart, error) {
	cart := &domain.Cart{
		ID:     uuid.New().String(),
		UserID: userID,
		Lines:  []domain.CartLine{},
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO carts (id, user_id)
		VALUES ($1, $2)
	`, cart.ID, cart.UserID)
	if err != nil {
		return nil, err
	}

	return cart, nil
}

// GetByID loads a cart and its lines on the given Querier so the
// fulfillment transaction sees a consistent snapshot.
func (r *CartRepository) GetByID(ctx context.Context, q storage.Querier, id string) (*domain.Cart, error) {
	cart := &domain.Cart{Lines: []domain.CartLine{}}

	err := q.QueryRowContext(ctx, `
		SELECT id, user_id FROM carts WHERE id = $1
	`, id).Scan(&cart.ID, &cart.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM cart_items
		WHERE cart_id = $1
		ORDER BY product_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.ProductID, &line.Quantity); err != nil {
			return nil, err
		}
		cart.Lines = append(cart.Lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return cart, nil
}

func (r *CartRepository) GetByUser(ctx context.Context, userID string) (*domain.Cart, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM carts WHERE user_id = $1
	`, userID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return r.GetByID(ctx, r.db, id)
}

func (r *CartRepository) List(ctx context.Context) ([]domain.Cart, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id FROM carts ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cartMap := make(map[string]*domain.Cart)
	var cartIDs []string

	for rows.Next() {
		var cart domain.Cart
		if err := rows.Scan(&cart.ID, &cart.UserID); err != nil {
			return nil, err
		}
		cart.Lines = []domain.CartLine{}
		cartMap[cart.ID] = &cart
		cartIDs = append(cartIDs, cart.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cartIDs) == 0 {
		return []domain.Cart{}, nil
	}

	lineRows, err := r.db.QueryContext(ctx, `
		SELECT cart_id, product_id, quantity
		FROM cart_items
		WHERE cart_id = ANY($1)
		ORDER BY product_id
	`, pq.Array(cartIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = lineRows.Close() }()

	for lineRows.Next() {
		var cartID string
		var line domain.CartLine
		if err := lineRows.Scan(&cartID, &line.ProductID, &line.Quantity); err != nil {
			return nil, err
		}
		cart := cartMap[cartID]
		cart.Lines = append(cart.Lines, line)
	}

	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	carts := make([]domain.Cart, 0, len(cartIDs))
	for _, id := range cartIDs {
		carts = append(carts, *cartMap[id])
	}

	return carts, nil
}

// AddLine merges the quantity into an existing line for the product or
// creates a new one. For an existing line the quantity is a delta and may
// be negative; the merged result must stay at least 1. The upsert and the
// minimum check commit together, so a rejected merge leaves the line
// untouched.
func (r *CartRepository) AddLine(ctx context.Context, cartID, productID string, quantity int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := cartExists(ctx, tx, cartID); err != nil {
		return err
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)
	`, productID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrProductNotFound
	}

	var merged int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO cart_items (cart_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		RETURNING quantity
	`, cartID, productID, quantity).Scan(&merged)
	if err != nil {
		return err
	}

	if merged < 1 {
		return domain.ErrInvalidQuantity
	}

	return tx.Commit()
}

// UpdateQuantity replaces a line's quantity in a single statement. There
// is no remove-then-add window: a concurrent reader never observes the
// line missing.
func (r *CartRepository) UpdateQuantity(ctx context.Context, cartID, productID string, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE cart_items SET quantity = $3
		WHERE cart_id = $1 AND product_id = $2
	`, cartID, productID, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		if err := cartExists(ctx, r.db, cartID); err != nil {
			return err
		}
		return domain.ErrLineNotFound
	}

	return nil
}

func (r *CartRepository) RemoveLine(ctx context.Context, cartID, productID string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_items
		WHERE cart_id = $1 AND product_id = $2
	`, cartID, productID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		if err := cartExists(ctx, r.db, cartID); err != nil {
			return err
		}
		return domain.ErrLineNotFound
	}

	return nil
}

// Clear removes every line and keeps the cart row. Idempotent: clearing
// an already empty cart succeeds.
func (r *CartRepository) Clear(ctx context.Context, q storage.Querier, cartID string) error {
	if err := cartExists(ctx, q, cartID); err != nil {
		return err
	}

	_, err := q.ExecContext(ctx, `
		DELETE FROM cart_items WHERE cart_id = $1
	`, cartID)
	return err
}

func cartExists(ctx context.Context, q storage.Querier, cartID string) error {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM carts WHERE id = $1)
	`, cartID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrCartNotFound
	}
	return nil
}
