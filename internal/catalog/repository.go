package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/commercekit/fulfillment/internal/domain"
	"github.com/commercekit/fulfillment/internal/storage"
)

type ProductRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Create(ctx context.Context, product *domain.Product) error {
	product.ID = uuid.New().String()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description, price, original_price, discount_percent, stock_quantity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, product.ID, product.Name, product.Description, product.Price,
		product.OriginalPrice, product.DiscountPercent, product.StockQuantity)
	return err
}

// ApplyDiscount recomputes the selling price from the original price and
// persists both the price and the percentage. Existing order lines are
// unaffected; they carry their own unit price snapshot.
func (r *ProductRepository) ApplyDiscount(ctx context.Context, productID string, percent decimal.Decimal) (*domain.Product, error) {
	if percent.IsNegative() || percent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return nil, domain.ErrInvalidDiscount
	}

	product, err := r.GetByID(ctx, r.db, productID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, domain.ErrProductNotFound
	}

	product.ApplyDiscount(percent)

	_, err = r.db.ExecContext(ctx, `
		UPDATE products SET price = $2, discount_percent = $3 WHERE id = $1
	`, productID, product.Price, product.DiscountPercent)
	if err != nil {
		return nil, err
	}

	return product, nil
}

// GetByID reads a product on the given Querier; pass the repository's
// pool for plain reads or a transaction to snapshot prices consistently
// with reservations made in it.
func (r *ProductRepository) GetByID(ctx context.Context, q storage.Querier, id string) (*domain.Product, error) {
	product := &domain.Product{}

	err := q.QueryRowContext(ctx, `
		SELECT id, name, description, price, original_price, discount_percent, stock_quantity
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.Name, &product.Description, &product.Price,
		&product.OriginalPrice, &product.DiscountPercent, &product.StockQuantity)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return product, nil
}

func (r *ProductRepository) List(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, price, original_price, discount_percent, stock_quantity
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price,
			&p.OriginalPrice, &p.DiscountPercent, &p.StockQuantity); err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (r *ProductRepository) GetStock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := r.db.QueryRowContext(ctx, `
		SELECT stock_quantity FROM products WHERE id = $1
	`, productID).Scan(&stock)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, domain.ErrProductNotFound
		}
		return 0, err
	}
	return stock, nil
}

// Reserve atomically checks and decrements stock in a single conditional
// UPDATE, so concurrent reservations of the same product serialize on the
// row lock and no two of them can observe the same pre-decrement value.
// It runs on the caller's Querier: inside a transaction the decrement is
// rolled back with everything else on abort.
func (r *ProductRepository) Reserve(ctx context.Context, q storage.Querier, productID string, quantity int) (int, error) {
	if quantity < 1 {
		return 0, domain.ErrInvalidQuantity
	}

	var remaining int
	err := q.QueryRowContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2
		WHERE id = $1 AND stock_quantity >= $2
		RETURNING stock_quantity
	`, productID, quantity).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// The conditional update matched nothing: either the product does not
	// exist or stock is short. Read it back to tell the two apart.
	var available int
	err = q.QueryRowContext(ctx, `
		SELECT stock_quantity FROM products WHERE id = $1
	`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		return 0, err
	}

	return 0, &domain.InsufficientStockError{
		ProductID: productID,
		Available: available,
		Requested: quantity,
	}
}

// Release increments stock with no upper bound. Compensation is
// deliberately unconditional: restoring a deleted order must never fail
// on the inventory side.
func (r *ProductRepository) Release(ctx context.Context, q storage.Querier, productID string, quantity int) (int, error) {
	if quantity < 1 {
		return 0, domain.ErrInvalidQuantity
	}

	var remaining int
	err := q.QueryRowContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2
		WHERE id = $1
		RETURNING stock_quantity
	`, productID, quantity).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		return 0, err
	}

	return remaining, nil
}
