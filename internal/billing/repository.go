package billing

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/commercekit/fulfillment/internal/domain"
	"github.com/commercekit/fulfillment/internal/storage"
)

type BillRepository struct {
	db *sql.DB
}

func NewBillRepository(db *sql.DB) *BillRepository {
	return &BillRepository{db: db}
}

func (r *BillRepository) Create(ctx context.Context, q storage.Querier, bill *domain.Bill) error {
	bill.ID = uuid.New().String()

	_, err := q.ExecContext(ctx, `
		INSERT INTO bills (id, order_id, user_id, amount, payment_method, paid)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`, bill.ID, bill.OrderID, bill.UserID, bill.Amount, bill.PaymentMethod)
	return err
}

func (r *BillRepository) GetByID(ctx context.Context, id string) (*domain.Bill, error) {
	bill := &domain.Bill{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, amount, payment_method, paid
		FROM bills
		WHERE id = $1
	`, id).Scan(&bill.ID, &bill.OrderID, &bill.UserID, &bill.Amount, &bill.PaymentMethod, &bill.Paid)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return bill, nil
}

func (r *BillRepository) List(ctx context.Context) ([]domain.Bill, error) {
	return r.list(ctx, `
		SELECT id, order_id, user_id, amount, payment_method, paid
		FROM bills
		ORDER BY id
	`)
}

func (r *BillRepository) ListByUser(ctx context.Context, userID string) ([]domain.Bill, error) {
	return r.list(ctx, `
		SELECT id, order_id, user_id, amount, payment_method, paid
		FROM bills
		WHERE user_id = $1
		ORDER BY id
	`, userID)
}

func (r *BillRepository) list(ctx context.Context, query string, args ...any) ([]domain.Bill, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	bills := []domain.Bill{}
	for rows.Next() {
		var bill domain.Bill
		if err := rows.Scan(&bill.ID, &bill.OrderID, &bill.UserID, &bill.Amount,
			&bill.PaymentMethod, &bill.Paid); err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return bills, nil
}

// MarkPaid sets paid unconditionally. The false to true transition never
// reverses, so repeating the call is harmless and returns the same bill.
func (r *BillRepository) MarkPaid(ctx context.Context, id string) (*domain.Bill, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bills SET paid = TRUE WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, domain.ErrBillNotFound
	}

	return r.GetByID(ctx, id)
}
