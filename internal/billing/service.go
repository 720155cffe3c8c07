package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/commercekit/fulfillment/internal/domain"
	"github.com/commercekit/fulfillment/internal/orders"
)

// Service converts completed orders into payable bills. Conversion is a
// one-shot transition guarded by the order's conversion flag; it runs in
// its own transaction, independent of the fulfillment one.
type Service struct {
	db     *sql.DB
	orders *orders.OrderRepository
	bills  *BillRepository
}

func NewService(db *sql.DB, orderRepo *orders.OrderRepository, bills *BillRepository) *Service {
	return &Service{
		db:     db,
		orders: orderRepo,
		bills:  bills,
	}
}

func (s *Service) ConvertOrderToBill(ctx context.Context, orderID string, paymentMethod domain.PaymentMethod) (*domain.Bill, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin conversion transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	converted, err := s.orders.MarkConverted(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !converted {
		order, err := s.orders.GetByID(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.ErrAlreadyConverted
	}

	order, err := s.orders.GetByID(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	bill := &domain.Bill{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        order.Total,
		PaymentMethod: paymentMethod,
	}
	if err := s.bills.Create(ctx, tx, bill); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversion transaction: %w", err)
	}

	return bill, nil
}

func (s *Service) MarkBillAsPaid(ctx context.Context, billID string) (*domain.Bill, error) {
	return s.bills.MarkPaid(ctx, billID)
}
