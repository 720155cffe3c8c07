package fulfillment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/commercekit/fulfillment/internal/cart"
	"github.com/commercekit/fulfillment/internal/catalog"
	"github.com/commercekit/fulfillment/internal/domain"
	"github.com/commercekit/fulfillment/internal/messaging"
	"github.com/commercekit/fulfillment/internal/orders"
)

// Orchestrator turns a cart into a persisted order inside one database
// transaction: stock reservation, order write and cart clear commit or
// roll back together. It also owns the compensating path that restores
// stock when an order is deleted.
type Orchestrator struct {
	db       *sql.DB
	carts    *cart.CartRepository
	products *catalog.ProductRepository
	orders   *orders.OrderRepository
	created  *messaging.Producer
	deleted  *messaging.Producer
	logger   *slog.Logger
}

func NewOrchestrator(
	db *sql.DB,
	carts *cart.CartRepository,
	products *catalog.ProductRepository,
	orderRepo *orders.OrderRepository,
	created, deleted *messaging.Producer,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:       db,
		carts:    carts,
		products: products,
		orders:   orderRepo,
		created:  created,
		deleted:  deleted,
		logger:   logger,
	}
}

// CreateOrderFromCart validates the cart, reserves stock for every line,
// snapshots unit prices, persists the order and clears the cart as one
// atomic step. The first failure aborts the whole attempt; the rollback
// undoes every reservation made so far in it.
func (o *Orchestrator) CreateOrderFromCart(ctx context.Context, cartID string, paymentMethod domain.PaymentMethod) (*domain.Order, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fulfillment transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := o.carts.GetByID(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrCartNotFound
	}
	if len(c.Lines) == 0 {
		return nil, domain.ErrEmptyCart
	}

	// Reserve in ascending product id order. Two attempts touching
	// overlapping product sets then acquire row locks in the same global
	// order and cannot deadlock each other.
	lines := make([]domain.CartLine, len(c.Lines))
	copy(lines, c.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	orderLines := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		if _, err := o.products.Reserve(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}

		// The row is locked by our own reservation, so the price read
		// here is the price the decrement applied against.
		product, err := o.products.GetByID(ctx, tx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return nil, domain.ErrProductNotFound
		}

		orderLines = append(orderLines, domain.OrderLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
		})
	}

	order := &domain.Order{
		UserID:        c.UserID,
		Lines:         orderLines,
		Total:         domain.LinesTotal(orderLines),
		PaymentMethod: paymentMethod,
		CreatedAt:     time.Now().UTC(),
	}

	if err := o.orders.Create(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := o.carts.Clear(ctx, tx, cartID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fulfillment transaction: %w", err)
	}

	o.publishCreated(ctx, order)

	return order, nil
}

// DeleteOrder restores every line's stock and removes the order in one
// transaction: compensation and deletion succeed or fail together.
func (o *Orchestrator) DeleteOrder(ctx context.Context, orderID string) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compensation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := o.orders.GetByID(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return domain.ErrOrderNotFound
	}

	for _, line := range order.Lines {
		if _, err := o.products.Release(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return err
		}
	}

	if err := o.orders.Delete(ctx, tx, orderID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compensation transaction: %w", err)
	}

	o.publishDeleted(ctx, order)

	return nil
}

func (o *Orchestrator) publishCreated(ctx context.Context, order *domain.Order) {
	if o.created == nil {
		return
	}

	event := domain.OrderCreatedEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Lines:     order.Lines,
		Total:     order.Total,
		Timestamp: order.CreatedAt,
	}
	if err := o.created.Publish(ctx, order.ID, event); err != nil {
		o.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
	}
}

func (o *Orchestrator) publishDeleted(ctx context.Context, order *domain.Order) {
	if o.deleted == nil {
		return
	}

	event := domain.OrderDeletedEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Lines:     order.Lines,
		Timestamp: time.Now().UTC(),
	}
	if err := o.deleted.Publish(ctx, order.ID, event); err != nil {
		o.logger.Error("failed to publish order deleted event", "error", err, "order_id", order.ID)
	}
}
