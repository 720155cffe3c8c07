//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/commercekit/fulfillment/internal/billing"
	"github.com/commercekit/fulfillment/internal/cart"
	"github.com/commercekit/fulfillment/internal/catalog"
	"github.com/commercekit/fulfillment/internal/domain"
	"github.com/commercekit/fulfillment/internal/fulfillment"
	"github.com/commercekit/fulfillment/internal/messaging"
	"github.com/commercekit/fulfillment/internal/notify"
	"github.com/commercekit/fulfillment/internal/orders"
	"github.com/commercekit/fulfillment/internal/users"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedProduct(ctx context.Context, t *testing.T, repo *catalog.ProductRepository, name, price string, stock int) *domain.Product {
	t.Helper()

	p := decimal.RequireFromString(price)
	product := &domain.Product{
		Name:          name,
		Description:   name + " description",
		Price:         p,
		OriginalPrice: p,
		StockQuantity: stock,
	}
	if err := repo.Create(ctx, product); err != nil {
		t.Fatalf("failed to create product %s: %v", name, err)
	}
	return product
}

func seedUserWithCart(ctx context.Context, t *testing.T, db *sql.DB) (*domain.User, *domain.Cart) {
	t.Helper()

	userRepo := users.NewUserRepository(db)
	user := &domain.User{Name: "Test User", Email: "test@example.com"}
	if err := userRepo.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	cartRepo := cart.NewCartRepository(db)
	c, err := cartRepo.CreateForUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}
	return user, c
}

func newOrchestrator(db *sql.DB) *fulfillment.Orchestrator {
	return fulfillment.NewOrchestrator(
		db,
		cart.NewCartRepository(db),
		catalog.NewProductRepository(db),
		orders.NewOrderRepository(db),
		nil,
		nil,
		discardLogger(),
	)
}

func TestFulfillOrderFromCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	orderRepo := orders.NewOrderRepository(db)

	product := seedProduct(ctx, t, productRepo, "Keyboard", "10.50", 5)
	_, c := seedUserWithCart(ctx, t, db)

	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 3); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}

	order, err := newOrchestrator(db).CreateOrderFromCart(ctx, c.ID, domain.PaymentCreditCard)
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	wantTotal := decimal.RequireFromString("31.50")
	if !order.Total.Equal(wantTotal) {
		t.Fatalf("expected total %s, got %s", wantTotal, order.Total)
	}
	if len(order.Lines) != 1 {
		t.Fatalf("expected 1 order line, got %d", len(order.Lines))
	}
	if !order.Lines[0].UnitPrice.Equal(product.Price) {
		t.Fatalf("expected unit price %s, got %s", product.Price, order.Lines[0].UnitPrice)
	}
	if order.PaymentMethod != domain.PaymentCreditCard {
		t.Fatalf("expected payment method %s, got %s", domain.PaymentCreditCard, order.PaymentMethod)
	}

	stock, err := productRepo.GetStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("failed to get stock: %v", err)
	}
	if stock != 2 {
		t.Fatalf("expected stock 2 after fulfillment, got %d", stock)
	}

	emptied, err := cartRepo.GetByID(ctx, db, c.ID)
	if err != nil {
		t.Fatalf("failed to get cart: %v", err)
	}
	if emptied == nil || len(emptied.Lines) != 0 {
		t.Fatalf("expected cart to survive empty, got %+v", emptied)
	}

	persisted, err := orderRepo.GetByID(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("failed to get persisted order: %v", err)
	}
	if persisted == nil {
		t.Fatal("expected order to be persisted")
	}
	if persisted.ConvertedToBill {
		t.Fatal("expected fresh order not to be converted to a bill")
	}
	if !persisted.Total.Equal(wantTotal) {
		t.Fatalf("expected persisted total %s, got %s", wantTotal, persisted.Total)
	}
}

func TestFulfillOrderInsufficientStockRollsBack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	orderRepo := orders.NewOrderRepository(db)

	plenty := seedProduct(ctx, t, productRepo, "Mouse", "25.00", 10)
	scarce := seedProduct(ctx, t, productRepo, "Monitor", "199.99", 1)
	_, c := seedUserWithCart(ctx, t, db)

	if err := cartRepo.AddLine(ctx, c.ID, plenty.ID, 2); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}
	if err := cartRepo.AddLine(ctx, c.ID, scarce.ID, 5); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}

	_, err := newOrchestrator(db).CreateOrderFromCart(ctx, c.ID, domain.PaymentCash)

	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if insufficient.ProductID != scarce.ID {
		t.Fatalf("expected shortage on %s, got %s", scarce.ID, insufficient.ProductID)
	}
	if insufficient.Available != 1 || insufficient.Requested != 5 {
		t.Fatalf("expected available 1 requested 5, got available %d requested %d",
			insufficient.Available, insufficient.Requested)
	}

	// The failing line came after a successful reservation; the rollback
	// must undo that reservation too.
	for _, p := range []*domain.Product{plenty, scarce} {
		stock, err := productRepo.GetStock(ctx, p.ID)
		if err != nil {
			t.Fatalf("failed to get stock for %s: %v", p.Name, err)
		}
		if stock != p.StockQuantity {
			t.Fatalf("%s: expected stock unchanged at %d, got %d", p.Name, p.StockQuantity, stock)
		}
	}

	intact, err := cartRepo.GetByID(ctx, db, c.ID)
	if err != nil {
		t.Fatalf("failed to get cart: %v", err)
	}
	if len(intact.Lines) != 2 {
		t.Fatalf("expected cart lines untouched, got %d lines", len(intact.Lines))
	}

	all, err := orderRepo.List(ctx)
	if err != nil {
		t.Fatalf("failed to list orders: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no orders after aborted fulfillment, got %d", len(all))
	}
}

func TestFulfillOrderRejectsEmptyCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	_, c := seedUserWithCart(ctx, t, db)

	if _, err := newOrchestrator(db).CreateOrderFromCart(ctx, c.ID, domain.PaymentCash); !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("expected empty cart error, got %v", err)
	}

	if _, err := newOrchestrator(db).CreateOrderFromCart(ctx, uuid.NewString(), domain.PaymentCash); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected cart not found error, got %v", err)
	}
}

func TestDeleteOrderRestoresStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	orderRepo := orders.NewOrderRepository(db)

	product := seedProduct(ctx, t, productRepo, "Webcam", "49.90", 5)
	_, c := seedUserWithCart(ctx, t, db)

	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 3); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}

	orch := newOrchestrator(db)
	order, err := orch.CreateOrderFromCart(ctx, c.ID, domain.PaymentDebitCard)
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	stock, err := productRepo.GetStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("failed to get stock: %v", err)
	}
	if stock != 2 {
		t.Fatalf("expected stock 2 after fulfillment, got %d", stock)
	}

	if err := orch.DeleteOrder(ctx, order.ID); err != nil {
		t.Fatalf("failed to delete order: %v", err)
	}

	stock, err = productRepo.GetStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("failed to get stock: %v", err)
	}
	if stock != 5 {
		t.Fatalf("expected stock restored to 5, got %d", stock)
	}

	gone, err := orderRepo.GetByID(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("failed to get order: %v", err)
	}
	if gone != nil {
		t.Fatal("expected order to be deleted")
	}

	if err := orch.DeleteOrder(ctx, order.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order not found on second delete, got %v", err)
	}
}

func TestConcurrentFulfillmentLastUnit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	orderRepo := orders.NewOrderRepository(db)
	userRepo := users.NewUserRepository(db)

	product := seedProduct(ctx, t, productRepo, "Limited Edition", "99.00", 1)

	cartIDs := make([]string, 2)
	for i := range cartIDs {
		user := &domain.User{Name: "Shopper", Email: fmt.Sprintf("shopper-%d@example.com", i)}
		if err := userRepo.Create(ctx, user); err != nil {
			t.Fatalf("failed to create user %d: %v", i, err)
		}
		c, err := cartRepo.CreateForUser(ctx, user.ID)
		if err != nil {
			t.Fatalf("failed to create cart %d: %v", i, err)
		}
		if err := cartRepo.AddLine(ctx, c.ID, product.ID, 1); err != nil {
			t.Fatalf("failed to add cart line %d: %v", i, err)
		}
		cartIDs[i] = c.ID
	}

	orch := newOrchestrator(db)
	results := make(chan error, len(cartIDs))
	var wg sync.WaitGroup
	for _, cartID := range cartIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := orch.CreateOrderFromCart(ctx, id, domain.PaymentCash)
			results <- err
		}(cartID)
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var insufficient *domain.InsufficientStockError
			if !errors.As(err, &insufficient) {
				t.Fatalf("expected insufficient stock error, got %v", err)
			}
			rejected++
		}
	}

	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d succeeded %d rejected", succeeded, rejected)
	}

	stock, err := productRepo.GetStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("failed to get stock: %v", err)
	}
	if stock != 0 {
		t.Fatalf("expected stock 0, got %d", stock)
	}

	all, err := orderRepo.List(ctx)
	if err != nil {
		t.Fatalf("failed to list orders: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(all))
	}
}

func TestConvertOrderToBillOnlyOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	orderRepo := orders.NewOrderRepository(db)
	billRepo := billing.NewBillRepository(db)

	product := seedProduct(ctx, t, productRepo, "Headset", "79.99", 4)
	user, c := seedUserWithCart(ctx, t, db)

	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 2); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}

	order, err := newOrchestrator(db).CreateOrderFromCart(ctx, c.ID, domain.PaymentBankTransfer)
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	svc := billing.NewService(db, orderRepo, billRepo)

	bill, err := svc.ConvertOrderToBill(ctx, order.ID, domain.PaymentBankTransfer)
	if err != nil {
		t.Fatalf("failed to convert order to bill: %v", err)
	}
	if bill.OrderID != order.ID || bill.UserID != user.ID {
		t.Fatalf("bill references wrong order or user: %+v", bill)
	}
	if !bill.Amount.Equal(order.Total) {
		t.Fatalf("expected bill amount %s, got %s", order.Total, bill.Amount)
	}
	if bill.Paid {
		t.Fatal("expected fresh bill to be unpaid")
	}

	if _, err := svc.ConvertOrderToBill(ctx, order.ID, domain.PaymentBankTransfer); !errors.Is(err, domain.ErrAlreadyConverted) {
		t.Fatalf("expected already converted error, got %v", err)
	}

	bills, err := billRepo.List(ctx)
	if err != nil {
		t.Fatalf("failed to list bills: %v", err)
	}
	if len(bills) != 1 {
		t.Fatalf("expected exactly one bill, got %d", len(bills))
	}

	converted, err := orderRepo.GetByID(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("failed to get order: %v", err)
	}
	if !converted.ConvertedToBill {
		t.Fatal("expected order to be flagged as converted")
	}

	if _, err := svc.ConvertOrderToBill(ctx, uuid.NewString(), domain.PaymentCash); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order not found error, got %v", err)
	}
}

func TestMarkBillAsPaidIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	billRepo := billing.NewBillRepository(db)

	product := seedProduct(ctx, t, productRepo, "Desk Lamp", "34.50", 2)
	_, c := seedUserWithCart(ctx, t, db)

	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 1); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}

	order, err := newOrchestrator(db).CreateOrderFromCart(ctx, c.ID, domain.PaymentCash)
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	svc := billing.NewService(db, orders.NewOrderRepository(db), billRepo)
	bill, err := svc.ConvertOrderToBill(ctx, order.ID, domain.PaymentCash)
	if err != nil {
		t.Fatalf("failed to convert order to bill: %v", err)
	}

	for i := 0; i < 2; i++ {
		paid, err := svc.MarkBillAsPaid(ctx, bill.ID)
		if err != nil {
			t.Fatalf("mark paid attempt %d failed: %v", i+1, err)
		}
		if !paid.Paid {
			t.Fatalf("expected bill paid after attempt %d", i+1)
		}
	}

	if _, err := svc.MarkBillAsPaid(ctx, uuid.NewString()); !errors.Is(err, domain.ErrBillNotFound) {
		t.Fatalf("expected bill not found error, got %v", err)
	}
}

func TestCartLineLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)

	product := seedProduct(ctx, t, productRepo, "USB Cable", "5.99", 100)
	_, c := seedUserWithCart(ctx, t, db)

	lineQuantity := func() int {
		t.Helper()
		got, err := cartRepo.GetByID(ctx, db, c.ID)
		if err != nil {
			t.Fatalf("failed to get cart: %v", err)
		}
		if len(got.Lines) == 0 {
			return 0
		}
		return got.Lines[0].Quantity
	}

	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 2); err != nil {
		t.Fatalf("failed to add line: %v", err)
	}
	if q := lineQuantity(); q != 2 {
		t.Fatalf("expected quantity 2, got %d", q)
	}

	// Adding an existing product merges the delta into the line.
	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 3); err != nil {
		t.Fatalf("failed to merge line: %v", err)
	}
	if q := lineQuantity(); q != 5 {
		t.Fatalf("expected merged quantity 5, got %d", q)
	}

	// A negative delta that would drop the line below one unit is
	// rejected and leaves the line untouched.
	if err := cartRepo.AddLine(ctx, c.ID, product.ID, -5); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity error, got %v", err)
	}
	if q := lineQuantity(); q != 5 {
		t.Fatalf("expected quantity unchanged at 5, got %d", q)
	}

	if err := cartRepo.AddLine(ctx, c.ID, product.ID, -4); err != nil {
		t.Fatalf("failed to decrement line: %v", err)
	}
	if q := lineQuantity(); q != 1 {
		t.Fatalf("expected quantity 1, got %d", q)
	}

	if err := cartRepo.UpdateQuantity(ctx, c.ID, product.ID, 7); err != nil {
		t.Fatalf("failed to update quantity: %v", err)
	}
	if q := lineQuantity(); q != 7 {
		t.Fatalf("expected quantity 7, got %d", q)
	}

	if err := cartRepo.RemoveLine(ctx, c.ID, product.ID); err != nil {
		t.Fatalf("failed to remove line: %v", err)
	}
	if err := cartRepo.RemoveLine(ctx, c.ID, product.ID); !errors.Is(err, domain.ErrLineNotFound) {
		t.Fatalf("expected line not found error, got %v", err)
	}

	if err := cartRepo.AddLine(ctx, c.ID, uuid.NewString(), 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected product not found error, got %v", err)
	}
	if err := cartRepo.AddLine(ctx, uuid.NewString(), product.ID, 1); !errors.Is(err, domain.ErrCartNotFound) {
		t.Fatalf("expected cart not found error, got %v", err)
	}

	// Clearing an already empty cart succeeds.
	if err := cartRepo.Clear(ctx, db, c.ID); err != nil {
		t.Fatalf("failed to clear empty cart: %v", err)
	}
}

func TestReserveAndReleaseStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	product := seedProduct(ctx, t, productRepo, "SSD", "120.00", 2)

	remaining, err := productRepo.Reserve(ctx, db, product.ID, 2)
	if err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}

	var insufficient *domain.InsufficientStockError
	if _, err := productRepo.Reserve(ctx, db, product.ID, 1); !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if insufficient.Available != 0 || insufficient.Requested != 1 {
		t.Fatalf("expected available 0 requested 1, got available %d requested %d",
			insufficient.Available, insufficient.Requested)
	}

	if _, err := productRepo.Reserve(ctx, db, uuid.NewString(), 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected product not found error, got %v", err)
	}

	// Release has no upper bound tied to the original level; restock
	// beyond it is legitimate.
	level, err := productRepo.Release(ctx, db, product.ID, 5)
	if err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if level != 5 {
		t.Fatalf("expected stock 5 after release, got %d", level)
	}

	if _, err := productRepo.Release(ctx, db, uuid.NewString(), 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected product not found error, got %v", err)
	}
}

func TestDiscountedPriceFlowsIntoOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)

	product := seedProduct(ctx, t, productRepo, "Chair", "100.00", 5)
	_, c := seedUserWithCart(ctx, t, db)

	discounted, err := productRepo.ApplyDiscount(ctx, product.ID, decimal.RequireFromString("20"))
	if err != nil {
		t.Fatalf("failed to apply discount: %v", err)
	}
	if !discounted.Price.Equal(decimal.RequireFromString("80.00")) {
		t.Fatalf("expected discounted price 80.00, got %s", discounted.Price)
	}
	if !discounted.OriginalPrice.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected original price kept at 100.00, got %s", discounted.OriginalPrice)
	}

	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 2); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}

	order, err := newOrchestrator(db).CreateOrderFromCart(ctx, c.ID, domain.PaymentCash)
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	if !order.Total.Equal(decimal.RequireFromString("160.00")) {
		t.Fatalf("expected total 160.00 at the discounted price, got %s", order.Total)
	}

	if _, err := productRepo.ApplyDiscount(ctx, product.ID, decimal.RequireFromString("100")); !errors.Is(err, domain.ErrInvalidDiscount) {
		t.Fatalf("expected invalid discount error, got %v", err)
	}
	if _, err := productRepo.ApplyDiscount(ctx, uuid.NewString(), decimal.RequireFromString("10")); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected product not found error, got %v", err)
	}
}

type emailCapture struct {
	mu     sync.Mutex
	emails []map[string]string
}

func (e *emailCapture) handler(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.emails = append(e.emails, req)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"sent"}`)
}

func (e *emailCapture) getEmails() []map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]map[string]string, len(e.emails))
	copy(result, e.emails)
	return result
}

func TestOrderLifecycleNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	userRepo := users.NewUserRepository(db)
	user := &domain.User{Name: "Notified User", Email: "notified@example.com"}
	if err := userRepo.Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	emailCap := &emailCapture{}
	emailMux := http.NewServeMux()
	emailMux.HandleFunc("POST /send", emailCap.handler)
	emailServer := httptest.NewServer(emailMux)
	defer emailServer.Close()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	handler := notify.NewHandler(emailServer.URL, userRepo, httpClient, discardLogger())

	orderID := uuid.NewString()
	created := domain.OrderCreatedEvent{
		OrderID: orderID,
		UserID:  user.ID,
		Lines: []domain.OrderLine{
			{ProductID: uuid.NewString(), Quantity: 2, UnitPrice: decimal.RequireFromString("15.00")},
		},
		Total:     decimal.RequireFromString("30.00"),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(created)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	if err := handler.HandleOrderCreated(ctx, payload); err != nil {
		t.Fatalf("order created handler failed: %v", err)
	}

	deleted := domain.OrderDeletedEvent{
		OrderID:   orderID,
		UserID:    user.ID,
		Lines:     created.Lines,
		Timestamp: time.Now().UTC(),
	}
	payload, err = json.Marshal(deleted)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	if err := handler.HandleOrderDeleted(ctx, payload); err != nil {
		t.Fatalf("order deleted handler failed: %v", err)
	}

	emails := emailCap.getEmails()
	if len(emails) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(emails))
	}
	for _, email := range emails {
		if email["to"] != user.Email {
			t.Fatalf("expected recipient %s, got %s", user.Email, email["to"])
		}
		if !strings.Contains(email["subject"], orderID) {
			t.Fatalf("expected subject to contain order ID, got: %s", email["subject"])
		}
	}
	if !strings.Contains(emails[0]["subject"], "confirmation") {
		t.Fatalf("expected confirmation subject, got: %s", emails[0]["subject"])
	}
	if !strings.Contains(emails[1]["subject"], "cancelled") {
		t.Fatalf("expected cancellation subject, got: %s", emails[1]["subject"])
	}

	// An event for an unknown user is dropped without an error so the
	// consumer commits the offset.
	orphan := domain.OrderCreatedEvent{
		OrderID:   uuid.NewString(),
		UserID:    uuid.NewString(),
		Total:     decimal.Zero,
		Timestamp: time.Now().UTC(),
	}
	payload, err = json.Marshal(orphan)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	if err := handler.HandleOrderCreated(ctx, payload); err != nil {
		t.Fatalf("expected orphan event to be skipped, got %v", err)
	}
	if got := len(emailCap.getEmails()); got != 2 {
		t.Fatalf("expected no email for unknown user, got %d total", got)
	}
}

func TestOrderEventsPublishedToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := OpenDB(t, pg.ConnStr)

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	createdProducer := messaging.NewProducer(brokers, messaging.TopicOrderCreated)
	defer func() { _ = createdProducer.Close() }()
	deletedProducer := messaging.NewProducer(brokers, messaging.TopicOrderDeleted)
	defer func() { _ = deletedProducer.Close() }()

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)

	product := seedProduct(ctx, t, productRepo, "Speaker", "59.99", 3)
	_, c := seedUserWithCart(ctx, t, db)
	if err := cartRepo.AddLine(ctx, c.ID, product.ID, 2); err != nil {
		t.Fatalf("failed to add cart line: %v", err)
	}

	orch := fulfillment.NewOrchestrator(
		db,
		cartRepo,
		productRepo,
		orders.NewOrderRepository(db),
		createdProducer,
		deletedProducer,
		discardLogger(),
	)

	order, err := orch.CreateOrderFromCart(ctx, c.ID, domain.PaymentCreditCard)
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	if err := orch.DeleteOrder(ctx, order.ID); err != nil {
		t.Fatalf("failed to delete order: %v", err)
	}

	createdPayload := consumeOne(ctx, t, brokers, messaging.TopicOrderCreated)
	var createdEvent domain.OrderCreatedEvent
	if err := json.Unmarshal(createdPayload, &createdEvent); err != nil {
		t.Fatalf("failed to decode created event: %v", err)
	}
	if createdEvent.OrderID != order.ID {
		t.Fatalf("expected created event for order %s, got %s", order.ID, createdEvent.OrderID)
	}
	if !createdEvent.Total.Equal(order.Total) {
		t.Fatalf("expected event total %s, got %s", order.Total, createdEvent.Total)
	}
	if len(createdEvent.Lines) != 1 || createdEvent.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected event lines: %+v", createdEvent.Lines)
	}

	deletedPayload := consumeOne(ctx, t, brokers, messaging.TopicOrderDeleted)
	var deletedEvent domain.OrderDeletedEvent
	if err := json.Unmarshal(deletedPayload, &deletedEvent); err != nil {
		t.Fatalf("failed to decode deleted event: %v", err)
	}
	if deletedEvent.OrderID != order.ID {
		t.Fatalf("expected deleted event for order %s, got %s", order.ID, deletedEvent.OrderID)
	}
}

func consumeOne(ctx context.Context, t *testing.T, brokers []string, topic string) []byte {
	t.Helper()

	consumer := messaging.NewConsumer(brokers, topic, "test-"+topic,
		messaging.WithStartOffset(kafkago.FirstOffset))
	defer func() { _ = consumer.Close() }()

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()

	payloadCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Consume(consumeCtx, func(_ context.Context, payload []byte) error {
			payloadCh <- payload
			stop()
			return nil
		})
	}()

	select {
	case payload := <-payloadCh:
		return payload
	case err := <-errCh:
		// Cancelling after the handler ran also stops the fetch loop, so
		// a delivered payload may race the consumer error.
		select {
		case payload := <-payloadCh:
			return payload
		default:
		}
		t.Fatalf("consumer for %s stopped before delivering a message: %v", topic, err)
	case <-time.After(90 * time.Second):
		t.Fatalf("timed out waiting for a message on %s", topic)
	}
	return nil
}
