package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/commercekit/fulfillment/internal/domain"
	"github.com/commercekit/fulfillment/internal/users"
)

// Handler turns order lifecycle events into emails. Stock is settled
// inside the fulfillment transaction before any event is published, so
// the only job left here is telling the customer.
type Handler struct {
	emailServiceURL string
	users           *users.UserRepository
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewHandler(emailServiceURL string, userRepo *users.UserRepository, client *http.Client, logger *slog.Logger) *Handler {
	return &Handler{
		emailServiceURL: emailServiceURL,
		users:           userRepo,
		httpClient:      client,
		logger:          logger,
	}
}

func (h *Handler) HandleOrderCreated(ctx context.Context, payload []byte) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order created event: %w", err)
	}

	h.logger.Info("processing order created event", "order_id", event.OrderID, "user_id", event.UserID)

	email, ok, err := h.recipient(ctx, event.UserID, event.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	subject := "Order confirmation: " + event.OrderID
	body := fmt.Sprintf("Your order %s with %d items totalling %s has been placed.",
		event.OrderID, len(event.Lines), event.Total.StringFixed(2))

	if err := h.sendEmail(ctx, email, subject, body); err != nil {
		h.logger.Error("failed to send confirmation email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("order confirmation sent", "order_id", event.OrderID, "to", email)
	return nil
}

func (h *Handler) HandleOrderDeleted(ctx context.Context, payload []byte) error {
	var event domain.OrderDeletedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order deleted event: %w", err)
	}

	h.logger.Info("processing order deleted event", "order_id", event.OrderID, "user_id", event.UserID)

	email, ok, err := h.recipient(ctx, event.UserID, event.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	subject := "Order cancelled: " + event.OrderID
	body := fmt.Sprintf("Your order %s has been cancelled and the reserved items returned to stock.",
		event.OrderID)

	if err := h.sendEmail(ctx, email, subject, body); err != nil {
		h.logger.Error("failed to send cancellation email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send cancellation email: %w", err)
	}

	h.logger.Info("order cancellation sent", "order_id", event.OrderID, "to", email)
	return nil
}

// recipient resolves the user's email. A missing user is not retriable,
// so the event is dropped with a log line instead of an error; lookup
// failures propagate so the offset is not committed.
func (h *Handler) recipient(ctx context.Context, userID, orderID string) (string, bool, error) {
	user, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("look up user %s: %w", userID, err)
	}
	if user == nil {
		h.logger.Warn("user not found for order event, skipping", "user_id", userID, "order_id", orderID)
		return "", false, nil
	}
	return user.Email, true, nil
}

func (h *Handler) sendEmail(ctx context.Context, to, subject, body string) error {
	payload := map[string]string{
		"to":      to,
		"subject": subject,
		"body":    body,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
