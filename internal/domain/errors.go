package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrProductNotFound = errors.New("product not found")
	ErrCartNotFound    = errors.New("cart not found")
	ErrLineNotFound    = errors.New("product not in cart")
	ErrOrderNotFound   = errors.New("order not found")
	ErrBillNotFound    = errors.New("bill not found")

	ErrInvalidQuantity  = errors.New("quantity must be at least 1")
	ErrInvalidDiscount  = errors.New("discount percent must be between 0 and 100")
	ErrEmptyCart        = errors.New("cart has no lines")
	ErrAlreadyConverted = errors.New("order already converted to bill")
)

// InsufficientStockError reports a failed reservation with enough context
// for the caller to render an actionable message.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}
