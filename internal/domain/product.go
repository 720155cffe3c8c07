package domain

import "github.com/shopspring/decimal"

type Product struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Price           decimal.Decimal `json:"price"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	StockQuantity   int             `json:"stock_quantity"`
}

// ApplyDiscount sets the selling price to original_price reduced by the
// given percentage. A zero percentage restores the original price.
func (p *Product) ApplyDiscount(percent decimal.Decimal) {
	p.DiscountPercent = percent
	factor := decimal.NewFromInt(1).Sub(percent.Div(decimal.NewFromInt(100)))
	p.Price = p.OriginalPrice.Mul(factor).Round(2)
}
