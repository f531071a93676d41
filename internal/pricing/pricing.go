// Package pricing computes cart totals. Every intermediate amount is rounded
// to cents before it is combined with the next one.
package pricing

import (
	"github.com/d1gallar/forest/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultShippingCost = 3.99
	DefaultTaxRate      = 0.0775
)

type Engine struct {
	shipping decimal.Decimal
	taxRate  decimal.Decimal
}

func NewEngine(shippingCost, taxRate float64) Engine {
	return Engine{
		shipping: decimal.NewFromFloat(shippingCost).Round(2),
		taxRate:  decimal.NewFromFloat(taxRate),
	}
}

func Default() Engine {
	return NewEngine(DefaultShippingCost, DefaultTaxRate)
}

// Price returns the totals for items. An empty list prices to exactly zero.
func (e Engine) Price(items []domain.LineItem) domain.Totals {
	if len(items) == 0 {
		return domain.Totals{}
	}

	subtotal := decimal.Zero
	for _, it := range items {
		line := decimal.NewFromFloat(it.UnitPrice).Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		subtotal = subtotal.Add(line)
	}
	subtotal = subtotal.Round(2)
	tax := subtotal.Mul(e.taxRate).Round(2)
	total := subtotal.Add(e.shipping).Add(tax).Round(2)

	return domain.Totals{
		Subtotal:     subtotal.InexactFloat64(),
		ShippingCost: e.shipping.InexactFloat64(),
		Tax:          tax.InexactFloat64(),
		Total:        total.InexactFloat64(),
	}
}

// Apply reprices cart in place.
func (e Engine) Apply(cart *domain.Cart) {
	cart.Totals = e.Price(cart.Items)
}

// ToMinorUnits converts a currency amount to integer cents, round(amount*100).
func ToMinorUnits(amount float64) int64 {
	return decimal.NewFromFloat(amount).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts integer cents back to a currency amount.
func FromMinorUnits(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

// Round2 rounds amount to cents.
func Round2(amount float64) float64 {
	return decimal.NewFromFloat(amount).Round(2).InexactFloat64()
}
