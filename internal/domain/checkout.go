package domain

import "time"

// CheckoutSession tracks one checkout attempt, keyed by (UserID, PaymentID).
type CheckoutSession struct {
	ID                    string
	UserID                string
	PaymentID             string
	IdempotencyKey        string
	Status                CheckoutStatus
	Customer              PersonalInfo
	ShippingAddress       *Address
	BillingAddress        *Address
	BillingSameAsShipping bool
	Snapshot              *CartSnapshot
	TotalAmount           float64
	OrderID               string
	FailureReason         string
	LastError             string
	Version               int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Advance moves the session to next if the status machine allows it.
func (s *CheckoutSession) Advance(next CheckoutStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return NewValidationError("invalid_checkout_step",
			"checkout cannot move from "+s.Status.String()+" to "+next.String())
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}

func (s *CheckoutSession) Fail(reason string, now time.Time) error {
	if err := s.Advance(CheckoutStatusFailed, now); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// CartSnapshot freezes the priced cart at PaymentAuthorized. Orders are built
// from it, never from the live cart.
type CartSnapshot struct {
	Items           []OrderItem `json:"items"`
	Totals          Totals      `json:"totals"`
	BillingAddress  Address     `json:"billingAddress"`
	ShippingAddress Address     `json:"shippingAddress"`
	Currency        string      `json:"currency"`
	CapturedAt      time.Time   `json:"capturedAt"`
}

// SnapshotCart copies the cart's lines and totals.
func SnapshotCart(c *Cart, currency string, now time.Time) *CartSnapshot {
	items := make([]OrderItem, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, OrderItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return &CartSnapshot{
		Items:      items,
		Totals:     c.Totals,
		Currency:   currency,
		CapturedAt: now,
	}
}
