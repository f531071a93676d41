package domain

import (
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPaid     PaymentStatus = "Paid"
	PaymentStatusRefunded PaymentStatus = "Refunded"
	PaymentStatusFailed   PaymentStatus = "Failed"
)

type OrderStatus string

const (
	OrderStatusNotShipped OrderStatus = "Not Shipped"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNotShipped, OrderStatusShipped, OrderStatusCancelled:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusRefunded, PaymentStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether an order may move from s to next.
// Cancelled is terminal.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusNotShipped:
		return next == OrderStatusShipped || next == OrderStatusCancelled
	case OrderStatusShipped:
		return next == OrderStatusCancelled
	}
	return false
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return s == PaymentStatusPaid && (next == PaymentStatusRefunded || next == PaymentStatusFailed)
}

// Order is the record of a settled purchase. Only the status fields and the
// shipment details change after creation.
type Order struct {
	ID              string        `bson:"_id" json:"id"`
	OrderID         string        `bson:"order_id" json:"orderId"`
	UserID          string        `bson:"user_id" json:"userId"`
	PaymentID       string        `bson:"payment_id" json:"paymentId"`
	PaymentStatus   PaymentStatus `bson:"payment_status" json:"paymentStatus"`
	Status          OrderStatus   `bson:"status" json:"status"`
	Items           []OrderItem   `bson:"items" json:"items"`
	BillingAddress  Address       `bson:"billing_address" json:"billingAddress"`
	ShippingAddress Address       `bson:"shipping_address" json:"shippingAddress"`
	Totals          `bson:",inline"`
	Carrier         string    `bson:"carrier,omitempty" json:"carrier,omitempty"`
	Tracking        string    `bson:"tracking,omitempty" json:"tracking,omitempty"`
	CreatedAt       time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updatedAt"`
}

type OrderItem struct {
	ProductID string  `bson:"product_id" json:"productId"`
	Quantity  int     `bson:"quantity" json:"quantity"`
	UnitPrice float64 `bson:"unit_price" json:"unitPrice"`
	Discount  float64 `bson:"discount" json:"discount"`
}

func (o *Order) IsCancelled() bool { return o.Status == OrderStatusCancelled }

// OrderUpdate carries the mutable fields of an order. Nil fields are left as is.
type OrderUpdate struct {
	Status        *OrderStatus   `json:"status,omitempty"`
	PaymentStatus *PaymentStatus `json:"paymentStatus,omitempty"`
	Carrier       *string        `json:"carrier,omitempty"`
	Tracking      *string        `json:"tracking,omitempty"`
}

// Apply validates every requested transition against o and mutates o only when
// all of them are allowed.
func (u OrderUpdate) Apply(o *Order, now time.Time) error {
	if u.Status != nil && *u.Status != o.Status {
		if !u.Status.Valid() {
			return NewFieldError("status", fmt.Sprintf("unknown order status %q", *u.Status))
		}
		if !o.Status.CanTransitionTo(*u.Status) {
			return NewValidationError("invalid_transition",
				fmt.Sprintf("order cannot move from %q to %q", o.Status, *u.Status))
		}
	}
	if u.PaymentStatus != nil && *u.PaymentStatus != o.PaymentStatus {
		if !u.PaymentStatus.Valid() {
			return NewFieldError("paymentStatus", fmt.Sprintf("unknown payment status %q", *u.PaymentStatus))
		}
		if !o.PaymentStatus.CanTransitionTo(*u.PaymentStatus) {
			return NewValidationError("invalid_transition",
				fmt.Sprintf("payment cannot move from %q to %q", o.PaymentStatus, *u.PaymentStatus))
		}
	}
	if o.IsCancelled() && (u.Carrier != nil || u.Tracking != nil) {
		return NewValidationError("order_cancelled", "cancelled orders cannot be updated")
	}

	if u.Status != nil {
		o.Status = *u.Status
	}
	if u.PaymentStatus != nil {
		o.PaymentStatus = *u.PaymentStatus
	}
	if u.Carrier != nil {
		o.Carrier = *u.Carrier
	}
	if u.Tracking != nil {
		o.Tracking = *u.Tracking
	}
	o.UpdatedAt = now
	return nil
}

// Refund is the append-only audit record written when an order is cancelled.
type Refund struct {
	ID        string    `bson:"_id" json:"id"`
	OrderID   string    `bson:"order_id" json:"orderId"`
	UserID    string    `bson:"user_id" json:"userId"`
	PaymentID string    `bson:"payment_id" json:"paymentId"`
	Reason    string    `bson:"reason" json:"reason"`
	Amount    float64   `bson:"amount" json:"amount"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}
