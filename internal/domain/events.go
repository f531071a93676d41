package domain

import "time"

// OrderEvent is the outbox payload for order lifecycle events.
type OrderEvent struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	UserID      string    `json:"userId"`
	PaymentID   string    `json:"paymentId"`
	Total       float64   `json:"total"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func NewOrderEvent(eventType string, o *Order, at time.Time) OrderEvent {
	return OrderEvent{
		Type:        eventType,
		OrderID:     o.ID,
		OrderNumber: o.OrderID,
		UserID:      o.UserID,
		PaymentID:   o.PaymentID,
		Total:       o.Total,
		OccurredAt:  at,
	}
}
