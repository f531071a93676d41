// Package payment wraps the payment provider behind the Gateway interface.
// Amounts crossing this boundary are integer minor units (cents).
package payment

import (
	"context"

	"github.com/d1gallar/forest/internal/domain"
)

type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
	IntentSucceeded             IntentStatus = "succeeded"
)

const EventPaymentIntentSucceeded = "payment_intent.succeeded"

// Intent is the local view of a remote payment intent.
type Intent struct {
	ID              string            `json:"id"`
	ClientSecret    string            `json:"clientSecret,omitempty"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Status          IntentStatus      `json:"status"`
	ChargeID        string            `json:"chargeId,omitempty"`
	PaymentMethodID string            `json:"paymentMethodId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int64  `json:"expMonth,omitempty"`
	ExpYear  int64  `json:"expYear,omitempty"`
}

type CreateIntentParams struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// UpdateIntentParams leaves zero-valued fields untouched on the remote intent.
type UpdateIntentParams struct {
	Amount         int64
	Metadata       map[string]string
	Shipping       *domain.Address
	ReceiptEmail   string
	IdempotencyKey string
}

type ConfirmIntentParams struct {
	PaymentMethodID string
	Billing         *domain.Address
	Email           string
	ReturnURL       string
	IdempotencyKey  string
}

type RefundParams struct {
	ChargeID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Event is a verified webhook event. Intent is set for payment_intent.* types.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

type Gateway interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
	UpdateIntent(ctx context.Context, id string, p UpdateIntentParams) (*Intent, error)
	ConfirmIntent(ctx context.Context, id string, p ConfirmIntentParams) (*Intent, error)
	CancelIntent(ctx context.Context, id string) (*Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)
	RetrievePaymentMethod(ctx context.Context, id string) (*PaymentMethod, error)
	// Refund returns the provider's refund id.
	Refund(ctx context.Context, p RefundParams) (string, error)
}

type WebhookVerifier interface {
	ParseEvent(payload []byte, signature string) (*Event, error)
}
