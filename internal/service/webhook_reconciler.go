package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/payment"
	r "github.com/d1gallar/forest/internal/repository"
	"github.com/d1gallar/forest/internal/sessions"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// settlementStore is the part of the session repository the reconciler writes.
type settlementStore interface {
	SettleCheckoutSession(ctx context.Context, paymentID, orderID string, payload []byte) error
}

// WebhookReconciler turns payment_intent.succeeded events into orders. It is
// safe to call repeatedly with the same event.
type WebhookReconciler struct {
	orders   r.OrderRepository
	carts    CartClearer
	sessions settlementStore
	gateway  payment.Gateway
	log      zerolog.Logger
	now      Clock
	orderID  func() string
}

func NewWebhookReconciler(orders r.OrderRepository, carts CartClearer, store settlementStore, gateway payment.Gateway, logger zerolog.Logger) *WebhookReconciler {
	return &WebhookReconciler{
		orders:   orders,
		carts:    carts,
		sessions: store,
		gateway:  gateway,
		log:      logger.With().Str("component", "webhook_reconciler").Logger(),
		now:      utcNow,
		orderID:  newOrderNumber,
	}
}

// newOrderNumber is the 8-digit code shown to customers. It is a label, not a
// key: collisions are possible and not checked.
func newOrderNumber() string {
	return fmt.Sprintf("%08d", rand.Intn(100_000_000))
}

// Handle processes one verified event. A nil return acknowledges it; an error
// asks the provider to redeliver.
func (w *WebhookReconciler) Handle(ctx context.Context, ev *payment.Event) error {
	if ev.Type != payment.EventPaymentIntentSucceeded || ev.Intent == nil {
		w.log.Debug().Str("event_id", ev.ID).Str("type", ev.Type).Msg("ignoring webhook event")
		return nil
	}
	intent := ev.Intent
	logger := w.log.With().Str("event_id", ev.ID).Str("payment_id", intent.ID).Logger()

	md, err := payment.DecodeOrderMetadata(intent.Metadata)
	if errors.Is(err, payment.ErrNotCheckoutIntent) {
		logger.Info().Msg("payment intent not created by checkout, ignoring")
		return nil
	}
	if err != nil {
		// Redelivery cannot fix the metadata.
		logger.Error().Err(err).Msg("payment intent metadata unreadable, acknowledging")
		return nil
	}

	now := w.now()
	order := &d.Order{
		ID:              uuid.NewString(),
		OrderID:         w.orderID(),
		UserID:          md.UserID,
		PaymentID:       intent.ID,
		PaymentStatus:   d.PaymentStatusPaid,
		Status:          d.OrderStatusNotShipped,
		Items:           md.Items,
		BillingAddress:  md.BillingAddress,
		ShippingAddress: md.ShippingAddress,
		Totals:          md.Totals,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created := true
	if err := w.orders.CreateOrder(ctx, order); err != nil {
		if !errors.Is(err, r.ErrDuplicateOrder) {
			return fmt.Errorf("failed to create order: %w", err)
		}
		existing, getErr := w.orders.GetOrderByPaymentID(ctx, intent.ID)
		if getErr != nil {
			return fmt.Errorf("failed to load existing order: %w", getErr)
		}
		logger.Info().Str("user_id", md.UserID).Msg("duplicate webhook delivery, finishing settlement")
		order, created = existing, false
	}
	logger = logger.With().Str("order_id", order.ID).Str("user_id", md.UserID).Logger()

	if created {
		logger.Info().Str("order_number", order.OrderID).Msg("order created")

		_, err = w.gateway.UpdateIntent(ctx, intent.ID, payment.UpdateIntentParams{
			Metadata: map[string]string{payment.MetaOrderID: order.ID},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to write order id back to payment intent")
		}

		if _, err := w.carts.Clear(ctx, md.UserID); err != nil {
			logger.Warn().Err(err).Msg("failed to clear cart, settlement consumer will retry")
		}
	}
	return w.settle(ctx, logger, order)
}

// settle marks the checkout settled and queues order.settled. The event is
// stamped with the order's creation time: the settlement consumer only
// clears a cart that has not changed since then. A failure is returned so
// the provider redelivers; the redelivery finds the order and retries here.
func (w *WebhookReconciler) settle(ctx context.Context, logger zerolog.Logger, order *d.Order) error {
	payload, err := json.Marshal(d.NewOrderEvent(sessions.EventOrderSettled, order, order.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to encode settlement event: %w", err)
	}
	err = w.sessions.SettleCheckoutSession(ctx, order.PaymentID, order.ID, payload)
	switch {
	case errors.Is(err, sessions.ErrAlreadySettled):
		logger.Debug().Msg("checkout session already settled")
	case errors.Is(err, sessions.ErrSessionNotFound):
		logger.Warn().Msg("no checkout session for payment")
	case err != nil:
		logger.Error().Err(err).Msg("failed to settle checkout session")
		return fmt.Errorf("failed to settle checkout session: %w", err)
	}
	return nil
}
