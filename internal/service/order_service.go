package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/payment"
	"github.com/d1gallar/forest/internal/pricing"
	r "github.com/d1gallar/forest/internal/repository"
	"github.com/d1gallar/forest/internal/sessions"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type OrderService struct {
	orders  r.OrderRepository
	refunds r.RefundRepository
	gateway payment.Gateway
	outbox  OutboxWriter
	log     zerolog.Logger
	now     Clock
}

func NewOrderService(orders r.OrderRepository, refunds r.RefundRepository, gateway payment.Gateway, outbox OutboxWriter, logger zerolog.Logger) *OrderService {
	return &OrderService{
		orders:  orders,
		refunds: refunds,
		gateway: gateway,
		outbox:  outbox,
		log:     logger.With().Str("component", "order_service").Logger(),
		now:     utcNow,
	}
}

func (s *OrderService) Get(ctx context.Context, userID, id string) (*d.Order, error) {
	order, err := s.orders.GetOrder(ctx, id)
	if errors.Is(err, r.ErrOrderNotFound) {
		return nil, orderNotFound()
	}
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, d.NewUnauthorizedError("order belongs to another user")
	}
	return order, nil
}

// List returns the user's orders, newest first.
func (s *OrderService) List(ctx context.Context, userID string) ([]*d.Order, error) {
	orders, err := s.orders.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []*d.Order{}
	}
	return orders, nil
}

// FindByPayment resolves the order for a payment intent, preferring the order
// id the reconciler wrote onto the intent.
func (s *OrderService) FindByPayment(ctx context.Context, userID, paymentID string) (*d.Order, error) {
	intent, err := s.gateway.RetrieveIntent(ctx, paymentID)
	if err != nil && !d.IsKind(err, d.KindNotFound) {
		s.log.Warn().Err(err).Str("payment_id", paymentID).Msg("payment intent lookup failed, falling back to orders")
	}
	if err == nil {
		if id := intent.Metadata[payment.MetaOrderID]; id != "" {
			return s.Get(ctx, userID, id)
		}
	}

	order, err := s.orders.GetOrderByPaymentID(ctx, paymentID)
	if errors.Is(err, r.ErrOrderNotFound) {
		return nil, orderNotFound()
	}
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, d.NewUnauthorizedError("order belongs to another user")
	}
	return order, nil
}

// Update applies a status or shipment change. Cancellation and refunds go
// through Cancel so that a refund is always recorded.
func (s *OrderService) Update(ctx context.Context, userID, id string, upd d.OrderUpdate) (*d.Order, error) {
	if upd.Status != nil && *upd.Status == d.OrderStatusCancelled {
		return nil, d.NewFieldError("status", "orders are cancelled through a refund request")
	}
	if upd.PaymentStatus != nil && *upd.PaymentStatus == d.PaymentStatusRefunded {
		return nil, d.NewFieldError("paymentStatus", "payments are refunded through a refund request")
	}

	order, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	expectStatus, expectPayment := order.Status, order.PaymentStatus
	if err := upd.Apply(order, s.now()); err != nil {
		return nil, err
	}

	err = s.orders.UpdateOrder(ctx, order, expectStatus, expectPayment)
	if errors.Is(err, r.ErrOrderChanged) {
		return nil, d.NewConflictError("order_changed", "order was updated concurrently, reload and try again", err)
	}
	if errors.Is(err, r.ErrOrderNotFound) {
		return nil, orderNotFound()
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel marks the order Cancelled/Refunded, records the refund and only then
// asks the provider to refund the charge. A provider failure leaves the local
// cancellation in place and is reported as retryable; retrying never refunds
// twice.
func (s *OrderService) Cancel(ctx context.Context, userID, id, reason string) (*d.Refund, error) {
	order, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if order.PaymentID == "" {
		return nil, d.NewNotFoundError("payment_not_found", "order has no payment to refund")
	}
	intent, err := s.gateway.RetrieveIntent(ctx, order.PaymentID)
	if err != nil {
		return nil, err
	}
	if intent.ChargeID == "" {
		return nil, d.NewNotFoundError("charge_not_found", "payment has no charge to refund")
	}

	logger := s.log.With().Str("order_id", order.ID).Str("payment_id", order.PaymentID).Logger()
	now := s.now()

	transitioned, err := s.markCancelled(ctx, order, now)
	if err != nil {
		return nil, err
	}

	refund := &d.Refund{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		UserID:    order.UserID,
		PaymentID: order.PaymentID,
		Reason:    reason,
		Amount:    pricing.FromMinorUnits(intent.Amount),
		CreatedAt: now,
	}
	err = s.refunds.CreateRefund(ctx, refund)
	if errors.Is(err, r.ErrDuplicateRefund) {
		refund, err = s.refunds.GetRefundByOrderID(ctx, order.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record refund: %w", err)
	}

	if transitioned {
		payload, err := json.Marshal(d.NewOrderEvent(sessions.EventOrderCancelled, order, now))
		if err == nil {
			err = s.outbox.AppendOutboxEvent(ctx, order.ID, sessions.EventOrderCancelled, payload)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to append cancellation event")
		}
	}

	_, err = s.gateway.Refund(ctx, payment.RefundParams{
		ChargeID:       intent.ChargeID,
		Amount:         intent.Amount,
		Reason:         reason,
		IdempotencyKey: "refund-" + order.ID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("provider refund failed, order stays cancelled")
		return refund, &d.Error{
			Kind:    d.KindGatewayUnavailable,
			Code:    "refund_pending",
			Message: "order was cancelled but the refund could not be issued yet, retry the request",
			Err:     err,
		}
	}

	logger.Info().Str("refund_id", refund.ID).Msg("order cancelled and refunded")
	return refund, nil
}

// markCancelled moves the order to Cancelled/Refunded. It reports false when
// a previous attempt already did.
func (s *OrderService) markCancelled(ctx context.Context, order *d.Order, now time.Time) (bool, error) {
	var upd d.OrderUpdate
	if order.Status != d.OrderStatusCancelled {
		cancelled := d.OrderStatusCancelled
		upd.Status = &cancelled
	}
	if order.PaymentStatus != d.PaymentStatusRefunded {
		refunded := d.PaymentStatusRefunded
		upd.PaymentStatus = &refunded
	}
	if upd.Status == nil && upd.PaymentStatus == nil {
		return false, nil
	}

	expectStatus, expectPayment := order.Status, order.PaymentStatus
	if err := upd.Apply(order, now); err != nil {
		return false, err
	}
	err := s.orders.UpdateOrder(ctx, order, expectStatus, expectPayment)
	if errors.Is(err, r.ErrOrderChanged) {
		return false, d.NewConflictError("order_changed", "order was updated concurrently, reload and try again", err)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *OrderService) GetRefund(ctx context.Context, userID, id string) (*d.Refund, error) {
	refund, err := s.refunds.GetRefund(ctx, id)
	if errors.Is(err, r.ErrRefundNotFound) {
		return nil, d.NewNotFoundError("refund_not_found", "refund not found")
	}
	if err != nil {
		return nil, err
	}
	if refund.UserID != userID {
		return nil, d.NewUnauthorizedError("refund belongs to another user")
	}
	return refund, nil
}
