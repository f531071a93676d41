package service

import (
	"context"
	"testing"
	"time"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/payment"
	"github.com/d1gallar/forest/internal/sessions"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderFixture struct {
	svc     *OrderService
	orders  *mockOrderRepository
	refunds *mockRefundRepository
	gateway *mockGateway
	outbox  *mockSessionRepository
}

func paidOrder() *d.Order {
	return &d.Order{
		ID:            "ord-1",
		OrderID:       "00001234",
		UserID:        "user1",
		PaymentID:     "pi_123",
		PaymentStatus: d.PaymentStatusPaid,
		Status:        d.OrderStatusNotShipped,
		Totals:        d.Totals{Subtotal: 59.97, ShippingCost: 3.99, Tax: 4.65, Total: 68.61},
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}

func newOrderFixture(orders ...*d.Order) *orderFixture {
	f := &orderFixture{
		orders:  newMockOrderRepository(orders...),
		refunds: newMockRefundRepository(),
		gateway: newMockGateway(),
		outbox:  newMockSessionRepository(),
	}
	f.gateway.intents["pi_123"] = &payment.Intent{
		ID: "pi_123", Amount: 6861, Status: payment.IntentSucceeded, ChargeID: "ch_123",
		Metadata: map[string]string{payment.MetaUserID: "user1", payment.MetaOrderID: "ord-1"},
	}
	f.svc = NewOrderService(f.orders, f.refunds, f.gateway, f.outbox, zerolog.Nop())
	f.svc.now = fixedClock
	return f
}

func TestOrderService_CancelRefundsOnce(t *testing.T) {
	f := newOrderFixture(paidOrder())

	refund, err := f.svc.Cancel(context.Background(), "user1", "ord-1", "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, "ord-1", refund.OrderID)
	assert.Equal(t, "pi_123", refund.PaymentID)
	assert.Equal(t, "changed my mind", refund.Reason)
	assert.Equal(t, 68.61, refund.Amount)
	assert.Len(t, f.refunds.refunds, 1)

	order := f.orders.first()
	assert.Equal(t, d.OrderStatusCancelled, order.Status)
	assert.Equal(t, d.PaymentStatusRefunded, order.PaymentStatus)

	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, "ch_123", f.gateway.refunds[0].ChargeID)
	assert.Equal(t, int64(6861), f.gateway.refunds[0].Amount)
	assert.Equal(t, "refund-ord-1", f.gateway.refunds[0].IdempotencyKey)

	require.Len(t, f.outbox.outbox, 1)
	assert.Equal(t, sessions.EventOrderCancelled, f.outbox.outbox[0].EventType)
}

func TestOrderService_CancelRetryDoesNotDuplicate(t *testing.T) {
	f := newOrderFixture(paidOrder())

	first, err := f.svc.Cancel(context.Background(), "user1", "ord-1", "changed my mind")
	require.NoError(t, err)
	second, err := f.svc.Cancel(context.Background(), "user1", "ord-1", "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.refunds.refunds, 1)
	assert.Len(t, f.outbox.outbox, 1)
	require.Len(t, f.gateway.refunds, 2)
	assert.Equal(t, f.gateway.refunds[0].IdempotencyKey, f.gateway.refunds[1].IdempotencyKey)
}

func TestOrderService_CancelKeepsLocalStateWhenRefundFails(t *testing.T) {
	f := newOrderFixture(paidOrder())
	f.gateway.refundErr = d.NewGatewayUnavailable(&d.GatewayError{Message: "timeout", Transient: true})

	refund, err := f.svc.Cancel(context.Background(), "user1", "ord-1", "changed my mind")

	assert.True(t, d.IsKind(err, d.KindGatewayUnavailable))
	require.NotNil(t, refund)
	order := f.orders.first()
	assert.Equal(t, d.OrderStatusCancelled, order.Status)
	assert.Equal(t, d.PaymentStatusRefunded, order.PaymentStatus)
	assert.Len(t, f.refunds.refunds, 1)
}

func TestOrderService_CancelWithoutIntentIsNotFound(t *testing.T) {
	order := paidOrder()
	order.PaymentID = "pi_gone"
	f := newOrderFixture(order)

	_, err := f.svc.Cancel(context.Background(), "user1", "ord-1", "changed my mind")

	assert.True(t, d.IsKind(err, d.KindNotFound))
	assert.Equal(t, d.OrderStatusNotShipped, f.orders.first().Status)
	assert.Empty(t, f.refunds.refunds)
}

func TestOrderService_CancelOtherUsersOrder(t *testing.T) {
	f := newOrderFixture(paidOrder())

	_, err := f.svc.Cancel(context.Background(), "mallory", "ord-1", "")

	assert.True(t, d.IsKind(err, d.KindUnauthorized))
	assert.Empty(t, f.gateway.refunds)
}

func TestOrderService_CancelledIsIrreversible(t *testing.T) {
	f := newOrderFixture(paidOrder())
	_, err := f.svc.Cancel(context.Background(), "user1", "ord-1", "changed my mind")
	require.NoError(t, err)

	for _, next := range []d.OrderStatus{d.OrderStatusNotShipped, d.OrderStatusShipped} {
		status := next
		_, err := f.svc.Update(context.Background(), "user1", "ord-1", d.OrderUpdate{Status: &status})
		assert.True(t, d.IsKind(err, d.KindValidation))
	}
	assert.Equal(t, d.OrderStatusCancelled, f.orders.first().Status)
}

func TestOrderService_UpdateCannotCancel(t *testing.T) {
	f := newOrderFixture(paidOrder())
	cancelled := d.OrderStatusCancelled

	_, err := f.svc.Update(context.Background(), "user1", "ord-1", d.OrderUpdate{Status: &cancelled})

	assert.True(t, d.IsKind(err, d.KindValidation))
	assert.Equal(t, d.OrderStatusNotShipped, f.orders.first().Status)
}

func TestOrderService_UpdateShips(t *testing.T) {
	f := newOrderFixture(paidOrder())
	shipped, carrier, tracking := d.OrderStatusShipped, "UPS", "1Z999"

	order, err := f.svc.Update(context.Background(), "user1", "ord-1",
		d.OrderUpdate{Status: &shipped, Carrier: &carrier, Tracking: &tracking})
	require.NoError(t, err)

	assert.Equal(t, d.OrderStatusShipped, order.Status)
	assert.Equal(t, "UPS", f.orders.first().Carrier)
}

func TestOrderService_FindByPayment(t *testing.T) {
	f := newOrderFixture(paidOrder())

	order, err := f.svc.FindByPayment(context.Background(), "user1", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.ID)

	delete(f.gateway.intents["pi_123"].Metadata, payment.MetaOrderID)
	order, err = f.svc.FindByPayment(context.Background(), "user1", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.ID)

	_, err = f.svc.FindByPayment(context.Background(), "user1", "pi_unknown")
	assert.True(t, d.IsKind(err, d.KindNotFound))
}

func TestOrderService_ListNewestFirst(t *testing.T) {
	older := paidOrder()
	newer := paidOrder()
	newer.ID, newer.PaymentID, newer.CreatedAt = "ord-2", "pi_456", testNow.Add(time.Hour)
	f := newOrderFixture(older, newer)

	orders, err := f.svc.List(context.Background(), "user1")
	require.NoError(t, err)

	require.Len(t, orders, 2)
	assert.Equal(t, "ord-2", orders[0].ID)

	orders, err = f.svc.List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)
}

func TestOrderService_GetRefundChecksOwner(t *testing.T) {
	f := newOrderFixture(paidOrder())
	refund, err := f.svc.Cancel(context.Background(), "user1", "ord-1", "")
	require.NoError(t, err)

	got, err := f.svc.GetRefund(context.Background(), "user1", refund.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.ID, got.ID)

	_, err = f.svc.GetRefund(context.Background(), "user2", refund.ID)
	assert.True(t, d.IsKind(err, d.KindUnauthorized))
}
