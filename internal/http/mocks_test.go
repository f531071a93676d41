package http

import (
	"context"
	"errors"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/payment"
	"github.com/d1gallar/forest/internal/service"
)

// staticTokens maps bearer tokens straight to user IDs.
type staticTokens map[string]string

func (s staticTokens) UserID(token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", &d.Error{Kind: d.KindUnauthorized, Code: "invalid_token", Message: "invalid access token"}
}

type CartMock struct {
	cart      *d.Cart
	populated *d.PopulatedCart
	err       error
	calls     []string
}

func (c *CartMock) record(op, userID, productID string) {
	c.calls = append(c.calls, op+":"+userID+":"+productID)
}

func (c *CartMock) GetCart(_ context.Context, userID string) (*d.Cart, error) {
	c.record("get", userID, "")
	return c.cart, c.err
}

func (c *CartMock) CreateCart(_ context.Context, userID string) (*d.Cart, error) {
	c.record("create", userID, "")
	return c.cart, c.err
}

func (c *CartMock) AddItem(_ context.Context, userID, productID string, quantity int) (*d.Cart, error) {
	c.record("add", userID, productID)
	if c.err != nil {
		return nil, c.err
	}
	if err := d.ValidateAddQuantity(quantity); err != nil {
		return nil, err
	}
	return c.cart, nil
}

func (c *CartMock) SetQuantity(_ context.Context, userID, productID string, _ int) (*d.Cart, error) {
	c.record("quantity", userID, productID)
	return c.cart, c.err
}

func (c *CartMock) RemoveItem(_ context.Context, userID, productID string) (*d.Cart, error) {
	c.record("remove", userID, productID)
	return c.cart, c.err
}

func (c *CartMock) Clear(_ context.Context, userID string) (*d.Cart, error) {
	c.record("clear", userID, "")
	return c.cart, c.err
}

func (c *CartMock) GetPopulated(_ context.Context, userID string) (*d.PopulatedCart, error) {
	c.record("populate", userID, "")
	return c.populated, c.err
}

type CheckoutMock struct {
	result       *service.CheckoutResult
	err          error
	startKey     string
	personal     *d.PersonalInfo
	shipping     *service.ShippingRequest
	authorize    *service.AuthorizeRequest
	abandoned    []string
	intent       *payment.Intent
	method       *payment.PaymentMethod
	shippingErr  error
	personalErrs int
}

func (c *CheckoutMock) Start(_ context.Context, _ string, key string) (*service.CheckoutResult, error) {
	c.startKey = key
	return c.result, c.err
}

func (c *CheckoutMock) GetSession(context.Context, string, string) (*service.CheckoutResult, error) {
	return c.result, c.err
}

func (c *CheckoutMock) CollectPersonalInfo(_ context.Context, _, _ string, info d.PersonalInfo) (*service.CheckoutResult, error) {
	c.personal = &info
	if err := info.Validate(); err != nil {
		c.personalErrs++
		return nil, err
	}
	return c.result, c.err
}

func (c *CheckoutMock) CollectShipping(_ context.Context, _, _ string, req service.ShippingRequest) (*service.CheckoutResult, error) {
	c.shipping = &req
	if c.shippingErr != nil {
		return nil, c.shippingErr
	}
	return c.result, c.err
}

func (c *CheckoutMock) AuthorizePayment(_ context.Context, _, _ string, req service.AuthorizeRequest) (*service.CheckoutResult, error) {
	c.authorize = &req
	return c.result, c.err
}

func (c *CheckoutMock) Abandon(_ context.Context, _, paymentID string) (*service.CheckoutResult, error) {
	c.abandoned = append(c.abandoned, paymentID)
	return c.result, c.err
}

func (c *CheckoutMock) RetrieveIntent(context.Context, string, string) (*payment.Intent, error) {
	return c.intent, c.err
}

func (c *CheckoutMock) RetrievePaymentMethod(context.Context, string) (*payment.PaymentMethod, error) {
	return c.method, c.err
}

type OrderMock struct {
	order     *d.Order
	orders    []*d.Order
	refund    *d.Refund
	err       error
	update    *d.OrderUpdate
	cancelArg []string
}

func (o *OrderMock) Get(context.Context, string, string) (*d.Order, error) {
	return o.order, o.err
}

func (o *OrderMock) List(context.Context, string) ([]*d.Order, error) {
	return o.orders, o.err
}

func (o *OrderMock) FindByPayment(context.Context, string, string) (*d.Order, error) {
	return o.order, o.err
}

func (o *OrderMock) Update(_ context.Context, _, _ string, upd d.OrderUpdate) (*d.Order, error) {
	o.update = &upd
	return o.order, o.err
}

func (o *OrderMock) Cancel(_ context.Context, userID, id, reason string) (*d.Refund, error) {
	o.cancelArg = []string{userID, id, reason}
	return o.refund, o.err
}

func (o *OrderMock) GetRefund(context.Context, string, string) (*d.Refund, error) {
	return o.refund, o.err
}

type VerifierMock struct {
	event *payment.Event
}

func (v *VerifierMock) ParseEvent(payload []byte, signature string) (*payment.Event, error) {
	if signature != "valid" {
		return nil, &d.Error{Kind: d.KindValidation, Code: "invalid_signature", Message: "webhook signature verification failed"}
	}
	return v.event, nil
}

type WebhookMock struct {
	handled []*payment.Event
	err     error
}

func (w *WebhookMock) Handle(_ context.Context, ev *payment.Event) error {
	w.handled = append(w.handled, ev)
	return w.err
}

var errBoom = errors.New("boom")
