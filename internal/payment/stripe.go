package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/d1gallar/forest/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	stripeCodeResourceMissing = "resource_missing"
	stripeCodeAlreadyRefunded = "charge_already_refunded"
	stripeTypeAPIError        = "api_error"
)

// StripeGateway implements Gateway and WebhookVerifier on the Stripe API.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway builds a client with provider-side retries disabled;
// ResilientGateway owns the retry policy.
func NewStripeGateway(secretKey, webhookSecret string, httpTimeout time.Duration, logger zerolog.Logger) *StripeGateway {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: httpTimeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripeLogger{log: logger.With().Str("component", "stripe").Logger()},
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	return newStripeGateway(secretKey, webhookSecret, backends)
}

func newStripeGateway(secretKey, webhookSecret string, backends *stripe.Backends) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeGateway{api: api, webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) UpdateIntent(ctx context.Context, id string, p UpdateIntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.Shipping != nil {
		params.Shipping = &stripe.ShippingDetailsParams{
			Name:    stripe.String(p.Shipping.FullName),
			Address: addressParams(p.Shipping),
		}
	}
	if p.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(p.ReceiptEmail)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.Update(id, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return toIntent(pi), nil
}

// ConfirmIntent attaches billing details to the payment method and confirms
// the intent with it.
func (g *StripeGateway) ConfirmIntent(ctx context.Context, id string, p ConfirmIntentParams) (*Intent, error) {
	if p.Billing != nil && p.PaymentMethodID != "" {
		pmParams := &stripe.PaymentMethodParams{
			BillingDetails: &stripe.PaymentMethodBillingDetailsParams{
				Name:    stripe.String(p.Billing.FullName),
				Address: addressParams(p.Billing),
			},
		}
		pmParams.Context = ctx
		if p.Email != "" {
			pmParams.BillingDetails.Email = stripe.String(p.Email)
		}
		if _, err := g.api.PaymentMethods.Update(p.PaymentMethodID, pmParams); err != nil {
			return nil, mapStripeError(err)
		}
	}

	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if p.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethodID)
	}
	if p.ReturnURL != "" {
		params.ReturnURL = stripe.String(p.ReturnURL)
	}
	if p.Email != "" {
		params.ReceiptEmail = stripe.String(p.Email)
	}
	params.AddExpand("latest_charge")
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.Confirm(id, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String("abandoned"),
	}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) RetrievePaymentMethod(ctx context.Context, id string) (*PaymentMethod, error) {
	params := &stripe.PaymentMethodParams{}
	params.Context = ctx

	pm, err := g.api.PaymentMethods.Get(id, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	out := &PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = pm.Card.ExpMonth
		out.ExpYear = pm.Card.ExpYear
	}
	return out, nil
}

// Refund issues a refund against a charge. A charge that is already refunded
// counts as success.
func (g *StripeGateway) Refund(ctx context.Context, p RefundParams) (string, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(p.ChargeID),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	if p.Reason != "" {
		params.AddMetadata("reason", p.Reason)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	r, err := g.api.Refunds.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && string(se.Code) == stripeCodeAlreadyRefunded {
			return "", nil
		}
		return "", mapStripeError(err)
	}
	return r.ID, nil
}

// ParseEvent verifies the Stripe-Signature header and decodes the event.
func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, &domain.Error{
			Kind:    domain.KindValidation,
			Code:    "invalid_signature",
			Message: "webhook signature verification failed",
			Err:     err,
		}
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && ev.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, domain.NewValidationError("invalid_event", "payment intent payload could not be decoded")
		}
		out.Intent = toIntent(&pi)
	}
	return out, nil
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       IntentStatus(pi.Status),
		Metadata:     pi.Metadata,
	}
	if pi.LatestCharge != nil {
		in.ChargeID = pi.LatestCharge.ID
	}
	if pi.PaymentMethod != nil {
		in.PaymentMethodID = pi.PaymentMethod.ID
	}
	return in
}

func addressParams(a *domain.Address) *stripe.AddressParams {
	p := &stripe.AddressParams{
		Line1:      stripe.String(a.Line1),
		City:       stripe.String(a.City),
		PostalCode: stripe.String(a.PostalCode),
		State:      stripe.String(a.StateProvinceCounty),
		Country:    stripe.String(a.Country),
	}
	if a.Line2 != "" {
		p.Line2 = stripe.String(a.Line2)
	}
	return p
}

// mapStripeError translates provider failures into domain errors. Missing
// resources become NotFound. Rate limits, 5xx and transport failures are
// transient.
func mapStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusNotFound || string(se.Code) == stripeCodeResourceMissing {
			return &domain.Error{Kind: domain.KindNotFound, Code: "payment_not_found", Message: se.Msg, Err: err}
		}
		return &domain.GatewayError{
			Code:        string(se.Code),
			DeclineCode: string(se.DeclineCode),
			Message:     se.Msg,
			StatusCode:  se.HTTPStatusCode,
			Transient: se.HTTPStatusCode == http.StatusTooManyRequests ||
				se.HTTPStatusCode >= http.StatusInternalServerError ||
				string(se.Type) == stripeTypeAPIError,
			Err: err,
		}
	}

	// Anything that never reached the API is a transport failure, unless the
	// caller gave up.
	return &domain.GatewayError{Message: err.Error(), Transient: !errors.Is(err, context.Canceled), Err: err}
}

// stripeLogger routes stripe-go client logs through zerolog.
type stripeLogger struct {
	log zerolog.Logger
}

func (l *stripeLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l *stripeLogger) Infof(format string, v ...interface{}) {
	l.log.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l *stripeLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Msg(fmt.Sprintf(format, v...))
}

func (l *stripeLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Msg(fmt.Sprintf(format, v...))
}
