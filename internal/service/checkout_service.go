package service

import (
	"context"
	"errors"
	"fmt"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/payment"
	"github.com/d1gallar/forest/internal/pricing"
	r "github.com/d1gallar/forest/internal/repository"
	"github.com/d1gallar/forest/internal/sessions"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type CheckoutConfig struct {
	Currency  string
	ReturnURL string
}

// CheckoutResult is what the client sees of a checkout session.
type CheckoutResult struct {
	SessionID    string               `json:"checkoutSessionId"`
	PaymentID    string               `json:"paymentId"`
	ClientSecret string               `json:"clientSecret,omitempty"`
	Status       d.CheckoutStatus     `json:"status"`
	IntentStatus payment.IntentStatus `json:"intentStatus,omitempty"`
	Amount       float64              `json:"amount"`
	OrderID      string               `json:"orderId,omitempty"`
	LastError    string               `json:"lastError,omitempty"`
}

type ShippingRequest struct {
	Shipping              *d.Address
	BillingSameAsShipping bool
	Billing               *d.Address
}

type AuthorizeRequest struct {
	PaymentMethodID string
	Billing         *d.Address
}

type CheckoutService struct {
	repo      sessions.RepoInterface
	carts     CartReader
	addresses r.AddressBook
	gateway   payment.Gateway
	cfg       CheckoutConfig
	log       zerolog.Logger
	now       Clock
}

func NewCheckoutService(repo sessions.RepoInterface, carts CartReader, addresses r.AddressBook, gateway payment.Gateway, cfg CheckoutConfig, logger zerolog.Logger) *CheckoutService {
	return &CheckoutService{
		repo:      repo,
		carts:     carts,
		addresses: addresses,
		gateway:   gateway,
		cfg:       cfg,
		log:       logger.With().Str("component", "checkout_service").Logger(),
		now:       utcNow,
	}
}

func toResult(s *d.CheckoutSession) *CheckoutResult {
	return &CheckoutResult{
		SessionID: s.ID,
		PaymentID: s.PaymentID,
		Status:    s.Status,
		Amount:    s.TotalAmount,
		OrderID:   s.OrderID,
		LastError: s.LastError,
	}
}

// Start opens a checkout for the user's current cart and creates the payment
// intent for its total. A repeated idempotency key returns the session it
// created the first time.
func (s *CheckoutService) Start(ctx context.Context, userID, idempotencyKey string) (*CheckoutResult, error) {
	if idempotencyKey != "" {
		existing, err := s.repo.GetCheckoutSessionByIdempotencyKey(ctx, idempotencyKey)
		if err != nil && !errors.Is(err, sessions.ErrIdempotencyKeyNotFound) {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.log.Info().Str("idempotency_key", idempotencyKey).Str("checkout_id", existing.ID).
				Str("status", existing.Status.String()).Msg("duplicate checkout request")
			return s.resume(ctx, userID, existing)
		}
	}

	cart, err := s.carts.GetStoredCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, d.NewValidationError("empty_cart", "cart is empty, nothing to checkout")
	}

	now := s.now()
	session := &d.CheckoutSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		Status:         d.CheckoutStatusCreated,
		TotalAmount:    cart.Total,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	providerKey := "checkout-" + session.ID
	if idempotencyKey != "" {
		providerKey = "checkout-" + userID + "-" + idempotencyKey
	}
	intent, err := s.gateway.CreateIntent(ctx, payment.CreateIntentParams{
		Amount:   pricing.ToMinorUnits(cart.Total),
		Currency: s.cfg.Currency,
		Metadata: map[string]string{
			payment.MetaUserID:    userID,
			payment.MetaSessionID: session.ID,
		},
		IdempotencyKey: providerKey,
	})
	if err != nil {
		return nil, err
	}
	session.PaymentID = intent.ID

	err = s.repo.CreateCheckoutSession(ctx, session)
	switch {
	case errors.Is(err, sessions.ErrDuplicateIdempotencyKey):
		existing, getErr := s.repo.GetCheckoutSessionByIdempotencyKey(ctx, idempotencyKey)
		if getErr != nil {
			return nil, getErr
		}
		return s.resume(ctx, userID, existing)
	case errors.Is(err, sessions.ErrDuplicateSession):
		existing, getErr := s.repo.GetCheckoutSessionByPaymentID(ctx, intent.ID)
		if getErr != nil {
			return nil, sessionError(getErr)
		}
		return s.resume(ctx, userID, existing)
	case err != nil:
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.log.Info().Str("user_id", userID).Str("checkout_id", session.ID).Str("payment_id", intent.ID).Msg("checkout started")
	res := toResult(session)
	res.ClientSecret = intent.ClientSecret
	res.IntentStatus = intent.Status
	return res, nil
}

func (s *CheckoutService) resume(ctx context.Context, userID string, existing *d.CheckoutSession) (*CheckoutResult, error) {
	if existing.UserID != userID {
		return nil, d.NewConflictError("idempotency_key_reused", "idempotency key belongs to another checkout", nil)
	}
	res := toResult(existing)
	intent, err := s.gateway.RetrieveIntent(ctx, existing.PaymentID)
	if err != nil {
		return nil, err
	}
	res.ClientSecret = intent.ClientSecret
	res.IntentStatus = intent.Status
	return res, nil
}

func (s *CheckoutService) load(ctx context.Context, userID, paymentID string) (*d.CheckoutSession, error) {
	if paymentID == "" {
		return nil, d.NewFieldError("paymentId", "paymentId is required")
	}
	session, err := s.repo.GetCheckoutSessionByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, sessionError(err)
	}
	if session.UserID != userID {
		return nil, d.NewUnauthorizedError("checkout belongs to another user")
	}
	return session, nil
}

func (s *CheckoutService) GetSession(ctx context.Context, userID, paymentID string) (*CheckoutResult, error) {
	session, err := s.load(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	return toResult(session), nil
}

// CollectPersonalInfo records the customer's name and email.
func (s *CheckoutService) CollectPersonalInfo(ctx context.Context, userID, paymentID string, info d.PersonalInfo) (*CheckoutResult, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	session, err := s.load(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if err := session.Advance(d.CheckoutStatusPersonalInfoCollected, s.now()); err != nil {
		return nil, err
	}
	session.Customer = info

	if err := s.repo.UpdateCheckoutSession(ctx, session); err != nil {
		return nil, sessionError(err)
	}
	return toResult(session), nil
}

// CollectShipping validates the shipping address, falling back to the user's
// default address, and pushes it onto the payment intent.
func (s *CheckoutService) CollectShipping(ctx context.Context, userID, paymentID string, req ShippingRequest) (*CheckoutResult, error) {
	session, err := s.load(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanTransitionTo(d.CheckoutStatusShippingCollected) {
		return nil, d.NewValidationError("invalid_checkout_step",
			"checkout cannot move from "+session.Status.String()+" to "+d.CheckoutStatusShippingCollected.String())
	}

	shipping := req.Shipping
	if shipping == nil {
		shipping, err = s.addresses.GetDefaultAddress(ctx, userID)
		if errors.Is(err, r.ErrAddressNotFound) {
			return nil, d.NewFieldError("shippingAddress", "shipping address is required")
		}
		if err != nil {
			return nil, err
		}
	}
	if err := shipping.Validate("shippingAddress"); err != nil {
		return nil, err
	}

	var billing *d.Address
	switch {
	case req.BillingSameAsShipping:
		copied := *shipping
		billing = &copied
	case req.Billing != nil:
		if err := req.Billing.Validate("billingAddress"); err != nil {
			return nil, err
		}
		billing = req.Billing
	}

	_, err = s.gateway.UpdateIntent(ctx, paymentID, payment.UpdateIntentParams{
		Shipping:     shipping,
		ReceiptEmail: session.Customer.Email,
	})
	if err != nil {
		return nil, err
	}

	if err := session.Advance(d.CheckoutStatusShippingCollected, s.now()); err != nil {
		return nil, err
	}
	session.ShippingAddress = shipping
	session.BillingSameAsShipping = req.BillingSameAsShipping
	if billing != nil {
		session.BillingAddress = billing
	}
	if err := s.repo.UpdateCheckoutSession(ctx, session); err != nil {
		return nil, sessionError(err)
	}
	return toResult(session), nil
}

// AuthorizePayment snapshots the priced cart into the intent metadata and
// confirms the intent. A provider error leaves the session at its current
// step with LastError set, so a retry reuses the same intent.
func (s *CheckoutService) AuthorizePayment(ctx context.Context, userID, paymentID string, req AuthorizeRequest) (*CheckoutResult, error) {
	session, err := s.load(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanTransitionTo(d.CheckoutStatusPaymentAuthorized) {
		return nil, d.NewValidationError("invalid_checkout_step",
			"checkout cannot move from "+session.Status.String()+" to "+d.CheckoutStatusPaymentAuthorized.String())
	}
	if session.ShippingAddress == nil {
		return nil, d.NewFieldError("shippingAddress", "shipping address is required")
	}

	billing := req.Billing
	if billing == nil {
		billing = session.BillingAddress
	}
	if billing == nil && session.BillingSameAsShipping {
		copied := *session.ShippingAddress
		billing = &copied
	}
	if billing == nil {
		return nil, d.NewFieldError("billingAddress", "billing address is required")
	}
	if err := billing.Validate("billingAddress"); err != nil {
		return nil, err
	}

	cart, err := s.carts.GetStoredCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, d.NewValidationError("empty_cart", "cart is empty, nothing to checkout")
	}

	now := s.now()
	snapshot := d.SnapshotCart(cart, s.cfg.Currency, now)
	snapshot.BillingAddress = *billing
	snapshot.ShippingAddress = *session.ShippingAddress

	md, err := payment.OrderMetadata{
		UserID:          userID,
		SessionID:       session.ID,
		Items:           snapshot.Items,
		BillingAddress:  snapshot.BillingAddress,
		ShippingAddress: snapshot.ShippingAddress,
		Totals:          snapshot.Totals,
	}.Encode()
	if err != nil {
		return nil, err
	}

	_, err = s.gateway.UpdateIntent(ctx, paymentID, payment.UpdateIntentParams{
		Amount:   pricing.ToMinorUnits(snapshot.Totals.Total),
		Metadata: md,
	})
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.ConfirmIntent(ctx, paymentID, payment.ConfirmIntentParams{
		PaymentMethodID: req.PaymentMethodID,
		Billing:         billing,
		Email:           session.Customer.Email,
		ReturnURL:       s.cfg.ReturnURL,
		// The version moves whenever the session is written, so a retry
		// after a decline is a new request to the provider.
		IdempotencyKey: fmt.Sprintf("confirm-%s-%d", session.ID, session.Version),
	})
	if err != nil {
		s.recordFailure(ctx, session, err)
		return nil, err
	}

	session.BillingAddress = billing
	session.Snapshot = snapshot
	session.TotalAmount = snapshot.Totals.Total
	session.LastError = ""
	switch intent.Status {
	case payment.IntentSucceeded, payment.IntentProcessing, payment.IntentRequiresCapture:
		if err := session.Advance(d.CheckoutStatusPaymentAuthorized, now); err != nil {
			return nil, err
		}
	}

	if err := s.repo.UpdateCheckoutSession(ctx, session); err != nil {
		if !errors.Is(err, sessions.ErrSessionVersionConflict) {
			return nil, sessionError(err)
		}
		// The webhook may have settled the session in the meantime.
		current, getErr := s.repo.GetCheckoutSessionByPaymentID(ctx, paymentID)
		if getErr != nil {
			return nil, sessionError(getErr)
		}
		session = current
	}

	s.log.Info().Str("user_id", userID).Str("payment_id", paymentID).Str("intent_status", string(intent.Status)).Msg("payment confirmed")
	res := toResult(session)
	res.ClientSecret = intent.ClientSecret
	res.IntentStatus = intent.Status
	return res, nil
}

func (s *CheckoutService) recordFailure(ctx context.Context, session *d.CheckoutSession, cause error) {
	var ge *d.GatewayError
	if errors.As(cause, &ge) {
		session.LastError = ge.Message
	} else {
		session.LastError = cause.Error()
	}
	if err := s.repo.UpdateCheckoutSession(ctx, session); err != nil {
		s.log.Error().Err(err).Str("payment_id", session.PaymentID).Msg("failed to record payment error")
	}
	s.log.Warn().Err(cause).Str("payment_id", session.PaymentID).Msg("payment confirmation failed")
}

// Abandon cancels the remote intent and fails the session.
func (s *CheckoutService) Abandon(ctx context.Context, userID, paymentID string) (*CheckoutResult, error) {
	session, err := s.load(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, d.NewValidationError("invalid_checkout_step", "checkout is already "+session.Status.String())
	}

	if _, err := s.gateway.CancelIntent(ctx, paymentID); err != nil {
		return nil, err
	}
	if err := session.Fail("abandoned", s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateCheckoutSession(ctx, session); err != nil {
		return nil, sessionError(err)
	}
	return toResult(session), nil
}

// RetrieveIntent returns the intent if it was created for userID.
func (s *CheckoutService) RetrieveIntent(ctx context.Context, userID, paymentID string) (*payment.Intent, error) {
	intent, err := s.gateway.RetrieveIntent(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if intent.Metadata[payment.MetaUserID] != userID {
		return nil, d.NewUnauthorizedError("payment belongs to another user")
	}
	return intent, nil
}

func (s *CheckoutService) RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*payment.PaymentMethod, error) {
	if paymentMethodID == "" {
		return nil, d.NewFieldError("paymentMethodId", "paymentMethodId is required")
	}
	return s.gateway.RetrievePaymentMethod(ctx, paymentMethodID)
}
