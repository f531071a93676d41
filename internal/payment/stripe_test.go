package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/d1gallar/forest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const testWebhookSecret = "whsec_test"

func newTestGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	return newStripeGateway("sk_test_123", testWebhookSecret, backends)
}

func TestStripeGateway_CreateIntent(t *testing.T) {
	var form url.Values
	var idemKey string
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		idemKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","amount":6861,"currency":"usd","status":"requires_payment_method","client_secret":"pi_123_secret_abc"}`)
	})

	in, err := g.CreateIntent(context.Background(), CreateIntentParams{
		Amount:         6861,
		Currency:       "usd",
		Metadata:       map[string]string{MetaUserID: "user1"},
		IdempotencyKey: "checkout-user1-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", in.ID)
	assert.Equal(t, "pi_123_secret_abc", in.ClientSecret)
	assert.Equal(t, int64(6861), in.Amount)
	assert.Equal(t, IntentRequiresPaymentMethod, in.Status)
	assert.Equal(t, "6861", form.Get("amount"))
	assert.Equal(t, "user1", form.Get("metadata[userId]"))
	assert.Equal(t, "checkout-user1-1", idemKey)
}

func TestStripeGateway_CardErrorIsNotTransient(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)
	})

	_, err := g.ConfirmIntent(context.Background(), "pi_123", ConfirmIntentParams{PaymentMethodID: "pm_1"})

	var ge *domain.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "card_declined", ge.Code)
	assert.Equal(t, "insufficient_funds", ge.DeclineCode)
	assert.Equal(t, "Your card has insufficient funds.", ge.Message)
	assert.False(t, ge.Transient)
}

func TestStripeGateway_MissingIntentIsNotFound(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent: 'pi_nope'"}}`)
	})

	_, err := g.RetrieveIntent(context.Background(), "pi_nope")

	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestStripeGateway_ServerErrorIsTransient(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"try again"}}`)
	})

	_, err := g.RetrieveIntent(context.Background(), "pi_123")

	assert.True(t, domain.IsTransient(err))
}

func TestStripeGateway_RefundAlreadyRefundedIsSuccess(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge ch_1 has already been refunded."}}`)
	})

	_, err := g.Refund(context.Background(), RefundParams{ChargeID: "ch_1", Amount: 6861, IdempotencyKey: "refund-00001234"})

	assert.NoError(t, err)
}

func TestMapStripeError_NetworkFailureIsTransient(t *testing.T) {
	err := mapStripeError(&url.Error{Op: "Post", URL: "https://api.stripe.com", Err: errors.New("connection reset")})

	assert.True(t, domain.IsTransient(err))

	err = mapStripeError(fmt.Errorf("confirm: %w", context.Canceled))
	assert.False(t, domain.IsTransient(err))
}

func signedPayload(t *testing.T, payload string, secret string) (string, []byte) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Header, sp.Payload
}

func TestParseEvent_PaymentIntentSucceeded(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	body := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","object":"payment_intent","amount":6861,"currency":"usd","status":"succeeded","metadata":{"userId":"user1"}}}}`
	header, payload := signedPayload(t, body, testWebhookSecret)

	ev, err := g.ParseEvent(payload, header)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventPaymentIntentSucceeded, ev.Type)
	require.NotNil(t, ev.Intent)
	assert.Equal(t, "pi_123", ev.Intent.ID)
	assert.Equal(t, IntentSucceeded, ev.Intent.Status)
	assert.Equal(t, "user1", ev.Intent.Metadata[MetaUserID])
}

func TestParseEvent_BadSignature(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	header, payload := signedPayload(t, `{"id":"evt_1","object":"event","type":"payment_intent.succeeded"}`, "whsec_other")

	_, err := g.ParseEvent(payload, header)

	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
